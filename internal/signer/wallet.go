// Package signer signs transactions and messages with the account key and
// submits them to the configured chains.
package signer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrLocked = errors.New("wallet is locked")

// Capability is everything the approval flows need from the account.
type Capability interface {
	Address(ctx context.Context) (string, error)
	SignTransaction(ctx context.Context, tx *Transaction) (*SignedData, error)
	SignMessage(ctx context.Context, message []byte) (*SignedMessage, error)
	SignAndExecute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error)
	ExecuteSigned(ctx context.Context, req SignedExecuteRequest) (*ExecutionResult, error)
	DryRun(ctx context.Context, chain string, tx *Transaction) (*DryRunResult, error)
}

type ExecuteRequest struct {
	Chain       string
	Transaction *Transaction
	Options     *ExecuteOptions
	RequestType string
}

type SignedExecuteRequest struct {
	Chain       string
	Signed      SignedData
	Options     *ExecuteOptions
	RequestType string
}

// KeyProvider exposes the unlocked keypair. Address works while locked.
type KeyProvider interface {
	Keypair() (*Keypair, error)
	Address() (string, error)
}

// Wallet implements Capability with a local keypair and a Chain.
type Wallet struct {
	keys  KeyProvider
	chain Chain
}

func NewWallet(keys KeyProvider, chain Chain) *Wallet {
	return &Wallet{keys: keys, chain: chain}
}

func (w *Wallet) Address(_ context.Context) (string, error) {
	return w.keys.Address()
}

func (w *Wallet) SignTransaction(_ context.Context, tx *Transaction) (*SignedData, error) {
	kp, err := w.keys.Keypair()
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errors.New("nil transaction")
	}
	if tx.Sender == "" {
		tx.Sender = kp.Address()
	}

	b, err := tx.Bytes()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	sig, err := kp.SignWithIntent(IntentTransactionData, b)
	if err != nil {
		return nil, err
	}
	return &SignedData{
		TransactionBytes: base64.StdEncoding.EncodeToString(b),
		Signature:        sig,
	}, nil
}

func (w *Wallet) SignMessage(_ context.Context, message []byte) (*SignedMessage, error) {
	kp, err := w.keys.Keypair()
	if err != nil {
		return nil, err
	}
	sig, err := kp.SignWithIntent(IntentPersonalMessage, encodeMessage(message))
	if err != nil {
		return nil, err
	}
	return &SignedMessage{
		MessageBytes: base64.StdEncoding.EncodeToString(message),
		Signature:    sig,
	}, nil
}

func (w *Wallet) SignAndExecute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	signed, err := w.SignTransaction(ctx, req.Transaction)
	if err != nil {
		return nil, err
	}
	return w.ExecuteSigned(ctx, SignedExecuteRequest{
		Chain:       req.Chain,
		Signed:      *signed,
		Options:     req.Options,
		RequestType: req.RequestType,
	})
}

func (w *Wallet) ExecuteSigned(ctx context.Context, req SignedExecuteRequest) (*ExecutionResult, error) {
	if w.chain == nil {
		return nil, errors.New("no chain configured")
	}
	// A failed status still charges gas, so it is returned as a result, not an error.
	return w.chain.Execute(ctx, req.Chain, req.Signed.TransactionBytes, []string{req.Signed.Signature}, req.Options, req.RequestType)
}

func (w *Wallet) DryRun(ctx context.Context, chain string, tx *Transaction) (*DryRunResult, error) {
	if w.chain == nil {
		return nil, errors.New("no chain configured")
	}
	if tx.Sender == "" {
		if addr, err := w.keys.Address(); err == nil {
			tx.Sender = addr
		}
	}
	b, err := tx.Bytes()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return w.chain.DryRun(ctx, chain, base64.StdEncoding.EncodeToString(b))
}
