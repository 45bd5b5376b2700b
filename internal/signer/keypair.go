package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

// IntentScope domain-separates what a signature can be replayed as.
type IntentScope byte

const (
	IntentTransactionData IntentScope = 0
	IntentPersonalMessage IntentScope = 3
)

const (
	schemeFlagSecp256k1 = 0x01

	compressedPubKeyLen = 33
	rawSignatureLen     = 64
	serializedSigLen    = 1 + rawSignatureLen + compressedPubKeyLen
)

// Keypair is a secp256k1 key held in memory while the session is unlocked.
type Keypair struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	pub     []byte
	address string
}

func NewRandomKeypair() (*Keypair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newKeypair(key), nil
}

func KeypairFromHex(privHex string) (*Keypair, error) {
	privHex = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(privHex), "0x"), "0X")
	if len(privHex) != 64 {
		return nil, fmt.Errorf("invalid privkey hex length: got %d want 64", len(privHex))
	}
	key, err := crypto.HexToECDSA(privHex)
	if err != nil {
		return nil, fmt.Errorf("to ecdsa: %w", err)
	}
	return newKeypair(key), nil
}

func newKeypair(key *ecdsa.PrivateKey) *Keypair {
	pub := crypto.CompressPubkey(&key.PublicKey)
	return &Keypair{
		key:     key,
		pub:     pub,
		address: AddressFromPublicKey(pub),
	}
}

func (k *Keypair) Address() string { return k.address }

func (k *Keypair) PublicKey() []byte {
	return append([]byte(nil), k.pub...)
}

func (k *Keypair) privateHex() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return hex.EncodeToString(crypto.FromECDSA(k.key))
}

// Wipe clears the private scalar. The keypair is unusable afterwards.
func (k *Keypair) Wipe() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key == nil || k.key.D == nil {
		return
	}
	k.key.D.SetInt64(0)
	k.key = nil
}

// SignWithIntent signs data under scope and returns the serialized signature:
// flag || r || s || compressed public key, base64 encoded.
func (k *Keypair) SignWithIntent(scope IntentScope, data []byte) (string, error) {
	if k == nil {
		return "", errors.New("nil keypair")
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return "", errors.New("keypair wiped")
	}
	digest := intentDigest(scope, data)
	sig, err := crypto.Sign(digest, k.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	out := make([]byte, 0, serializedSigLen)
	out = append(out, schemeFlagSecp256k1)
	out = append(out, sig[:rawSignatureLen]...)
	out = append(out, k.pub...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// VerifySignature checks a serialized signature over data under scope and
// returns the signer's address.
func VerifySignature(serialized string, scope IntentScope, data []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != serializedSigLen || raw[0] != schemeFlagSecp256k1 {
		return "", errors.New("unsupported signature encoding")
	}
	sig := raw[1 : 1+rawSignatureLen]
	pub := raw[1+rawSignatureLen:]

	if !crypto.VerifySignature(pub, intentDigest(scope, data), sig) {
		return "", errors.New("signature mismatch")
	}
	return AddressFromPublicKey(pub), nil
}

// AddressFromPublicKey is blake2b-256(flag || compressed public key).
func AddressFromPublicKey(pub []byte) string {
	buf := make([]byte, 0, 1+len(pub))
	buf = append(buf, schemeFlagSecp256k1)
	buf = append(buf, pub...)
	sum := blake2b.Sum256(buf)
	return "0x" + hex.EncodeToString(sum[:])
}

func intentDigest(scope IntentScope, data []byte) []byte {
	msg := make([]byte, 0, 3+len(data))
	msg = append(msg, byte(scope), 0, 0)
	msg = append(msg, data...)
	inner := blake2b.Sum256(msg)
	outer := sha256.Sum256(inner[:])
	return outer[:]
}

// encodeMessage prefixes a personal message with its ULEB128 length.
func encodeMessage(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+5)
	n := uint64(len(msg))
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		out = append(out, b)
		break
	}
	return append(out, msg...)
}
