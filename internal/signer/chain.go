package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

const (
	methodExecuteTransactionBlock = "sui_executeTransactionBlock"
	methodDryRunTransactionBlock  = "sui_dryRunTransactionBlock"
)

// Chain submits serialized transactions to a network.
type Chain interface {
	Execute(ctx context.Context, chain, txBytes string, signatures []string, opts *ExecuteOptions, requestType string) (*ExecutionResult, error)
	DryRun(ctx context.Context, chain, txBytes string) (*DryRunResult, error)
}

// RPCChain talks JSON-RPC 2.0 to one endpoint per chain id. Clients are dialed
// on first use.
type RPCChain struct {
	mu        sync.Mutex
	endpoints map[string]string
	clients   map[string]*rpc.Client
}

func NewRPCChain(endpoints map[string]string) *RPCChain {
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &RPCChain{
		endpoints: eps,
		clients:   make(map[string]*rpc.Client),
	}
}

// Attach installs an already connected client for chain.
func (c *RPCChain) Attach(chain string, client *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.clients[chain]; ok && old != client {
		old.Close()
	}
	c.clients[chain] = client
}

func (c *RPCChain) client(ctx context.Context, chain string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[chain]; ok {
		return cl, nil
	}
	url, ok := c.endpoints[chain]
	if !ok || url == "" {
		return nil, fmt.Errorf("no rpc endpoint configured for chain %q", chain)
	}
	cl, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", chain, err)
	}
	log.Info("chain rpc connected", "chain", chain)
	c.clients[chain] = cl
	return cl, nil
}

func (c *RPCChain) Execute(ctx context.Context, chain, txBytes string, signatures []string, opts *ExecuteOptions, requestType string) (*ExecutionResult, error) {
	cl, err := c.client(ctx, chain)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ExecuteOptions{ShowEffects: true}
	}
	if requestType == "" {
		requestType = RequestTypeWaitForEffectsCert
	}

	var res ExecutionResult
	if err := cl.CallContext(ctx, &res, methodExecuteTransactionBlock, txBytes, signatures, opts, requestType); err != nil {
		return nil, fmt.Errorf("%s: %w", methodExecuteTransactionBlock, err)
	}
	return &res, nil
}

func (c *RPCChain) DryRun(ctx context.Context, chain, txBytes string) (*DryRunResult, error) {
	cl, err := c.client(ctx, chain)
	if err != nil {
		return nil, err
	}

	var res DryRunResult
	if err := cl.CallContext(ctx, &res, methodDryRunTransactionBlock, txBytes); err != nil {
		return nil, fmt.Errorf("%s: %w", methodDryRunTransactionBlock, err)
	}
	return &res, nil
}

func (c *RPCChain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clients {
		cl.Close()
		delete(c.clients, id)
	}
}
