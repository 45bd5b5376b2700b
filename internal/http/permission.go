package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
)

// Stored representation
type permissionFile struct {
	Allowed map[string]bool `json:"allowed"`
	Updated string          `json:"updated,omitempty"`
}

// PermissionStore is the authoritative allowlist of origins that may ask the
// wallet for anything.
type PermissionStore struct {
	mu      sync.RWMutex
	kv      storage.KV
	allowed map[string]bool
}

func NewPermissionStore(kv storage.KV) *PermissionStore {
	return &PermissionStore{
		kv:      kv,
		allowed: make(map[string]bool),
	}
}

// Load reads the allowlist. A missing entry is an empty allowlist (first run).
func (ps *PermissionStore) Load(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	b, err := ps.kv.Get(ctx, constants.PermissionsKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read permissions: %w", err)
	}

	var pf permissionFile
	if err := json.Unmarshal(b, &pf); err != nil {
		return fmt.Errorf("parse permissions: %w", err)
	}
	if pf.Allowed == nil {
		pf.Allowed = make(map[string]bool)
	}

	ps.allowed = pf.Allowed
	return nil
}

func (ps *PermissionStore) save(ctx context.Context) error {
	pf := permissionFile{
		Allowed: ps.allowed,
		Updated: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(pf)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	if err := ps.kv.Put(ctx, constants.PermissionsKey, b); err != nil {
		return fmt.Errorf("write permissions: %w", err)
	}
	return nil
}

func (ps *PermissionStore) IsAllowed(origin string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.allowed[origin]
}

// Set updates permission for an origin and persists it. The in-memory value
// is rolled back when the write fails.
func (ps *PermissionStore) Set(ctx context.Context, origin string, allowed bool) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	prev, had := ps.allowed[origin]
	ps.allowed[origin] = allowed
	if err := ps.save(ctx); err != nil {
		if had {
			ps.allowed[origin] = prev
		} else {
			delete(ps.allowed, origin)
		}
		return err
	}
	return nil
}

// List returns a copy of the allowlist.
func (ps *PermissionStore) List() map[string]bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make(map[string]bool, len(ps.allowed))
	for k, v := range ps.allowed {
		out[k] = v
	}
	return out
}
