package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/securefile"
)

// KeySource hands out the current session key, or ErrLocked.
type KeySource interface {
	SessionKey() ([]byte, error)
}

// Encrypted seals every value with the session key before it reaches inner.
// Values written under a previous session cannot be opened after a new unlock
// and read as ErrNotFound.
type Encrypted struct {
	inner KV
	keys  KeySource

	mu      sync.Mutex
	written map[string]struct{}
}

func NewEncrypted(inner KV, keys KeySource) *Encrypted {
	return &Encrypted{
		inner:   inner,
		keys:    keys,
		written: make(map[string]struct{}),
	}
}

func aadFor(key string) []byte {
	return []byte(constants.SessionValueAAD + key)
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	sk, err := e.keys.SessionKey()
	if err != nil {
		return nil, err
	}

	raw, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var sealed securefile.Sealed
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("decode sealed %s: %w", key, err)
	}
	plain, err := securefile.OpenWithKey(sk, &sealed, aadFor(key))
	if err != nil {
		if errors.Is(err, securefile.ErrInvalidPasswordOrCorrupt) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return plain, nil
}

func (e *Encrypted) Put(ctx context.Context, key string, value []byte) error {
	sk, err := e.keys.SessionKey()
	if err != nil {
		return err
	}

	sealed, err := securefile.SealWithKey(sk, value, aadFor(key))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("encode sealed %s: %w", key, err)
	}
	if err := e.inner.Put(ctx, key, raw); err != nil {
		return err
	}

	e.mu.Lock()
	e.written[key] = struct{}{}
	e.mu.Unlock()
	return nil
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	if err := e.inner.Delete(ctx, key); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.written, key)
	e.mu.Unlock()
	return nil
}

// Purge removes every value written through e plus the extra keys given.
// It is called when the session locks.
func (e *Encrypted) Purge(ctx context.Context, extra ...string) error {
	e.mu.Lock()
	keys := make([]string, 0, len(e.written)+len(extra))
	for k := range e.written {
		keys = append(keys, k)
	}
	e.written = make(map[string]struct{})
	e.mu.Unlock()

	keys = append(keys, extra...)

	var errs []error
	for _, k := range keys {
		if err := e.inner.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
