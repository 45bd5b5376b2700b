// Package session tracks whether the wallet is unlocked and owns the in-memory
// secrets that only exist while it is.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/securefile"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
)

// Unlocker turns a password into the account keypair.
type Unlocker interface {
	Unlock(password []byte) (*signer.Keypair, error)
	Address() (string, error)
}

// Manager is the lock-check contract: direct execution and session storage
// are only usable while Active reports true.
type Manager struct {
	keystore Unlocker

	mu         sync.RWMutex
	keypair    *signer.Keypair
	sessionKey []byte
	onLock     []func(context.Context)
}

func NewManager(keystore Unlocker) *Manager {
	return &Manager{keystore: keystore}
}

// Unlock decrypts the keypair and starts a fresh session. Unlocking an active
// session replaces it.
func (m *Manager) Unlock(ctx context.Context, password []byte) error {
	kp, err := m.keystore.Unlock(password)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		kp.Wipe()
		return fmt.Errorf("rand session key: %w", err)
	}

	m.mu.Lock()
	wasActive := m.keypair != nil
	m.wipeLocked()
	m.keypair = kp
	m.sessionKey = key
	m.mu.Unlock()

	if wasActive {
		m.notifyLock(ctx)
	}
	log.Info("session unlocked", "address", kp.Address())
	return nil
}

// Lock wipes the keypair and session key and runs the lock listeners.
func (m *Manager) Lock(ctx context.Context) {
	m.mu.Lock()
	if m.keypair == nil {
		m.mu.Unlock()
		return
	}
	m.wipeLocked()
	m.mu.Unlock()

	m.notifyLock(ctx)
	log.Info("session locked")
}

func (m *Manager) notifyLock(ctx context.Context) {
	m.mu.RLock()
	listeners := append([]func(context.Context){}, m.onLock...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx)
	}
}

func (m *Manager) wipeLocked() {
	if m.keypair != nil {
		m.keypair.Wipe()
		m.keypair = nil
	}
	if m.sessionKey != nil {
		securefile.Wipe(m.sessionKey)
		m.sessionKey = nil
	}
}

// OnLock registers fn to run after every lock, and before a re-unlock
// replaces an active session.
func (m *Manager) OnLock(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLock = append(m.onLock, fn)
}

func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keypair != nil
}

func (m *Manager) Keypair() (*signer.Keypair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keypair == nil {
		return nil, signer.ErrLocked
	}
	return m.keypair, nil
}

// Address falls back to the keystore so it works while locked.
func (m *Manager) Address() (string, error) {
	m.mu.RLock()
	kp := m.keypair
	m.mu.RUnlock()
	if kp != nil {
		return kp.Address(), nil
	}
	addr, err := m.keystore.Address()
	if err != nil {
		return "", errors.Join(signer.ErrLocked, err)
	}
	return addr, nil
}

// SessionKey returns a copy of the session key for storage.Encrypted.
func (m *Manager) SessionKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sessionKey == nil {
		return nil, storage.ErrLocked
	}
	return append([]byte(nil), m.sessionKey...), nil
}
