package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quantumauth-io/wallet-approval-agent/internal/securefile"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, *signer.Keypair) {
	t.Helper()
	ks := signer.NewKeystore(filepath.Join(t.TempDir(), "keystore.json"),
		securefile.KDFParams{ArgonTime: 1, ArgonMemory: 1024, ArgonThreads: 1, ArgonKeyLen: 32})
	kp, err := ks.Create([]byte("password-1"))
	require.NoError(t, err)
	return NewManager(ks), kp
}

func TestUnlockLock(t *testing.T) {
	ctx := context.Background()
	m, kp := newManager(t)

	assert.False(t, m.Active())
	_, err := m.Keypair()
	assert.ErrorIs(t, err, signer.ErrLocked)
	_, err = m.SessionKey()
	assert.ErrorIs(t, err, storage.ErrLocked)

	addr, err := m.Address()
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), addr)

	require.Error(t, m.Unlock(ctx, []byte("wrong-password")))
	assert.False(t, m.Active())

	require.NoError(t, m.Unlock(ctx, []byte("password-1")))
	assert.True(t, m.Active())

	live, err := m.Keypair()
	require.NoError(t, err)
	key, err := m.SessionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	locks := 0
	m.OnLock(func(context.Context) { locks++ })

	m.Lock(ctx)
	assert.False(t, m.Active())
	assert.Equal(t, 1, locks)

	// the handed out keypair is wiped too
	_, err = live.SignWithIntent(signer.IntentTransactionData, []byte("x"))
	assert.Error(t, err)

	// locking twice runs listeners once
	m.Lock(ctx)
	assert.Equal(t, 1, locks)
}

func TestReunlockRotatesSessionKey(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	require.NoError(t, m.Unlock(ctx, []byte("password-1")))
	first, err := m.SessionKey()
	require.NoError(t, err)

	locks := 0
	m.OnLock(func(context.Context) { locks++ })

	require.NoError(t, m.Unlock(ctx, []byte("password-1")))
	second, err := m.SessionKey()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, locks)
}
