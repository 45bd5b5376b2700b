package popup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLauncher struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (r *recordingLauncher) Launch(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.urls = append(r.urls, url)
	return nil
}

func isClosed(w *Window) bool {
	select {
	case <-w.Closed():
		return true
	default:
		return false
	}
}

func TestOpenBuildsRoute(t *testing.T) {
	l := &recordingLauncher{}
	c := NewController("http://127.0.0.1:6137/", l, time.Second)

	w, err := c.Open(context.Background(), KindTxApproval, "abc")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:6137/#/tx-approval/abc", w.URL)
	assert.Equal(t, []string{w.URL}, l.urls)

	assert.Equal(t, "http://127.0.0.1:6137/#/preapproval/x", c.URL(KindPreapproval, "x"))
	assert.Equal(t, "http://127.0.0.1:6137/#/sign-message-approval/y", c.URL(KindSignMessageApproval, "y"))

	got, ok := c.Get("abc")
	require.True(t, ok)
	assert.Same(t, w, got)

	_, err = c.Open(context.Background(), KindTxApproval, "abc")
	assert.ErrorIs(t, err, ErrWindowOpen)

	_, err = c.Open(context.Background(), Kind("bogus"), "zzz")
	assert.Error(t, err)
}

func TestCloseFiresOnce(t *testing.T) {
	c := NewController("http://ui", &recordingLauncher{}, time.Second)
	w, err := c.Open(context.Background(), KindPreapproval, "id-1")
	require.NoError(t, err)
	assert.False(t, isClosed(w))

	w.Close("user")
	w.Close("shutdown")

	assert.True(t, isClosed(w))
	assert.Equal(t, "user", w.Reason())
	assert.Equal(t, 0, c.Len())

	// a closed window can still be queried
	<-w.Closed()
}

func TestLaunchFailureForgetsWindow(t *testing.T) {
	c := NewController("http://ui", &recordingLauncher{err: errors.New("no display")}, time.Second)
	_, err := c.Open(context.Background(), KindTxApproval, "id-1")
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestDetachClosesAfterGrace(t *testing.T) {
	c := NewController("http://ui", &recordingLauncher{}, 20*time.Millisecond)
	w, err := c.Open(context.Background(), KindTxApproval, "id-1")
	require.NoError(t, err)

	w.Attach()
	w.Detach()

	select {
	case <-w.Closed():
	case <-time.After(time.Second):
		t.Fatal("window did not close after detach")
	}
	assert.Equal(t, "disconnected", w.Reason())
}

func TestReattachWithinGraceKeepsWindowOpen(t *testing.T) {
	c := NewController("http://ui", &recordingLauncher{}, 100*time.Millisecond)
	w, err := c.Open(context.Background(), KindTxApproval, "id-1")
	require.NoError(t, err)

	w.Attach()
	w.Detach()
	w.Attach()

	time.Sleep(200 * time.Millisecond)
	assert.False(t, isClosed(w))
	w.Close("done")
}

func TestCloseAll(t *testing.T) {
	c := NewController("http://ui", &recordingLauncher{}, time.Second)
	a, err := c.Open(context.Background(), KindTxApproval, "a")
	require.NoError(t, err)
	b, err := c.Open(context.Background(), KindPreapproval, "b")
	require.NoError(t, err)

	c.CloseAll("shutdown")
	assert.True(t, isClosed(a))
	assert.True(t, isClosed(b))
	assert.Equal(t, 0, c.Len())
}

func TestNewLauncher(t *testing.T) {
	l, err := NewLauncher("", "")
	require.NoError(t, err)
	assert.IsType(t, LogLauncher{}, l)

	l, err = NewLauncher("command", "firefox --new-window")
	require.NoError(t, err)
	assert.Equal(t, CommandLauncher{Command: "firefox", Args: []string{"--new-window"}}, l)

	_, err = NewLauncher("carrier-pigeon", "")
	assert.Error(t, err)
}
