// Package popup opens approval windows in the extension UI and tracks their
// lifetime so waiting flows learn when the user closes one.
package popup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

type Kind string

const (
	KindTxApproval          Kind = "tx-approval"
	KindSignMessageApproval Kind = "sign-message-approval"
	KindPreapproval         Kind = "preapproval"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTxApproval, KindSignMessageApproval, KindPreapproval:
		return true
	}
	return false
}

var ErrWindowOpen = errors.New("popup: a window is already open for this request")

const DefaultDetachGrace = 3 * time.Second

// Launcher makes a URL visible to the user.
type Launcher interface {
	Launch(ctx context.Context, url string) error
}

// Controller opens windows and routes liveness events to them.
type Controller struct {
	baseURL     string
	launcher    Launcher
	detachGrace time.Duration

	mu      sync.Mutex
	windows map[string]*Window
}

func NewController(baseURL string, launcher Launcher, detachGrace time.Duration) *Controller {
	if detachGrace <= 0 {
		detachGrace = DefaultDetachGrace
	}
	return &Controller{
		baseURL:     strings.TrimRight(baseURL, "/"),
		launcher:    launcher,
		detachGrace: detachGrace,
		windows:     make(map[string]*Window),
	}
}

// URL is the route the UI renders for kind and id: <base>/#/<kind>/<id>.
func (c *Controller) URL(kind Kind, id string) string {
	return fmt.Sprintf("%s/#/%s/%s", c.baseURL, kind, url.PathEscape(id))
}

// Open launches the window for request id. The returned window is tracked
// until it closes.
func (c *Controller) Open(ctx context.Context, kind Kind, id string) (*Window, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("popup: unknown kind %q", kind)
	}

	w := &Window{
		RequestID: id,
		Kind:      kind,
		URL:       c.URL(kind, id),
		closed:    make(chan struct{}),
		ctrl:      c,
	}

	c.mu.Lock()
	if _, ok := c.windows[id]; ok {
		c.mu.Unlock()
		return nil, ErrWindowOpen
	}
	c.windows[id] = w
	c.mu.Unlock()

	if err := c.launcher.Launch(ctx, w.URL); err != nil {
		c.forget(w)
		return nil, fmt.Errorf("launch popup: %w", err)
	}
	log.Info("approval popup opened", "kind", string(kind), "request_id", id, "url", w.URL)
	return w, nil
}

// Get returns the open window for request id.
func (c *Controller) Get(id string) (*Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[id]
	return w, ok
}

// Len reports how many windows are open.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// CloseAll closes every open window. Used at shutdown.
func (c *Controller) CloseAll(reason string) {
	c.mu.Lock()
	ws := make([]*Window, 0, len(c.windows))
	for _, w := range c.windows {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	for _, w := range ws {
		w.Close(reason)
	}
}

func (c *Controller) forget(w *Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.windows[w.RequestID]; ok && cur == w {
		delete(c.windows, w.RequestID)
	}
}

// Window is one approval popup.
type Window struct {
	RequestID string
	Kind      Kind
	URL       string

	ctrl      *Controller
	closeOnce sync.Once
	closed    chan struct{}

	mu          sync.Mutex
	attached    int
	detachTimer *time.Timer
	reason      string
}

// Closed is closed exactly once when the window goes away, for any reason.
func (w *Window) Closed() <-chan struct{} {
	return w.closed
}

// Reason reports why the window closed; empty while open.
func (w *Window) Reason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Close is idempotent.
func (w *Window) Close(reason string) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.reason = reason
		if w.detachTimer != nil {
			w.detachTimer.Stop()
			w.detachTimer = nil
		}
		w.mu.Unlock()

		w.ctrl.forget(w)
		close(w.closed)
		log.Info("approval popup closed", "request_id", w.RequestID, "reason", reason)
	})
}

// Attach records a live UI connection for the window.
func (w *Window) Attach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attached++
	if w.detachTimer != nil {
		w.detachTimer.Stop()
		w.detachTimer = nil
	}
}

// Detach records a dropped UI connection. When the last one drops and none
// returns within the grace period, the window counts as closed by the user.
func (w *Window) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.attached > 0 {
		w.attached--
	}
	if w.attached > 0 || w.detachTimer != nil || w.reason != "" {
		return
	}
	w.detachTimer = time.AfterFunc(w.ctrl.detachGrace, func() {
		w.mu.Lock()
		still := w.attached == 0
		w.mu.Unlock()
		if still {
			w.Close("disconnected")
		}
	})
}
