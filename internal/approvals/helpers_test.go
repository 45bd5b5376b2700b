package approvals

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quantumauth-io/wallet-approval-agent/internal/popup"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
	"github.com/stretchr/testify/require"
)

const (
	testAddress = "0xA"
	testChain   = "sui:devnet"
	testTarget  = "0xabc::nft::transfer"
	testObject  = "0x1"
)

type fakeSigner struct {
	mu sync.Mutex

	address   string
	gas       signer.GasCostSummary
	noEffects bool
	noDigest  bool
	execErrs  []error
	signErr   error

	// effectsOnlyIfAsked mirrors the RPC, which leaves effects out unless
	// the options ask for them.
	effectsOnlyIfAsked bool
	// started and release, when set, hold SignAndExecute mid-flight.
	started chan struct{}
	release chan struct{}

	lastOptions *signer.ExecuteOptions
	executions  int
	signs       int
}

func (f *fakeSigner) Address(context.Context) (string, error) {
	return f.address, nil
}

func (f *fakeSigner) SignTransaction(context.Context, *signer.Transaction) (*signer.SignedData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &signer.SignedData{TransactionBytes: "dHg=", Signature: "c2ln"}, nil
}

func (f *fakeSigner) SignMessage(_ context.Context, msg []byte) (*signer.SignedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &signer.SignedMessage{MessageBytes: string(msg), Signature: "c2ln"}, nil
}

func (f *fakeSigner) SignAndExecute(_ context.Context, req signer.ExecuteRequest) (*signer.ExecutionResult, error) {
	f.mu.Lock()
	f.lastOptions = req.Options
	started, release := f.started, f.release
	effects := !f.effectsOnlyIfAsked || (req.Options != nil && req.Options.ShowEffects)
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return f.execute(effects)
}

func (f *fakeSigner) ExecuteSigned(context.Context, signer.SignedExecuteRequest) (*signer.ExecutionResult, error) {
	return f.execute(true)
}

func (f *fakeSigner) DryRun(context.Context, string, *signer.Transaction) (*signer.DryRunResult, error) {
	return &signer.DryRunResult{Effects: &signer.Effects{GasUsed: f.gas}}, nil
}

func (f *fakeSigner) execute(effects bool) (*signer.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions++
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	res := &signer.ExecutionResult{Digest: "digest"}
	if f.noDigest {
		res.Digest = ""
	}
	if effects && !f.noEffects {
		res.Effects = &signer.Effects{
			Status:  signer.ExecutionStatus{Status: signer.StatusSuccess},
			GasUsed: f.gas,
		}
	}
	return res, nil
}

func (f *fakeSigner) options() *signer.ExecuteOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOptions
}

func (f *fakeSigner) executionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executions
}

type fakeSession struct{ active bool }

func (f *fakeSession) Active() bool { return f.active }

type chanLauncher struct {
	urls chan string
	err  error
}

func (l *chanLauncher) Launch(_ context.Context, url string) error {
	if l.err != nil {
		return l.err
	}
	l.urls <- url
	return nil
}

type harness struct {
	svc      *Service
	store    *Store
	popups   *popup.Controller
	launcher *chanLauncher
	signer   *fakeSigner
	session  *fakeSession
	metrics  *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewStore(storage.NewMemory(), storage.NewMemory(), 10),
		launcher: &chanLauncher{urls: make(chan string, 16)},
		signer:   &fakeSigner{address: testAddress, gas: gas(100)},
		session:  &fakeSession{active: true},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	h.popups = popup.NewController("http://127.0.0.1:6137", h.launcher, time.Second)
	h.svc = NewService(Deps{
		Store:   h.store,
		Popups:  h.popups,
		Signer:  h.signer,
		Session: h.session,
		Metrics: h.metrics,
	}, DefaultPolicy())
	return h
}

// waitOpened returns the request id of the next popup launched.
func (h *harness) waitOpened(t *testing.T) string {
	t.Helper()
	select {
	case url := <-h.launcher.urls:
		return url[strings.LastIndex(url, "/")+1:]
	case <-time.After(2 * time.Second):
		t.Fatal("no popup opened")
		return ""
	}
}

func (h *harness) assertNoPopup(t *testing.T) {
	t.Helper()
	select {
	case url := <-h.launcher.urls:
		t.Fatalf("unexpected popup %s", url)
	default:
	}
}

func (h *harness) closePopup(t *testing.T, id string) {
	t.Helper()
	w, ok := h.popups.Get(id)
	require.True(t, ok, "popup %s not open", id)
	w.Close("user")
}

func (h *harness) seedGrant(t *testing.T, id string, count, gasLimit int64) {
	t.Helper()
	h.seedGrantFor(t, id, testTarget, count, gasLimit)
}

func (h *harness) seedGrantFor(t *testing.T, id, target string, count, gasLimit int64) {
	t.Helper()
	require.NoError(t, h.store.PutPreapprovalRequest(context.Background(), &PreapprovalRequest{
		ID:       id,
		Origin:   "https://dapp.example",
		Approved: boolPtr(true),
		Preapproval: Preapproval{
			Target:              target,
			ObjectID:            testObject,
			Address:             testAddress,
			Chain:               testChain,
			MaxTransactionCount: count,
			TotalGasLimit:       gasLimit,
		},
	}))
}

func normalizedTestTarget() string {
	target, _ := signer.NormalizeTarget(testTarget)
	return target
}

func gas(computation int64) signer.GasCostSummary {
	return signer.GasCostSummary{
		ComputationCost: strconv.FormatInt(computation, 10),
		StorageCost:     "0",
		StorageRebate:   "0",
	}
}

func nftTransfer() *signer.Transaction {
	return &signer.Transaction{
		Inputs: []signer.CallArg{
			{Kind: signer.ArgKindObject, ObjectID: testObject},
			{Kind: signer.ArgKindPure, Value: []byte(`"0xB"`)},
		},
		Commands: []signer.Command{
			{Kind: signer.CommandMoveCall, Target: testTarget},
		},
	}
}

func txInput(tx *signer.Transaction) TransactionRequestInput {
	return TransactionRequestInput{
		Origin: "https://dapp.example",
		Tx:     &TransactionPayload{Transaction: tx, Chain: testChain},
	}
}

type result[T any] struct {
	v   T
	err error
}

func async[T any](fn func() (T, error)) <-chan result[T] {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn()
		ch <- result[T]{v: v, err: err}
	}()
	return ch
}

func await[T any](t *testing.T, ch <-chan result[T]) (T, error) {
	t.Helper()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not resolve")
		var zero T
		return zero, errors.New("timeout")
	}
}
