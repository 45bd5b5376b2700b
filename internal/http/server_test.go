package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/popup"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testExtToken = "ext-token"
	testDapp     = "https://dapp.example"
	testUIOrigin = "http://localhost:5173"
	testAccount  = "0xa"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type launcherFunc func(ctx context.Context, url string) error

func (f launcherFunc) Launch(ctx context.Context, url string) error { return f(ctx, url) }

type fakeSigner struct{}

func (fakeSigner) Address(context.Context) (string, error) { return testAccount, nil }

func (fakeSigner) SignTransaction(context.Context, *signer.Transaction) (*signer.SignedData, error) {
	return &signer.SignedData{TransactionBytes: "dHg=", Signature: "c2ln"}, nil
}

func (fakeSigner) SignMessage(_ context.Context, msg []byte) (*signer.SignedMessage, error) {
	return &signer.SignedMessage{MessageBytes: string(msg), Signature: "c2ln"}, nil
}

func (fakeSigner) SignAndExecute(context.Context, signer.ExecuteRequest) (*signer.ExecutionResult, error) {
	return &signer.ExecutionResult{Digest: "digest"}, nil
}

func (fakeSigner) ExecuteSigned(context.Context, signer.SignedExecuteRequest) (*signer.ExecutionResult, error) {
	return &signer.ExecutionResult{Digest: "digest"}, nil
}

func (fakeSigner) DryRun(context.Context, string, *signer.Transaction) (*signer.DryRunResult, error) {
	return &signer.DryRunResult{}, nil
}

type fakeSession struct {
	mu       sync.Mutex
	active   bool
	password string
}

func (f *fakeSession) Unlock(_ context.Context, pw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(pw) != f.password {
		return errors.New("invalid password")
	}
	f.active = true
	return nil
}

func (f *fakeSession) Lock(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
}

func (f *fakeSession) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSession) Address() (string, error) { return testAccount, nil }

type testEnv struct {
	srv     *Server
	store   *approvals.Store
	popups  *popup.Controller
	session *fakeSession
	urls    chan string
	dir     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	e := &testEnv{
		urls:    make(chan string, 8),
		session: &fakeSession{active: true, password: "correct horse"},
		dir:     t.TempDir(),
		store:   approvals.NewStore(storage.NewMemory(), storage.NewMemory(), 10),
	}
	e.popups = popup.NewController("http://127.0.0.1:6137", launcherFunc(func(_ context.Context, u string) error {
		e.urls <- u
		return nil
	}), 50*time.Millisecond)

	svc := approvals.NewService(approvals.Deps{
		Store:   e.store,
		Popups:  e.popups,
		Signer:  fakeSigner{},
		Session: e.session,
	}, approvals.DefaultPolicy())

	srv, err := NewServer(ctx, Options{
		DataDir:          e.dir,
		ServerURL:        "http://127.0.0.1:6137",
		UIAllowedOrigins: []string{testUIOrigin},
		Permissions:      storage.NewMemory(),
		Approvals:        svc,
		Popups:           e.popups,
		Session:          e.session,
		Metrics:          promhttp.Handler(),
	})
	require.NoError(t, err)
	e.srv = srv

	require.NoError(t, writePairingTokenFile(pairingTokenFilePath(e.dir), testExtToken))
	require.NoError(t, srv.perms.Set(ctx, testDapp, true))
	return e
}

func (e *testEnv) request(method, path string, body any, hdr map[string]string) *http.Request {
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, "http://127.0.0.1:6137"+path, rdr)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	return req
}

func (e *testEnv) do(method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, e.request(method, path, body, hdr))
	return rec
}

func (e *testEnv) ext() map[string]string {
	return map[string]string{constants.ExtensionPairHeader: testExtToken}
}

func (e *testEnv) agent() map[string]string {
	return map[string]string{constants.AgentSessionHeader: e.srv.AgentSessionToken()}
}

// doAsync runs a blocking wallet call and returns its recorder once done.
func (e *testEnv) doAsync(method, path string, body any, hdr map[string]string) <-chan *httptest.ResponseRecorder {
	out := make(chan *httptest.ResponseRecorder, 1)
	go func() { out <- e.do(method, path, body, hdr) }()
	return out
}

func (e *testEnv) waitOpened(t *testing.T) string {
	t.Helper()
	select {
	case u := <-e.urls:
		return u[strings.LastIndex(u, "/")+1:]
	case <-time.After(2 * time.Second):
		t.Fatal("no popup opened")
		return ""
	}
}

func waitResponse(t *testing.T, ch <-chan *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("request did not finish")
		return nil
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) extensionResponse {
	t.Helper()
	var out extensionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func transferBody(origin string) map[string]any {
	return map[string]any{
		"origin": origin,
		"chain":  "sui:devnet",
		"transaction": signer.Transaction{
			Inputs:   []signer.CallArg{{Kind: signer.ArgKindObject, ObjectID: "0x1"}},
			Commands: []signer.Command{{Kind: signer.CommandMoveCall, Target: "0xabc::nft::transfer"}},
		},
	}
}

func TestGuards(t *testing.T) {
	e := newTestEnv(t)

	remote := e.request(http.MethodGet, "/extension/permissions", nil, e.ext())
	remote.RemoteAddr = "10.0.0.7:5000"
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, remote)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rebound := e.request(http.MethodGet, "/extension/permissions", nil, e.ext())
	rebound.Host = "evil.example:6137"
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, rebound)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodGet, "/extension/permissions", nil, map[string]string{constants.ExtensionPairHeader: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodGet, "/agent/session/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	hdr := e.agent()
	hdr["Origin"] = "https://evil.example"
	rec = e.do(http.MethodGet, "/agent/session/status", nil, hdr)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	hdr["Origin"] = testUIOrigin
	rec = e.do(http.MethodGet, "/agent/session/status", nil, hdr)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnpairedExtension(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.Remove(pairingTokenFilePath(e.dir)))

	rec := e.do(http.MethodGet, "/extension/permissions", nil, e.ext())
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

	rec = e.do(http.MethodGet, "/agent/extension/status", nil, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"paired":false}`, rec.Body.String())

	rec = e.do(http.MethodPost, "/agent/extension/pair", nil, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	var pr pairResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	assert.NotEmpty(t, pr.PairingToken)

	rec = e.do(http.MethodGet, "/extension/permissions", nil, map[string]string{constants.ExtensionPairHeader: pr.PairingToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPairExchange(t *testing.T) {
	e := newTestEnv(t)

	link, err := e.srv.NewPairLink()
	require.NoError(t, err)
	frag, err := url.ParseQuery(link[strings.Index(link, "?")+1:])
	require.NoError(t, err)

	rec := e.do(http.MethodPost, "/pair/exchange", pairExchangeReq{PairID: frag.Get("pair_id"), Code: "WRONGCOD"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/pair/exchange", pairExchangeReq{PairID: frag.Get("pair_id"), Code: frag.Get("code")}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp pairExchangeResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, e.srv.AgentSessionToken(), resp.Token)
	assert.Equal(t, constants.AgentSessionHeader, resp.Header)

	rec = e.do(http.MethodPost, "/pair/exchange", pairExchangeReq{PairID: frag.Get("pair_id"), Code: frag.Get("code")}, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestPairExchangeExpires(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()
	e.srv.now = func() time.Time { return now }

	link, err := e.srv.NewPairLink()
	require.NoError(t, err)
	frag, err := url.ParseQuery(link[strings.Index(link, "?")+1:])
	require.NoError(t, err)

	e.srv.now = func() time.Time { return now.Add(PairingExchangeTTL + time.Second) }
	rec := e.do(http.MethodPost, "/pair/exchange", pairExchangeReq{PairID: frag.Get("pair_id"), Code: frag.Get("code")}, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestPermissions(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/extension/permissions/set", setPermissionRequest{Origin: "https://Other.Example/path", Allowed: true}, e.ext())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/extension/permissions/status?origin=https://other.example", nil, e.ext())
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out.Data.(map[string]any)[JSONKeyAllowed])

	rec = e.do(http.MethodGet, "/extension/permissions/status?origin=not-a-url", nil, e.ext())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWalletCallFromUnconnectedOrigin(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/wallet/executeOrSignTransaction", transferBody("https://stranger.example"), e.ext())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, approvals.ClassInvalid, decode(t, rec).Kind)

	all, err := e.store.TransactionRequests(context.Background())
	require.NoError(t, err)
	assert.Zero(t, all.Len())
	assert.Empty(t, e.urls)
}

func TestExecuteApproved(t *testing.T) {
	e := newTestEnv(t)

	done := e.doAsync(http.MethodPost, "/wallet/executeOrSignTransaction", transferBody(testDapp), e.ext())
	id := e.waitOpened(t)

	rec := e.do(http.MethodGet, "/approvals/tx/"+id, nil, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"approved":null`)

	rec = e.do(http.MethodPost, "/approvals/tx/respond", approvals.TxResponse{ID: id, Approved: true}, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)

	res := waitResponse(t, done)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	out := decode(t, res)
	assert.True(t, out.OK)
	assert.Equal(t, "digest", out.Data.(map[string]any)["execution"].(map[string]any)["digest"])
}

func TestExecuteRejected(t *testing.T) {
	e := newTestEnv(t)

	done := e.doAsync(http.MethodPost, "/wallet/executeOrSignTransaction", transferBody(testDapp), e.ext())
	id := e.waitOpened(t)

	rec := e.do(http.MethodPost, "/popup/"+id+"/close", nil, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)

	res := waitResponse(t, done)
	assert.Equal(t, http.StatusForbidden, res.Code)
	out := decode(t, res)
	assert.False(t, out.OK)
	assert.Equal(t, approvals.ClassRejected, out.Kind)
	assert.Contains(t, out.Error, "rejected")

	rec = e.do(http.MethodGet, "/approvals/tx/"+id, nil, e.agent())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRespondWithoutWaitingRequest(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/approvals/tx/respond", approvals.TxResponse{ID: "nobody", Approved: true}, e.agent())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPost, "/approvals/preapproval/respond", approvals.PreapprovalResponse{ID: "nobody"}, e.agent())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPost, "/popup/nobody/close", nil, e.agent())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidWalletBody(t *testing.T) {
	e := newTestEnv(t)

	body := transferBody(testDapp)
	body["surprise"] = true
	rec := e.do(http.MethodPost, "/wallet/executeOrSignTransaction", body, e.ext())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = transferBody(testDapp)
	body["transaction"] = map[string]any{"commands": []any{}}
	rec = e.do(http.MethodPost, "/wallet/executeOrSignTransaction", body, e.ext())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, approvals.ClassInvalid, decode(t, rec).Kind)
}

func TestPreapprovalFlow(t *testing.T) {
	e := newTestEnv(t)

	body := requestPreapprovalReq{
		Origin: testDapp,
		Preapproval: approvals.Preapproval{
			Target: "0xabc::nft::transfer", ObjectID: "0x1", Address: testAccount, Chain: "sui:devnet",
			MaxTransactionCount: 2, TotalGasLimit: 1000,
		},
	}

	e.session.Lock(context.Background())
	rec := e.do(http.MethodPost, "/wallet/requestPreapproval", body, e.ext())
	assert.Equal(t, http.StatusLocked, rec.Code)

	require.NoError(t, e.session.Unlock(context.Background(), []byte("correct horse")))
	done := e.doAsync(http.MethodPost, "/wallet/requestPreapproval", body, e.ext())
	id := e.waitOpened(t)

	rec = e.do(http.MethodPost, "/approvals/preapproval/respond", approvals.PreapprovalResponse{ID: id, Approved: true}, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	res := waitResponse(t, done)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	rec = e.do(http.MethodGet, "/approvals/preapprovals", nil, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec).Data, 1)

	// the grant now lets the transfer through without a popup
	rec = e.do(http.MethodPost, "/wallet/executeOrSignTransaction", transferBody(testDapp), e.ext())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec).Data.(map[string]any)["direct"])

	rec = e.do(http.MethodDelete, "/approvals/preapproval/"+id, nil, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(http.MethodGet, "/approvals/preapproval/"+id, nil, e.agent())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/agent/session/lock", nil, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"unlocked":false,"address":"0xa"}`, rec.Body.String())

	rec = e.do(http.MethodPost, "/agent/session/unlock", unlockReq{Password: "wrong"}, e.agent())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/agent/session/unlock", unlockReq{Password: "correct horse"}, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"unlocked":true,"address":"0xa"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPopupSocket(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	done := e.doAsync(http.MethodPost, "/wallet/executeOrSignTransaction", transferBody(testDapp), e.ext())
	id := e.waitOpened(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/popup/" + id + "/ws?session=" + url.QueryEscape(e.srv.AgentSessionToken())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	rec := e.do(http.MethodPost, "/approvals/tx/respond", approvals.TxResponse{ID: id, Approved: true}, e.agent())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusOK, waitResponse(t, done).Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev popupEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, popupEvent{Type: "closed", Reason: "resolved"}, ev)
}

func TestPopupSocketDropRejects(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	done := e.doAsync(http.MethodPost, "/wallet/executeOrSignTransaction", transferBody(testDapp), e.ext())
	id := e.waitOpened(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/popup/" + id + "/ws?session=" + url.QueryEscape(e.srv.AgentSessionToken())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	res := waitResponse(t, done)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, approvals.ClassRejected, decode(t, res).Kind)
}

func TestWalletCallsRateLimitedPerOrigin(t *testing.T) {
	e := newTestEnv(t)
	e.srv.limiter = newOriginLimiter(0.5, 1)
	require.NoError(t, e.srv.perms.Set(context.Background(), "https://other.example", true))

	body := transferBody(testDapp)
	body["transaction"] = map[string]any{"commands": []any{}}

	rec := e.do(http.MethodPost, "/wallet/executeOrSignTransaction", body, e.ext())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodPost, "/wallet/executeOrSignTransaction", body, e.ext())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, WalletRateLimitedText, decode(t, rec).Error)

	other := transferBody("https://other.example")
	other["transaction"] = map[string]any{"commands": []any{}}
	rec = e.do(http.MethodPost, "/wallet/executeOrSignTransaction", other, e.ext())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
