// Package http is the agent's local bridge: the browser extension submits
// wallet calls, and the agent UI answers the approval popups they open.
package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/popup"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
)

// SessionControl is the wallet session as the bridge sees it.
type SessionControl interface {
	Unlock(ctx context.Context, password []byte) error
	Lock(ctx context.Context)
	Active() bool
	Address() (string, error)
}

type Options struct {
	// DataDir holds the extension pairing token.
	DataDir string
	// ServerURL is where the UI reaches this server, e.g. http://127.0.0.1:6137.
	ServerURL        string
	UIBaseURL        string
	UIAllowedOrigins []string

	Permissions storage.KV
	Approvals   *approvals.Service
	Popups      *popup.Controller
	Session     SessionControl

	// Metrics, when set, is served on /metrics.
	Metrics http.Handler

	// Per-origin throttle on wallet calls. Zero picks the defaults.
	OriginRatePerSecond float64
	OriginBurst         int
}

type Server struct {
	engine *gin.Engine

	approvals *approvals.Service
	popups    *popup.Controller
	session   SessionControl
	perms     *PermissionStore
	limiter   *originLimiter
	upgrader  websocket.Upgrader

	agentSessionToken string
	uiAllowedOrigins  map[string]struct{}
	uiBaseURL         string
	serverURL         string
	pairingTokenPath  string

	pairings   map[string]*Pairing
	pairingsMu sync.Mutex
	now        func() time.Time
}

func NewServer(ctx context.Context, opt Options) (*Server, error) {
	s := &Server{
		approvals:        opt.Approvals,
		popups:           opt.Popups,
		session:          opt.Session,
		perms:            NewPermissionStore(opt.Permissions),
		limiter:          newOriginLimiter(opt.OriginRatePerSecond, opt.OriginBurst),
		uiBaseURL:        strings.TrimRight(opt.UIBaseURL, "/"),
		serverURL:        strings.TrimRight(opt.ServerURL, "/"),
		pairingTokenPath: pairingTokenFilePath(opt.DataDir),
		pairings:         make(map[string]*Pairing),
		now:              defaultNow,
	}
	if s.uiBaseURL == "" {
		s.uiBaseURL = s.serverURL
	}

	if err := s.perms.Load(ctx); err != nil {
		return nil, err
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	s.agentSessionToken = token

	s.uiAllowedOrigins = make(map[string]struct{}, len(opt.UIAllowedOrigins))
	for _, o := range opt.UIAllowedOrigins {
		o = normalizeOrigin(o)
		if o == "" {
			continue
		}
		s.uiAllowedOrigins[o] = struct{}{}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.uiOriginAllowed,
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger(), corsMiddleware())
	s.routes(opt.Metrics)
	return s, nil
}

func (s *Server) routes(metrics http.Handler) {
	local := s.engine.Group("", s.withLocalHost())
	local.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		local.GET("/metrics", gin.WrapH(metrics))
	}
	local.POST("/pair/exchange", s.withUIOrigins(), s.handleTokenPair)

	// agent UI and its popups
	agent := local.Group("", s.withUIOrigins(), s.withAgentGuards())
	agent.POST("/agent/extension/pair", s.handleAgentExtensionPair)
	agent.GET("/agent/extension/status", s.handleAgentExtensionStatus)
	agent.GET("/agent/session/validate", s.handleAgentSessionValidate)
	agent.POST("/agent/session/unlock", s.handleSessionUnlock)
	agent.POST("/agent/session/lock", s.handleSessionLock)
	agent.GET("/agent/session/status", s.handleSessionStatus)

	agent.POST("/approvals/tx/respond", s.handleTxRespond)
	agent.GET("/approvals/tx/:id", s.handleGetTxRequest)
	agent.GET("/approvals/tx/:id/dryRun", s.handleDryRun)
	agent.POST("/approvals/preapproval/respond", s.handlePreapprovalRespond)
	agent.GET("/approvals/preapproval/:id", s.handleGetPreapprovalRequest)
	agent.DELETE("/approvals/preapproval/:id", s.handleRevokePreapproval)
	agent.GET("/approvals/preapprovals", s.handleListPreapprovals)

	agent.GET("/popup/:id/ws", s.handlePopupSocket)
	agent.POST("/popup/:id/close", s.handlePopupClose)

	// paired extension only
	ext := local.Group("", s.withExtensionPairedGuards())
	ext.GET("/extension/permissions", s.handleGetPermissions)
	ext.GET("/extension/permissions/status", s.handleGetPermissionStatus)
	ext.POST("/extension/permissions/set", s.handleSetPermission)

	ext.GET("/wallet/accounts", s.handleWalletAccounts)
	ext.POST("/wallet/executeOrSignTransaction", s.handleExecuteOrSignTransaction)
	ext.POST("/wallet/signMessage", s.handleSignMessage)
	ext.POST("/wallet/requestPreapproval", s.handleRequestPreapproval)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// AgentSessionToken is the token the agent UI must present.
func (s *Server) AgentSessionToken() string {
	return s.agentSessionToken
}

func (s *Server) uiOriginAllowed(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" || len(s.uiAllowedOrigins) == 0 {
		return true
	}
	_, ok := s.uiAllowedOrigins[normalizeOrigin(raw)]
	return ok
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			log.Warn("http request failed", "method", c.Request.Method, "path", c.FullPath(),
				"status", status, "elapsed", time.Since(start).String())
			return
		}
		log.Info("http request", "method", c.Request.Method, "path", c.FullPath(),
			"status", status, "elapsed", time.Since(start).String())
	}
}
