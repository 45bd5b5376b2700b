package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
)

// connectedOrigin checks the origin a wallet call claims against the
// allowlist and its rate budget. Nothing is persisted for refused origins.
func (s *Server) connectedOrigin(c *gin.Context, raw string) (string, bool) {
	origin := normalizeOrigin(raw)
	if origin == "" {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, WalletInvalidOriginText)
		return "", false
	}
	if !s.perms.IsAllowed(origin) {
		log.Warn("wallet call from origin that is not connected", "origin", origin)
		writeError(c, http.StatusForbidden, approvals.ClassInvalid, WalletOriginNotConnectedText)
		return "", false
	}
	if !s.limiter.Allow(origin) {
		log.Warn("wallet call rate limited", "origin", origin, "path", c.Request.URL.Path)
		c.Header("Retry-After", s.limiter.retryAfter())
		writeError(c, http.StatusTooManyRequests, approvals.ClassInvalid, WalletRateLimitedText)
		return "", false
	}
	return origin, true
}

func (r executeOrSignReq) payload() (approvals.Payload, error) {
	if r.Signed != nil {
		return &approvals.SignedTransactionPayload{
			Chain:       r.Chain,
			Signed:      *r.Signed,
			Options:     r.Options,
			RequestType: r.RequestType,
		}, nil
	}
	tx, err := signer.ParseTransaction(r.Transaction)
	if err != nil {
		return nil, err
	}
	return &approvals.TransactionPayload{
		Transaction: tx,
		Chain:       r.Chain,
		JustSign:    r.JustSign,
		Options:     r.Options,
		RequestType: r.RequestType,
	}, nil
}

func (s *Server) handleWalletAccounts(c *gin.Context) {
	addr, err := s.session.Address()
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, approvals.ClassInfrastructure, err.Error())
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true, Data: gin.H{"accounts": []string{addr}}})
}

// handleExecuteOrSignTransaction blocks until the request resolves: through a
// pre-approval, the user's decision, or the caller going away.
func (s *Server) handleExecuteOrSignTransaction(c *gin.Context) {
	var req executeOrSignReq
	if err := readJSONBody(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, HTTPErrorInvalidJSONText)
		return
	}
	origin, ok := s.connectedOrigin(c, req.Origin)
	if !ok {
		return
	}
	payload, err := req.payload()
	if err != nil {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, err.Error())
		return
	}

	out, err := s.approvals.ExecuteOrSignTransaction(c.Request.Context(), approvals.TransactionRequestInput{
		Origin:        origin,
		OriginFavIcon: req.OriginFavIcon,
		Tx:            payload,
	})
	if err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true, Data: out})
}

func (s *Server) handleSignMessage(c *gin.Context) {
	var req signMessageReq
	if err := readJSONBody(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, HTTPErrorInvalidJSONText)
		return
	}
	origin, ok := s.connectedOrigin(c, req.Origin)
	if !ok {
		return
	}

	out, err := s.approvals.SignMessage(c.Request.Context(), approvals.SignMessageInput{
		Origin:        origin,
		OriginFavIcon: req.OriginFavIcon,
		Address:       req.Address,
		Message:       req.Message,
	})
	if err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true, Data: out})
}

// handleRequestPreapproval needs an unlocked wallet: grants live in session
// storage.
func (s *Server) handleRequestPreapproval(c *gin.Context) {
	var req requestPreapprovalReq
	if err := readJSONBody(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, HTTPErrorInvalidJSONText)
		return
	}
	origin, ok := s.connectedOrigin(c, req.Origin)
	if !ok {
		return
	}
	if !s.session.Active() {
		writeError(c, http.StatusLocked, approvals.ClassInfrastructure, WalletLockedText)
		return
	}

	grant, err := s.approvals.RequestPreapproval(c.Request.Context(), approvals.PreapprovalInput{
		Origin:        origin,
		OriginTitle:   req.OriginTitle,
		OriginFavIcon: req.OriginFavIcon,
		Preapproval:   req.Preapproval,
	})
	if err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true, Data: grant})
}

func (s *Server) handleGetPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, extensionResponse{
		OK:   true,
		Data: gin.H{JSONKeyAllowed: s.perms.List()},
	})
}

func (s *Server) handleGetPermissionStatus(c *gin.Context) {
	origin := normalizeOrigin(c.Query(JSONKeyOrigin))
	if origin == "" {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, WalletInvalidOriginText)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{
		OK:   true,
		Data: gin.H{JSONKeyOrigin: origin, JSONKeyAllowed: s.perms.IsAllowed(origin)},
	})
}

func (s *Server) handleSetPermission(c *gin.Context) {
	var req setPermissionRequest
	if err := readJSONBody(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, HTTPErrorInvalidJSONText)
		return
	}
	origin := normalizeOrigin(req.Origin)
	if origin == "" {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, WalletInvalidOriginText)
		return
	}

	if err := s.perms.Set(c.Request.Context(), origin, req.Allowed); err != nil {
		writeError(c, http.StatusInternalServerError, approvals.ClassInfrastructure, err.Error())
		return
	}
	log.Info("origin permission changed", "origin", origin, "allowed", req.Allowed)

	c.JSON(http.StatusOK, extensionResponse{
		OK:   true,
		Data: gin.H{JSONKeyOrigin: origin, JSONKeyAllowed: req.Allowed},
	})
}
