package http

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
)

// NewPairLink registers a one-time pair code and returns the UI link that
// exchanges it for the agent session token.
func (s *Server) NewPairLink() (string, error) {
	pairID := uuid.NewString()
	code, err := generatePairCode()
	if err != nil {
		return "", err
	}

	s.pairingsMu.Lock()
	s.pairings[pairID] = &Pairing{
		CodeHash:  hashPairCode(code),
		ExpiresAt: s.now().Add(PairingExchangeTTL),
		Token:     s.agentSessionToken,
	}
	s.pairingsMu.Unlock()

	return fmt.Sprintf("%s/#/?server=%s&pair_id=%s&code=%s",
		s.uiBaseURL,
		url.QueryEscape(s.serverURL),
		url.QueryEscape(pairID),
		url.QueryEscape(code),
	), nil
}

func (s *Server) handleTokenPair(c *gin.Context) {
	var req pairExchangeReq
	if err := readJSONBody(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "", HTTPErrorInvalidJSONText)
		return
	}
	req.PairID = strings.TrimSpace(req.PairID)
	req.Code = strings.TrimSpace(req.Code)
	if req.PairID == "" || req.Code == "" {
		writeError(c, http.StatusBadRequest, "", PairingErrorMissingPairIDOrCodeText)
		return
	}

	now := s.now()

	s.pairingsMu.Lock()
	for id, p := range s.pairings {
		if p == nil || now.After(p.ExpiresAt) {
			delete(s.pairings, id)
		}
	}

	p, ok := s.pairings[req.PairID]
	if !ok || p == nil || p.Used {
		s.pairingsMu.Unlock()
		writeError(c, http.StatusGone, "", PairingErrorPairExpiredText)
		return
	}

	got := sha256.Sum256([]byte(req.Code))
	if len(p.CodeHash) != sha256.Size || subtle.ConstantTimeCompare(p.CodeHash, got[:]) != 1 {
		s.pairingsMu.Unlock()
		writeError(c, http.StatusUnauthorized, "", PairingErrorInvalidCodeText)
		return
	}

	p.Used = true
	token := p.Token
	s.pairingsMu.Unlock()

	c.JSON(http.StatusOK, pairExchangeResp{
		OK:     true,
		Token:  token,
		Header: constants.AgentSessionHeader,
	})
}

func (s *Server) handleAgentExtensionStatus(c *gin.Context) {
	_, err := loadPairingToken(s.pairingTokenPath)
	c.JSON(http.StatusOK, gin.H{JSONKeyPaired: err == nil})
}

// handleAgentExtensionPair issues a fresh extension token, replacing any
// previous pairing.
func (s *Server) handleAgentExtensionPair(c *gin.Context) {
	token, err := newSessionToken()
	if err != nil {
		writeError(c, http.StatusInternalServerError, "", "failed to generate token")
		return
	}

	if err := writePairingTokenFile(s.pairingTokenPath, token); err != nil {
		writeError(c, http.StatusInternalServerError, "", "failed to write pairing token")
		return
	}

	c.JSON(http.StatusOK, pairResp{
		OK:               true,
		PairingToken:     token,
		PairingTokenPath: s.pairingTokenPath,
	})
}

func (s *Server) handleAgentSessionValidate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{JSONKeyOK: true, JSONKeyValid: true})
}

func defaultNow() time.Time { return time.Now() }
