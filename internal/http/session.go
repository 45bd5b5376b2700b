package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/securefile"
)

func (s *Server) handleSessionUnlock(c *gin.Context) {
	var req unlockReq
	if err := readJSONBody(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, HTTPErrorInvalidJSONText)
		return
	}
	pw := []byte(req.Password)
	defer securefile.Wipe(pw)

	if err := s.session.Unlock(c.Request.Context(), pw); err != nil {
		log.Warn("unlock failed", "error", err)
		writeError(c, http.StatusUnauthorized, approvals.ClassInvalid, err.Error())
		return
	}
	s.handleSessionStatus(c)
}

func (s *Server) handleSessionLock(c *gin.Context) {
	s.session.Lock(c.Request.Context())
	s.handleSessionStatus(c)
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	out := sessionStatusResp{OK: true, Unlocked: s.session.Active()}
	if addr, err := s.session.Address(); err == nil {
		out.Address = addr
	}
	c.JSON(http.StatusOK, out)
}
