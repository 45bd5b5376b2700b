package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
)

func (s *Server) handleTxRespond(c *gin.Context) {
	var resp approvals.TxResponse
	if err := readJSONBody(c, &resp); err != nil || resp.ID == "" {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, HTTPErrorInvalidJSONText)
		return
	}
	if !s.approvals.HandleTxMessage(resp) {
		writeError(c, http.StatusNotFound, approvals.ClassNotFound, ApprovalNoWaitingRequestText)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true})
}

func (s *Server) handlePreapprovalRespond(c *gin.Context) {
	var resp approvals.PreapprovalResponse
	if err := readJSONBody(c, &resp); err != nil || resp.ID == "" {
		writeError(c, http.StatusBadRequest, approvals.ClassInvalid, HTTPErrorInvalidJSONText)
		return
	}
	if !s.approvals.HandlePreapprovalMessage(resp) {
		writeError(c, http.StatusNotFound, approvals.ClassNotFound, ApprovalNoWaitingRequestText)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true})
}

func (s *Server) handleGetTxRequest(c *gin.Context) {
	req, err := s.approvals.TransactionRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true, Data: req})
}

func (s *Server) handleDryRun(c *gin.Context) {
	res, err := s.approvals.DryRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true, Data: res})
}

func (s *Server) handleGetPreapprovalRequest(c *gin.Context) {
	req, err := s.approvals.PreapprovalRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true, Data: req})
}

func (s *Server) handleListPreapprovals(c *gin.Context) {
	c.JSON(http.StatusOK, extensionResponse{OK: true, Data: s.approvals.Preapprovals(c.Request.Context())})
}

func (s *Server) handleRevokePreapproval(c *gin.Context) {
	if err := s.approvals.RevokePreapproval(c.Request.Context(), c.Param("id")); err != nil {
		writeApprovalError(c, err)
		return
	}
	c.JSON(http.StatusOK, extensionResponse{OK: true})
}
