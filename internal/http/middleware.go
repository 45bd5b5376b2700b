package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
)

// corsMiddleware answers preflights for every route. Any well-formed origin
// passes here; the agent guards narrow it to the UI origins afterwards.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return normalizeOrigin(origin) != ""
		},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type",
			constants.ExtensionPairHeader, constants.AgentSessionHeader,
		},
		AllowBrowserExtensions: true,
		AllowWebSockets:        true,
		MaxAge:                 corsMaxAge,
	})
}

func (s *Server) withLoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopbackRequest(c.Request) {
			writeError(c, http.StatusForbidden, "", HTTPErrorForbiddenText)
			return
		}
		c.Next()
	}
}

func (s *Server) withLocalHost() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopbackRequest(c.Request) {
			writeError(c, http.StatusForbidden, "", HTTPErrorForbiddenText)
			return
		}
		if !isSafeLocalHost(c.Request.Host) {
			writeError(c, http.StatusForbidden, "", HTTPErrorForbiddenHost)
			return
		}
		c.Next()
	}
}

// withUIOrigins rejects browser requests coming from anywhere but the agent UI.
func (s *Server) withUIOrigins() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Origin")
		if raw == "" || len(s.uiAllowedOrigins) == 0 {
			c.Next()
			return
		}
		if _, ok := s.uiAllowedOrigins[normalizeOrigin(raw)]; !ok {
			writeError(c, http.StatusForbidden, "", HTTPErrorForbiddenOrigin)
			return
		}
		c.Next()
	}
}

// withAgentGuards protects endpoints used by the agent UI and its popups.
// Browsers cannot set headers on a websocket handshake, so the token may also
// arrive as a query parameter.
func (s *Server) withAgentGuards() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(constants.AgentSessionHeader)
		if token == "" {
			token = c.Query(constants.AgentSessionQuery)
		}
		if token == "" || token != s.agentSessionToken {
			writeError(c, http.StatusUnauthorized, "", HTTPErrorUnauthorized)
			return
		}
		c.Next()
	}
}

// withExtensionPairedGuards requires the token written by the last pairing.
func (s *Server) withExtensionPairedGuards() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := loadPairingToken(s.pairingTokenPath)
		if err != nil {
			writeError(c, http.StatusPreconditionRequired, "", HTTPErrorNotPairedText)
			return
		}

		if got := c.GetHeader(constants.ExtensionPairHeader); got == "" || got != token {
			log.Warn("extension request with bad pairing token", "path", c.Request.URL.Path)
			writeError(c, http.StatusUnauthorized, "", HTTPErrorUnauthorized)
			return
		}
		c.Next()
	}
}
