package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/popup"
)

// handlePopupSocket keeps a popup window alive for as long as its page holds
// this socket. When the window closes on the agent side, the page is told
// why so it can close itself.
func (s *Server) handlePopupSocket(c *gin.Context) {
	win, ok := s.popups.Get(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, approvals.ClassNotFound, PopupNotOpenText)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("popup socket upgrade failed", "request_id", win.RequestID, "error", err)
		return
	}
	defer conn.Close()

	win.Attach()
	defer win.Detach()

	gone := make(chan struct{})
	go readPopupSocket(conn, gone)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-win.Closed():
			notifyPopupClosed(conn, win)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readPopupSocket drains the socket until it fails; the page has nothing to
// say on it besides pongs.
func readPopupSocket(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func notifyPopupClosed(conn *websocket.Conn, win *popup.Window) {
	deadline := time.Now().Add(wsWriteWait)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(popupEvent{Type: "closed", Reason: win.Reason()}); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, win.Reason()), deadline)
}

// handlePopupClose is the page telling the agent its window is going away.
func (s *Server) handlePopupClose(c *gin.Context) {
	win, ok := s.popups.Get(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, approvals.ClassNotFound, PopupNotOpenText)
		return
	}
	win.Close("user")
	c.JSON(http.StatusOK, extensionResponse{OK: true})
}
