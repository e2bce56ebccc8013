package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/callflux/callflux/internal/push"
)

// handleWebSocket upgrades the connection and binds it as the call's
// push subscriber. One socket per call: a second subscriber is turned
// away with a close frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "call_id", callID, "error", err)
		return
	}

	if err := s.deps.Pushes.Attach(callID, conn); err != nil {
		if errors.Is(err, push.ErrSessionExists) {
			conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber already connected"))
		}
		conn.Close()
		return
	}

	// Reads are only used to notice the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.deps.Pushes.Detach(callID, conn)
				return
			}
		}
	}()
}
