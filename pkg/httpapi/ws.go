package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tap-rsvp/tap-go/pkg/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// handleWebSocket ingests envelopes over a WebSocket connection. Each text
// or binary frame is one envelope; the reply frame is a status body whose
// error, if any, always carries the code processing_failed and the full
// error text.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		reply := statusBody{Status: "ok"}
		agentDID, err := s.inboundAgent(raw)
		if err == nil {
			err = s.node.Deliver(r.Context(), agentDID, raw, storage.SourceTypeWebSocket, r.RemoteAddr)
		}
		if err != nil {
			reply = statusBody{Status: "error", Error: &errorDetail{Code: "processing_failed", Message: err.Error()}}
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}
