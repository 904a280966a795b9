package handler

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chathub/internal/config"
	"chathub/internal/identity"
)

// createUpgrader creates a WebSocket upgrader that accepts the configured
// origins, or any origin when the list contains "*".
func createUpgrader(cfg config.Config) websocket.Upgrader {
	allowAll := cfg.AllowsAllOrigins()
	allowedMap := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			return allowedMap[r.Header.Get("Origin")]
		},
	}
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := createUpgrader(h.Config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] ❌ Upgrade error from %s: %v", r.RemoteAddr, err)
		return
	}

	client := newClient(conn, h, uuid.NewString(), r.RemoteAddr)
	if !h.track(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	user := h.Hub.OnConnect(client.id, client, h.claims(r))
	log.Printf("[WebSocket] New connection %s from %s (user %d). Total clients: %d",
		client.id, client.addr, user, h.ClientCount())

	go client.writePump()
	client.readPump()
}

// claims returns the verified token claims of r, or nil when the request
// carries no valid token. A bad token does not refuse the connection.
func (h *Handler) claims(r *http.Request) identity.Claims {
	if h.Verifier == nil {
		return nil
	}
	token := identity.TokenFromRequest(r)
	if token == "" {
		return nil
	}
	claims, err := h.Verifier.Verify(token)
	if err != nil {
		log.Printf("[WebSocket] ⚠️ Rejected token from %s: %v", r.RemoteAddr, err)
		return nil
	}
	return claims
}
