package handler

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/mux"

	"chathub/internal/chat"
	"chathub/internal/config"
	"chathub/internal/identity"
	"chathub/internal/model"
)

// MessageReader loads persisted messages for the REST surface.
type MessageReader interface {
	GetMessageByID(ctx context.Context, id int64) (model.Message, error)
}

// Handler holds application dependencies
type Handler struct {
	Hub      *chat.Hub
	Messages MessageReader
	Verifier *identity.Verifier
	Config   config.Config

	clientsMu sync.Mutex
	clients   map[chat.ConnID]*Client
	closing   bool
	wg        sync.WaitGroup
}

// New creates a new Handler with the given dependencies. verifier may be
// nil, in which case every connection starts without identity.
func New(hub *chat.Hub, messages MessageReader, verifier *identity.Verifier, cfg config.Config) *Handler {
	return &Handler{
		Hub:      hub,
		Messages: messages,
		Verifier: verifier,
		Config:   cfg,
		clients:  make(map[chat.ConnID]*Client),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// REST API
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/messages/{id}", h.GetMessage).Methods("GET")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	return r
}

// Shutdown closes every open WebSocket connection and waits until each has
// passed through Hub.OnDisconnect, or until ctx ends.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.clientsMu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.Unlock()

	log.Printf("[WebSocket] Closing %d connections", len(clients))
	for _, c := range clients {
		c.closeSend()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of open WebSocket connections.
func (h *Handler) ClientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

func (h *Handler) track(c *Client) bool {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *Handler) forget(c *Client) {
	h.clientsMu.Lock()
	delete(h.clients, c.id)
	h.clientsMu.Unlock()
	h.wg.Done()
}
