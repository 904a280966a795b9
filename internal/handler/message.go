package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"chathub/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.Config.AllowsAllOrigins() {
		return true
	}
	for _, allowed := range h.Config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// checkOrigin rejects browser requests from origins outside the allow-list.
// Requests with neither Origin nor Referer come from non-browser clients
// and pass.
func (h *Handler) checkOrigin(r *http.Request) error {
	if origin := r.Header.Get("Origin"); origin != "" {
		if !h.isOriginAllowed(origin) {
			return fmt.Errorf("forbidden origin: %s", origin)
		}
		return nil
	}

	referer := r.Referer()
	if referer == "" {
		return nil
	}
	parsed, err := url.Parse(referer)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid referer: %s", referer)
	}
	if refererOrigin := parsed.Scheme + "://" + parsed.Host; !h.isOriginAllowed(refererOrigin) {
		return fmt.Errorf("forbidden referer origin: %s", refererOrigin)
	}
	return nil
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.Hub.Registry().Len(),
	})
}

// GetMessage handles GET /messages/{id}
// トークン検証が有効な場合は当事者にのみ返す
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	rawID := mux.Vars(r)["id"]
	log.Printf("[GET /messages/%s] Request received from %s", rawID, r.RemoteAddr)

	if err := h.checkOrigin(r); err != nil {
		log.Printf("[GET /messages/%s] ❌ %v", rawID, err)
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		log.Printf("[GET /messages/%s] ❌ Bad Request: invalid id", rawID)
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	var viewer int64
	if h.Verifier != nil {
		claims, err := h.Verifier.FromRequest(r)
		if err == nil {
			viewer, err = claims.UserID()
		}
		if err != nil {
			log.Printf("[GET /messages/%s] ❌ Unauthorized: %v", rawID, err)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	msg, err := h.Messages.GetMessageByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) ||
		(err == nil && viewer != 0 && msg.AuthorID != viewer && msg.RecipientID != viewer) {
		log.Printf("[GET /messages/%s] ❌ Not Found", rawID)
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		log.Printf("[GET /messages/%s] ❌ Database error: %v", rawID, err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	log.Printf("[GET /messages/%s] ✅ Returned message (delivered=%t, read=%t)", rawID, msg.Delivered, msg.Read)
	writeJSON(w, http.StatusOK, msg)
}
