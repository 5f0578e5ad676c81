package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/lukasbauer/voicerelay/internal/store"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

func (r *Router) handleListConversations(w http.ResponseWriter, req *http.Request) {
	if r.conversations == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history not configured"})
		return
	}

	limit := defaultConversationLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(max(n, 1), maxConversationLimit)
	}

	conversations, err := r.conversations.ListConversations(req.Context(), limit)
	if err != nil {
		r.logger.Printf("list conversations: %v", err)
		captureError(req, err, "list conversations")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list conversations"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": conversations,
	})
}

func (r *Router) handleGetConversation(w http.ResponseWriter, req *http.Request) {
	if r.conversations == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history not configured"})
		return
	}

	id := req.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
		return
	}

	detail, err := r.conversations.GetConversation(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	if err != nil {
		r.logger.Printf("get conversation %s: %v", id, err)
		captureError(req, err, "get conversation")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load conversation"})
		return
	}

	writeJSON(w, http.StatusOK, detail)
}
