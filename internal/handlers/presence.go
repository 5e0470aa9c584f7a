package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/internhub/notifyhub/internal/authz"
	"github.com/internhub/notifyhub/internal/presence"
	"github.com/rs/zerolog"
)

type PresenceHandler struct {
	store  presence.Store
	logger zerolog.Logger
}

type presenceRequest struct {
	Online *bool `json:"online"`
}

func NewPresenceHandler(store presence.Store, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		store:  store,
		logger: logger.With().Str("handler", "presence").Logger(),
	}
}

// Update mirrors the caller's presence into the user store.
func (h *PresenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.store.SetPresence(r.Context(), userID, *req.Online, time.Now().UTC()); err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to update presence")
		http.Error(w, "Failed to update presence", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
