package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/internhub/notifyhub/internal/account"
	"github.com/internhub/notifyhub/internal/authz"
	"github.com/internhub/notifyhub/internal/repository"
	"github.com/rs/zerolog"
)

type AccountHandler struct {
	service account.Service
	logger  zerolog.Logger
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

func NewAccountHandler(service account.Service, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{
		service: service,
		logger:  logger.With().Str("handler", "account").Logger(),
	}
}

func (h *AccountHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	adminID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	var req suspendRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	userID := strings.TrimSpace(mux.Vars(r)["userID"])
	user, err := h.service.SuspendUser(r.Context(), adminID, userID, req.Reason)
	if err != nil {
		h.writeServiceError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "user": user})
}

func (h *AccountHandler) Unsuspend(w http.ResponseWriter, r *http.Request) {
	adminID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	userID := strings.TrimSpace(mux.Vars(r)["userID"])
	user, err := h.service.UnsuspendUser(r.Context(), adminID, userID)
	if err != nil {
		h.writeServiceError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "user": user})
}

func (h *AccountHandler) writeServiceError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, account.ErrMissingUser):
		http.Error(w, "User ID is required", http.StatusBadRequest)
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "User not found", http.StatusNotFound)
	default:
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to update account status")
		http.Error(w, "Failed to update account", http.StatusInternalServerError)
	}
}
