package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/internhub/notifyhub/internal/authz"
	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/notification"
	"github.com/internhub/notifyhub/internal/repository"
	"github.com/internhub/notifyhub/internal/target"
	"github.com/rs/zerolog"
)

type NotificationHandler struct {
	service  notification.Service
	audit    repository.AuditRepository
	validate *validator.Validate
	logger   zerolog.Logger
}

type createNotificationRequest struct {
	TargetType     string                 `json:"targetType" validate:"required"`
	TargetUserID   string                 `json:"targetUserId" validate:"required_if=TargetType USER"`
	TargetGroupID  string                 `json:"targetGroupId" validate:"required_if=TargetType GROUP"`
	Title          string                 `json:"title" validate:"required,max=200"`
	Message        string                 `json:"message" validate:"required,max=4000"`
	Type           string                 `json:"type" validate:"max=50"`
	PriorityLevel  string                 `json:"priorityLevel"`
	RepeatInterval int                    `json:"repeatInterval" validate:"gte=0"`
	MaxRepeats     int                    `json:"maxRepeats" validate:"gte=0"`
	ExpiresAt      *time.Time             `json:"expiresAt"`
	Link           *string                `json:"link" validate:"omitempty,max=2048"`
	Sound          *string                `json:"sound"`
	Icon           *string                `json:"icon"`
	Metadata       map[string]interface{} `json:"metadata"`
}

func NewNotificationHandler(service notification.Service, audit repository.AuditRepository, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service:  service,
		audit:    audit,
		validate: validator.New(),
		logger:   logger.With().Str("handler", "notification").Logger(),
	}
}

func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	adminID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "INVALID_BODY")
		return
	}
	req.TargetType = strings.ToUpper(strings.TrimSpace(req.TargetType))
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err), "VALIDATION_FAILED")
		return
	}

	t, err := target.Parse(req.TargetType, req.TargetUserID, req.TargetGroupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_TARGET")
		return
	}

	result, err := h.service.Dispatch(r.Context(), t, notification.Fields{
		Title:                 req.Title,
		Message:               req.Message,
		Category:              req.Type,
		PriorityLevel:         models.NotificationPriority(req.PriorityLevel),
		Link:                  req.Link,
		Sound:                 req.Sound,
		Icon:                  req.Icon,
		RepeatIntervalSeconds: req.RepeatInterval,
		MaxRepeats:            req.MaxRepeats,
		ExpiresAt:             req.ExpiresAt,
		Metadata:              req.Metadata,
	})
	if err != nil {
		var validationErr *notification.ValidationError
		var targetErr *target.InvalidTargetError
		switch {
		case errors.As(err, &validationErr):
			writeError(w, http.StatusBadRequest, validationErr.Error(), "VALIDATION_FAILED")
		case errors.As(err, &targetErr):
			writeError(w, http.StatusBadRequest, targetErr.Error(), "INVALID_TARGET")
		default:
			h.logger.Error().Err(err).Str("target_type", req.TargetType).Msg("failed to create notification")
			writeError(w, http.StatusInternalServerError, "Failed to create notification", "")
		}
		return
	}

	h.recordCreate(r, adminID, req, result)

	if result.Notification != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"notification": result.Notification,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"notification": map[string]int{"sent": result.Sent},
	})
}

func (h *NotificationHandler) recordCreate(r *http.Request, adminID string, req createNotificationRequest, result notification.DispatchResult) {
	details, _ := json.Marshal(map[string]interface{}{
		"target_type": req.TargetType,
		"title":       req.Title,
		"sent":        result.Sent,
		"failed":      len(result.Failures),
	})
	subject := req.TargetUserID
	if subject == "" {
		subject = req.TargetGroupID
	}
	entry := models.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   adminID,
		Action:    models.AuditActionNotificationCreate,
		SubjectID: subject,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.audit.Append(r.Context(), entry); err != nil {
		h.logger.Error().Err(err).Msg("failed to append audit entry")
	}
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request"
	}
	fe := fieldErrs[0]
	return "invalid " + fe.Field() + ": failed " + fe.Tag()
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	notifications, err := h.service.ListRecent(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list notifications")
		http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}

func (h *NotificationHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, "acknowledge", h.service.Acknowledge)
}

func (h *NotificationHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, "mark delivered", h.service.MarkDelivered)
}

func (h *NotificationHandler) update(w http.ResponseWriter, r *http.Request, action string, apply func(ctx context.Context, userID, notificationID string) error) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	notifID := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if notifID == "" {
		http.Error(w, "Notification ID is required", http.StatusBadRequest)
		return
	}

	if err := apply(r.Context(), userID, notifID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Notification not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("notification_id", notifID).Msgf("failed to %s notification", action)
		http.Error(w, "Failed to update notification", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
