// Package account implements administrative suspension of user accounts.
package account

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/notification"
	"github.com/internhub/notifyhub/internal/repository"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// SuspendedTitle is the title of the notice sent on suspension and retracted
// on unsuspension.
const SuspendedTitle = "Account Suspended"

const suspendedCategory = "account"

var ErrMissingUser = errors.New("user id is required")

// Users is the slice of the user store account administration writes to.
type Users interface {
	SetAccountStatus(ctx context.Context, userID string, status models.AccountStatus, reason *string) (models.User, error)
}

// Notifier is the part of the dispatcher account administration uses.
type Notifier interface {
	DispatchSingle(ctx context.Context, userID string, fields notification.Fields) (models.Notification, error)
	RetractMatching(ctx context.Context, userID string, priority models.NotificationPriority, title string) ([]string, error)
}

type Service interface {
	SuspendUser(ctx context.Context, adminID, userID, reason string) (models.User, error)
	UnsuspendUser(ctx context.Context, adminID, userID string) (models.User, error)
}

type service struct {
	users    Users
	audit    repository.AuditRepository
	notifier Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(users Users, audit repository.AuditRepository, notifier Notifier, logger zerolog.Logger) Service {
	return &service{
		users:    users,
		audit:    audit,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With().Str("component", "account").Logger(),
	}
}

func (s *service) SuspendUser(ctx context.Context, adminID, userID, reason string) (models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.User{}, ErrMissingUser
	}
	reason = strings.TrimSpace(reason)

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	user, err := s.users.SetAccountStatus(ctx, userID, models.AccountStatusSuspended, reasonPtr)
	if err != nil {
		return models.User{}, errors.Wrap(err, "suspend user")
	}

	s.record(ctx, adminID, models.AuditActionSuspend, userID, map[string]interface{}{"reason": reason})

	message := "Your account has been suspended. Contact an administrator for details."
	if reason != "" {
		message = "Your account has been suspended: " + reason
	}
	_, err = s.notifier.DispatchSingle(ctx, userID, notification.Fields{
		Title:         SuspendedTitle,
		Message:       message,
		Category:      suspendedCategory,
		PriorityLevel: models.PriorityCritical,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to send suspension notice")
	}

	s.logger.Info().Str("admin_id", adminID).Str("user_id", userID).Msg("user suspended")
	return user, nil
}

func (s *service) UnsuspendUser(ctx context.Context, adminID, userID string) (models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.User{}, ErrMissingUser
	}

	user, err := s.users.SetAccountStatus(ctx, userID, models.AccountStatusActive, nil)
	if err != nil {
		return models.User{}, errors.Wrap(err, "unsuspend user")
	}
	s.record(ctx, adminID, models.AuditActionUnsuspend, userID, nil)

	ids, err := s.notifier.RetractMatching(ctx, userID, models.PriorityCritical, SuspendedTitle)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to retract suspension notice")
	} else if len(ids) > 0 {
		s.record(ctx, adminID, models.AuditActionRetract, userID, map[string]interface{}{"notification_ids": ids})
	}

	s.logger.Info().Str("admin_id", adminID).Str("user_id", userID).Int("retracted", len(ids)).Msg("user unsuspended")
	return user, nil
}

// record appends an audit entry. The status change has already been committed
// when this runs, so a failed append is logged rather than returned.
func (s *service) record(ctx context.Context, actorID string, action models.AuditAction, subjectID string, details map[string]interface{}) {
	entry := models.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Action:    action,
		SubjectID: subjectID,
		CreatedAt: s.now().UTC(),
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err == nil {
			entry.Details = data
		}
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", string(action)).Str("subject_id", subjectID).Msg("failed to append audit entry")
	}
}
