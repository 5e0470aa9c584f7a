package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/internhub/notifyhub/internal/repository"
	"github.com/internhub/notifyhub/internal/target"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// MaxBatchSize bounds the number of rows in one insert statement.
const MaxBatchSize = 50

// Fields is the caller-supplied content of a notification.
type Fields struct {
	Title                 string
	Message               string
	Category              string
	PriorityLevel         models.NotificationPriority
	Link                  *string
	Sound                 *string
	Icon                  *string
	RepeatIntervalSeconds int
	MaxRepeats            int
	ExpiresAt             *time.Time
	Metadata              map[string]interface{}
}

// DispatchResult describes a dispatch. Notification is set for single and
// broadcast dispatches; Sent counts stored rows. Skipped counts recipients
// never attempted because the context ended between batches.
type DispatchResult struct {
	Notification *models.Notification
	Sent         int
	Skipped      int
	Failures     []RowFailure
}

type Service interface {
	Dispatch(ctx context.Context, t target.Target, fields Fields) (DispatchResult, error)
	DispatchSingle(ctx context.Context, userID string, fields Fields) (models.Notification, error)
	DispatchBulk(ctx context.Context, t target.Target, fields Fields) (DispatchResult, error)
	DispatchBroadcast(ctx context.Context, fields Fields) (models.Notification, error)
	Acknowledge(ctx context.Context, userID, notificationID string) error
	MarkDelivered(ctx context.Context, userID, notificationID string) error
	ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	RetractMatching(ctx context.Context, userID string, priority models.NotificationPriority, title string) ([]string, error)
	Sweep(ctx context.Context) (SweepResult, error)
}

// Directory lists the users target resolution runs against.
type Directory interface {
	ListDirectory(ctx context.Context) ([]models.DirectoryEntry, error)
}

type Options struct {
	BatchSize int
	Channels  realtime.Channels
	Now       func() time.Time
}

type service struct {
	repo      repository.NotificationRepository
	directory Directory
	publisher realtime.Publisher
	channels  realtime.Channels
	batchSize int
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(repo repository.NotificationRepository, directory Directory, publisher realtime.Publisher, logger zerolog.Logger, opts Options) Service {
	if publisher == nil {
		publisher = realtime.Unavailable()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:      repo,
		directory: directory,
		publisher: publisher,
		channels:  opts.Channels,
		batchSize: batchSize,
		now:       now,
		logger:    logger.With().Str("component", "notification_dispatcher").Logger(),
	}
}

func (s *service) Dispatch(ctx context.Context, t target.Target, fields Fields) (DispatchResult, error) {
	switch v := t.(type) {
	case target.User:
		n, err := s.DispatchSingle(ctx, v.ID, fields)
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{Notification: &n, Sent: 1}, nil
	case target.All:
		n, err := s.DispatchBroadcast(ctx, fields)
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{Notification: &n, Sent: 1}, nil
	case target.Group, target.Role:
		return s.DispatchBulk(ctx, t, fields)
	default:
		return DispatchResult{}, &target.InvalidTargetError{Target: t, Reason: "unknown target variant"}
	}
}

func (s *service) DispatchSingle(ctx context.Context, userID string, fields Fields) (models.Notification, error) {
	fields, metadata, err := normalize(fields)
	if err != nil {
		return models.Notification{}, err
	}
	recipients, err := target.Resolve(target.User{ID: strings.TrimSpace(userID)}, nil)
	if err != nil {
		return models.Notification{}, err
	}

	row := s.buildRow(fields, metadata, models.TargetTypeUser, &recipients[0], nil)
	created, err := s.repo.Create(ctx, row)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", recipients[0]).Msg("failed to persist notification")
		return models.Notification{}, err
	}

	s.publish(ctx, s.channels.User(recipients[0]), realtime.NotificationEnvelope(created, s.now()))
	return created, nil
}

func (s *service) DispatchBroadcast(ctx context.Context, fields Fields) (models.Notification, error) {
	fields, metadata, err := normalize(fields)
	if err != nil {
		return models.Notification{}, err
	}

	row := s.buildRow(fields, metadata, models.TargetTypeAll, nil, nil)
	created, err := s.repo.Create(ctx, row)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to persist broadcast notification")
		return models.Notification{}, err
	}

	s.publish(ctx, s.channels.Broadcast(), realtime.NotificationEnvelope(created, s.now()))
	return created, nil
}

func (s *service) DispatchBulk(ctx context.Context, t target.Target, fields Fields) (DispatchResult, error) {
	fields, metadata, err := normalize(fields)
	if err != nil {
		return DispatchResult{}, err
	}

	var groupID *string
	switch v := t.(type) {
	case target.Group:
		id := v.ID
		groupID = &id
	case target.Role:
	default:
		return DispatchResult{}, &target.InvalidTargetError{Target: t, Reason: "bulk dispatch needs a group or role target"}
	}
	targetType, err := target.TypeOf(t)
	if err != nil {
		return DispatchResult{}, err
	}

	directory, err := s.directory.ListDirectory(ctx)
	if err != nil {
		return DispatchResult{}, errors.Wrap(err, "load directory")
	}
	recipients, err := target.Resolve(t, directory)
	if err != nil {
		return DispatchResult{}, err
	}

	rows := make([]models.Notification, 0, len(recipients))
	for i := range recipients {
		rows = append(rows, s.buildRow(fields, metadata, targetType, &recipients[i], groupID))
	}

	var result DispatchResult
	for start := 0; start < len(rows); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			if start == 0 {
				return result, errors.Wrap(err, "bulk dispatch")
			}
			result.Skipped = len(rows) - start
			s.logger.Warn().Err(err).
				Int("sent", result.Sent).
				Int("skipped", result.Skipped).
				Msg("bulk dispatch stopped early, committed batches kept")
			break
		}
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		created, failures := s.insertBatch(ctx, rows[start:end])
		result.Sent += len(created)
		result.Failures = append(result.Failures, failures...)
		for _, n := range created {
			s.publish(ctx, s.channels.User(*n.RecipientID), realtime.NotificationEnvelope(n, s.now()))
		}
	}

	s.logger.Info().
		Str("target_type", string(targetType)).
		Int("recipients", len(recipients)).
		Int("sent", result.Sent).
		Int("failed", len(result.Failures)).
		Int("skipped", result.Skipped).
		Msg("bulk notification dispatched")
	return result, nil
}

// insertBatch stores a chunk in one statement and falls back to row-by-row
// inserts when the statement fails, so one bad row costs only itself.
func (s *service) insertBatch(ctx context.Context, batch []models.Notification) ([]models.Notification, []RowFailure) {
	created, err := s.repo.CreateBatch(ctx, batch)
	if err == nil {
		return created, nil
	}
	s.logger.Warn().Err(err).Int("rows", len(batch)).Msg("batch insert failed, retrying row by row")

	var (
		stored   []models.Notification
		failures []RowFailure
	)
	for _, row := range batch {
		n, err := s.repo.Create(ctx, row)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", *row.RecipientID).Msg("failed to persist notification row")
			failures = append(failures, RowFailure{RecipientID: *row.RecipientID, Err: err})
			continue
		}
		stored = append(stored, n)
	}
	return stored, failures
}

func (s *service) Acknowledge(ctx context.Context, userID, notificationID string) error {
	n, err := s.repo.Acknowledge(ctx, userID, notificationID)
	if err != nil {
		return err
	}
	s.publish(ctx, s.channels.User(userID), realtime.AcknowledgedEnvelope(userID, n.ID, s.now()))
	return nil
}

func (s *service) MarkDelivered(ctx context.Context, userID, notificationID string) error {
	return s.repo.MarkDelivered(ctx, userID, notificationID, s.now())
}

func (s *service) ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	return s.repo.ListForUser(ctx, userID, s.now(), limit)
}

func (s *service) buildRow(fields Fields, metadata json.RawMessage, targetType models.NotificationTargetType, recipient, groupID *string) models.Notification {
	now := s.now().UTC()
	var expiresAt *time.Time
	if fields.ExpiresAt != nil {
		t := fields.ExpiresAt.UTC()
		expiresAt = &t
	}
	return models.Notification{
		ID:                    uuid.NewString(),
		RecipientID:           recipient,
		Title:                 fields.Title,
		Message:               fields.Message,
		Category:              fields.Category,
		PriorityLevel:         fields.PriorityLevel,
		TargetType:            targetType,
		TargetGroupID:         groupID,
		Link:                  fields.Link,
		Sound:                 fields.Sound,
		Icon:                  fields.Icon,
		RepeatIntervalSeconds: fields.RepeatIntervalSeconds,
		MaxRepeats:            fields.MaxRepeats,
		RepeatsRemaining:      fields.MaxRepeats,
		ExpiresAt:             expiresAt,
		Metadata:              metadata,
		LastSentAt:            now,
		CreatedAt:             now,
	}
}

func normalize(fields Fields) (Fields, json.RawMessage, error) {
	fields.Title = strings.TrimSpace(fields.Title)
	fields.Message = strings.TrimSpace(fields.Message)
	if fields.Title == "" {
		return fields, nil, &ValidationError{Field: "title", Reason: "is required"}
	}
	if fields.Message == "" {
		return fields, nil, &ValidationError{Field: "message", Reason: "is required"}
	}
	if fields.PriorityLevel == "" {
		fields.PriorityLevel = models.PriorityNormal
	}
	fields.PriorityLevel = models.NotificationPriority(strings.ToUpper(string(fields.PriorityLevel)))
	if !fields.PriorityLevel.IsValid() {
		return fields, nil, &ValidationError{Field: "priorityLevel", Reason: "must be NORMAL, IMPORTANT or CRITICAL"}
	}
	if fields.RepeatIntervalSeconds < 0 {
		return fields, nil, &ValidationError{Field: "repeatInterval", Reason: "must not be negative"}
	}
	if fields.MaxRepeats < 0 {
		return fields, nil, &ValidationError{Field: "maxRepeats", Reason: "must not be negative"}
	}
	if fields.Category = strings.TrimSpace(fields.Category); fields.Category == "" {
		fields.Category = models.DefaultNotificationCategory
	}

	var metadata json.RawMessage
	if len(fields.Metadata) > 0 {
		raw, err := json.Marshal(fields.Metadata)
		if err != nil {
			return fields, nil, &ValidationError{Field: "metadata", Reason: err.Error()}
		}
		metadata = raw
	}
	return fields, metadata, nil
}
