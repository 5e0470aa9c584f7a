package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/internhub/notifyhub/internal/models"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation pq.ErrorCode = "23505"

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errors.Wrap(ErrDuplicate, pqErr.Constraint)
	}
	return err
}

type NotificationRepository interface {
	Create(ctx context.Context, n models.Notification) (models.Notification, error)
	// CreateBatch inserts rows in one statement. Either all rows are stored or none.
	CreateBatch(ctx context.Context, rows []models.Notification) ([]models.Notification, error)
	ListForUser(ctx context.Context, userID string, now time.Time, limit int) ([]models.Notification, error)
	// Acknowledge deletes the user's personal row, or returns the shared
	// broadcast row untouched.
	Acknowledge(ctx context.Context, userID, notificationID string) (models.Notification, error)
	MarkDelivered(ctx context.Context, userID, notificationID string, at time.Time) error
	// DeleteUnacknowledged removes every row matching filter and returns their ids.
	DeleteUnacknowledged(ctx context.Context, filter models.RetractFilter) ([]string, error)
	// ClaimDueRepeats decrements repeats_remaining on due rows and returns them
	// as claimed. A row with no repeats left is never returned.
	ClaimDueRepeats(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type notificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `id, user_id, title, message, type, priority_level, target_type, target_group_id,
	link, sound, icon, repeat_interval, max_repeats, repeats_remaining, expires_at, acknowledged,
	metadata, last_sent_at, delivered_at, created_at`

const insertColumns = `id, user_id, title, message, type, priority_level, target_type, target_group_id,
	link, sound, icon, repeat_interval, max_repeats, repeats_remaining, expires_at, metadata,
	last_sent_at, created_at`

const insertColumnCount = 18

func insertArgs(n models.Notification) []interface{} {
	var metadata interface{}
	if len(n.Metadata) > 0 {
		metadata = []byte(n.Metadata)
	}
	return []interface{}{
		n.ID, n.RecipientID, n.Title, n.Message, n.Category, n.PriorityLevel, n.TargetType, n.TargetGroupID,
		n.Link, n.Sound, n.Icon, n.RepeatIntervalSeconds, n.MaxRepeats, n.RepeatsRemaining, n.ExpiresAt, metadata,
		n.LastSentAt, n.CreatedAt,
	}
}

func (r *notificationRepository) Create(ctx context.Context, n models.Notification) (models.Notification, error) {
	query := fmt.Sprintf(`
		INSERT INTO notifications (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING %s`, insertColumns, notificationColumns)

	row := r.db.QueryRowContext(ctx, query, insertArgs(n)...)
	created, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, errors.Wrap(classify(err), "insert notification")
	}
	return created, nil
}

func (r *notificationRepository) CreateBatch(ctx context.Context, rows []models.Notification) ([]models.Notification, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*insertColumnCount)
	for i, n := range rows {
		placeholders := make([]string, insertColumnCount)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*insertColumnCount+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, insertArgs(n)...)
	}

	query := fmt.Sprintf(`INSERT INTO notifications (%s) VALUES %s RETURNING %s`,
		insertColumns, strings.Join(values, ", "), notificationColumns)

	result, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(classify(err), "insert batch of %d notifications", len(rows))
	}
	defer result.Close()
	return scanNotifications(result)
}

const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)

// ClampListLimit applies the default to a missing limit and caps large ones.
func ClampListLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

func (r *notificationRepository) ListForUser(ctx context.Context, userID string, now time.Time, limit int) ([]models.Notification, error) {
	limit = ClampListLimit(limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		WHERE (user_id = $1 OR (target_type = 'ALL' AND user_id IS NULL))
			AND acknowledged = FALSE
			AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC
		LIMIT $3`, notificationColumns)

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(userID), now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *notificationRepository) Acknowledge(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	deleteQuery := fmt.Sprintf(`
		DELETE FROM notifications
		WHERE id = $1 AND user_id = $2
		RETURNING %s`, notificationColumns)

	n, err := scanNotification(r.db.QueryRowContext(ctx, deleteQuery, notificationID, userID))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, errors.Wrap(err, "delete acknowledged notification")
	}

	broadcastQuery := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		WHERE id = $1 AND target_type = 'ALL' AND user_id IS NULL`, notificationColumns)

	n, err = scanNotification(r.db.QueryRowContext(ctx, broadcastQuery, notificationID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, ErrNotFound
	}
	if err != nil {
		return models.Notification{}, errors.Wrap(err, "load broadcast notification")
	}
	return n, nil
}

func (r *notificationRepository) MarkDelivered(ctx context.Context, userID, notificationID string, at time.Time) error {
	const query = `
		UPDATE notifications
		SET delivered_at = COALESCE(delivered_at, $3)
		WHERE id = $1 AND user_id = $2`

	res, err := r.db.ExecContext(ctx, query, notificationID, userID, at)
	if err != nil {
		return errors.Wrap(err, "mark notification delivered")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *notificationRepository) DeleteUnacknowledged(ctx context.Context, filter models.RetractFilter) ([]string, error) {
	const query = `
		DELETE FROM notifications
		WHERE user_id = $1
			AND acknowledged = FALSE
			AND ($2 = '' OR priority_level = $2)
			AND ($3 = '' OR title = $3)
		RETURNING id`

	rows, err := r.db.QueryContext(ctx, query, filter.UserID, string(filter.PriorityLevel), filter.Title)
	if err != nil {
		return nil, errors.Wrap(err, "delete unacknowledged notifications")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *notificationRepository) ClaimDueRepeats(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		UPDATE notifications
		SET repeats_remaining = repeats_remaining - 1, last_sent_at = $1
		WHERE id IN (
			SELECT id FROM notifications
			WHERE acknowledged = FALSE
				AND repeats_remaining > 0
				AND repeat_interval > 0
				AND (expires_at IS NULL OR expires_at > $1)
				AND last_sent_at + make_interval(secs => repeat_interval) <= $1
			ORDER BY last_sent_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND repeats_remaining > 0
		RETURNING %s`, notificationColumns)

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim due repeats")
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *notificationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired notifications")
	}
	return res.RowsAffected()
}

func scanNotifications(rows *sql.Rows) ([]models.Notification, error) {
	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func scanNotification(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Notification, error) {
	var (
		notif         models.Notification
		userID        sql.NullString
		targetGroupID sql.NullString
		link          sql.NullString
		sound         sql.NullString
		icon          sql.NullString
		expiresAt     sql.NullTime
		metadataRaw   []byte
		deliveredAt   sql.NullTime
	)

	if err := scanner.Scan(
		&notif.ID,
		&userID,
		&notif.Title,
		&notif.Message,
		&notif.Category,
		&notif.PriorityLevel,
		&notif.TargetType,
		&targetGroupID,
		&link,
		&sound,
		&icon,
		&notif.RepeatIntervalSeconds,
		&notif.MaxRepeats,
		&notif.RepeatsRemaining,
		&expiresAt,
		&notif.Acknowledged,
		&metadataRaw,
		&notif.LastSentAt,
		&deliveredAt,
		&notif.CreatedAt,
	); err != nil {
		return models.Notification{}, err
	}

	notif.RecipientID = nullableString(userID)
	notif.TargetGroupID = nullableString(targetGroupID)
	notif.Link = nullableString(link)
	notif.Sound = nullableString(sound)
	notif.Icon = nullableString(icon)
	notif.ExpiresAt = nullableTime(expiresAt)
	notif.DeliveredAt = nullableTime(deliveredAt)
	if len(metadataRaw) > 0 {
		notif.Metadata = metadataRaw
	}
	return notif, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
