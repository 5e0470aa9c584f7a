package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/internhub/notifyhub/internal/models"
	"github.com/pkg/errors"
)

type UserRepository interface {
	// ListDirectory returns the view of every user that target resolution needs.
	ListDirectory(ctx context.Context) ([]models.DirectoryEntry, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
	SetAccountStatus(ctx context.Context, userID string, status models.AccountStatus, reason *string) (models.User, error)
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
	// MarkStaleOffline flips users whose last heartbeat is older than before.
	MarkStaleOffline(ctx context.Context, before time.Time) (int64, error)
}

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

const userColumns = `id, email, full_name, role, group_id, account_status, suspended_reason, online_status, last_seen_at, created_at`

func (u *userRepository) ListDirectory(ctx context.Context) ([]models.DirectoryEntry, error) {
	const query = `
		SELECT id, role, COALESCE(group_id, '')
		FROM users
		ORDER BY created_at, id`

	rows, err := u.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list directory")
	}
	defer rows.Close()

	var entries []models.DirectoryEntry
	for rows.Next() {
		var entry models.DirectoryEntry
		if err := rows.Scan(&entry.UserID, &entry.Role, &entry.GroupID); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (u *userRepository) GetUser(ctx context.Context, userID string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(u.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

func (u *userRepository) SetAccountStatus(ctx context.Context, userID string, status models.AccountStatus, reason *string) (models.User, error) {
	query := `
		UPDATE users
		SET account_status = $2, suspended_reason = $3, updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns

	user, err := scanUser(u.db.QueryRowContext(ctx, query, userID, status, reason))
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, errors.Wrap(err, "update account status")
	}
	return user, nil
}

func (u *userRepository) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	const query = `
		UPDATE users
		SET online_status = $2, last_seen_at = $3
		WHERE id = $1`

	res, err := u.db.ExecContext(ctx, query, userID, online, at)
	if err != nil {
		return errors.Wrap(err, "update presence")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (u *userRepository) MarkStaleOffline(ctx context.Context, before time.Time) (int64, error) {
	const query = `
		UPDATE users
		SET online_status = FALSE
		WHERE online_status = TRUE AND (last_seen_at IS NULL OR last_seen_at < $1)`

	res, err := u.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, errors.Wrap(err, "mark stale presence offline")
	}
	return res.RowsAffected()
}

func scanUser(scanner interface {
	Scan(dest ...interface{}) error
}) (models.User, error) {
	var (
		user       models.User
		groupID    sql.NullString
		reason     sql.NullString
		lastSeenAt sql.NullTime
	)
	if err := scanner.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.Role,
		&groupID,
		&user.AccountStatus,
		&reason,
		&user.OnlineStatus,
		&lastSeenAt,
		&user.CreatedAt,
	); err != nil {
		return models.User{}, err
	}
	user.GroupID = nullableString(groupID)
	user.SuspendedReason = nullableString(reason)
	user.LastSeenAt = nullableTime(lastSeenAt)
	return user, nil
}
