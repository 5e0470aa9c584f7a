package repository

import (
	"context"
	"database/sql"

	"github.com/internhub/notifyhub/internal/models"
	"github.com/pkg/errors"
)

// AuditRepository is append-only.
type AuditRepository interface {
	Append(ctx context.Context, entry models.AuditEntry) error
}

type auditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(ctx context.Context, entry models.AuditEntry) error {
	const query = `
		INSERT INTO audit_log (id, actor_id, action, subject_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	var details interface{}
	if len(entry.Details) > 0 {
		details = []byte(entry.Details)
	}
	_, err := r.db.ExecContext(ctx, query, entry.ID, entry.ActorID, entry.Action, entry.SubjectID, details, entry.CreatedAt)
	return errors.Wrap(err, "append audit entry")
}
