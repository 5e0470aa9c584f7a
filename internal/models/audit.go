package models

import (
	"encoding/json"
	"time"
)

type AuditAction string

const (
	AuditActionSuspend            AuditAction = "user.suspend"
	AuditActionUnsuspend          AuditAction = "user.unsuspend"
	AuditActionRetract            AuditAction = "notification.retract"
	AuditActionNotificationCreate AuditAction = "notification.create"
)

// AuditEntry is an append-only record of an administrative action.
type AuditEntry struct {
	ID        string          `json:"id"`
	ActorID   string          `json:"actor_id"`
	Action    AuditAction     `json:"action"`
	SubjectID string          `json:"subject_id"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
