package models

import (
	"encoding/json"
	"time"
)

type NotificationPriority string

const (
	PriorityNormal    NotificationPriority = "NORMAL"
	PriorityImportant NotificationPriority = "IMPORTANT"
	PriorityCritical  NotificationPriority = "CRITICAL"
)

// IsValid reports whether p is one of the enumerated priority levels.
func (p NotificationPriority) IsValid() bool {
	switch p {
	case PriorityNormal, PriorityImportant, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities for display, higher is more urgent.
func (p NotificationPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityImportant:
		return 1
	default:
		return 0
	}
}

type NotificationTargetType string

const (
	TargetTypeUser        NotificationTargetType = "USER"
	TargetTypeGroup       NotificationTargetType = "GROUP"
	TargetTypeRoleInterns NotificationTargetType = "ROLE_INTERNS"
	TargetTypeRoleAdmins  NotificationTargetType = "ROLE_ADMINS"
	TargetTypeAll         NotificationTargetType = "ALL"
)

const DefaultNotificationCategory = "system"

// Notification is the persisted unit of delivery. RecipientID is nil only for
// the single row that represents a broadcast.
type Notification struct {
	ID                    string                 `json:"id" db:"id"`
	RecipientID           *string                `json:"user_id,omitempty" db:"user_id"`
	Title                 string                 `json:"title" db:"title"`
	Message               string                 `json:"message" db:"message"`
	Category              string                 `json:"type" db:"type"`
	PriorityLevel         NotificationPriority   `json:"priority_level" db:"priority_level"`
	TargetType            NotificationTargetType `json:"target_type" db:"target_type"`
	TargetGroupID         *string                `json:"target_group_id,omitempty" db:"target_group_id"`
	Link                  *string                `json:"link,omitempty" db:"link"`
	Sound                 *string                `json:"sound,omitempty" db:"sound"`
	Icon                  *string                `json:"icon,omitempty" db:"icon"`
	RepeatIntervalSeconds int                    `json:"repeat_interval" db:"repeat_interval"`
	MaxRepeats            int                    `json:"max_repeats" db:"max_repeats"`
	RepeatsRemaining      int                    `json:"repeats_remaining" db:"repeats_remaining"`
	ExpiresAt             *time.Time             `json:"expires_at,omitempty" db:"expires_at"`
	Acknowledged          bool                   `json:"acknowledged" db:"acknowledged"`
	Metadata              json.RawMessage        `json:"metadata,omitempty" db:"metadata"`
	LastSentAt            time.Time              `json:"last_sent_at" db:"last_sent_at"`
	DeliveredAt           *time.Time             `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt             time.Time              `json:"created_at" db:"created_at"`
}

// IsBroadcast reports whether the row is the shared row of an ALL dispatch.
func (n Notification) IsBroadcast() bool {
	return n.TargetType == TargetTypeAll && n.RecipientID == nil
}

func (n Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// IsInert reports whether the row can no longer be re-delivered by the sweep.
func (n Notification) IsInert(now time.Time) bool {
	return n.RepeatsRemaining <= 0 || n.IsExpired(now)
}

// RepeatDue reports whether the repeat interval has elapsed since the last send.
func (n Notification) RepeatDue(now time.Time) bool {
	if n.IsInert(now) || n.Acknowledged || n.RepeatIntervalSeconds <= 0 {
		return false
	}
	return !now.Before(n.LastSentAt.Add(time.Duration(n.RepeatIntervalSeconds) * time.Second))
}

// RetractFilter selects the unacknowledged rows of one user an administrative
// reversal removes.
type RetractFilter struct {
	UserID        string
	PriorityLevel NotificationPriority
	Title         string
}

func (f RetractFilter) Matches(n Notification) bool {
	if n.RecipientID == nil || *n.RecipientID != f.UserID || n.Acknowledged {
		return false
	}
	if f.PriorityLevel != "" && n.PriorityLevel != f.PriorityLevel {
		return false
	}
	return f.Title == "" || n.Title == f.Title
}
