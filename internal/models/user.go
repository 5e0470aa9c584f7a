package models

import "time"

type UserRole string

const (
	RoleIntern UserRole = "intern"
	RoleAdmin  UserRole = "admin"
)

func IsValidRole(role UserRole) bool {
	switch role {
	case RoleIntern, RoleAdmin:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
)

type User struct {
	ID              string        `json:"id"`
	Email           string        `json:"email"`
	FullName        string        `json:"full_name"`
	Role            UserRole      `json:"role"`
	GroupID         *string       `json:"group_id,omitempty"`
	AccountStatus   AccountStatus `json:"account_status"`
	SuspendedReason *string       `json:"suspended_reason"`
	OnlineStatus    bool          `json:"online_status"`
	LastSeenAt      *time.Time    `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// DirectoryEntry is the read-only view of a user the target resolver works on.
type DirectoryEntry struct {
	UserID  string
	Role    UserRole
	GroupID string
}

func (u User) DirectoryEntry() DirectoryEntry {
	entry := DirectoryEntry{UserID: u.ID, Role: u.Role}
	if u.GroupID != nil {
		entry.GroupID = *u.GroupID
	}
	return entry
}
