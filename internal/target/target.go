// Package target resolves delivery targets to recipient ids.
package target

import (
	"fmt"
	"strings"

	"github.com/internhub/notifyhub/internal/models"
)

// Target is a delivery target. The set of variants is closed: User, Group,
// Role and All.
type Target interface {
	isTarget()
}

type User struct{ ID string }

type Group struct{ ID string }

type Role struct{ Role models.UserRole }

// All addresses every user through a single broadcast row.
type All struct{}

func (User) isTarget()  {}
func (Group) isTarget() {}
func (Role) isTarget()  {}
func (All) isTarget()   {}

// InvalidTargetError reports a target that cannot be resolved.
type InvalidTargetError struct {
	Target interface{}
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid delivery target %v: %s", e.Target, e.Reason)
}

// Resolve maps t to the ids of its recipients. All resolves to an empty list;
// callers must not fan it out.
func Resolve(t Target, directory []models.DirectoryEntry) ([]string, error) {
	switch v := t.(type) {
	case User:
		if strings.TrimSpace(v.ID) == "" {
			return nil, &InvalidTargetError{Target: t, Reason: "user id is required"}
		}
		return []string{v.ID}, nil
	case Group:
		if strings.TrimSpace(v.ID) == "" {
			return nil, &InvalidTargetError{Target: t, Reason: "group id is required"}
		}
		return collect(directory, func(e models.DirectoryEntry) bool { return e.GroupID == v.ID }), nil
	case Role:
		if !models.IsValidRole(v.Role) {
			return nil, &InvalidTargetError{Target: t, Reason: fmt.Sprintf("unknown role %q", v.Role)}
		}
		return collect(directory, func(e models.DirectoryEntry) bool { return e.Role == v.Role }), nil
	case All:
		return []string{}, nil
	default:
		return nil, &InvalidTargetError{Target: t, Reason: "unknown target variant"}
	}
}

func collect(directory []models.DirectoryEntry, match func(models.DirectoryEntry) bool) []string {
	ids := make([]string, 0, len(directory))
	seen := make(map[string]struct{}, len(directory))
	for _, entry := range directory {
		if entry.UserID == "" || !match(entry) {
			continue
		}
		if _, dup := seen[entry.UserID]; dup {
			continue
		}
		seen[entry.UserID] = struct{}{}
		ids = append(ids, entry.UserID)
	}
	return ids
}

// Parse builds a target from the wire form used by the creation endpoint.
func Parse(targetType, userID, groupID string) (Target, error) {
	switch strings.ToUpper(strings.TrimSpace(targetType)) {
	case "USER":
		if strings.TrimSpace(userID) == "" {
			return nil, &InvalidTargetError{Target: targetType, Reason: "targetUserId is required"}
		}
		return User{ID: strings.TrimSpace(userID)}, nil
	case "GROUP":
		if strings.TrimSpace(groupID) == "" {
			return nil, &InvalidTargetError{Target: targetType, Reason: "targetGroupId is required"}
		}
		return Group{ID: strings.TrimSpace(groupID)}, nil
	case "INTERNS", "ROLE_INTERNS":
		return Role{Role: models.RoleIntern}, nil
	case "ADMINS", "ROLE_ADMINS":
		return Role{Role: models.RoleAdmin}, nil
	case "ALL":
		return All{}, nil
	default:
		return nil, &InvalidTargetError{Target: targetType, Reason: "unknown target type"}
	}
}

// TypeOf is the persisted target type of t.
func TypeOf(t Target) (models.NotificationTargetType, error) {
	switch v := t.(type) {
	case User:
		return models.TargetTypeUser, nil
	case Group:
		return models.TargetTypeGroup, nil
	case Role:
		switch v.Role {
		case models.RoleIntern:
			return models.TargetTypeRoleInterns, nil
		case models.RoleAdmin:
			return models.TargetTypeRoleAdmins, nil
		}
		return "", &InvalidTargetError{Target: t, Reason: fmt.Sprintf("unknown role %q", v.Role)}
	case All:
		return models.TargetTypeAll, nil
	default:
		return "", &InvalidTargetError{Target: t, Reason: "unknown target variant"}
	}
}
