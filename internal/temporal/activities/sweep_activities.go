package activities

import (
	"context"

	"github.com/internhub/notifyhub/internal/notification"
	"go.temporal.io/sdk/activity"
)

// Sweeper re-publishes due repeats and drops expired rows.
type Sweeper interface {
	Sweep(ctx context.Context) (notification.SweepResult, error)
}

// Reaper marks users offline whose heartbeat stopped.
type Reaper interface {
	Reap(ctx context.Context) (int64, error)
}

type Activities struct {
	Notifications Sweeper
	Presence      Reaper
}

func (a *Activities) SweepNotificationsActivity(ctx context.Context) (notification.SweepResult, error) {
	logger := activity.GetLogger(ctx)

	result, err := a.Notifications.Sweep(ctx)
	if err != nil {
		logger.Error("Notification sweep failed", "error", err)
		return result, err
	}
	logger.Debug("Notification sweep done", "republished", result.Republished, "expired", result.Expired)
	return result, nil
}

func (a *Activities) ReapPresenceActivity(ctx context.Context) (int64, error) {
	if a.Presence == nil {
		return 0, nil
	}
	n, err := a.Presence.Reap(ctx)
	if err != nil {
		activity.GetLogger(ctx).Error("Presence reap failed", "error", err)
	}
	return n, err
}
