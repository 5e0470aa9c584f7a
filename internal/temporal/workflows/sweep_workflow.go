package workflows

import (
	"github.com/internhub/notifyhub/internal/notification"
	"github.com/internhub/notifyhub/internal/temporal"
	"github.com/internhub/notifyhub/internal/temporal/activities"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// SweepWorkflow runs the repeat sweep and the presence reaper every
// params.Interval. A failed round is logged and the next round still runs.
func SweepWorkflow(ctx workflow.Context, params temporal.SweepParams) (temporal.SweepReport, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: temporal.DefaultActivityTimeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	rounds := params.Rounds
	if rounds <= 0 {
		rounds = temporal.DefaultSweepRounds
	}

	// The actual implementation is on the worker; this is just a proxy.
	var a *activities.Activities

	var report temporal.SweepReport
	for i := 0; i < rounds; i++ {
		if i > 0 {
			if err := workflow.Sleep(ctx, params.Interval); err != nil {
				return report, err
			}
		}

		var swept notification.SweepResult
		if err := workflow.ExecuteActivity(ctx, a.SweepNotificationsActivity).Get(ctx, &swept); err != nil {
			logger.Error("Sweep round failed.", "round", i, "error", err)
		} else {
			report.Republished += swept.Republished
			report.Expired += swept.Expired
		}

		var stale int64
		if err := workflow.ExecuteActivity(ctx, a.ReapPresenceActivity).Get(ctx, &stale); err != nil {
			logger.Error("Presence reap failed.", "round", i, "error", err)
		} else {
			report.StaleOffline += stale
		}
		report.Rounds++
	}

	logger.Info("Sweep workflow run completed.", "rounds", report.Rounds, "republished", report.Republished)
	if params.Forever {
		return report, workflow.NewContinueAsNewError(ctx, SweepWorkflow, params)
	}
	return report, nil
}
