package temporal

import "time"

// TaskQueueName is the Temporal task queue the notification sweep runs on.
const TaskQueueName = "NOTIFICATION_SWEEP"

// SweepWorkflowID is fixed so that only one sweep workflow runs per namespace.
const SweepWorkflowID = "notifyhub-sweep"

// DefaultActivityTimeout bounds one sweep activity.
const DefaultActivityTimeout = time.Minute

// DefaultSweepRounds is how many rounds a workflow run does before it continues
// as new, which keeps the event history short.
const DefaultSweepRounds = 200

// SweepParams is the input of SweepWorkflow.
type SweepParams struct {
	Interval time.Duration
	// Rounds per run. Zero means DefaultSweepRounds.
	Rounds int
	// Forever continues the workflow as new after the last round instead of
	// returning.
	Forever bool
}

// SweepReport totals the work of one workflow run.
type SweepReport struct {
	Rounds       int
	Republished  int
	Expired      int64
	StaleOffline int64
}
