package worker

import (
	"context"
	"time"

	"github.com/internhub/notifyhub/internal/notification"
	"github.com/rs/zerolog"
)

// Sweeper re-publishes due repeats and drops expired rows.
type Sweeper interface {
	Sweep(ctx context.Context) (notification.SweepResult, error)
}

// Reaper marks users offline whose heartbeat stopped.
type Reaper interface {
	Reap(ctx context.Context) (int64, error)
}

type Config struct {
	Sweeper      Sweeper
	Reaper       Reaper
	PollInterval time.Duration
}

// Worker runs the sweep in-process on a ticker. It is the alternative to the
// Temporal sweep workflow for single-instance deployments.
type Worker struct {
	cfg    Config
	logger zerolog.Logger
}

func NewWorker(cfg Config, logger zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Worker{cfg: cfg, logger: logger.With().Str("component", "sweep_worker").Logger()}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Dur("interval", w.cfg.PollInterval).Msg("Worker started, sweeping notifications...")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce does one sweep round. Errors are logged and the next round retries.
func (w *Worker) RunOnce(ctx context.Context) {
	if _, err := w.cfg.Sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("notification sweep failed")
	}
	if w.cfg.Reaper == nil {
		return
	}
	if _, err := w.cfg.Reaper.Reap(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("presence reap failed")
	}
}
