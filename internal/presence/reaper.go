package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type StaleMarker interface {
	MarkStaleOffline(ctx context.Context, before time.Time) (int64, error)
}

// Reaper marks users offline whose heartbeat stopped without a clean
// deactivation.
type Reaper struct {
	store      StaleMarker
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

func NewReaper(store StaleMarker, staleAfter time.Duration, logger zerolog.Logger) *Reaper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reaper{
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "presence_reaper").Logger(),
	}
}

func (r *Reaper) Reap(ctx context.Context) (int64, error) {
	n, err := r.store.MarkStaleOffline(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info().Int64("users", n).Msg("marked stale users offline")
	}
	return n, nil
}
