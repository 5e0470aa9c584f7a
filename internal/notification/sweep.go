package notification

import (
	"context"

	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/pkg/errors"
)

const sweepClaimLimit = 500

type SweepResult struct {
	Republished int   `json:"republished"`
	Expired     int64 `json:"expired"`
}

// Sweep re-publishes every row whose repeat interval has elapsed and deletes
// expired rows. Rows are claimed in the store before publishing, so
// concurrent sweeps never deliver a row more than MaxRepeats extra times.
func (s *service) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()

	for {
		claimed, err := s.repo.ClaimDueRepeats(ctx, now, sweepClaimLimit)
		if err != nil {
			return result, errors.Wrap(err, "claim due repeats")
		}
		for _, n := range claimed {
			channel := s.channels.Broadcast()
			if !n.IsBroadcast() && n.RecipientID != nil {
				channel = s.channels.User(*n.RecipientID)
			}
			s.publish(ctx, channel, realtime.NotificationEnvelope(n, now))
		}
		result.Republished += len(claimed)
		if len(claimed) < sweepClaimLimit {
			break
		}
	}

	expired, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return result, errors.Wrap(err, "delete expired notifications")
	}
	result.Expired = expired

	if result.Republished > 0 || result.Expired > 0 {
		s.logger.Info().
			Int("republished", result.Republished).
			Int64("expired", result.Expired).
			Msg("notification sweep completed")
	}
	return result, nil
}
