package notification

import (
	"context"
	"errors"

	"github.com/internhub/notifyhub/internal/realtime"
)

// publish pushes env onto channel. Failures are logged and never returned:
// the stored row is the source of truth and clients catch up on load.
func (s *service) publish(ctx context.Context, channel string, env realtime.Envelope) {
	err := s.publisher.Publish(ctx, channel, env)
	if err == nil {
		return
	}
	if errors.Is(err, realtime.ErrTransportUnavailable) {
		s.logger.Debug().
			Str("channel", channel).
			Str("notification_id", env.NotificationID).
			Msg("realtime transport unavailable, delivery is store-only")
		return
	}
	s.logger.Warn().
		Err(err).
		Str("channel", channel).
		Str("notification_id", env.NotificationID).
		Str("envelope_type", string(env.Type)).
		Msg("failed to publish notification")
}
