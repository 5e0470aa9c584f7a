package notification

import (
	"context"

	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/realtime"
)

// RetractMatching deletes the user's unacknowledged rows that match priority
// and title, then tells every open session to dismiss each deleted id. Empty
// priority or title match anything.
func (s *service) RetractMatching(ctx context.Context, userID string, priority models.NotificationPriority, title string) ([]string, error) {
	filter := models.RetractFilter{UserID: userID, PriorityLevel: priority, Title: title}
	ids, err := s.repo.DeleteUnacknowledged(ctx, filter)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to retract notifications")
		return nil, &RetractionError{UserID: userID, Err: err}
	}

	channel := s.channels.User(userID)
	for _, id := range ids {
		s.publish(ctx, channel, realtime.AcknowledgedEnvelope(userID, id, s.now()))
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("priority_level", string(priority)).
		Str("title", title).
		Int("retracted", len(ids)).
		Msg("notifications retracted")
	return ids, nil
}
