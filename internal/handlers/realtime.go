package handlers

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/internhub/notifyhub/internal/authz"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/rs/zerolog"
)

const DefaultRealtimeTokenTTL = 5 * time.Minute

// CodeRealtimeNotConfigured tells clients that no transport exists and that
// retrying will not help.
const CodeRealtimeNotConfigured = "REALTIME_NOT_CONFIGURED"

// RealtimeHandler issues short-lived transport tokens scoped to the caller's
// channels.
type RealtimeHandler struct {
	publisher realtime.Publisher
	channels  realtime.Channels
	secret    []byte
	ttl       time.Duration
	logger    zerolog.Logger
}

type channelGrant struct {
	Personal  string `json:"personal"`
	Broadcast string `json:"broadcast"`
	Presence  string `json:"presence"`
}

type realtimeTokenResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Channels  channelGrant `json:"channels"`
}

func NewRealtimeHandler(publisher realtime.Publisher, channels realtime.Channels, secret string, ttl time.Duration, logger zerolog.Logger) *RealtimeHandler {
	if ttl <= 0 {
		ttl = DefaultRealtimeTokenTTL
	}
	return &RealtimeHandler{
		publisher: publisher,
		channels:  channels,
		secret:    []byte(secret),
		ttl:       ttl,
		logger:    logger.With().Str("handler", "realtime").Logger(),
	}
}

func (h *RealtimeHandler) Token(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	if !realtime.IsConfigured(h.publisher) {
		writeError(w, http.StatusServiceUnavailable, "Realtime transport is not configured", CodeRealtimeNotConfigured)
		return
	}

	grant := channelGrant{
		Personal:  h.channels.User(userID),
		Broadcast: h.channels.Broadcast(),
		Presence:  h.channels.Presence(),
	}
	expiresAt := time.Now().Add(h.ttl).UTC().Truncate(time.Second)
	// The capability map is enforced by transports that verify the token. The
	// Redis transport authenticates with its own credentials and only uses the
	// channel names.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": expiresAt.Unix(),
		"capability": map[string][]string{
			grant.Personal:  {"subscribe"},
			grant.Broadcast: {"subscribe"},
			grant.Presence:  {"subscribe", "presence"},
		},
	})
	signed, err := token.SignedString(h.secret)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign realtime token")
		http.Error(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, realtimeTokenResponse{Token: signed, ExpiresAt: expiresAt, Channels: grant})
}
