package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/internhub/notifyhub/internal/models"
	"github.com/pkg/errors"
)

type EnvelopeType string

const (
	EnvelopeNotification  EnvelopeType = "notification"
	EnvelopeAcknowledged  EnvelopeType = "acknowledged"
	EnvelopePresenceEnter EnvelopeType = "presence.enter"
	EnvelopePresenceLeave EnvelopeType = "presence.leave"
)

// Envelope is the JSON payload carried on every channel.
type Envelope struct {
	Type           EnvelopeType         `json:"type"`
	Notification   *models.Notification `json:"notification,omitempty"`
	NotificationID string               `json:"notification_id,omitempty"`
	UserID         string               `json:"user_id,omitempty"`
	Presence       json.RawMessage      `json:"presence,omitempty"`
	SentAt         time.Time            `json:"sent_at"`
}

func NotificationEnvelope(n models.Notification, sentAt time.Time) Envelope {
	env := Envelope{
		Type:           EnvelopeNotification,
		Notification:   &n,
		NotificationID: n.ID,
		SentAt:         sentAt.UTC(),
	}
	if n.RecipientID != nil {
		env.UserID = *n.RecipientID
	}
	return env
}

// AcknowledgedEnvelope tells every open session of userID to dismiss the row.
func AcknowledgedEnvelope(userID, notificationID string, sentAt time.Time) Envelope {
	return Envelope{
		Type:           EnvelopeAcknowledged,
		NotificationID: notificationID,
		UserID:         userID,
		SentAt:         sentAt.UTC(),
	}
}

func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	return env, nil
}

// Publisher pushes envelopes onto named channels. It is the server-side half of
// the transport.
type Publisher interface {
	Publish(ctx context.Context, channel string, env Envelope) error
}

type unavailablePublisher struct{}

// Unavailable returns a Publisher for deployments without a transport. Every
// publish fails with ErrTransportUnavailable.
func Unavailable() Publisher {
	return unavailablePublisher{}
}

func (unavailablePublisher) Publish(context.Context, string, Envelope) error {
	return ErrTransportUnavailable
}

// IsConfigured reports whether p can reach a transport at all.
func IsConfigured(p Publisher) bool {
	_, unavailable := p.(unavailablePublisher)
	return p != nil && !unavailable
}

func presenceEnvelope(typ EnvelopeType, data []byte) Envelope {
	env := Envelope{Type: typ, Presence: json.RawMessage(data), SentAt: time.Now().UTC()}
	var member struct {
		UserID string `json:"user_id"`
	}
	if json.Unmarshal(data, &member) == nil {
		env.UserID = member.UserID
	}
	return env
}
