// Package realtime defines the pub/sub channel abstraction notifications travel
// over, the wire envelope and the Redis and in-memory implementations.
package realtime

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a transport connection.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateSuspended     State = "suspended"
	StateFailed        State = "failed"
	StateClosed        State = "closed"
)

// ErrTransportUnavailable is returned when no realtime transport is configured
// or its circuit has been tripped. Callers degrade to store-only delivery.
var ErrTransportUnavailable = errors.New("realtime transport unavailable")

type StateChange struct {
	Previous State
	Current  State
	Reason   error
}

type Message struct {
	Channel string
	Data    []byte
}

type Subscription interface {
	Unsubscribe() error
}

// Channel is a named pub/sub topic with presence membership.
type Channel interface {
	Name() string
	Publish(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context, handler func(Message)) (Subscription, error)
	EnterPresence(ctx context.Context, data []byte) error
	LeavePresence(ctx context.Context, data []byte) error
	Members(ctx context.Context) ([][]byte, error)
}

// Transport is a single client connection. Connect must not block; progress
// is reported through the OnStateChange callbacks.
type Transport interface {
	Connect()
	Close() error
	OnStateChange(fn func(StateChange))
	Channel(name string) Channel
}

const DefaultChannelPrefix = "notifications"

// Channels names the channels of one deployment.
type Channels struct {
	Prefix string
}

var DefaultChannels = Channels{Prefix: DefaultChannelPrefix}

func (c Channels) prefix() string {
	if p := strings.TrimSpace(c.Prefix); p != "" {
		return p
	}
	return DefaultChannelPrefix
}

// User is the personal channel of one user.
func (c Channels) User(userID string) string {
	return c.prefix() + ":user:" + userID
}

func (c Channels) Broadcast() string {
	return c.prefix() + ":broadcast"
}

func (c Channels) Presence() string {
	return c.prefix() + ":presence"
}
