// Package consumer receives a user's notifications over the shared connection
// and keeps the set of rows currently shown to the user.
package consumer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/internhub/notifyhub/internal/connection"
	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/rs/zerolog"
)

const (
	reportTimeout      = 10 * time.Second
	defaultEventBuffer = 128
	syncLimit          = 100
)

// API is the server side of delivery and acknowledgement reporting.
type API interface {
	MarkDelivered(ctx context.Context, notificationID string) error
	Acknowledge(ctx context.Context, notificationID string) error
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
}

type EventType string

const (
	EventMessageReceived EventType = "message_received"
	EventAckReceived     EventType = "ack_received"
)

type Event struct {
	Type           EventType
	Notification   *models.Notification
	NotificationID string
	// Redelivery is set when the row was already shown, e.g. a repeat.
	Redelivery bool
}

type Options struct {
	Channels    realtime.Channels
	Now         func() time.Time
	EventBuffer int
}

type Consumer struct {
	userID   string
	conn     connection.Connector
	api      API
	channels realtime.Channels
	now      func() time.Time
	logger   zerolog.Logger

	emitMu       sync.Mutex
	events       chan Event
	eventsClosed bool

	mu     sync.Mutex
	active map[string]models.Notification
	unsubs []func()
	wg     sync.WaitGroup
}

func New(userID string, conn connection.Connector, api API, logger zerolog.Logger, opts Options) *Consumer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Consumer{
		userID:   userID,
		conn:     conn,
		api:      api,
		channels: opts.Channels,
		now:      now,
		logger:   logger.With().Str("component", "consumer").Str("user_id", userID).Logger(),
		events:   make(chan Event, buffer),
		active:   make(map[string]models.Notification),
	}
}

// Start subscribes to the personal and broadcast channels.
func (c *Consumer) Start(ctx context.Context) error {
	for _, channel := range []string{c.channels.User(c.userID), c.channels.Broadcast()} {
		unsub, err := c.conn.Subscribe(ctx, channel, c.handle)
		if err != nil {
			c.unsubscribeAll()
			return err
		}
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()
	}
	return nil
}

func (c *Consumer) handle(msg realtime.Message) {
	env, err := realtime.DecodeEnvelope(msg.Data)
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed message")
		return
	}

	switch env.Type {
	case realtime.EnvelopeNotification:
		if env.Notification == nil {
			return
		}
		c.receive(*env.Notification)
	case realtime.EnvelopeAcknowledged:
		if env.UserID != "" && env.UserID != c.userID {
			return
		}
		c.dismiss(env.NotificationID)
	}
}

func (c *Consumer) receive(n models.Notification) {
	if n.IsExpired(c.now()) {
		c.logger.Debug().Str("notification_id", n.ID).Msg("dropping expired notification")
		return
	}

	c.mu.Lock()
	_, seen := c.active[n.ID]
	c.active[n.ID] = n
	c.mu.Unlock()

	c.emit(Event{Type: EventMessageReceived, Notification: &n, NotificationID: n.ID, Redelivery: seen})
	if !seen && !n.IsBroadcast() {
		c.reportDelivered(n.ID)
	}
}

func (c *Consumer) reportDelivered(id string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := c.api.MarkDelivered(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("notification_id", id).Msg("failed to report delivery")
		}
	}()
}

func (c *Consumer) dismiss(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	_, ok := c.active[id]
	delete(c.active, id)
	c.mu.Unlock()
	if ok {
		c.emit(Event{Type: EventAckReceived, NotificationID: id})
	}
}

// Acknowledge reports the acknowledgement and dismisses the row locally.
func (c *Consumer) Acknowledge(ctx context.Context, notificationID string) error {
	if err := c.api.Acknowledge(ctx, notificationID); err != nil {
		return err
	}
	c.dismiss(notificationID)
	return nil
}

// Sync reloads the live rows from the API. It is the fallback for pushes
// missed while the connection was down. When the page is full, rows older than
// its oldest entry may still be live, so only newer missing rows are dismissed.
func (c *Consumer) Sync(ctx context.Context) error {
	rows, err := c.api.ListRecent(ctx, syncLimit)
	if err != nil {
		return err
	}

	live := make(map[string]struct{}, len(rows))
	var oldest time.Time
	for _, n := range rows {
		live[n.ID] = struct{}{}
		if oldest.IsZero() || n.CreatedAt.Before(oldest) {
			oldest = n.CreatedAt
		}
		c.mu.Lock()
		_, seen := c.active[n.ID]
		c.mu.Unlock()
		if !seen {
			c.receive(n)
		}
	}
	truncated := len(rows) >= syncLimit

	c.mu.Lock()
	var gone []string
	for id, n := range c.active {
		if _, ok := live[id]; ok {
			continue
		}
		if truncated && !n.CreatedAt.After(oldest) {
			continue
		}
		gone = append(gone, id)
	}
	c.mu.Unlock()
	sort.Strings(gone)
	for _, id := range gone {
		c.dismiss(id)
	}
	return nil
}

// Active lists the rows currently shown, most urgent and newest first.
func (c *Consumer) Active() []models.Notification {
	c.mu.Lock()
	rows := make([]models.Notification, 0, len(c.active))
	for _, n := range c.active {
		rows = append(rows, n)
	}
	c.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		ri, rj := rows[i].PriorityLevel.Rank(), rows[j].PriorityLevel.Rank()
		if ri != rj {
			return ri > rj
		}
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func (c *Consumer) Events() <-chan Event {
	return c.events
}

func (c *Consumer) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("event", string(ev.Type)).Str("notification_id", ev.NotificationID).Msg("consumer event dropped")
	}
}

func (c *Consumer) unsubscribeAll() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Stop releases the subscriptions, waits for pending reports and closes the
// event stream.
func (c *Consumer) Stop() {
	c.unsubscribeAll()
	c.wg.Wait()

	c.emitMu.Lock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
	c.emitMu.Unlock()
}
