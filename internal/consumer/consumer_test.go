package consumer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/internhub/notifyhub/internal/connection"
	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	delivered []string
	acked     []string
	ackErr    error
	rows      []models.Notification
}

func (a *fakeAPI) MarkDelivered(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered = append(a.delivered, id)
	return nil
}

func (a *fakeAPI) Acknowledge(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ackErr != nil {
		return a.ackErr
	}
	a.acked = append(a.acked, id)
	return nil
}

func (a *fakeAPI) ListRecent(_ context.Context, limit int) ([]models.Notification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows := a.rows
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]models.Notification(nil), rows...), nil
}

func (a *fakeAPI) deliveredIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.delivered...)
}

type harness struct {
	hub      *realtime.Hub
	api      *fakeAPI
	consumer *Consumer
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	hub := realtime.NewHub()
	manager := connection.NewManager(connection.Options{
		Dialer: func(context.Context) (realtime.Transport, error) { return hub.NewTransport(), nil },
		Logger: zerolog.Nop(),
	})
	require.NoError(t, manager.Connect(context.Background()))
	t.Cleanup(func() { _ = manager.Close() })

	h := &harness{hub: hub, api: &fakeAPI{}, now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	h.consumer = New("u1", manager, h.api, zerolog.Nop(), Options{Now: func() time.Time { return h.now }})
	require.NoError(t, h.consumer.Start(context.Background()))
	return h
}

func (h *harness) push(t *testing.T, channel string, env realtime.Envelope) {
	require.NoError(t, h.hub.Publish(context.Background(), channel, env))
}

func personal(id string, priority models.NotificationPriority, createdAt time.Time) models.Notification {
	user := "u1"
	return models.Notification{
		ID:            id,
		RecipientID:   &user,
		Title:         "t-" + id,
		Message:       "m",
		PriorityLevel: priority,
		TargetType:    models.TargetTypeUser,
		CreatedAt:     createdAt,
	}
}

func drain(c *Consumer) []Event {
	var events []Event
	for {
		select {
		case ev := <-c.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestConsumerReceivesAndReportsDelivery(t *testing.T) {
	h := newHarness(t)
	n := personal("n1", models.PriorityNormal, h.now)

	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(n, h.now))
	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(n, h.now))

	events := drain(h.consumer)
	require.Len(t, events, 2)
	assert.Equal(t, EventMessageReceived, events[0].Type)
	assert.False(t, events[0].Redelivery)
	assert.True(t, events[1].Redelivery)

	h.consumer.Stop()
	assert.Equal(t, []string{"n1"}, h.api.deliveredIDs(), "delivery reported once")
	require.Len(t, h.consumer.Active(), 1)
}

func TestConsumerSkipsDeliveryReportForBroadcast(t *testing.T) {
	h := newHarness(t)
	b := models.Notification{ID: "b1", Title: "all", Message: "m", PriorityLevel: models.PriorityNormal, TargetType: models.TargetTypeAll}

	h.push(t, realtime.DefaultChannels.Broadcast(), realtime.NotificationEnvelope(b, h.now))
	h.consumer.Stop()

	assert.Empty(t, h.api.deliveredIDs())
	require.Len(t, h.consumer.Active(), 1)
	assert.Equal(t, "b1", h.consumer.Active()[0].ID)
}

func TestConsumerDropsExpiredAndMalformed(t *testing.T) {
	h := newHarness(t)
	expired := personal("old", models.PriorityNormal, h.now)
	past := h.now.Add(-time.Minute)
	expired.ExpiresAt = &past

	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(expired, h.now))
	h.hub.PublishRaw(realtime.DefaultChannels.User("u1"), []byte(`{"notification":{}}`))
	h.hub.PublishRaw(realtime.DefaultChannels.User("u1"), []byte(`not json`))

	assert.Empty(t, drain(h.consumer))
	assert.Empty(t, h.consumer.Active())
}

func TestConsumerDismissesOnAckFromAnotherSession(t *testing.T) {
	h := newHarness(t)
	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(personal("n1", models.PriorityNormal, h.now), h.now))
	drain(h.consumer)

	h.push(t, realtime.DefaultChannels.User("u1"), realtime.AcknowledgedEnvelope("u2", "n1", h.now))
	assert.Len(t, h.consumer.Active(), 1, "ack for another user is ignored")

	h.push(t, realtime.DefaultChannels.User("u1"), realtime.AcknowledgedEnvelope("u1", "n1", h.now))
	assert.Empty(t, h.consumer.Active())

	events := drain(h.consumer)
	require.Len(t, events, 1)
	assert.Equal(t, EventAckReceived, events[0].Type)
	assert.Equal(t, "n1", events[0].NotificationID)
}

func TestConsumerAcknowledge(t *testing.T) {
	h := newHarness(t)
	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(personal("n1", models.PriorityNormal, h.now), h.now))

	h.api.ackErr = errors.New("boom")
	require.Error(t, h.consumer.Acknowledge(context.Background(), "n1"))
	assert.Len(t, h.consumer.Active(), 1)

	h.api.ackErr = nil
	require.NoError(t, h.consumer.Acknowledge(context.Background(), "n1"))
	assert.Empty(t, h.consumer.Active())
	assert.Equal(t, []string{"n1"}, h.api.acked)
}

func TestConsumerActiveOrdersByPriorityThenRecency(t *testing.T) {
	h := newHarness(t)
	rows := []models.Notification{
		personal("normal-new", models.PriorityNormal, h.now),
		personal("critical", models.PriorityCritical, h.now.Add(-time.Hour)),
		personal("normal-old", models.PriorityNormal, h.now.Add(-time.Minute)),
		personal("important", models.PriorityImportant, h.now.Add(-2*time.Hour)),
	}
	for _, n := range rows {
		h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(n, h.now))
	}

	var ids []string
	for _, n := range h.consumer.Active() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"critical", "important", "normal-new", "normal-old"}, ids)
}

func TestConsumerSyncReconcilesWithServer(t *testing.T) {
	h := newHarness(t)
	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(personal("stale", models.PriorityNormal, h.now), h.now))
	drain(h.consumer)

	h.api.rows = []models.Notification{personal("missed", models.PriorityImportant, h.now)}
	require.NoError(t, h.consumer.Sync(context.Background()))

	active := h.consumer.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "missed", active[0].ID)

	events := drain(h.consumer)
	require.Len(t, events, 2)
	assert.Equal(t, EventMessageReceived, events[0].Type)
	assert.Equal(t, EventAckReceived, events[1].Type)
	assert.Equal(t, "stale", events[1].NotificationID)
}

func TestConsumerStopUnsubscribes(t *testing.T) {
	h := newHarness(t)
	h.consumer.Stop()
	h.consumer.Stop()

	assert.Zero(t, h.hub.SubscriberCount(realtime.DefaultChannels.User("u1")))
	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(personal("n1", models.PriorityNormal, h.now), h.now))
	assert.Empty(t, h.consumer.Active())

	_, open := <-h.consumer.Events()
	assert.False(t, open)
}

func TestConsumerSyncKeepsRowsBeyondFullPage(t *testing.T) {
	h := newHarness(t)
	old := personal("old", models.PriorityNormal, h.now.Add(-24*time.Hour))
	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(old, h.now))
	acked := personal("acked", models.PriorityNormal, h.now.Add(time.Hour))
	h.push(t, realtime.DefaultChannels.User("u1"), realtime.NotificationEnvelope(acked, h.now))
	drain(h.consumer)

	var page []models.Notification
	for i := 0; i < syncLimit; i++ {
		page = append(page, personal(fmt.Sprintf("recent-%03d", i), models.PriorityNormal, h.now.Add(-time.Duration(i)*time.Minute)))
	}
	h.api.mu.Lock()
	h.api.rows = page
	h.api.mu.Unlock()

	require.NoError(t, h.consumer.Sync(context.Background()))

	active := map[string]bool{}
	for _, n := range h.consumer.Active() {
		active[n.ID] = true
	}
	assert.Len(t, active, syncLimit+1)
	assert.True(t, active["old"], "older than the page, may still be live")
	assert.False(t, active["acked"], "inside the page window and missing")
}
