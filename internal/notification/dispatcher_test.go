package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/internhub/notifyhub/internal/repository/memstore"
	"github.com/internhub/notifyhub/internal/target"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	env     realtime.Envelope
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, env realtime.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{channel: channel, env: env})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, env realtime.Envelope) error {
	args := m.Called(ctx, channel, env)
	return args.Error(0)
}

// flakyStore fails selected batches and rows.
type flakyStore struct {
	*memstore.Notifications
	batchCalls int
	failBatch  func(call int) bool
	failRow    func(models.Notification) bool
	deleteErr  error
}

func (f *flakyStore) CreateBatch(ctx context.Context, rows []models.Notification) ([]models.Notification, error) {
	f.batchCalls++
	if f.failBatch != nil && f.failBatch(f.batchCalls) {
		return nil, errors.New("batch rejected")
	}
	for _, r := range rows {
		if f.failRow != nil && f.failRow(r) {
			return nil, errors.New("batch contains rejected row")
		}
	}
	return f.Notifications.CreateBatch(ctx, rows)
}

func (f *flakyStore) Create(ctx context.Context, n models.Notification) (models.Notification, error) {
	if f.failRow != nil && f.failRow(n) {
		return models.Notification{}, errors.New("row rejected")
	}
	return f.Notifications.Create(ctx, n)
}

func (f *flakyStore) DeleteUnacknowledged(ctx context.Context, filter models.RetractFilter) ([]string, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return f.Notifications.DeleteUnacknowledged(ctx, filter)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store     *flakyStore
	users     *memstore.Users
	publisher *recordingPublisher
	clock     *fakeClock
	svc       Service
}

func newFixture(users ...models.User) *fixture {
	f := &fixture{
		store:     &flakyStore{Notifications: memstore.NewNotifications()},
		users:     memstore.NewUsers(users...),
		publisher: &recordingPublisher{},
		clock:     &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.store, f.users, f.publisher, zerolog.Nop(), Options{Now: f.clock.Now})
	return f
}

func interns(n int) []models.User {
	users := make([]models.User, 0, n)
	for i := 1; i <= n; i++ {
		users = append(users, models.User{ID: fmt.Sprintf("intern-%d", i), Role: models.RoleIntern})
	}
	return users
}

func TestDispatchBroadcastCreatesExactlyOneRow(t *testing.T) {
	f := newFixture(interns(10)...)

	n, err := f.svc.DispatchBroadcast(context.Background(), Fields{
		Title:         "Maintenance",
		Message:       "Down at noon",
		PriorityLevel: models.PriorityImportant,
	})
	require.NoError(t, err)

	rows := f.store.All()
	require.Len(t, rows, 1)
	assert.Equal(t, models.TargetTypeAll, rows[0].TargetType)
	assert.Nil(t, rows[0].RecipientID)
	assert.Equal(t, n.ID, rows[0].ID)
	assert.Equal(t, "system", rows[0].Category)

	sent := f.publisher.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "notifications:broadcast", sent[0].channel)
	assert.Equal(t, realtime.EnvelopeNotification, sent[0].env.Type)
}

func TestDispatchBulkIsolatesFailedRow(t *testing.T) {
	f := newFixture(append(interns(3), models.User{ID: "admin-1", Role: models.RoleAdmin})...)
	f.store.failRow = func(n models.Notification) bool { return *n.RecipientID == "intern-2" }

	result, err := f.svc.DispatchBulk(context.Background(), target.Role{Role: models.RoleIntern}, Fields{
		Title:   "Report due",
		Message: "Submit by Friday",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Sent)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "intern-2", result.Failures[0].RecipientID)
	assert.Len(t, f.store.All(), 2)
	for _, n := range f.store.All() {
		assert.Equal(t, models.TargetTypeRoleInterns, n.TargetType)
	}
	assert.Len(t, f.publisher.all(), 2)
}

func TestDispatchBulkKeepsCommittedBatches(t *testing.T) {
	f := newFixture(interns(120)...)
	f.store.failBatch = func(call int) bool { return call == 2 }
	f.store.failRow = func(n models.Notification) bool {
		var idx int
		_, _ = fmt.Sscanf(*n.RecipientID, "intern-%d", &idx)
		return idx > 50 && idx <= 100
	}

	result, err := f.svc.DispatchBulk(context.Background(), target.Role{Role: models.RoleIntern}, Fields{
		Title:   "Orientation",
		Message: "Welcome",
	})
	require.NoError(t, err)

	assert.Equal(t, 70, result.Sent)
	assert.Len(t, result.Failures, 50)
	assert.Len(t, f.store.All(), 70)
	assert.Equal(t, 3, f.store.batchCalls)
}

func TestDispatchBulkCancelledBetweenBatchesReportsCommittedRows(t *testing.T) {
	f := newFixture(interns(120)...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.store.failBatch = func(call int) bool {
		if call == 1 {
			cancel()
		}
		return false
	}

	result, err := f.svc.DispatchBulk(ctx, target.Role{Role: models.RoleIntern}, Fields{
		Title:   "Orientation",
		Message: "Welcome",
	})
	require.NoError(t, err)

	assert.Equal(t, 50, result.Sent)
	assert.Equal(t, 70, result.Skipped)
	assert.Empty(t, result.Failures)
	assert.Len(t, f.store.All(), 50)
	assert.Len(t, f.publisher.all(), 50)
}

func TestDispatchBulkCancelledBeforeFirstBatch(t *testing.T) {
	f := newFixture(interns(3)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.DispatchBulk(ctx, target.Role{Role: models.RoleIntern}, Fields{
		Title:   "Orientation",
		Message: "Welcome",
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.store.All())
}

func TestDispatchBulkGroupSetsGroupID(t *testing.T) {
	g1, g2 := "g1", "g2"
	f := newFixture(
		models.User{ID: "a", Role: models.RoleIntern, GroupID: &g1},
		models.User{ID: "b", Role: models.RoleIntern, GroupID: &g2},
		models.User{ID: "c", Role: models.RoleAdmin, GroupID: &g1},
	)

	result, err := f.svc.Dispatch(context.Background(), target.Group{ID: "g1"}, Fields{Title: "Standup", Message: "10am"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Nil(t, result.Notification)
	for _, n := range f.store.All() {
		require.NotNil(t, n.TargetGroupID)
		assert.Equal(t, "g1", *n.TargetGroupID)
	}
}

func TestDispatchValidation(t *testing.T) {
	cases := map[string]Fields{
		"missing title":    {Message: "m"},
		"missing message":  {Title: "t", Message: "   "},
		"bad priority":     {Title: "t", Message: "m", PriorityLevel: "URGENT"},
		"negative repeats": {Title: "t", Message: "m", MaxRepeats: -1},
		"negative interval": {
			Title: "t", Message: "m", RepeatIntervalSeconds: -5,
		},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(interns(2)...)
			_, err := f.svc.Dispatch(context.Background(), target.Role{Role: models.RoleIntern}, fields)
			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Empty(t, f.store.All())
			assert.Empty(t, f.publisher.all())
		})
	}
}

func TestDispatchInvalidTargetHasNoSideEffects(t *testing.T) {
	f := newFixture(interns(2)...)

	_, err := f.svc.DispatchBulk(context.Background(), target.User{ID: "u1"}, Fields{Title: "t", Message: "m"})
	var invalid *target.InvalidTargetError
	require.ErrorAs(t, err, &invalid)

	_, err = f.svc.DispatchSingle(context.Background(), "  ", Fields{Title: "t", Message: "m"})
	require.ErrorAs(t, err, &invalid)

	_, err = f.svc.Dispatch(context.Background(), nil, Fields{Title: "t", Message: "m"})
	require.ErrorAs(t, err, &invalid)

	assert.Empty(t, f.store.All())
}

func TestDispatchSingleDefaultsAndPastExpiry(t *testing.T) {
	f := newFixture()
	past := f.clock.Now().Add(-time.Hour)

	n, err := f.svc.DispatchSingle(context.Background(), "u1", Fields{
		Title:      "Old news",
		Message:    "Already expired",
		MaxRepeats: 3,
		ExpiresAt:  &past,
		Metadata:   map[string]interface{}{"report_id": "r-9"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PriorityNormal, n.PriorityLevel)
	assert.Equal(t, 3, n.RepeatsRemaining)
	assert.True(t, n.IsInert(f.clock.Now()))
	assert.JSONEq(t, `{"report_id":"r-9"}`, string(n.Metadata))

	sent := f.publisher.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "notifications:user:u1", sent[0].channel)
	assert.Equal(t, "u1", sent[0].env.UserID)
}

func TestDispatchSurvivesTransportFailure(t *testing.T) {
	store := memstore.NewNotifications()
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "notifications:user:u1", mock.AnythingOfType("realtime.Envelope")).
		Return(errors.New("connection reset")).Once()

	svc := NewService(store, memstore.NewUsers(), pub, zerolog.Nop(), Options{})
	_, err := svc.DispatchSingle(context.Background(), "u1", Fields{Title: "t", Message: "m"})
	require.NoError(t, err)
	assert.Len(t, store.All(), 1)
	pub.AssertExpectations(t)

	svc = NewService(store, memstore.NewUsers(), nil, zerolog.Nop(), Options{})
	_, err = svc.DispatchBroadcast(context.Background(), Fields{Title: "t", Message: "m"})
	require.NoError(t, err)
	assert.Len(t, store.All(), 2)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	personal, err := f.svc.DispatchSingle(ctx, "u1", Fields{Title: "t", Message: "m"})
	require.NoError(t, err)
	broadcast, err := f.svc.DispatchBroadcast(ctx, Fields{Title: "b", Message: "m"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Acknowledge(ctx, "u1", personal.ID))
	require.NoError(t, f.svc.Acknowledge(ctx, "u1", broadcast.ID))

	rows := f.store.All()
	require.Len(t, rows, 1)
	assert.Equal(t, broadcast.ID, rows[0].ID)

	sent := f.publisher.all()
	require.Len(t, sent, 4)
	for _, p := range sent[2:] {
		assert.Equal(t, realtime.EnvelopeAcknowledged, p.env.Type)
		assert.Equal(t, "notifications:user:u1", p.channel)
	}
	assert.Equal(t, personal.ID, sent[2].env.NotificationID)
	assert.Equal(t, broadcast.ID, sent[3].env.NotificationID)

	assert.Error(t, f.svc.Acknowledge(ctx, "u1", "missing"))
}

func TestListRecentAndMarkDelivered(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	n, err := f.svc.DispatchSingle(ctx, "u1", Fields{Title: "t", Message: "m"})
	require.NoError(t, err)
	_, err = f.svc.DispatchSingle(ctx, "u2", Fields{Title: "t", Message: "m"})
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkDelivered(ctx, "u1", n.ID))
	assert.Error(t, f.svc.MarkDelivered(ctx, "u2", n.ID))

	rows, err := f.svc.ListRecent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].DeliveredAt)
	assert.Equal(t, f.clock.Now(), *rows[0].DeliveredAt)
}
