package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscription struct {
	transport *fakeTransport
	channel   string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.transport.unsubscribes[s.channel]++
	delete(s.transport.handlers, s.channel)
	return nil
}

type fakeChannel struct {
	transport *fakeTransport
	name      string
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Publish(context.Context, []byte) error { return nil }

func (c *fakeChannel) Subscribe(_ context.Context, handler func(realtime.Message)) (realtime.Subscription, error) {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	c.transport.subscribes[c.name]++
	c.transport.handlers[c.name] = handler
	return &fakeSubscription{transport: c.transport, channel: c.name}, nil
}

func (c *fakeChannel) EnterPresence(context.Context, []byte) error { return nil }

func (c *fakeChannel) LeavePresence(context.Context, []byte) error { return nil }

func (c *fakeChannel) Members(context.Context) ([][]byte, error) { return nil, nil }

// fakeTransport records calls; tests drive its state changes with emit.
type fakeTransport struct {
	mu           sync.Mutex
	connects     int
	closes       int
	listeners    []func(realtime.StateChange)
	state        realtime.State
	subscribes   map[string]int
	unsubscribes map[string]int
	handlers     map[string]func(realtime.Message)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:        realtime.StateUninitialized,
		subscribes:   map[string]int{},
		unsubscribes: map[string]int{},
		handlers:     map[string]func(realtime.Message){},
	}
}

func (t *fakeTransport) Connect() {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	t.emit(realtime.StateClosed)
	return nil
}

func (t *fakeTransport) OnStateChange(fn func(realtime.StateChange)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) Channel(name string) realtime.Channel {
	return &fakeChannel{transport: t, name: name}
}

func (t *fakeTransport) emit(states ...realtime.State) {
	for _, state := range states {
		t.mu.Lock()
		change := realtime.StateChange{Previous: t.state, Current: state}
		t.state = state
		listeners := append([]func(realtime.StateChange){}, t.listeners...)
		t.mu.Unlock()
		for _, fn := range listeners {
			fn(change)
		}
	}
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) deliver(channel string, data string) {
	t.mu.Lock()
	handler := t.handlers[channel]
	t.mu.Unlock()
	if handler != nil {
		handler(realtime.Message{Channel: channel, Data: []byte(data)})
	}
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{fn: fn}
	s.delays = append(s.delays, d)
	s.timers = append(s.timers, timer)
	return timer
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// fire runs the most recent live timer.
func (s *fakeScheduler) fire(t *testing.T) {
	s.mu.Lock()
	var timer *fakeTimer
	for i := len(s.timers) - 1; i >= 0; i-- {
		if !s.timers[i].stopped {
			timer = s.timers[i]
			break
		}
	}
	s.mu.Unlock()
	require.NotNil(t, timer, "no pending timer")
	timer.stopped = true
	timer.fn()
}

type harness struct {
	transport *fakeTransport
	scheduler *fakeScheduler
	dials     int
	dialErr   error
	manager   *Manager
}

func newHarness() *harness {
	h := &harness{transport: newFakeTransport(), scheduler: &fakeScheduler{}}
	h.manager = NewManager(Options{
		Dialer: func(context.Context) (realtime.Transport, error) {
			h.dials++
			if h.dialErr != nil {
				return nil, h.dialErr
			}
			return h.transport, nil
		},
		Logger:   zerolog.Nop(),
		Schedule: h.scheduler.schedule,
	})
	return h
}

func drain(m *Manager) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		if ev.Type != EventStateChanged {
			types = append(types, ev.Type)
		}
	}
	return types
}

func TestConnectReusesTransport(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.manager.Connect(ctx))
	require.NoError(t, h.manager.Connect(ctx))
	require.NoError(t, h.manager.Connect(ctx))

	assert.Equal(t, 1, h.dials)
	assert.Len(t, h.transport.listeners, 1)
	assert.Equal(t, 3, h.transport.connectCount())

	h.transport.emit(realtime.StateConnecting)
	assert.Equal(t, realtime.StateConnecting, h.manager.State())
	h.transport.emit(realtime.StateConnected)
	assert.Equal(t, realtime.StateConnected, h.manager.State())
}

func TestOfflineOnlineSequenceResetsAttempts(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.manager.Connect(context.Background()))
	h.transport.emit(realtime.StateConnecting, realtime.StateConnected)
	drain(h.manager)

	h.manager.SetOffline()
	h.manager.SetOffline()
	h.transport.emit(realtime.StateDisconnected)
	assert.Equal(t, 0, h.scheduler.pending(), "no reconnect while offline")

	h.manager.SetOnline()
	assert.Equal(t, 2, h.transport.connectCount())
	h.transport.emit(realtime.StateConnecting, realtime.StateConnected)

	assert.Equal(t, 0, h.manager.Attempts())
	assert.Equal(t, realtime.StateConnected, h.manager.State())
	assert.Equal(t, []EventType{EventOffline, EventOnline, EventSyncRestored}, eventTypes(drain(h.manager)))
}

func TestFailedStateTripsCircuit(t *testing.T) {
	for _, fatal := range []realtime.State{realtime.StateFailed, realtime.StateSuspended} {
		t.Run(string(fatal), func(t *testing.T) {
			h := newHarness()
			require.NoError(t, h.manager.Connect(context.Background()))
			h.transport.emit(realtime.StateConnecting, fatal)

			assert.False(t, h.manager.IsConfigured())
			assert.Equal(t, realtime.StateClosed, h.manager.State())
			assert.Equal(t, 1, h.transport.closes)
			connectsAtTrip := h.transport.connectCount()

			err := h.manager.Connect(context.Background())
			assert.ErrorIs(t, err, realtime.ErrTransportUnavailable)
			h.manager.SetOffline()
			h.manager.SetOnline()
			h.transport.emit(realtime.StateDisconnected)

			assert.Equal(t, connectsAtTrip, h.transport.connectCount())
			assert.Equal(t, 1, h.dials)
			assert.Equal(t, 0, h.scheduler.pending())
			assert.Equal(t, realtime.StateClosed, h.manager.State())

			_, err = h.manager.Subscribe(context.Background(), "c", func(realtime.Message) {})
			assert.ErrorIs(t, err, realtime.ErrTransportUnavailable)
			_, err = h.manager.Channel("c")
			assert.ErrorIs(t, err, realtime.ErrTransportUnavailable)

			assert.Contains(t, eventTypes(drain(h.manager)), EventUnavailable)
		})
	}
}

func TestBackoffDelaysStayInJitterBand(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.manager.Connect(context.Background()))
	h.transport.emit(realtime.StateConnecting, realtime.StateConnected)

	for k := 1; k <= 7; k++ {
		h.transport.emit(realtime.StateDisconnected)
		require.Equal(t, k, h.manager.Attempts())
		require.Len(t, h.scheduler.delays, k)

		nominal := DefaultBaseDelay * time.Duration(1<<uint(k))
		lower := time.Duration(float64(nominal) * 0.75)
		upper := time.Duration(float64(nominal) * 1.25)
		if lower > DefaultMaxDelay {
			lower = DefaultMaxDelay
		}
		if upper > DefaultMaxDelay {
			upper = DefaultMaxDelay
		}
		delay := h.scheduler.delays[k-1]
		assert.GreaterOrEqual(t, delay, lower, "attempt %d", k)
		assert.LessOrEqual(t, delay, upper, "attempt %d", k)

		h.scheduler.fire(t)
		h.transport.emit(realtime.StateConnecting)
	}

	h.transport.emit(realtime.StateConnected)
	assert.Equal(t, 0, h.manager.Attempts())
}

func TestOnlyOneReconnectPending(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.manager.Connect(context.Background()))
	h.transport.emit(realtime.StateConnected)

	h.transport.emit(realtime.StateDisconnected, realtime.StateDisconnected)
	assert.Equal(t, 1, h.scheduler.pending())
	assert.Equal(t, 1, h.manager.Attempts())
}

func TestNotConfiguredDialIsPermanent(t *testing.T) {
	h := newHarness()
	h.dialErr = ErrNotConfigured

	err := h.manager.Connect(context.Background())
	assert.ErrorIs(t, err, realtime.ErrTransportUnavailable)
	assert.False(t, h.manager.IsConfigured())

	h.dialErr = nil
	assert.ErrorIs(t, h.manager.Connect(context.Background()), realtime.ErrTransportUnavailable)
	assert.Equal(t, 1, h.dials)
	assert.Equal(t, 0, h.scheduler.pending())
	assert.Equal(t, []EventType{EventUnavailable}, eventTypes(drain(h.manager)))
}

func TestTransientDialErrorRetries(t *testing.T) {
	h := newHarness()
	h.dialErr = errors.New("token endpoint timeout")

	assert.Error(t, h.manager.Connect(context.Background()))
	assert.Equal(t, realtime.StateDisconnected, h.manager.State())
	assert.Equal(t, 1, h.scheduler.pending())

	h.dialErr = nil
	h.scheduler.fire(t)
	assert.Equal(t, 2, h.dials)
	assert.Equal(t, 1, h.transport.connectCount())

	h.transport.emit(realtime.StateConnecting, realtime.StateConnected)
	assert.Equal(t, 0, h.manager.Attempts())
}

func TestOnConnectedRunsOnEveryConnect(t *testing.T) {
	h := newHarness()
	calls := 0
	remove := h.manager.OnConnected(func() {
		calls++
		assert.Equal(t, realtime.StateConnected, h.manager.State())
	})

	require.NoError(t, h.manager.Connect(context.Background()))
	h.transport.emit(realtime.StateConnecting)
	assert.Zero(t, calls)
	h.transport.emit(realtime.StateConnected)
	assert.Equal(t, 1, calls)

	h.transport.emit(realtime.StateDisconnected)
	h.scheduler.fire(t)
	h.transport.emit(realtime.StateConnecting, realtime.StateConnected)
	assert.Equal(t, 2, calls)

	remove()
	remove()
	h.transport.emit(realtime.StateDisconnected, realtime.StateConnected)
	assert.Equal(t, 2, calls)
}

func TestSubscriptionsAreReferenceCounted(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	var first, second []string
	unsubFirst, err := h.manager.Subscribe(ctx, "chan", func(m realtime.Message) { first = append(first, string(m.Data)) })
	require.NoError(t, err)
	assert.Equal(t, 0, h.transport.subscribes["chan"], "no transport yet")

	require.NoError(t, h.manager.Connect(ctx))
	assert.Equal(t, 1, h.transport.subscribes["chan"])

	unsubSecond, err := h.manager.Subscribe(ctx, "chan", func(m realtime.Message) { second = append(second, string(m.Data)) })
	require.NoError(t, err)
	assert.Equal(t, 1, h.transport.subscribes["chan"])

	h.transport.deliver("chan", "a")
	assert.Equal(t, []string{"a"}, first)
	assert.Equal(t, []string{"a"}, second)

	unsubFirst()
	unsubFirst()
	assert.Equal(t, 0, h.transport.unsubscribes["chan"])
	h.transport.deliver("chan", "b")
	assert.Equal(t, []string{"a"}, first)
	assert.Equal(t, []string{"a", "b"}, second)

	unsubSecond()
	assert.Equal(t, 1, h.transport.unsubscribes["chan"])
	assert.Equal(t, 0, h.transport.closes, "subscribers never close the transport")
}

func TestCloseIsTerminal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.manager.Subscribe(ctx, "chan", func(realtime.Message) {})
	require.NoError(t, err)
	require.NoError(t, h.manager.Connect(ctx))
	h.transport.emit(realtime.StateConnected, realtime.StateDisconnected)

	require.NoError(t, h.manager.Close())
	require.NoError(t, h.manager.Close())

	assert.Equal(t, 0, h.scheduler.pending())
	assert.Equal(t, 1, h.transport.closes)
	assert.Equal(t, 1, h.transport.unsubscribes["chan"])
	assert.ErrorIs(t, h.manager.Connect(ctx), realtime.ErrTransportUnavailable)

	drain(h.manager)
	_, open := <-h.manager.Events()
	assert.False(t, open)
}

func TestWatchNetworkFeedsSignals(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.manager.Connect(context.Background()))
	h.transport.emit(realtime.StateConnected)

	var mu sync.Mutex
	reachable := false
	probe := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !reachable {
			return errors.New("unreachable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchNetwork(ctx, h.manager, probe, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		h.manager.mu.Lock()
		defer h.manager.mu.Unlock()
		return h.manager.offline
	}, time.Second, time.Millisecond)

	mu.Lock()
	reachable = true
	mu.Unlock()
	assert.Eventually(t, func() bool { return h.transport.connectCount() >= 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestSharedReturnsSingleton(t *testing.T) {
	a := Shared(Options{Logger: zerolog.Nop()})
	b := Shared(Options{Dialer: func(context.Context) (realtime.Transport, error) { return nil, nil }})
	assert.Same(t, a, b)
}
