// Package connection owns the single realtime transport of a client process.
// It reconnects with bounded exponential backoff, trips a circuit breaker on
// fatal transport states and shares channel subscriptions between callers.
package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 120 * time.Second
	jitterPercent      = 25
	defaultEventBuffer = 64
)

// ErrNotConfigured is returned by a Dialer when the server has no realtime
// transport. It disables the manager for the rest of the process.
var ErrNotConfigured = errors.New("realtime transport not configured")

// Dialer creates the transport. It is called at most once per manager unless
// it fails with a transient error.
type Dialer func(ctx context.Context) (realtime.Transport, error)

type Timer interface {
	Stop() bool
}

// Scheduler runs fn after d without blocking the caller.
type Scheduler func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventSyncRestored EventType = "sync_restored"
	EventOffline      EventType = "offline"
	EventOnline       EventType = "online"
	EventUnavailable  EventType = "unavailable"
)

type Event struct {
	Type     EventType
	State    realtime.State
	Previous realtime.State
	Err      error
}

// Connector is the process-wide connection as seen by its users.
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
	State() realtime.State
	IsConfigured() bool
	Attempts() int
	Subscribe(ctx context.Context, channel string, handler func(realtime.Message)) (func(), error)
	Channel(name string) (realtime.Channel, error)
	Events() <-chan Event
	OnConnected(fn func()) (remove func())
	SetOffline()
	SetOnline()
}

type Options struct {
	Dialer      Dialer
	Logger      zerolog.Logger
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Schedule    Scheduler
	NewBackoff  func() retry.Backoff
	EventBuffer int
}

// NewBackoff returns the reconnect policy: attempt k waits base*2^k with
// 25% jitter, never more than maxDelay.
func NewBackoff(base, maxDelay time.Duration) retry.Backoff {
	b := retry.NewExponential(2 * base)
	b = retry.WithJitterPercent(jitterPercent, b)
	return retry.WithCappedDuration(maxDelay, b)
}

type handlerEntry struct {
	id int
	fn func(realtime.Message)
}

type channelSub struct {
	handlers    []handlerEntry
	sub         realtime.Subscription
	subscribing bool
}

type Manager struct {
	dial       Dialer
	schedule   Scheduler
	newBackoff func() retry.Backoff
	logger     zerolog.Logger

	emitMu       sync.Mutex
	events       chan Event
	eventsClosed bool

	mu           sync.Mutex
	transport    realtime.Transport
	dialing      bool
	state        realtime.State
	configured   bool
	closed       bool
	offline      bool
	offlineShown bool
	interrupted  bool
	attempts     int
	backoff      retry.Backoff
	retryTimer   Timer
	subs         map[string]*channelSub
	nextHandler  int
	hooks        map[int]func()
	nextHook     int
}

func NewManager(opts Options) *Manager {
	base, maxDelay := opts.BaseDelay, opts.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	newBackoff := opts.NewBackoff
	if newBackoff == nil {
		newBackoff = func() retry.Backoff { return NewBackoff(base, maxDelay) }
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = afterFunc
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Manager{
		dial:       opts.Dialer,
		schedule:   schedule,
		newBackoff: newBackoff,
		logger:     opts.Logger.With().Str("component", "connection_manager").Logger(),
		events:     make(chan Event, buffer),
		state:      realtime.StateUninitialized,
		configured: opts.Dialer != nil,
		backoff:    newBackoff(),
		subs:       make(map[string]*channelSub),
		hooks:      make(map[int]func()),
	}
}

var (
	sharedMu sync.Mutex
	shared   *Manager
)

// Shared returns the process-wide manager, creating it with opts on first use.
// Later calls ignore opts.
func Shared(opts Options) Connector {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = NewManager(opts)
	}
	return shared
}

// Connect dials the transport on first use and asks it to connect. It is safe
// to call repeatedly. After the circuit has tripped it does nothing and
// returns realtime.ErrTransportUnavailable.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if !m.configured || m.closed {
		m.mu.Unlock()
		return realtime.ErrTransportUnavailable
	}
	if m.offline || m.dialing {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	t := m.transport
	if t == nil {
		m.dialing = true
	}
	m.mu.Unlock()

	if t == nil {
		var err error
		if t, err = m.establish(ctx); err != nil || t == nil {
			return err
		}
	}
	t.Connect()
	return nil
}

func (m *Manager) establish(ctx context.Context) (realtime.Transport, error) {
	t, err := m.dial(ctx)

	m.mu.Lock()
	m.dialing = false
	if err != nil {
		var events []Event
		if errors.Is(err, ErrNotConfigured) {
			m.configured = false
			events = append(events, m.setStateLocked(realtime.StateClosed))
			events = append(events, Event{Type: EventUnavailable, State: realtime.StateClosed, Err: err})
			m.mu.Unlock()
			m.logger.Info().Msg("realtime is not configured on the server, using store-only delivery")
			m.emit(events...)
			return nil, realtime.ErrTransportUnavailable
		}
		m.interrupted = true
		if m.state != realtime.StateDisconnected {
			events = append(events, m.setStateLocked(realtime.StateDisconnected))
		}
		if !m.offline {
			m.scheduleRetryLocked()
		}
		m.mu.Unlock()
		m.logger.Warn().Err(err).Msg("failed to create realtime transport")
		m.emit(events...)
		return nil, errors.Wrap(err, "dial realtime transport")
	}
	if !m.configured || m.closed {
		m.mu.Unlock()
		_ = t.Close()
		return nil, realtime.ErrTransportUnavailable
	}
	m.transport = t
	pending := m.pendingChannelsLocked()
	m.mu.Unlock()

	t.OnStateChange(m.onStateChange)
	for _, channel := range pending {
		if err := m.attach(ctx, t, channel); err != nil {
			m.logger.Warn().Err(err).Str("channel", channel).Msg("failed to subscribe to channel")
		}
	}
	return t, nil
}

func (m *Manager) onStateChange(change realtime.StateChange) {
	m.mu.Lock()
	if m.closed || !m.configured {
		m.mu.Unlock()
		return
	}

	events := []Event{m.setStateLocked(change.Current)}
	var tripped realtime.Transport
	var released []realtime.Subscription
	var hooks []func()

	switch change.Current {
	case realtime.StateConnected:
		m.attempts = 0
		m.backoff = m.newBackoff()
		m.stopRetryLocked()
		m.offline = false
		m.offlineShown = false
		if m.interrupted {
			m.interrupted = false
			events = append(events, Event{Type: EventSyncRestored, State: realtime.StateConnected})
		}
		hooks = m.hooksLocked()
	case realtime.StateDisconnected:
		m.interrupted = true
		if !m.offline {
			m.scheduleRetryLocked()
		}
	case realtime.StateFailed, realtime.StateSuspended:
		tripped = m.transport
		m.transport = nil
		m.configured = false
		m.interrupted = true
		m.stopRetryLocked()
		released = m.detachAllLocked()
		events = append(events,
			m.setStateLocked(realtime.StateClosed),
			Event{Type: EventUnavailable, State: realtime.StateClosed, Previous: change.Current, Err: change.Reason},
		)
	}
	m.mu.Unlock()

	if tripped != nil {
		m.logger.Error().Err(change.Reason).Str("state", string(change.Current)).Msg("realtime circuit tripped, reconnects disabled")
		for _, sub := range released {
			_ = sub.Unsubscribe()
		}
		_ = tripped.Close()
	}
	m.emit(events...)
	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) hooksLocked() []func() {
	ids := make([]int, 0, len(m.hooks))
	for id := range m.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hooks := make([]func(), 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, m.hooks[id])
	}
	return hooks
}

// OnConnected registers fn to run every time the transport reaches connected,
// including the first time and every reconnect. fn runs outside the manager
// lock and may call back into the manager. The returned func removes it.
func (m *Manager) OnConnected(fn func()) func() {
	m.mu.Lock()
	id := m.nextHook
	m.nextHook++
	m.hooks[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.hooks, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) setStateLocked(state realtime.State) Event {
	prev := m.state
	m.state = state
	return Event{Type: EventStateChanged, State: state, Previous: prev}
}

// scheduleRetryLocked arms the reconnect timer unless one is already pending.
func (m *Manager) scheduleRetryLocked() {
	if m.retryTimer != nil {
		return
	}
	m.attempts++
	delay, _ := m.backoff.Next()
	m.logger.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("scheduling reconnect")
	m.retryTimer = m.schedule(delay, m.retry)
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.retryTimer = nil
	m.mu.Unlock()
	if err := m.Connect(context.Background()); err != nil && !errors.Is(err, realtime.ErrTransportUnavailable) {
		m.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

// SetOffline records that the network is down. Reconnects are suppressed
// until SetOnline and the offline event is emitted once.
func (m *Manager) SetOffline() {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return
	}
	m.offline = true
	m.stopRetryLocked()
	var events []Event
	if !m.offlineShown {
		m.offlineShown = true
		events = append(events, Event{Type: EventOffline, State: m.state})
	}
	m.mu.Unlock()
	m.emit(events...)
}

// SetOnline resets the attempt counter and reconnects immediately.
func (m *Manager) SetOnline() {
	m.mu.Lock()
	if !m.offline {
		m.mu.Unlock()
		return
	}
	m.offline = false
	m.offlineShown = false
	m.attempts = 0
	m.backoff = m.newBackoff()
	state := m.state
	m.mu.Unlock()

	m.emit(Event{Type: EventOnline, State: state})
	if err := m.Connect(context.Background()); err != nil && !errors.Is(err, realtime.ErrTransportUnavailable) {
		m.logger.Debug().Err(err).Msg("reconnect after network recovery failed")
	}
}

// Subscribe registers handler on channel and returns a func that removes it.
// The transport subscription is shared by every handler of a channel and is
// released with the last one.
func (m *Manager) Subscribe(ctx context.Context, channel string, handler func(realtime.Message)) (func(), error) {
	m.mu.Lock()
	if !m.configured || m.closed {
		m.mu.Unlock()
		return nil, realtime.ErrTransportUnavailable
	}
	cs, ok := m.subs[channel]
	if !ok {
		cs = &channelSub{}
		m.subs[channel] = cs
	}
	m.nextHandler++
	id := m.nextHandler
	cs.handlers = append(cs.handlers, handlerEntry{id: id, fn: handler})
	t := m.transport
	needAttach := t != nil && cs.sub == nil && !cs.subscribing
	if needAttach {
		cs.subscribing = true
	}
	m.mu.Unlock()

	unsubscribe := m.unsubscribeFunc(channel, id)
	if needAttach {
		if err := m.attach(ctx, t, channel); err != nil {
			unsubscribe()
			return nil, err
		}
	}
	return unsubscribe, nil
}

func (m *Manager) unsubscribeFunc(channel string, id int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			cs, ok := m.subs[channel]
			if !ok {
				m.mu.Unlock()
				return
			}
			for i, h := range cs.handlers {
				if h.id == id {
					cs.handlers = append(cs.handlers[:i], cs.handlers[i+1:]...)
					break
				}
			}
			var sub realtime.Subscription
			if len(cs.handlers) == 0 {
				sub = cs.sub
				delete(m.subs, channel)
			}
			m.mu.Unlock()

			if sub != nil {
				if err := sub.Unsubscribe(); err != nil {
					m.logger.Warn().Err(err).Str("channel", channel).Msg("failed to release channel subscription")
				}
			}
		})
	}
}

// attach opens the transport subscription for channel. The caller must have
// set subscribing on its channelSub.
func (m *Manager) attach(ctx context.Context, t realtime.Transport, channel string) error {
	sub, err := t.Channel(channel).Subscribe(ctx, func(msg realtime.Message) {
		m.deliver(channel, msg)
	})

	m.mu.Lock()
	cs, ok := m.subs[channel]
	if ok {
		cs.subscribing = false
	}
	if err != nil {
		m.mu.Unlock()
		return errors.Wrapf(err, "subscribe to %s", channel)
	}
	if !ok || m.transport != t {
		m.mu.Unlock()
		return sub.Unsubscribe()
	}
	cs.sub = sub
	m.mu.Unlock()
	return nil
}

func (m *Manager) deliver(channel string, msg realtime.Message) {
	m.mu.Lock()
	cs, ok := m.subs[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	handlers := append([]handlerEntry(nil), cs.handlers...)
	m.mu.Unlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].id < handlers[j].id })
	for _, h := range handlers {
		h.fn(msg)
	}
}

func (m *Manager) pendingChannelsLocked() []string {
	var channels []string
	for name, cs := range m.subs {
		if cs.sub == nil && !cs.subscribing {
			cs.subscribing = true
			channels = append(channels, name)
		}
	}
	sort.Strings(channels)
	return channels
}

func (m *Manager) detachAllLocked() []realtime.Subscription {
	var subs []realtime.Subscription
	for _, cs := range m.subs {
		if cs.sub != nil {
			subs = append(subs, cs.sub)
			cs.sub = nil
		}
	}
	return subs
}

// Channel returns the named channel of the live transport.
func (m *Manager) Channel(name string) (realtime.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured || m.closed || m.transport == nil {
		return nil, realtime.ErrTransportUnavailable
	}
	return m.transport.Channel(name), nil
}

func (m *Manager) State() realtime.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured
}

// Attempts is the number of reconnects scheduled since the last connected.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if m.eventsClosed {
		return
	}
	for _, ev := range events {
		select {
		case m.events <- ev:
		default:
			m.logger.Warn().Str("event", string(ev.Type)).Msg("connection event dropped, consumer is too slow")
		}
	}
}

// Close tears the transport down for good and closes the event stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopRetryLocked()
	t := m.transport
	m.transport = nil
	released := m.detachAllLocked()
	m.subs = make(map[string]*channelSub)
	m.state = realtime.StateClosed
	m.mu.Unlock()

	for _, sub := range released {
		_ = sub.Unsubscribe()
	}
	var err error
	if t != nil {
		err = t.Close()
	}

	m.emitMu.Lock()
	if !m.eventsClosed {
		m.eventsClosed = true
		close(m.events)
	}
	m.emitMu.Unlock()
	return err
}

var _ Connector = (*Manager)(nil)
