package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Hub is a process-local channel broker used by the memory storage driver and
// by tests. Handlers run on the publisher's goroutine.
type Hub struct {
	// subscribers maps channel name -> *sync.Map of *hubSubscription.
	subscribers sync.Map
	// members maps channel name -> *sync.Map of client id -> []byte.
	members sync.Map
}

func NewHub() *Hub {
	return &Hub{}
}

type hubSubscription struct {
	hub     *Hub
	channel string
	handler func(Message)
	once    sync.Once
}

func (s *hubSubscription) Unsubscribe() error {
	s.once.Do(func() {
		if v, ok := s.hub.subscribers.Load(s.channel); ok {
			v.(*sync.Map).Delete(s)
		}
	})
	return nil
}

func (h *Hub) subscribe(channel string, handler func(Message)) *hubSubscription {
	sub := &hubSubscription{hub: h, channel: channel, handler: handler}
	v, _ := h.subscribers.LoadOrStore(channel, &sync.Map{})
	v.(*sync.Map).Store(sub, struct{}{})
	return sub
}

// PublishRaw delivers data to every subscriber of channel.
func (h *Hub) PublishRaw(channel string, data []byte) {
	v, ok := h.subscribers.Load(channel)
	if !ok {
		return
	}
	v.(*sync.Map).Range(func(key, _ interface{}) bool {
		sub := key.(*hubSubscription)
		payload := make([]byte, len(data))
		copy(payload, data)
		sub.handler(Message{Channel: channel, Data: payload})
		return true
	})
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, channel string, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	h.PublishRaw(channel, data)
	return nil
}

// SubscriberCount is the number of live subscriptions on channel.
func (h *Hub) SubscriberCount(channel string) int {
	v, ok := h.subscribers.Load(channel)
	if !ok {
		return 0
	}
	n := 0
	v.(*sync.Map).Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// enter stores the member and reports whether it is new.
func (h *Hub) enter(channel, clientID string, data []byte) bool {
	v, _ := h.members.LoadOrStore(channel, &sync.Map{})
	_, loaded := v.(*sync.Map).Swap(clientID, data)
	return !loaded
}

func (h *Hub) leave(channel, clientID string) {
	if v, ok := h.members.Load(channel); ok {
		v.(*sync.Map).Delete(clientID)
	}
}

func (h *Hub) memberData(channel string) [][]byte {
	v, ok := h.members.Load(channel)
	if !ok {
		return nil
	}
	var out [][]byte
	v.(*sync.Map).Range(func(_, value interface{}) bool {
		out = append(out, value.([]byte))
		return true
	})
	return out
}

// HubTransport is a Transport connected to a Hub. It reaches connected
// synchronously on Connect.
type HubTransport struct {
	hub      *Hub
	clientID string

	mu        sync.Mutex
	state     State
	listeners []func(StateChange)
}

func (h *Hub) NewTransport() *HubTransport {
	return &HubTransport{hub: h, clientID: uuid.NewString(), state: StateUninitialized}
}

func (t *HubTransport) OnStateChange(fn func(StateChange)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *HubTransport) Connect() {
	t.mu.Lock()
	connected := t.state == StateConnected || t.state == StateClosed
	t.mu.Unlock()
	if connected {
		return
	}
	t.Emit(StateConnecting, nil)
	t.Emit(StateConnected, nil)
}

func (t *HubTransport) Close() error {
	t.Emit(StateClosed, nil)
	return nil
}

// Emit moves the transport to state and notifies the listeners.
func (t *HubTransport) Emit(state State, reason error) {
	t.mu.Lock()
	change := StateChange{Previous: t.state, Current: state, Reason: reason}
	t.state = state
	listeners := append([]func(StateChange){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(change)
	}
}

func (t *HubTransport) Channel(name string) Channel {
	return &hubChannel{transport: t, name: name}
}

type hubChannel struct {
	transport *HubTransport
	name      string
}

func (c *hubChannel) Name() string { return c.name }

func (c *hubChannel) Publish(_ context.Context, data []byte) error {
	c.transport.hub.PublishRaw(c.name, data)
	return nil
}

func (c *hubChannel) Subscribe(_ context.Context, handler func(Message)) (Subscription, error) {
	return c.transport.hub.subscribe(c.name, handler), nil
}

func (c *hubChannel) EnterPresence(ctx context.Context, data []byte) error {
	if !c.transport.hub.enter(c.name, c.transport.clientID, data) {
		return nil
	}
	return c.publishPresence(ctx, EnvelopePresenceEnter, data)
}

func (c *hubChannel) LeavePresence(ctx context.Context, data []byte) error {
	c.transport.hub.leave(c.name, c.transport.clientID)
	return c.publishPresence(ctx, EnvelopePresenceLeave, data)
}

func (c *hubChannel) Members(context.Context) ([][]byte, error) {
	return c.transport.hub.memberData(c.name), nil
}

func (c *hubChannel) publishPresence(ctx context.Context, typ EnvelopeType, data []byte) error {
	return c.transport.hub.Publish(ctx, c.name, presenceEnvelope(typ, data))
}
