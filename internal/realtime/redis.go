package realtime

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultPingInterval   = 15 * time.Second

	// DefaultPresenceTTL is how long a member stays listed without entering
	// again. Trackers re-enter on every heartbeat.
	DefaultPresenceTTL = 3 * time.Minute
)

// RedisPublisher publishes envelopes with Redis PUBLISH. Every API instance
// shares the same channels, so no local fan-in is needed.
type RedisPublisher struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, timeout: defaultPublishTimeout}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, env Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}
	return nil
}

// Connect opens a Redis client from url and verifies it with PING.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// RedisTransport is the client connection of the listener. A background loop
// pings the server and translates failures into state changes.
type RedisTransport struct {
	client       *redis.Client
	clientID     string
	logger       zerolog.Logger
	pingInterval time.Duration
	presenceTTL  time.Duration
	now          func() time.Time

	mu        sync.Mutex
	state     State
	listeners []func(StateChange)
	cancel    context.CancelFunc
	closed    bool
}

func NewRedisTransport(opts *redis.Options, logger zerolog.Logger) *RedisTransport {
	return &RedisTransport{
		client:       redis.NewClient(opts),
		clientID:     uuid.NewString(),
		logger:       logger.With().Str("component", "redis_transport").Logger(),
		pingInterval: defaultPingInterval,
		presenceTTL:  DefaultPresenceTTL,
		now:          time.Now,
		state:        StateUninitialized,
	}
}

func (t *RedisTransport) OnStateChange(fn func(StateChange)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *RedisTransport) Connect() {
	t.mu.Lock()
	if t.closed || t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx)
}

func (t *RedisTransport) run(ctx context.Context) {
	defer t.release()

	t.transition(StateConnecting, nil)
	if err := t.client.Ping(ctx).Err(); err != nil {
		if ctx.Err() == nil {
			t.transition(classify(err), err)
		}
		return
	}
	t.transition(StateConnected, nil)

	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.client.Ping(ctx).Err(); err != nil {
				if ctx.Err() == nil {
					t.logger.Warn().Err(err).Msg("redis ping failed")
					t.transition(classify(err), err)
				}
				return
			}
		}
	}
}

func (t *RedisTransport) release() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
}

func (t *RedisTransport) transition(state State, reason error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	change := StateChange{Previous: t.state, Current: state, Reason: reason}
	t.state = state
	listeners := append([]func(StateChange){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// classify maps a Redis error to the state it puts the connection in.
// Credential errors never heal and a full server is treated as rate limiting.
func classify(err error) State {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOAUTH"), strings.Contains(msg, "WRONGPASS"), strings.Contains(msg, "NOPERM"):
		return StateFailed
	case strings.Contains(msg, "max number of clients"), strings.Contains(msg, "LOADING"):
		return StateSuspended
	default:
		return StateDisconnected
	}
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	change := StateChange{Previous: t.state, Current: StateClosed}
	t.state = StateClosed
	t.closed = true
	listeners := append([]func(StateChange){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
	return t.client.Close()
}

func (t *RedisTransport) Channel(name string) Channel {
	return &redisChannel{transport: t, name: name}
}

type redisChannel struct {
	transport *RedisTransport
	name      string
}

func (c *redisChannel) Name() string { return c.name }

func (c *redisChannel) membersKey() string { return c.name + ":members" }

// seenKey scores every member by the unix time it last entered.
func (c *redisChannel) seenKey() string { return c.name + ":seen" }

func (c *redisChannel) Publish(ctx context.Context, data []byte) error {
	if err := c.transport.client.Publish(ctx, c.name, data).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", c.name)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	err    error
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.pubsub.Close() })
	return s.err
}

func (c *redisChannel) Subscribe(ctx context.Context, handler func(Message)) (Subscription, error) {
	pubsub := c.transport.client.Subscribe(ctx, c.name)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "subscribe to %s", c.name)
	}

	go func() {
		for msg := range pubsub.Channel() {
			handler(Message{Channel: msg.Channel, Data: []byte(msg.Payload)})
		}
	}()
	return &redisSubscription{pubsub: pubsub}, nil
}

// EnterPresence adds the member or refreshes its last-seen time. Only a new
// member is announced on the channel.
func (c *redisChannel) EnterPresence(ctx context.Context, data []byte) error {
	t := c.transport
	var added *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.HSet(ctx, c.membersKey(), t.clientID, data)
		pipe.ZAdd(ctx, c.seenKey(), redis.Z{Score: float64(t.now().Unix()), Member: t.clientID})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "enter presence")
	}
	if added.Val() == 0 {
		return nil
	}
	return c.publishPresence(ctx, EnvelopePresenceEnter, data)
}

func (c *redisChannel) LeavePresence(ctx context.Context, data []byte) error {
	t := c.transport
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, c.membersKey(), t.clientID)
		pipe.ZRem(ctx, c.seenKey(), t.clientID)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "leave presence")
	}
	return c.publishPresence(ctx, EnvelopePresenceLeave, data)
}

// Members lists the current members after dropping those that stopped
// refreshing, e.g. clients that exited without leaving.
func (c *redisChannel) Members(ctx context.Context) ([][]byte, error) {
	if err := c.pruneStale(ctx); err != nil {
		return nil, err
	}
	values, err := c.transport.client.HVals(ctx, c.membersKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list presence members")
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (c *redisChannel) pruneStale(ctx context.Context) error {
	t := c.transport
	cutoff := t.now().Add(-t.presenceTTL).Unix()
	stale, err := t.client.ZRangeByScore(ctx, c.seenKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "find stale presence members")
	}
	if len(stale) == 0 {
		return nil
	}
	ids := make([]interface{}, len(stale))
	for i, id := range stale {
		ids[i] = id
	}
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, c.membersKey(), stale...)
		pipe.ZRem(ctx, c.seenKey(), ids...)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "prune stale presence members")
	}
	t.logger.Debug().Str("channel", c.name).Int("count", len(stale)).Msg("pruned stale presence members")
	return nil
}

func (c *redisChannel) publishPresence(ctx context.Context, typ EnvelopeType, data []byte) error {
	body, err := presenceEnvelope(typ, data).Encode()
	if err != nil {
		return err
	}
	return c.Publish(ctx, body)
}
