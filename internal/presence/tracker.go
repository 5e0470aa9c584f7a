// Package presence keeps a best-effort liveness signal for a user.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/internhub/notifyhub/internal/connection"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeat  = 60 * time.Second
	writeTimeout      = 5 * time.Second
	DefaultStaleAfter = 3 * DefaultHeartbeat
)

// Store mirrors presence into durable storage.
type Store interface {
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

type Tracker struct {
	userID    string
	conn      connection.Connector
	store     Store
	channel   string
	heartbeat time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	unhook func()
	wg     sync.WaitGroup
}

type Options struct {
	Heartbeat time.Duration
	Channels  realtime.Channels
	Now       func() time.Time
}

func NewTracker(userID string, conn connection.Connector, store Store, logger zerolog.Logger, opts Options) *Tracker {
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		userID:    userID,
		conn:      conn,
		store:     store,
		channel:   opts.Channels.Presence(),
		heartbeat: heartbeat,
		now:       now,
		logger:    logger.With().Str("component", "presence").Str("user_id", userID).Logger(),
	}
}

func (t *Tracker) member() []byte {
	data, _ := json.Marshal(map[string]string{"user_id": t.userID})
	return data
}

// Activate enters the presence channel and starts the heartbeat. Calling it
// again while active does nothing. The channel is entered again every time
// the connection reaches connected, so a transport that comes up later still
// carries the member.
func (t *Tracker) Activate(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.unhook = t.conn.OnConnected(func() {
		if loopCtx.Err() != nil {
			return
		}
		enterCtx, cancel := context.WithTimeout(loopCtx, writeTimeout)
		defer cancel()
		t.enter(enterCtx)
	})
	t.mu.Unlock()

	t.enter(ctx)
	t.mirror(ctx, true)
	go t.loop(loopCtx, done)
}

// enter adds the member to the presence channel. Entering again refreshes the
// member's last-seen time.
func (t *Tracker) enter(ctx context.Context) {
	ch, err := t.conn.Channel(t.channel)
	if err != nil {
		t.logger.Debug().Err(err).Msg("presence channel unavailable, mirroring to store only")
		return
	}
	if err := ch.EnterPresence(ctx, t.member()); err != nil {
		t.logger.Warn().Err(err).Msg("failed to enter presence channel")
	}
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.enter(ctx)
			t.mirror(ctx, true)
		}
	}
}

// Deactivate stops the heartbeat, leaves the channel and records the user as
// offline in the background. The offline write may be lost if the process
// exits first.
func (t *Tracker) Deactivate() {
	t.mu.Lock()
	cancel, done, unhook := t.cancel, t.done, t.unhook
	t.cancel, t.done, t.unhook = nil, nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	unhook()
	cancel()
	<-done

	ctx, cancelLeave := context.WithTimeout(context.Background(), writeTimeout)
	defer cancelLeave()
	if ch, err := t.conn.Channel(t.channel); err == nil {
		if err := ch.LeavePresence(ctx, t.member()); err != nil {
			t.logger.Warn().Err(err).Msg("failed to leave presence channel")
		}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		t.mirror(ctx, false)
	}()
}

// Wait blocks until background offline writes have finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) mirror(ctx context.Context, online bool) {
	if err := t.store.SetPresence(ctx, t.userID, online, t.now()); err != nil {
		t.logger.Warn().Err(err).Bool("online", online).Msg("failed to mirror presence")
	}
}
