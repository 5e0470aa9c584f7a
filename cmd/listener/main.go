// Command listener is a terminal client for one user: it holds the realtime
// connection, keeps presence alive and prints notifications as they arrive.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/internhub/notifyhub/internal/apiclient"
	"github.com/internhub/notifyhub/internal/config"
	"github.com/internhub/notifyhub/internal/connection"
	"github.com/internhub/notifyhub/internal/consumer"
	"github.com/internhub/notifyhub/internal/presence"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	log.SetFlags(0)
	log.SetOutput(logger)

	if err := cfg.ValidateListener(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := apiclient.New(cfg.Listener.APIURL, cfg.Listener.UserToken)
	channels := realtime.Channels{Prefix: cfg.Realtime.ChannelPrefix}

	conn := connection.Shared(connection.Options{
		Dialer:    newDialer(cfg, api, channels, logger),
		Logger:    logger,
		BaseDelay: cfg.Listener.BaseDelay,
		MaxDelay:  cfg.Listener.MaxDelay,
	})
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Realtime connection unavailable, showing stored notifications only")
	}

	tracker := presence.NewTracker(cfg.Listener.UserID, conn, api, logger, presence.Options{
		Heartbeat: cfg.Listener.Heartbeat,
		Channels:  channels,
	})
	tracker.Activate(ctx)

	inbox := consumer.New(cfg.Listener.UserID, conn, api, logger, consumer.Options{Channels: channels})
	if err := inbox.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to subscribe to notification channels")
	}
	if err := inbox.Sync(ctx); err != nil {
		logger.Error().Err(err).Msg("Initial sync failed")
	}

	if cfg.Listener.ProbeAddress != "" {
		go connection.WatchNetwork(ctx, conn, connection.TCPProbe(cfg.Listener.ProbeAddress, 3*time.Second), cfg.Listener.ProbeEvery)
	}

	run(ctx, conn, inbox, logger)

	logger.Info().Msg("Shutting down listener...")
	tracker.Deactivate()
	tracker.Wait()
	inbox.Stop()
}

// newDialer asks the API for a realtime grant before opening the Redis
// connection. A server without a transport makes the manager give up for good.
// Redis authenticates with the credentials in listener.redis_url; the grant
// decides whether realtime is available and which channels to use.
func newDialer(cfg *config.Config, api *apiclient.Client, channels realtime.Channels, logger zerolog.Logger) connection.Dialer {
	return func(ctx context.Context) (realtime.Transport, error) {
		grant, err := api.RealtimeToken(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.Listener.RedisURL == "" {
			return nil, errors.Wrap(connection.ErrNotConfigured, "listener.redis_url is empty")
		}
		opts, err := redis.ParseURL(cfg.Listener.RedisURL)
		if err != nil {
			return nil, errors.Wrap(connection.ErrNotConfigured, err.Error())
		}
		if !grant.Covers(channels, cfg.Listener.UserID) {
			return nil, errors.Wrapf(connection.ErrNotConfigured,
				"server grants %s but realtime.channel_prefix is %q", grant.Channels.Personal, channels.Prefix)
		}
		logger.Debug().
			Str("personal", grant.Channels.Personal).
			Time("expires_at", grant.ExpiresAt).
			Msg("Realtime grant issued")
		return realtime.NewRedisTransport(opts, logger), nil
	}
}

func run(ctx context.Context, conn connection.Connector, inbox *consumer.Consumer, logger zerolog.Logger) {
	connEvents := conn.Events()
	inboxEvents := inbox.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-connEvents:
			if !ok {
				connEvents = nil
				continue
			}
			switch ev.Type {
			case connection.EventSyncRestored:
				logger.Info().Msg("Connection restored, resyncing")
				if err := inbox.Sync(ctx); err != nil {
					logger.Error().Err(err).Msg("Resync failed")
				}
			case connection.EventOffline:
				logger.Warn().Msg("Offline, notifications will resume when the network returns")
			case connection.EventUnavailable:
				logger.Warn().Err(ev.Err).Msg("Realtime delivery unavailable")
			default:
				logger.Debug().Str("state", string(ev.State)).Str("previous", string(ev.Previous)).Msg("Connection state")
			}
		case ev, ok := <-inboxEvents:
			if !ok {
				return
			}
			switch ev.Type {
			case consumer.EventMessageReceived:
				n := ev.Notification
				logger.Info().
					Str("id", n.ID).
					Str("priority", string(n.PriorityLevel)).
					Bool("redelivery", ev.Redelivery).
					Msgf("%s: %s", n.Title, n.Message)
			case consumer.EventAckReceived:
				logger.Info().Str("id", ev.NotificationID).Msg("Dismissed")
			}
		}
	}
}
