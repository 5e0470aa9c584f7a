package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/internhub/notifyhub/internal/account"
	"github.com/internhub/notifyhub/internal/config"
	"github.com/internhub/notifyhub/internal/handlers"
	"github.com/internhub/notifyhub/internal/middleware"
	"github.com/internhub/notifyhub/internal/migration"
	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/notification"
	"github.com/internhub/notifyhub/internal/presence"
	"github.com/internhub/notifyhub/internal/realtime"
	"github.com/internhub/notifyhub/internal/repository"
	"github.com/internhub/notifyhub/internal/repository/memstore"
	"github.com/internhub/notifyhub/internal/routes"
	"github.com/internhub/notifyhub/internal/temporal"
	"github.com/internhub/notifyhub/internal/temporal/activities"
	"github.com/internhub/notifyhub/internal/temporal/workflows"
	"github.com/internhub/notifyhub/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq" // PostgreSQL driver
	tc "go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	tw "go.temporal.io/sdk/worker"
)

type stores struct {
	notifications repository.NotificationRepository
	users         repository.UserRepository
	audit         repository.AuditRepository
}

type application struct {
	config        *config.Config
	db            *sql.DB
	redis         *redis.Client
	stores        stores
	publisher     realtime.Publisher
	channels      realtime.Channels
	notifications notification.Service
	accounts      account.Service
	reaper        *presence.Reaper
	logger        zerolog.Logger
}

func newLogger(level, format string) zerolog.Logger {
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
		logger = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return logger
}

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// Set up structured, level-based logging.
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	log.SetFlags(0)
	log.SetOutput(logger)

	if len(os.Args) > 1 && os.Args[1] == "token" {
		mintToken(cfg, logger, os.Args[2:])
		return
	}

	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	app := &application{
		config:   cfg,
		channels: realtime.Channels{Prefix: cfg.Realtime.ChannelPrefix},
		logger:   logger,
	}
	app.initStorage()
	defer app.close()
	app.initRealtime()

	app.notifications = notification.NewService(
		app.stores.notifications,
		app.stores.users,
		app.publisher,
		logger,
		notification.Options{BatchSize: cfg.Dispatch.BatchSize, Channels: app.channels},
	)
	app.accounts = account.NewService(app.stores.users, app.stores.audit, app.notifications, logger)
	app.reaper = presence.NewReaper(app.stores.users, cfg.Sweep.PresenceStaleAge, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSweep := app.startSweep(ctx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter()
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.CORSOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)
	recovered := h.RecoveryHandler(h.RecoveryLogger(log.Default()), h.PrintRecoveryStack(true))(corsHandler)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(recovered)
	cancel()
	stopSweep()

	logger.Info().Msg("Application terminated.")
}

func (app *application) initStorage() {
	switch app.config.Storage.Driver {
	case "memory":
		app.logger.Warn().Msg("Using in-memory storage, data is lost on restart")
		app.stores = stores{
			notifications: memstore.NewNotifications(),
			users:         memstore.NewUsers(),
			audit:         memstore.NewAudit(),
		}
	default:
		db, err := sql.Open("postgres", app.config.DatabaseURL)
		if err != nil {
			app.logger.Fatal().Err(err).Msg("Failed to connect to the database")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			app.logger.Fatal().Err(err).Msg("Failed to ping database")
		}
		if err := migration.RunMigrations(ctx, db, app.logger); err != nil {
			app.logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
		app.db = db
		app.stores = stores{
			notifications: repository.NewNotificationRepository(db),
			users:         repository.NewUserRepository(db),
			audit:         repository.NewAuditRepository(db),
		}
	}
}

// initRealtime connects the publisher. Without a Redis URL, or when Redis is
// unreachable at boot, dispatch still stores rows and clients fall back to
// polling.
func (app *application) initRealtime() {
	app.publisher = realtime.Unavailable()
	if app.config.Realtime.RedisURL == "" {
		app.logger.Info().Msg("Realtime transport not configured, store-only delivery")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := realtime.Connect(ctx, app.config.Realtime.RedisURL)
	if err != nil {
		app.logger.Error().Err(err).Msg("Failed to connect to Redis, realtime delivery disabled")
		return
	}
	app.redis = client
	app.publisher = realtime.NewRedisPublisher(client)
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	var pinger handlers.Pinger
	if app.db != nil {
		pinger = app.db
	}

	return routes.NewRouter(routes.Handlers{
		Auth:          handlers.NewAuthHandler(app.config.JWTSecret, app.logger),
		Health:        handlers.NewHealthHandler(pinger),
		Notifications: handlers.NewNotificationHandler(app.notifications, app.stores.audit, app.logger),
		Realtime:      handlers.NewRealtimeHandler(app.publisher, app.channels, app.config.JWTSecret, app.config.Realtime.TokenTTL, app.logger),
		Presence:      handlers.NewPresenceHandler(app.stores.users, app.logger),
		Accounts:      handlers.NewAccountHandler(app.accounts, app.logger),
	})
}

// startSweep starts the repeat sweep in the configured mode and returns a func
// that stops it.
func (app *application) startSweep(ctx context.Context) func() {
	switch app.config.Sweep.Mode {
	case "off":
		app.logger.Info().Msg("Notification sweep disabled")
		return func() {}
	case "temporal":
		return app.startTemporalWorker(ctx)
	default:
		w := worker.NewWorker(worker.Config{
			Sweeper:      app.notifications,
			Reaper:       app.reaper,
			PollInterval: app.config.Sweep.Interval,
		}, app.logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = w.Start(ctx)
		}()
		return func() { <-done }
	}
}

func (app *application) startTemporalWorker(ctx context.Context) func() {
	temporalClient, err := tc.Dial(tc.Options{
		HostPort:  app.config.Sweep.TemporalHost,
		Namespace: app.config.Sweep.TemporalNamespace,
		Logger:    temporal.NewLogger(app.logger),
	})
	if err != nil {
		app.logger.Fatal().Err(err).Msg("Unable to create Temporal client")
	}

	w := tw.New(temporalClient, temporal.TaskQueueName, tw.Options{})
	w.RegisterWorkflow(workflows.SweepWorkflow)
	w.RegisterActivity(&activities.Activities{
		Notifications: app.notifications,
		Presence:      app.reaper,
	})

	app.logger.Info().Msg("Starting Temporal worker...")
	if err := w.Start(); err != nil {
		app.logger.Fatal().Err(err).Msg("Unable to start worker")
	}

	_, err = temporalClient.ExecuteWorkflow(ctx, tc.StartWorkflowOptions{
		ID:        temporal.SweepWorkflowID,
		TaskQueue: temporal.TaskQueueName,
	}, workflows.SweepWorkflow, temporal.SweepParams{Interval: app.config.Sweep.Interval, Forever: true})
	switch {
	case err == nil:
		app.logger.Info().Str("workflow_id", temporal.SweepWorkflowID).Msg("Sweep workflow started")
	case sdktemporal.IsWorkflowExecutionAlreadyStartedError(err):
		app.logger.Info().Str("workflow_id", temporal.SweepWorkflowID).Msg("Sweep workflow already running")
	default:
		app.logger.Error().Err(err).Msg("Failed to start sweep workflow")
	}

	return func() {
		app.logger.Info().Msg("Stopping Temporal worker...")
		w.Stop()
		temporalClient.Close()
		app.logger.Info().Msg("Temporal worker stopped.")
	}
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler) {
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		app.logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		app.logger.Info().Msg("HTTP server shutdown complete.")
	}
}

func (app *application) close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.db != nil {
		_ = app.db.Close()
	}
}

// mintToken prints a development bearer token: server token <user-id> <role> [ttl].
func mintToken(cfg *config.Config, logger zerolog.Logger, args []string) {
	if len(args) < 2 {
		logger.Fatal().Msg("usage: server token <user-id> <intern|admin> [ttl]")
	}
	role := models.UserRole(strings.ToLower(args[1]))
	if !models.IsValidRole(role) {
		logger.Fatal().Str("role", args[1]).Msg("unknown role")
	}
	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("jwt_secret must be set")
	}
	ttl := 24 * time.Hour
	if len(args) > 2 {
		parsed, err := time.ParseDuration(args[2])
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid ttl")
		}
		ttl = parsed
	}
	token, err := handlers.SignAccessToken(cfg.JWTSecret, args[0], role, ttl)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to sign token")
	}
	fmt.Println(token)
}
