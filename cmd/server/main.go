/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the school billing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration (env, optional .env)
  2. Configure zerolog
  3. Open the SQL store (sqlite3 or postgres) and migrate
  4. Pick the notification publisher (Redis pub/sub or log)
  5. Build the billing engine and start the outbox worker pool
  6. Configure the HTTP router and serve

COMMAND-LINE FLAGS:
  -config  Config file path (default: ./.env if present)
  -port    HTTP server port, overrides PORT
  -db      Database DSN or SQLite path, overrides DATABASE_URL
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the worker pool (in-flight tasks finish)
  4. Close database and Redis connections

EXAMPLES:
  ./server -db="./data/billing.db"
  DB_DRIVER=postgres DATABASE_URL="postgres://..." JWT_SECRET=... ./server
  AUTH_DISABLED=true ./server -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - worker/pool.go: Outbox workers
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/school-billing/api"
	"github.com/warp/school-billing/billing"
	"github.com/warp/school-billing/config"
	"github.com/warp/school-billing/notify"
	"github.com/warp/school-billing/store/sqlstore"
	"github.com/warp/school-billing/worker"
)

func main() {
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "Database DSN (overrides DATABASE_URL)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DatabaseURL = *dbPath
	}

	log := newLogger(cfg)

	store, err := sqlstore.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to initialize database")
	}
	defer store.Close()

	publisher, closePublisher := newPublisher(cfg, log)
	defer closePublisher()

	engine := billing.NewEngine(store, publisher, log)
	if cfg.InvoiceFallbackSeries != "" {
		engine.Sequences.FallbackSeries = cfg.InvoiceFallbackSeries
	}

	pool := worker.New(engine.Outbox, worker.Config{
		Size:         cfg.WorkerPoolSize,
		PollInterval: cfg.WorkerPollInterval,
		MaxAttempts:  cfg.TaskMaxAttempts,
	}, log)
	pool.Start()

	handler := api.NewHandler(engine, log)
	handler.Ping = store.Ping

	router := api.NewRouter(handler, api.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		Auth:           api.AuthConfig{Secret: cfg.JWTSecret, Disabled: cfg.AuthDisabled},
		Scenarios:      !cfg.IsProduction(),
		Log:            log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Str("driver", cfg.DBDriver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	pool.Stop()

	log.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.IsProduction() {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	return logger.Level(level).With().Timestamp().Str("service", "school-billing").Logger()
}

// newPublisher returns the Redis publisher when REDIS_URL is set. A Redis
// that cannot be reached falls back to logging; notifications are best effort.
func newPublisher(cfg *config.Config, log zerolog.Logger) (billing.Publisher, func()) {
	if cfg.RedisURL == "" {
		return notify.NewLog(log), func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb, err := notify.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, notifications will only be logged")
		return notify.NewLog(log), func() {}
	}
	log.Info().Msg("redis connected, publishing notifications")
	return notify.NewRedis(rdb, log), func() { _ = rdb.Close() }
}
