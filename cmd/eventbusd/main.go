package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/chattercraft/eventbus/internal/breaker"
	"github.com/chattercraft/eventbus/internal/bus"
	"github.com/chattercraft/eventbus/internal/config"
	"github.com/chattercraft/eventbus/internal/dispatch"
	"github.com/chattercraft/eventbus/internal/logging"
	"github.com/chattercraft/eventbus/internal/server"
	"github.com/chattercraft/eventbus/internal/store"
	"github.com/chattercraft/eventbus/internal/transport"
	"github.com/chattercraft/eventbus/internal/transport/amqptransport"
	"github.com/chattercraft/eventbus/internal/transport/natstransport"
	"github.com/chattercraft/eventbus/internal/transport/redisstream"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)

	ctx := context.Background()

	tr, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize transport", "mode", cfg.Bus.Mode, "error", err)
		os.Exit(1)
	}

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize event store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}

	engine := dispatch.NewEngine(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		RequestTimeout:   cfg.Breaker.RequestTimeout,
	}, breakerOverrides(cfg), logger)

	b := bus.New(bus.Config{
		RetryPolicy: dispatch.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialDelay:    cfg.Retry.InitialDelay,
			MaxDelay:        cfg.Retry.MaxDelay,
			ExponentialBase: cfg.Retry.ExponentialBase,
		},
		RetryScanInterval: cfg.Retry.ScanInterval,
	}, tr, engine, st, logger)

	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	if err := b.Start(busCtx); err != nil {
		logger.Error("failed to start bus", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, b, logger)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Error("bus shutdown failed", "error", err)
	}
	logger.Info("stopped")
}

// buildTransport assembles the backend(s) selected by the bus mode.
func buildTransport(ctx context.Context, cfg *config.Config, logger *logging.Logger) (transport.Transport, error) {
	newStream := func() (transport.Transport, error) {
		streamCfg := redisstream.DefaultConfig(cfg.Redis.Addr)
		streamCfg.Password = cfg.Redis.Password
		streamCfg.DB = cfg.Redis.DB
		if cfg.Redis.MaxLen > 0 {
			streamCfg.MaxLen = cfg.Redis.MaxLen
		}
		return redisstream.New(ctx, streamCfg, logger)
	}
	newBroker := func() (transport.Transport, error) {
		return amqptransport.New(ctx, amqptransport.DefaultConfig(cfg.AMQP.URL), logger)
	}

	switch cfg.Bus.Mode {
	case config.ModeStream:
		return newStream()
	case config.ModeBroker:
		return newBroker()
	case config.ModeNATS:
		return natstransport.New(ctx, natstransport.DefaultConfig(cfg.NATS.URL), logger)
	case config.ModeHybrid:
		stream, err := newStream()
		if err != nil {
			return nil, err
		}
		broker, err := newBroker()
		if err != nil {
			_ = stream.Close()
			return nil, err
		}
		return transport.NewHybrid(stream, broker)
	default:
		return nil, errors.New("unknown bus mode " + cfg.Bus.Mode)
	}
}

// buildStore selects the event store backend, running migrations for the
// durable store.
func buildStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, error) {
	if cfg.Store.Backend == "postgres" {
		logger.Info("running database migrations", "path", cfg.Store.MigrationsPath)
		m, err := migrate.New("file://"+cfg.Store.MigrationsPath, cfg.Store.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, err
		}
		return store.NewPostgresStore(ctx, cfg.Store.PostgresURL)
	}

	return store.NewMemoryStore(store.MemoryConfig{
		TTL:             cfg.Store.TTL,
		MaxCorrelations: cfg.Store.MaxCorrelations,
	}), nil
}

// breakerOverrides converts the handler override table into breaker configs.
func breakerOverrides(cfg *config.Config) map[string]breaker.Config {
	if len(cfg.Handlers) == 0 {
		return nil
	}
	overrides := make(map[string]breaker.Config, len(cfg.Handlers))
	for name, o := range cfg.Handlers {
		overrides[name] = breaker.Config{
			FailureThreshold: o.FailureThreshold,
			RecoveryTimeout:  o.RecoveryTimeout,
			SuccessThreshold: o.SuccessThreshold,
			RequestTimeout:   o.RequestTimeout,
		}
	}
	return overrides
}
