package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-marketplace/internal/config"
	"github.com/example/ride-marketplace/internal/conflict"
	"github.com/example/ride-marketplace/internal/httpapi"
	"github.com/example/ride-marketplace/internal/logging"
	"github.com/example/ride-marketplace/internal/notify"
	"github.com/example/ride-marketplace/internal/orchestrator"
	"github.com/example/ride-marketplace/internal/payments"
	"github.com/example/ride-marketplace/internal/reliability"
	"github.com/example/ride-marketplace/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// storage: postgres when configured, memory otherwise
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			path := filepath.Join("migrations", "001_create_core.sql")
			b, err := os.ReadFile(path)
			if err != nil {
				logger.Error("read migration", "path", path, "error", err)
				os.Exit(1)
			}
			if err := ps.Exec(string(b)); err != nil {
				logger.Error("apply migration", "path", path, "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "path", path)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	// per-booking locking: redis when configured, in-process otherwise
	var locker payments.Locker
	if cfg.RedisAddr != "" {
		locker = payments.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.LockTTL)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process locks")
		locker = payments.NewKeyedMutex()
	}

	var procs []payments.Processor
	if cfg.StripeAPIKey != "" {
		procs = append(procs, payments.NewStripeProcessor(cfg.StripeAPIKey))
	}
	if cfg.LedgerPayBaseURL != "" {
		procs = append(procs, payments.NewLedgerPayClient(cfg.LedgerPayBaseURL, cfg.LedgerPayAPIKey, cfg.ProcessorTimeout))
	}
	if len(procs) == 0 {
		logger.Error("no payment processor configured, set STRIPE_API_KEY or LEDGERPAY_BASE_URL")
		os.Exit(1)
	}
	lifecycle := payments.NewLifecycle(store, store, locker, logger, cfg.ProcessorTimeout, procs...)

	// notifications: websocket push plus kafka when brokers are configured
	wsreg := notify.NewWSRegistry(logger)
	sinks := notify.Fanout{&notify.LogNotifier{Logger: logger}, wsreg}
	var sink *notify.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		sink = notify.NewKafkaSink(cfg.KafkaBrokers, cfg.NotificationsTopic, cfg.CancellationsTopic, logger)
		sinks = append(sinks, sink)
		defer sink.Close()
	}

	engine := reliability.NewEngine(store, sinks, logger)
	resolver := &conflict.Resolver{Rides: store, DefaultDuration: cfg.DefaultRideDuration}

	orch := &orchestrator.Service{
		Store:         store,
		Conflicts:     resolver,
		Payments:      lifecycle,
		Reliability:   engine,
		Notifier:      sinks,
		Logger:        logger,
		Currency:      cfg.Currency,
		RetryAttempts: cfg.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff,
	}
	if sink != nil {
		orch.Feed = sink
	}

	api := httpapi.NewServer(orch, lifecycle, engine, wsreg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("marketplace api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
