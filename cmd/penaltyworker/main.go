package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-marketplace/internal/config"
	"github.com/example/ride-marketplace/internal/logging"
	"github.com/example/ride-marketplace/internal/models"
	"github.com/example/ride-marketplace/internal/notify"
	"github.com/example/ride-marketplace/internal/reliability"
	"github.com/example/ride-marketplace/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penaltyworker_messages_consumed_total",
		Help: "Total cancellation events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penaltyworker_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	applied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penaltyworker_cancellations_applied_total",
		Help: "Total cancellations applied through the reliability engine",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "penaltyworker_apply_errors_total",
		Help: "Total apply failures after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, applied, applyErrors)
}

// CancellationApplier is the subset of the reliability engine the worker
// drives, split out so tests can fake it.
type CancellationApplier interface {
	RecordCancellation(ctx context.Context, driverID, rideID string) (*reliability.Outcome, error)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.PGDSN == "" {
		logger.Error("PG_DSN is required, the worker shares the marketplace database")
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "penalty-worker"
	}

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}

	var notifier reliability.Notifier = &notify.LogNotifier{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		sink := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.NotificationsTopic, cfg.CancellationsTopic, logger)
		defer sink.Close()
		notifier = sink
	}
	engine := reliability.NewEngine(store, notifier, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.CancellationsTopic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("penalty worker listening", "topic", cfg.CancellationsTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down penalty worker")
				return
			}
			logger.Error("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.CancellationEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.DriverID == "" {
			msgsInvalid.Inc()
			logger.Error("invalid cancellation event", "error", err)
			continue
		}

		outcome, err := applyWithRetry(ctx, engine, ev, cfg.RetryAttempts, cfg.RetryBackoff)
		if err != nil {
			applyErrors.Inc()
			logger.Error("apply failed", "driver_id", ev.DriverID, "ride_id", ev.RideID, "error", err)
			continue
		}
		applied.Inc()
		logger.Info("cancellation applied", "driver_id", ev.DriverID, "count", outcome.Count, "level", outcome.Level)
	}
}

// applyWithRetry runs the cancellation through the engine with doubling
// backoff. The engine's per-driver transaction makes replays safe to retry.
func applyWithRetry(ctx context.Context, a CancellationApplier, ev models.CancellationEvent, attempts int, delay time.Duration) (*reliability.Outcome, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		out *reliability.Outcome
		err error
	)
	for i := 0; i < attempts; i++ {
		out, err = a.RecordCancellation(ctx, ev.DriverID, ev.RideID)
		if err == nil {
			return out, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, err
}
