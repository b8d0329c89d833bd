package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-marketplace/internal/apperrors"
	"github.com/example/ride-marketplace/internal/models"
	"github.com/example/ride-marketplace/internal/observability"
)

type Level string

const (
	LevelNone       Level = "none"
	LevelWarning    Level = "warning"
	LevelSuspension Level = "suspension"
	LevelBanned     Level = "banned"
)

// Window is the trailing period cancellations are counted over.
const Window = 30 * 24 * time.Hour

// Outcome is the result of recording one cancellation.
type Outcome struct {
	Level          Level
	Count          int // cancellations in the trailing window, inclusive
	SuspendedUntil *time.Time
	Record         models.DriverReliabilityRecord
}

// Decision gates a driver's ability to post new rides.
type Decision struct {
	Allowed bool
	Reason  string
}

// Store is the persistence the engine needs. WithDriverTx runs fn inside a
// single transaction scoped to the driver so two concurrent cancellations
// cannot both read a stale count and under-escalate. Store calls made with
// the context passed to fn run inside that transaction.
type Store interface {
	WithDriverTx(ctx context.Context, driverID string, fn func(ctx context.Context) error) error
	AppendCancellation(ctx context.Context, ev models.CancellationEvent) error
	CountCancellationsSince(ctx context.Context, driverID string, since time.Time) (int, error)
	ReliabilityRecord(ctx context.Context, driverID string) (*models.DriverReliabilityRecord, error)
	SaveReliabilityRecord(ctx context.Context, rec *models.DriverReliabilityRecord) error
}

// Notifier is the sink for warnings, suspensions and support tickets.
// Deliveries are fire-and-forget: a failure never rolls back the status
// change that triggered it.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
	OpenTicket(ctx context.Context, t models.SupportTicket)
}

// Engine maintains the append-only cancellation log and the derived account
// status projection. The status is always a pure function of recent events
// and can be rebuilt with Recompute if the row is ever corrupted.
type Engine struct {
	Store    Store
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewEngine(store Store, notifier Notifier, logger *slog.Logger) *Engine {
	return &Engine{Store: store, Notifier: notifier, Logger: logger, Now: time.Now}
}

// RecordCancellation appends the event, recounts the trailing window and
// escalates the driver's account status per the thresholds.
func (e *Engine) RecordCancellation(ctx context.Context, driverID, rideID string) (*Outcome, error) {
	now := e.Now()
	var out Outcome

	err := e.Store.WithDriverTx(ctx, driverID, func(ctx context.Context) error {
		ev := models.CancellationEvent{
			ID:         uuid.NewString(),
			DriverID:   driverID,
			RideID:     rideID,
			OccurredAt: now,
		}
		if err := e.Store.AppendCancellation(ctx, ev); err != nil {
			return fmt.Errorf("append cancellation: %w", err)
		}
		count, err := e.Store.CountCancellationsSince(ctx, driverID, now.Add(-Window))
		if err != nil {
			return fmt.Errorf("count cancellations: %w", err)
		}

		rec, err := e.Store.ReliabilityRecord(ctx, driverID)
		if err != nil {
			return fmt.Errorf("load reliability record: %w", err)
		}
		if rec == nil {
			rec = defaultRecord(driverID)
		}

		level := apply(rec, count, now)
		out = Outcome{Level: level, Count: count, SuspendedUntil: rec.SuspendedUntil, Record: *rec}
		if level == LevelNone {
			// raw event already logged for future window calculations
			return nil
		}
		if err := e.Store.SaveReliabilityRecord(ctx, rec); err != nil {
			return fmt.Errorf("save reliability record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.CancellationsRecorded.Inc()
	if out.Level != LevelNone {
		observability.Escalations.WithLabelValues(string(out.Level)).Inc()
		e.announce(ctx, driverID, out)
	}
	e.Logger.Info("cancellation recorded",
		"driver_id", driverID, "ride_id", rideID, "window_count", out.Count, "level", out.Level)
	return &out, nil
}

// CanDriverPost fails closed for banned drivers and for suspensions still in
// effect. An expired suspension allows posting without rewriting the status
// row; the row is corrected on the next escalation or ClearWarnings.
func (e *Engine) CanDriverPost(ctx context.Context, driverID string) (Decision, error) {
	rec, err := e.Store.ReliabilityRecord(ctx, driverID)
	if err != nil {
		return Decision{}, fmt.Errorf("load reliability record: %w", err)
	}
	if rec == nil {
		return Decision{}, &apperrors.ProfileProvisioningError{DriverID: driverID}
	}
	switch rec.AccountStatus {
	case models.AccountBanned:
		return Decision{Allowed: false, Reason: "account is permanently banned for repeated cancellations"}, nil
	case models.AccountSuspended:
		if rec.SuspendedUntil != nil && rec.SuspendedUntil.After(e.Now()) {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("account is suspended until %s", rec.SuspendedUntil.Format(time.RFC3339)),
			}, nil
		}
		return Decision{Allowed: true}, nil
	default:
		return Decision{Allowed: true}, nil
	}
}

// ProvisionDefault creates an active record for a driver that has none.
// Used once by the orchestrator when CanDriverPost reports a missing profile.
func (e *Engine) ProvisionDefault(ctx context.Context, driverID string) error {
	rec := defaultRecord(driverID)
	rec.UpdatedAt = e.Now()
	if err := e.Store.SaveReliabilityRecord(ctx, rec); err != nil {
		return fmt.Errorf("provision reliability record: %w", err)
	}
	e.Logger.Info("reliability profile provisioned", "driver_id", driverID)
	return nil
}

// ClearWarnings resets the driver to active. This is the only operation that
// moves backward in the escalation ladder and is logged as an administrative
// override for the audit trail.
func (e *Engine) ClearWarnings(ctx context.Context, driverID string) error {
	return e.Store.WithDriverTx(ctx, driverID, func(ctx context.Context) error {
		rec, err := e.Store.ReliabilityRecord(ctx, driverID)
		if err != nil {
			return fmt.Errorf("load reliability record: %w", err)
		}
		if rec == nil {
			rec = defaultRecord(driverID)
		}
		rec.AccountStatus = models.AccountActive
		rec.WarningsSent = 0
		rec.SuspendedUntil = nil
		rec.UpdatedAt = e.Now()
		if err := e.Store.SaveReliabilityRecord(ctx, rec); err != nil {
			return fmt.Errorf("save reliability record: %w", err)
		}
		e.Logger.Warn("administrative override: warnings cleared", "driver_id", driverID)
		return nil
	})
}

// Recompute replays a driver's cancellation events and rebuilds the record
// from scratch. The incremental path and this projection always agree.
func Recompute(driverID string, events []models.CancellationEvent) models.DriverReliabilityRecord {
	rec := defaultRecord(driverID)
	for i, ev := range events {
		count := 0
		for _, prior := range events[:i+1] {
			if !prior.OccurredAt.Before(ev.OccurredAt.Add(-Window)) && !prior.OccurredAt.After(ev.OccurredAt) {
				count++
			}
		}
		apply(rec, count, ev.OccurredAt)
	}
	return *rec
}

// apply mutates rec for a cancellation count observed at time now and returns
// the escalation level. Shared by the incremental path and Recompute so the
// two can never diverge.
func apply(rec *models.DriverReliabilityRecord, count int, now time.Time) Level {
	level, suspendFor := levelFor(count)
	if level == LevelNone {
		return level
	}
	rec.WarningsSent++
	t := now
	rec.LastWarningAt = &t
	rec.UpdatedAt = now
	switch level {
	case LevelWarning:
		rec.AccountStatus = models.AccountWarned
		rec.SuspendedUntil = nil
	case LevelSuspension:
		rec.AccountStatus = models.AccountSuspended
		until := now.Add(suspendFor)
		rec.SuspendedUntil = &until
	case LevelBanned:
		rec.AccountStatus = models.AccountBanned
		rec.SuspendedUntil = nil
	}
	return level
}

// levelFor maps a 30-day cancellation count to an escalation level. The
// thresholds are fixed and non-overlapping.
func levelFor(count int) (Level, time.Duration) {
	switch {
	case count < 3:
		return LevelNone, 0
	case count == 3:
		return LevelWarning, 0
	case count <= 5:
		return LevelSuspension, 3 * 24 * time.Hour
	case count <= 7:
		return LevelSuspension, 7 * 24 * time.Hour
	default:
		return LevelBanned, 0
	}
}

func defaultRecord(driverID string) *models.DriverReliabilityRecord {
	return &models.DriverReliabilityRecord{
		DriverID:      driverID,
		AccountStatus: models.AccountActive,
	}
}

func (e *Engine) announce(ctx context.Context, driverID string, out Outcome) {
	if e.Notifier == nil {
		return
	}
	now := e.Now()
	msg := ""
	switch out.Level {
	case LevelWarning:
		msg = fmt.Sprintf("You have cancelled %d rides in the last 30 days. Further cancellations will suspend your account.", out.Count)
	case LevelSuspension:
		msg = fmt.Sprintf("Your account is suspended until %s due to repeated cancellations.", out.SuspendedUntil.Format(time.RFC3339))
	case LevelBanned:
		msg = "Your account has been permanently banned for repeated cancellations."
	}
	e.Notifier.Notify(ctx, models.Notification{
		ID:      uuid.NewString(),
		UserID:  driverID,
		Type:    "reliability_" + string(out.Level),
		Message: msg,
		Data: map[string]any{
			"window_count": out.Count,
			"level":        string(out.Level),
		},
		CreatedAt: now,
	})
	if out.Level == LevelSuspension || out.Level == LevelBanned {
		e.Notifier.OpenTicket(ctx, models.SupportTicket{
			ID:        uuid.NewString(),
			DriverID:  driverID,
			Priority:  "high",
			Subject:   fmt.Sprintf("Driver %s: %s after %d cancellations", driverID, out.Level, out.Count),
			Body:      msg,
			CreatedAt: now,
		})
	}
}
