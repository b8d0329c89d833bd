package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-marketplace/internal/apperrors"
	"github.com/example/ride-marketplace/internal/models"
	"github.com/example/ride-marketplace/internal/observability"
)

// HoldStore persists PaymentHold rows. HoldByBooking returns the most recent
// hold for the booking, or nil when none exists.
type HoldStore interface {
	CreateHold(ctx context.Context, h *models.PaymentHold) error
	HoldByBooking(ctx context.Context, bookingID string) (*models.PaymentHold, error)
	UpdateHold(ctx context.Context, h *models.PaymentHold) error
}

// BookingPayments is the slice of the booking store the lifecycle needs to
// keep booking.payment_status in step with the hold.
type BookingPayments interface {
	SetBookingPaymentStatus(ctx context.Context, bookingID string, status models.PaymentStatus) error
}

// AuthorizeResult is returned to the caller so the client app can confirm the
// hold with the processor.
type AuthorizeResult struct {
	Hold        *models.PaymentHold
	ClientToken string
}

type CaptureResult struct {
	CapturedAmount float64
	CapturedAt     time.Time
}

type RefundResult struct {
	RefundedAmount float64
}

// Lifecycle is the per-booking payment state machine over interchangeable
// processor backends. The backend is chosen once at Authorize time and stored
// on the hold; later operations look it up there, never from the caller.
//
//	(none) --Authorize--> authorized --Capture--> captured --Refund--> refunded/partially_refunded
//	                          |
//	                        Cancel
//	                          v
//	                       canceled
//
// Every operation runs under the per-booking Locker and re-reads the hold
// after acquiring it, so a racing caller fails with InvalidStateError instead
// of double-settling.
type Lifecycle struct {
	Holds      HoldStore
	Bookings   BookingPayments
	Processors map[models.ProcessorKind]Processor
	Locks      Locker
	Logger     *slog.Logger
	Timeout    time.Duration // bound on each external processor call
}

func NewLifecycle(holds HoldStore, bookings BookingPayments, locks Locker, logger *slog.Logger, timeout time.Duration, procs ...Processor) *Lifecycle {
	m := make(map[models.ProcessorKind]Processor, len(procs))
	for _, p := range procs {
		m[p.Kind()] = p
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Lifecycle{Holds: holds, Bookings: bookings, Processors: m, Locks: locks, Logger: logger, Timeout: timeout}
}

// Authorize places a hold for amount without moving funds and persists the
// resulting PaymentHold in authorized state.
func (l *Lifecycle) Authorize(ctx context.Context, bookingID string, amount float64, currency, payerRef string, kind models.ProcessorKind) (*AuthorizeResult, error) {
	if amount <= 0 {
		return nil, apperrors.Validation("amount", "must be > 0")
	}
	if currency == "" {
		return nil, apperrors.Validation("currency", "required")
	}
	proc, ok := l.Processors[kind]
	if !ok {
		return nil, apperrors.Validation("processor", fmt.Sprintf("unknown processor %q", kind))
	}

	release, err := l.Locks.Acquire(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := l.Holds.HoldByBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("load hold: %w", err)
	}
	if existing != nil && !existing.Status.Terminal() {
		return nil, &apperrors.InvalidStateError{
			Entity: "hold", ID: existing.ID, State: string(existing.Status),
			Required: "none (one non-terminal hold per booking)", Op: "Authorize",
		}
	}

	ph, err := l.callAuthorize(ctx, proc, AuthorizeRequest{
		BookingID:      bookingID,
		AmountMinor:    MinorUnits(amount),
		Currency:       currency,
		PayerRef:       payerRef,
		IdempotencyKey: bookingID + ":authorize",
	})
	if err != nil {
		l.recordDecline(kind, err)
		return nil, err
	}

	now := time.Now()
	hold := &models.PaymentHold{
		ID:           uuid.NewString(),
		BookingID:    bookingID,
		Processor:    kind,
		ProcessorRef: ph.Ref,
		Amount:       amount,
		Currency:     currency,
		Status:       models.HoldAuthorized,
		ExpiresAt:    ph.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.Holds.CreateHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("persist hold: %w", err)
	}
	if err := l.Bookings.SetBookingPaymentStatus(ctx, bookingID, models.PaymentAuthorized); err != nil {
		return nil, fmt.Errorf("mark booking authorized: %w", err)
	}
	observability.HoldsAuthorized.WithLabelValues(string(kind)).Inc()
	l.Logger.Info("hold authorized", "booking_id", bookingID, "hold_id", hold.ID, "processor", kind, "amount", amount)
	return &AuthorizeResult{Hold: hold, ClientToken: ph.ClientToken}, nil
}

// Capture settles a hold. amount <= 0 captures the full authorized amount.
// Legal only from authorized.
func (l *Lifecycle) Capture(ctx context.Context, bookingID string, amount float64) (*CaptureResult, error) {
	if amount < 0 {
		return nil, apperrors.Validation("amount", "must not be negative")
	}

	release, err := l.Locks.Acquire(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer release()

	hold, err := l.requireHold(ctx, bookingID, "Capture")
	if err != nil {
		return nil, err
	}
	if hold.Status != models.HoldAuthorized {
		return nil, &apperrors.InvalidStateError{
			Entity: "hold", ID: hold.ID, State: string(hold.Status), Required: string(models.HoldAuthorized), Op: "Capture",
		}
	}
	if amount == 0 {
		amount = hold.Amount
	}
	if MinorUnits(amount) > MinorUnits(hold.Amount) {
		return nil, apperrors.Validation("amount", "exceeds authorized amount")
	}

	proc := l.Processors[hold.Processor]
	if proc == nil {
		return nil, fmt.Errorf("no processor registered for %q", hold.Processor)
	}
	if err := l.callProcessor(ctx, hold.Processor, "capture", func(cctx context.Context) error {
		return proc.Capture(cctx, hold.ProcessorRef, MinorUnits(amount), bookingID+":capture")
	}); err != nil {
		l.recordDecline(hold.Processor, err)
		return nil, err
	}

	now := time.Now()
	hold.Status = models.HoldCaptured
	hold.CapturedAmount = amount
	hold.UpdatedAt = now
	if err := l.Holds.UpdateHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("persist capture: %w", err)
	}
	if err := l.Bookings.SetBookingPaymentStatus(ctx, bookingID, models.PaymentPaid); err != nil {
		return nil, fmt.Errorf("mark booking paid: %w", err)
	}
	observability.HoldsCaptured.WithLabelValues(string(hold.Processor)).Inc()
	l.Logger.Info("hold captured", "booking_id", bookingID, "hold_id", hold.ID, "amount", amount)
	return &CaptureResult{CapturedAmount: amount, CapturedAt: now}, nil
}

// Cancel voids an authorized hold without moving money. A captured hold can
// never be canceled, only refunded.
func (l *Lifecycle) Cancel(ctx context.Context, bookingID, reason string) error {
	release, err := l.Locks.Acquire(ctx, bookingID)
	if err != nil {
		return err
	}
	defer release()

	hold, err := l.requireHold(ctx, bookingID, "Cancel")
	if err != nil {
		return err
	}
	if hold.Status != models.HoldAuthorized {
		return &apperrors.InvalidStateError{
			Entity: "hold", ID: hold.ID, State: string(hold.Status), Required: string(models.HoldAuthorized), Op: "Cancel",
		}
	}

	proc := l.Processors[hold.Processor]
	if proc == nil {
		return fmt.Errorf("no processor registered for %q", hold.Processor)
	}
	if err := l.callProcessor(ctx, hold.Processor, "cancel", func(cctx context.Context) error {
		return proc.Cancel(cctx, hold.ProcessorRef, reason)
	}); err != nil {
		return err
	}

	hold.Status = models.HoldCanceled
	hold.UpdatedAt = time.Now()
	if err := l.Holds.UpdateHold(ctx, hold); err != nil {
		return fmt.Errorf("persist cancel: %w", err)
	}
	if err := l.Bookings.SetBookingPaymentStatus(ctx, bookingID, models.PaymentRefunded); err != nil {
		return fmt.Errorf("mark booking refunded: %w", err)
	}
	observability.HoldsCanceled.WithLabelValues(string(hold.Processor)).Inc()
	l.Logger.Info("hold canceled", "booking_id", bookingID, "hold_id", hold.ID, "reason", reason)
	return nil
}

// Refund returns captured funds. amount <= 0 refunds the remaining captured
// balance. Partial refunds accumulate but can never exceed the captured total.
func (l *Lifecycle) Refund(ctx context.Context, bookingID string, amount float64, reason string) (*RefundResult, error) {
	if amount < 0 {
		return nil, apperrors.Validation("amount", "must not be negative")
	}

	release, err := l.Locks.Acquire(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer release()

	hold, err := l.requireHold(ctx, bookingID, "Refund")
	if err != nil {
		return nil, err
	}
	if hold.Status != models.HoldCaptured && hold.Status != models.HoldPartiallyRefunded {
		return nil, &apperrors.InvalidStateError{
			Entity: "hold", ID: hold.ID, State: string(hold.Status), Required: string(models.HoldCaptured), Op: "Refund",
		}
	}

	// compare in minor units so float noise cannot sneak past the cap
	remainingMinor := MinorUnits(hold.CapturedAmount) - MinorUnits(hold.RefundedAmount)
	if amount == 0 {
		amount = MajorUnits(remainingMinor)
	}
	amountMinor := MinorUnits(amount)
	if amountMinor > remainingMinor {
		return nil, apperrors.Validation("amount", fmt.Sprintf("refund %.2f exceeds remaining captured %.2f", amount, MajorUnits(remainingMinor)))
	}
	if amountMinor == 0 {
		return nil, apperrors.Validation("amount", "nothing left to refund")
	}

	proc := l.Processors[hold.Processor]
	if proc == nil {
		return nil, fmt.Errorf("no processor registered for %q", hold.Processor)
	}
	if err := l.callProcessor(ctx, hold.Processor, "refund", func(cctx context.Context) error {
		return proc.Refund(cctx, hold.ProcessorRef, amountMinor, reason, fmt.Sprintf("%s:refund:%d", bookingID, MinorUnits(hold.RefundedAmount)+amountMinor))
	}); err != nil {
		return nil, err
	}

	hold.RefundedAmount = MajorUnits(MinorUnits(hold.RefundedAmount) + amountMinor)
	if MinorUnits(hold.RefundedAmount) == MinorUnits(hold.CapturedAmount) {
		hold.Status = models.HoldRefunded
	} else {
		hold.Status = models.HoldPartiallyRefunded
	}
	hold.UpdatedAt = time.Now()
	if err := l.Holds.UpdateHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("persist refund: %w", err)
	}
	if hold.Status == models.HoldRefunded {
		if err := l.Bookings.SetBookingPaymentStatus(ctx, bookingID, models.PaymentRefunded); err != nil {
			return nil, fmt.Errorf("mark booking refunded: %w", err)
		}
	}
	observability.HoldsRefunded.WithLabelValues(string(hold.Processor)).Inc()
	l.Logger.Info("hold refunded", "booking_id", bookingID, "hold_id", hold.ID, "amount", amount, "status", hold.Status)
	return &RefundResult{RefundedAmount: amount}, nil
}

// Release settles a hold back to the passenger whatever its state: authorized
// holds are voided, captured ones refunded in full. Already-terminal holds are
// a no-op so ride-wide cancellation sweeps stay idempotent.
func (l *Lifecycle) Release(ctx context.Context, bookingID, reason string) error {
	hold, err := l.Holds.HoldByBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("load hold: %w", err)
	}
	if hold == nil || hold.Status.Terminal() {
		return nil
	}
	switch hold.Status {
	case models.HoldAuthorized:
		return l.Cancel(ctx, bookingID, reason)
	default:
		_, err := l.Refund(ctx, bookingID, 0, reason)
		return err
	}
}

// Retrieve returns the stored hold snapshot for the booking.
func (l *Lifecycle) Retrieve(ctx context.Context, bookingID string) (*models.PaymentHold, error) {
	hold, err := l.requireHold(ctx, bookingID, "Retrieve")
	if err != nil {
		return nil, err
	}
	return hold, nil
}

func (l *Lifecycle) requireHold(ctx context.Context, bookingID, op string) (*models.PaymentHold, error) {
	hold, err := l.Holds.HoldByBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("load hold: %w", err)
	}
	if hold == nil {
		return nil, &apperrors.InvalidStateError{
			Entity: "booking", ID: bookingID, State: "no hold", Required: "existing hold", Op: op,
		}
	}
	return hold, nil
}

func (l *Lifecycle) callAuthorize(ctx context.Context, proc Processor, req AuthorizeRequest) (ProcessorHold, error) {
	var out ProcessorHold
	err := l.callProcessor(ctx, proc.Kind(), "authorize", func(cctx context.Context) error {
		var err error
		out, err = proc.Authorize(cctx, req)
		return err
	})
	return out, err
}

func (l *Lifecycle) callProcessor(ctx context.Context, kind models.ProcessorKind, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	observability.ProcessorLatency.WithLabelValues(string(kind), op).Observe(time.Since(start).Seconds())
	if cctx.Err() != nil && err != nil && !apperrors.IsTransient(err) {
		return apperrors.Transient(op, err)
	}
	return err
}

func (l *Lifecycle) recordDecline(kind models.ProcessorKind, err error) {
	var de *apperrors.DeclinedError
	if errors.As(err, &de) {
		observability.PaymentsDeclined.WithLabelValues(string(kind), de.Code).Inc()
	}
}
