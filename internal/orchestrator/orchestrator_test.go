package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-marketplace/internal/apperrors"
	"github.com/example/ride-marketplace/internal/conflict"
	"github.com/example/ride-marketplace/internal/models"
	"github.com/example/ride-marketplace/internal/payments"
	"github.com/example/ride-marketplace/internal/reliability"
	"github.com/example/ride-marketplace/internal/storage"
)

type stubProcessor struct {
	authorizes  atomic.Int64
	captures    atomic.Int64
	cancels     atomic.Int64
	refunds     atomic.Int64
	failAuth    error
	failCapture error
	capFailures int32 // fail the first N captures, then succeed
}

func (p *stubProcessor) Kind() models.ProcessorKind { return models.ProcessorLedgerPay }

func (p *stubProcessor) Authorize(ctx context.Context, req payments.AuthorizeRequest) (payments.ProcessorHold, error) {
	n := p.authorizes.Add(1)
	if p.failAuth != nil {
		return payments.ProcessorHold{}, p.failAuth
	}
	return payments.ProcessorHold{
		Ref:         fmt.Sprintf("ref-%d", n),
		ClientToken: fmt.Sprintf("tok-%d", n),
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (p *stubProcessor) Capture(ctx context.Context, ref string, amountMinor int64, idempotencyKey string) error {
	n := p.captures.Add(1)
	if p.failCapture != nil && n <= int64(p.capFailures) {
		return p.failCapture
	}
	return nil
}

func (p *stubProcessor) Cancel(ctx context.Context, ref, reason string) error {
	p.cancels.Add(1)
	return nil
}

func (p *stubProcessor) Refund(ctx context.Context, ref string, amountMinor int64, reason, idempotencyKey string) error {
	p.refunds.Add(1)
	return nil
}

func (p *stubProcessor) Retrieve(ctx context.Context, ref string) (string, error) {
	return "requires_capture", nil
}

type feedSpy struct {
	events []models.CancellationEvent
}

func (f *feedSpy) PublishCancellation(ctx context.Context, ev models.CancellationEvent) {
	f.events = append(f.events, ev)
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *stubProcessor, *feedSpy) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := &stubProcessor{}
	lc := payments.NewLifecycle(store, store, payments.NewKeyedMutex(), logger, time.Second, proc)
	eng := &reliability.Engine{Store: store, Logger: logger, Now: time.Now}
	feed := &feedSpy{}
	svc := &Service{
		Store:         store,
		Conflicts:     &conflict.Resolver{Rides: store, DefaultDuration: 3 * time.Hour},
		Payments:      lc,
		Reliability:   eng,
		Feed:          feed,
		Logger:        logger,
		Currency:      "usd",
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}
	return svc, store, proc, feed
}

func postRide(t *testing.T, svc *Service, driverID string, dep time.Time) *models.Ride {
	t.Helper()
	arr := dep.Add(2 * time.Hour)
	ride, err := svc.PostRide(context.Background(), PostRideRequest{
		DriverID:     driverID,
		FromLocation: "Hyderabad",
		ToLocation:   "Bangalore",
		Departure:    dep,
		Arrival:      &arr,
		SeatsTotal:   3,
		PricePerSeat: 25,
	})
	if err != nil {
		t.Fatalf("PostRide: %v", err)
	}
	return ride
}

func requestBooking(t *testing.T, svc *Service, rideID, passengerID string) *BookingResult {
	t.Helper()
	res, err := svc.RequestBooking(context.Background(), BookingRequest{
		RideID:      rideID,
		PassengerID: passengerID,
		Seats:       2,
		Processor:   models.ProcessorLedgerPay,
		PayerRef:    "payer-" + passengerID,
	})
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	return res
}

func TestPostRideProvisionsMissingProfile(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))

	rec, err := store.ReliabilityRecord(context.Background(), "d1")
	if err != nil || rec == nil {
		t.Fatalf("expected provisioned reliability record, got %v, %v", rec, err)
	}
	if rec.AccountStatus != models.AccountActive {
		t.Fatalf("account status = %s, want active", rec.AccountStatus)
	}
	if ride.Status != models.RideActive {
		t.Fatalf("ride status = %s, want active", ride.Status)
	}
}

func TestPostRideRejectsOverlap(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	dep := time.Now().Add(24 * time.Hour)
	postRide(t, svc, "d1", dep)

	arr := dep.Add(90 * time.Minute)
	_, err := svc.PostRide(context.Background(), PostRideRequest{
		DriverID:  "d1",
		Departure: dep.Add(30 * time.Minute),
		Arrival:   &arr,
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(ce.Report.Conflicts) == 0 {
		t.Fatal("conflict report is empty")
	}
}

func TestPostRideAllowsOtherDriversOverlap(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	dep := time.Now().Add(24 * time.Hour)
	postRide(t, svc, "d1", dep)
	postRide(t, svc, "d2", dep) // same window, different driver
}

func TestEditRideExcludesItself(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	dep := time.Now().Add(24 * time.Hour)
	ride := postRide(t, svc, "d1", dep)

	// Shift by 15 minutes; still overlapping its own old window.
	newDep := dep.Add(15 * time.Minute)
	newArr := newDep.Add(2 * time.Hour)
	updated, err := svc.EditRide(context.Background(), ride.ID, "d1", newDep, &newArr)
	if err != nil {
		t.Fatalf("EditRide: %v", err)
	}
	if !updated.Departure.Equal(newDep) {
		t.Fatalf("departure not updated: %v", updated.Departure)
	}
}

func TestRequestBookingAuthorizesHold(t *testing.T) {
	svc, store, proc, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))

	res := requestBooking(t, svc, ride.ID, "p1")
	if res.Booking.Amount != 50 { // 2 seats x 25
		t.Fatalf("amount = %v, want 50", res.Booking.Amount)
	}
	if res.Booking.PaymentStatus != models.PaymentAuthorized {
		t.Fatalf("payment status = %s, want authorized", res.Booking.PaymentStatus)
	}
	if res.ClientToken == "" {
		t.Fatal("missing client token")
	}
	if got := proc.authorizes.Load(); got != 1 {
		t.Fatalf("authorize calls = %d, want 1", got)
	}
	hold, err := store.HoldByBooking(context.Background(), res.Booking.ID)
	if err != nil || hold == nil {
		t.Fatalf("expected stored hold, got %v, %v", hold, err)
	}
	if hold.ID != res.Booking.HoldID {
		t.Fatalf("booking hold ref %s != hold id %s", res.Booking.HoldID, hold.ID)
	}
}

func TestRequestBookingDeclineDeletesBooking(t *testing.T) {
	svc, store, proc, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	proc.failAuth = &apperrors.DeclinedError{Code: "card_declined", Reason: "insufficient funds"}

	_, err := svc.RequestBooking(context.Background(), BookingRequest{
		RideID:      ride.ID,
		PassengerID: "p1",
		Seats:       1,
		Processor:   models.ProcessorLedgerPay,
	})
	if !apperrors.IsDeclined(err) {
		t.Fatalf("expected declined, got %v", err)
	}
	bookings, _ := store.BookingsByRide(context.Background(), ride.ID)
	if len(bookings) != 0 {
		t.Fatalf("expected no bookings after failed authorization, got %d", len(bookings))
	}
	// A decline must not be retried.
	if got := proc.authorizes.Load(); got != 1 {
		t.Fatalf("authorize calls = %d, want 1", got)
	}
}

func TestRequestBookingSelfBookingRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))

	_, err := svc.RequestBooking(context.Background(), BookingRequest{
		RideID:      ride.ID,
		PassengerID: "d1",
		Seats:       1,
		Processor:   models.ProcessorLedgerPay,
	})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDriverAcceptCapturesAndRecordsEarning(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	res := requestBooking(t, svc, ride.ID, "p1")

	booking, err := svc.DriverAccept(context.Background(), res.Booking.ID, "d1")
	if err != nil {
		t.Fatalf("DriverAccept: %v", err)
	}
	if booking.Status != models.BookingConfirmed || booking.PaymentStatus != models.PaymentPaid {
		t.Fatalf("booking = %s/%s, want confirmed/paid", booking.Status, booking.PaymentStatus)
	}
	earnings := store.Earnings()
	if len(earnings) != 1 {
		t.Fatalf("earnings = %d, want 1", len(earnings))
	}
	if earnings[0].Amount != 50 || earnings[0].DriverID != "d1" {
		t.Fatalf("earning = %+v", earnings[0])
	}
}

func TestDriverAcceptTransientCaptureRetriesThenConfirms(t *testing.T) {
	svc, _, proc, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	res := requestBooking(t, svc, ride.ID, "p1")
	proc.failCapture = apperrors.Transient("capture", errors.New("gateway timeout"))
	proc.capFailures = 1

	booking, err := svc.DriverAccept(context.Background(), res.Booking.ID, "d1")
	if err != nil {
		t.Fatalf("DriverAccept after transient failure: %v", err)
	}
	if booking.Status != models.BookingConfirmed {
		t.Fatalf("booking status = %s", booking.Status)
	}
	if got := proc.captures.Load(); got != 2 {
		t.Fatalf("capture calls = %d, want 2 (one failure, one success)", got)
	}
}

func TestDriverAcceptCaptureFailureKeepsPending(t *testing.T) {
	svc, store, proc, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	res := requestBooking(t, svc, ride.ID, "p1")
	proc.failCapture = apperrors.Transient("capture", errors.New("gateway down"))
	proc.capFailures = 99

	_, err := svc.DriverAccept(context.Background(), res.Booking.ID, "d1")
	if !apperrors.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	booking, _ := store.Booking(context.Background(), res.Booking.ID)
	if booking.Status != models.BookingPending {
		t.Fatalf("booking status = %s, want pending", booking.Status)
	}
	if len(store.Earnings()) != 0 {
		t.Fatal("no earning should be recorded on failed capture")
	}
}

func TestDriverAcceptWrongDriver(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	res := requestBooking(t, svc, ride.ID, "p1")

	if _, err := svc.DriverAccept(context.Background(), res.Booking.ID, "d2"); !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDriverRejectReleasesHold(t *testing.T) {
	svc, store, proc, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	res := requestBooking(t, svc, ride.ID, "p1")

	booking, err := svc.DriverReject(context.Background(), res.Booking.ID, "d1", "seat no longer free")
	if err != nil {
		t.Fatalf("DriverReject: %v", err)
	}
	if booking.Status != models.BookingRejected || booking.PaymentStatus != models.PaymentRefunded {
		t.Fatalf("booking = %s/%s", booking.Status, booking.PaymentStatus)
	}
	if got := proc.cancels.Load(); got != 1 {
		t.Fatalf("cancel calls = %d, want 1 (authorized hold is voided, not refunded)", got)
	}
	hold, _ := store.HoldByBooking(context.Background(), res.Booking.ID)
	if hold.Status != models.HoldCanceled {
		t.Fatalf("hold status = %s, want canceled", hold.Status)
	}
}

func TestPassengerCancelAfterDepartureRejected(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	res := requestBooking(t, svc, ride.ID, "p1")

	// Force the ride into the past.
	past, _ := store.Ride(context.Background(), ride.ID)
	past.Departure = time.Now().Add(-time.Hour)
	if err := store.UpdateRide(context.Background(), past); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.PassengerCancel(context.Background(), res.Booking.ID, "p1"); !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPassengerCancelRefundsCapturedBooking(t *testing.T) {
	svc, _, proc, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	res := requestBooking(t, svc, ride.ID, "p1")
	if _, err := svc.DriverAccept(context.Background(), res.Booking.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	booking, err := svc.PassengerCancel(context.Background(), res.Booking.ID, "p1")
	if err != nil {
		t.Fatalf("PassengerCancel: %v", err)
	}
	if booking.Status != models.BookingCancelled {
		t.Fatalf("booking status = %s", booking.Status)
	}
	if got := proc.refunds.Load(); got != 1 {
		t.Fatalf("refund calls = %d, want 1 (captured hold is refunded)", got)
	}
}

func TestCancelRideSweepsBookingsAndRecordsCancellation(t *testing.T) {
	svc, store, proc, feed := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	b1 := requestBooking(t, svc, ride.ID, "p1")
	b2 := requestBooking(t, svc, ride.ID, "p2")
	if _, err := svc.DriverAccept(context.Background(), b2.Booking.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	outcome, err := svc.CancelRide(context.Background(), ride.ID, "d1")
	if err != nil {
		t.Fatalf("CancelRide: %v", err)
	}
	if outcome.Count != 1 || outcome.Level != reliability.LevelNone {
		t.Fatalf("outcome = %+v, want count 1, level none", outcome)
	}

	got, _ := store.Ride(context.Background(), ride.ID)
	if got.Status != models.RideCancelled {
		t.Fatalf("ride status = %s", got.Status)
	}
	for _, id := range []string{b1.Booking.ID, b2.Booking.ID} {
		b, _ := store.Booking(context.Background(), id)
		if b.Status != models.BookingCancelled || b.PaymentStatus != models.PaymentRefunded {
			t.Fatalf("booking %s = %s/%s", id, b.Status, b.PaymentStatus)
		}
	}
	// Pending b1 is voided, captured b2 is refunded.
	if proc.cancels.Load() != 1 || proc.refunds.Load() != 1 {
		t.Fatalf("cancels=%d refunds=%d, want 1 and 1", proc.cancels.Load(), proc.refunds.Load())
	}
	if len(feed.events) != 1 || feed.events[0].RideID != ride.ID {
		t.Fatalf("feed events = %+v", feed.events)
	}
	evs, _ := store.CancellationsByDriver(context.Background(), "d1")
	if len(evs) != 1 {
		t.Fatalf("stored cancellation events = %d, want 1", len(evs))
	}
}

func TestCancelRideIsReentrantAfterPartialFailure(t *testing.T) {
	svc, _, proc, _ := newTestService(t)
	ride := postRide(t, svc, "d1", time.Now().Add(24*time.Hour))
	requestBooking(t, svc, ride.ID, "p1")
	// First release succeeds; a second CancelRide run must skip the already
	// released booking and still cancel the ride.
	if _, err := svc.CancelRide(context.Background(), ride.ID, "d1"); err != nil {
		t.Fatalf("CancelRide: %v", err)
	}
	if _, err := svc.CancelRide(context.Background(), ride.ID, "d1"); !apperrors.IsInvalidState(err) {
		t.Fatalf("second cancel should be invalid state, got %v", err)
	}
	if got := proc.cancels.Load(); got != 1 {
		t.Fatalf("cancel calls = %d, want 1", got)
	}
}

func TestCancelRideEscalatesAtThreshold(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	var outcome *reliability.Outcome
	for i := 0; i < 3; i++ {
		ride := postRide(t, svc, "d1", time.Now().Add(time.Duration(24+i)*time.Hour))
		var err error
		outcome, err = svc.CancelRide(ctx, ride.ID, "d1")
		if err != nil {
			t.Fatalf("CancelRide %d: %v", i, err)
		}
	}
	if outcome.Level != reliability.LevelWarning {
		t.Fatalf("level after 3 cancellations = %s, want warning", outcome.Level)
	}
}

func TestBlockedDriverCannotPost(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	until := time.Now().Add(48 * time.Hour)
	if err := store.SaveReliabilityRecord(context.Background(), &models.DriverReliabilityRecord{
		DriverID:       "d1",
		AccountStatus:  models.AccountSuspended,
		SuspendedUntil: &until,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.PostRide(context.Background(), PostRideRequest{
		DriverID:  "d1",
		Departure: time.Now().Add(24 * time.Hour),
	})
	var be *BlockedError
	if !errors.As(err, &be) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if be.Reason == "" {
		t.Fatal("blocked error carries no reason")
	}
}
