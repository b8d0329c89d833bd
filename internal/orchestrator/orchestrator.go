package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-marketplace/internal/apperrors"
	"github.com/example/ride-marketplace/internal/conflict"
	"github.com/example/ride-marketplace/internal/models"
	"github.com/example/ride-marketplace/internal/notify"
	"github.com/example/ride-marketplace/internal/observability"
	"github.com/example/ride-marketplace/internal/payments"
	"github.com/example/ride-marketplace/internal/reliability"
	"github.com/example/ride-marketplace/internal/storage"
)

// BlockedError is returned when the reliability gate refuses a ride posting.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return "driver blocked: " + e.Reason }

// ConflictError is returned when a proposed ride window overlaps the driver's
// existing schedule. The report carries the details for user messaging.
type ConflictError struct {
	Report conflict.Report
}

func (e *ConflictError) Error() string {
	if len(e.Report.Conflicts) == 0 {
		return "schedule conflict"
	}
	c := e.Report.Conflicts[0]
	return fmt.Sprintf("schedule conflict: %s with ride %s (%.0f min overlap)", c.Classification, c.Ride.ID, c.Minutes)
}

// CancellationFeed mirrors recorded cancellations to the event feed consumed
// by the penalty worker. Best effort.
type CancellationFeed interface {
	PublishCancellation(ctx context.Context, ev models.CancellationEvent)
}

// Service sequences the conflict resolver, the payment lifecycle and the
// reliability engine against the store. It is intentionally thin: no business
// rule lives here that is not pure call ordering, persistence, or retry.
type Service struct {
	Store       storage.Store
	Conflicts   *conflict.Resolver
	Payments    *payments.Lifecycle
	Reliability *reliability.Engine
	Notifier    notify.Notifier
	Feed        CancellationFeed // optional
	Logger      *slog.Logger

	Currency      string
	RetryAttempts int
	RetryBackoff  time.Duration
}

type PostRideRequest struct {
	DriverID     string
	FromLocation string
	ToLocation   string
	Origin       models.Coord
	Destination  models.Coord
	Departure    time.Time
	Arrival      *time.Time
	SeatsTotal   int
	PricePerSeat float64
}

// PostRide gates on driver reliability, checks the schedule and persists the
// ride. A missing reliability profile is provisioned once and re-checked,
// never looped.
func (s *Service) PostRide(ctx context.Context, req PostRideRequest) (*models.Ride, error) {
	dec, err := s.Reliability.CanDriverPost(ctx, req.DriverID)
	if apperrors.IsProfileProvisioning(err) {
		if perr := s.Reliability.ProvisionDefault(ctx, req.DriverID); perr != nil {
			return nil, perr
		}
		dec, err = s.Reliability.CanDriverPost(ctx, req.DriverID)
	}
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, &BlockedError{Reason: dec.Reason}
	}

	var arrival time.Time
	if req.Arrival != nil {
		arrival = *req.Arrival
	} else {
		arrival = req.Departure.Add(s.Conflicts.DefaultDuration)
	}
	report, err := s.Conflicts.CheckConflicts(ctx, req.DriverID, req.Departure, arrival, "")
	if err != nil {
		return nil, fmt.Errorf("conflict check: %w", err)
	}
	if report.ConflictExists {
		observability.ConflictsDetected.Inc()
		return nil, &ConflictError{Report: report}
	}

	now := time.Now()
	ride := &models.Ride{
		ID:           uuid.NewString(),
		DriverID:     req.DriverID,
		FromLocation: req.FromLocation,
		ToLocation:   req.ToLocation,
		Origin:       req.Origin,
		Destination:  req.Destination,
		Departure:    req.Departure,
		Arrival:      req.Arrival,
		SeatsTotal:   req.SeatsTotal,
		PricePerSeat: req.PricePerSeat,
		Status:       models.RideActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("persist ride: %w", err)
	}
	s.Logger.Info("ride posted", "ride_id", ride.ID, "driver_id", ride.DriverID, "departure", ride.Departure)
	return ride, nil
}

// EditRide re-runs the conflict check with the ride itself excluded, then
// applies the new window.
func (s *Service) EditRide(ctx context.Context, rideID, driverID string, departure time.Time, arrival *time.Time) (*models.Ride, error) {
	ride, err := s.Store.Ride(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, apperrors.Validation("driver_id", "ride belongs to another driver")
	}
	if ride.Status != models.RideActive {
		return nil, &apperrors.InvalidStateError{Entity: "ride", ID: rideID, State: string(ride.Status), Required: string(models.RideActive), Op: "EditRide"}
	}

	var end time.Time
	if arrival != nil {
		end = *arrival
	} else {
		end = departure.Add(s.Conflicts.DefaultDuration)
	}
	report, err := s.Conflicts.CheckConflicts(ctx, driverID, departure, end, rideID)
	if err != nil {
		return nil, fmt.Errorf("conflict check: %w", err)
	}
	if report.ConflictExists {
		observability.ConflictsDetected.Inc()
		return nil, &ConflictError{Report: report}
	}

	ride.Departure = departure
	ride.Arrival = arrival
	ride.UpdatedAt = time.Now()
	if err := s.Store.UpdateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("persist ride: %w", err)
	}
	return ride, nil
}

type BookingRequest struct {
	RideID      string
	PassengerID string
	Seats       int
	Processor   models.ProcessorKind
	PayerRef    string
}

// BookingResult carries the persisted booking plus the client confirmation
// token from the processor.
type BookingResult struct {
	Booking     *models.Booking
	ClientToken string
}

// RequestBooking creates a pending booking and places the payment hold. A
// failed authorization deletes the speculative booking so no orphaned pending
// bookings survive.
func (s *Service) RequestBooking(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	if req.Seats <= 0 {
		return nil, apperrors.Validation("seats", "must be > 0")
	}
	ride, err := s.Store.Ride(ctx, req.RideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideActive {
		return nil, &apperrors.InvalidStateError{Entity: "ride", ID: ride.ID, State: string(ride.Status), Required: string(models.RideActive), Op: "RequestBooking"}
	}
	if ride.DriverID == req.PassengerID {
		return nil, apperrors.Validation("passenger_id", "drivers cannot book their own rides")
	}

	now := time.Now()
	booking := &models.Booking{
		ID:            uuid.NewString(),
		RideID:        req.RideID,
		PassengerID:   req.PassengerID,
		Seats:         req.Seats,
		Amount:        ride.PricePerSeat * float64(req.Seats),
		Status:        models.BookingPending,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("persist booking: %w", err)
	}

	var auth *payments.AuthorizeResult
	err = s.withRetry(ctx, "authorize", func() error {
		var aerr error
		auth, aerr = s.Payments.Authorize(ctx, booking.ID, booking.Amount, s.Currency, req.PayerRef, req.Processor)
		return aerr
	})
	if err != nil {
		if derr := s.Store.DeleteBooking(ctx, booking.ID); derr != nil {
			s.Logger.Error("failed to delete booking after failed authorization", "booking_id", booking.ID, "error", derr)
		}
		return nil, err
	}

	booking.PaymentStatus = models.PaymentAuthorized
	booking.HoldID = auth.Hold.ID
	booking.UpdatedAt = time.Now()
	if err := s.Store.UpdateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("persist booking hold ref: %w", err)
	}
	s.Logger.Info("booking requested", "booking_id", booking.ID, "ride_id", ride.ID, "amount", booking.Amount, "processor", req.Processor)
	return &BookingResult{Booking: booking, ClientToken: auth.ClientToken}, nil
}

// DriverAccept captures the hold and confirms the booking. On capture failure
// the booking stays pending and the error is surfaced for the driver to
// retry; it is never silently confirmed.
func (s *Service) DriverAccept(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	booking, ride, err := s.bookingForDriver(ctx, bookingID, driverID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingPending {
		return nil, &apperrors.InvalidStateError{Entity: "booking", ID: bookingID, State: string(booking.Status), Required: string(models.BookingPending), Op: "DriverAccept"}
	}

	var capture *payments.CaptureResult
	err = s.withRetry(ctx, "capture", func() error {
		var cerr error
		capture, cerr = s.Payments.Capture(ctx, bookingID, 0)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	booking.Status = models.BookingConfirmed
	booking.PaymentStatus = models.PaymentPaid
	booking.UpdatedAt = time.Now()
	if err := s.Store.UpdateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("persist booking: %w", err)
	}
	earning := &models.DriverEarning{
		ID:        uuid.NewString(),
		DriverID:  ride.DriverID,
		BookingID: booking.ID,
		Amount:    capture.CapturedAmount,
		CreatedAt: capture.CapturedAt,
	}
	if err := s.Store.CreateEarning(ctx, earning); err != nil {
		return nil, fmt.Errorf("persist earning: %w", err)
	}
	s.notifyPassenger(ctx, booking, "booking_confirmed", "Your booking was confirmed by the driver.")
	return booking, nil
}

// DriverReject releases the hold (void or refund depending on its state) and
// marks the booking rejected.
func (s *Service) DriverReject(ctx context.Context, bookingID, driverID, reason string) (*models.Booking, error) {
	booking, _, err := s.bookingForDriver(ctx, bookingID, driverID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingPending {
		return nil, &apperrors.InvalidStateError{Entity: "booking", ID: bookingID, State: string(booking.Status), Required: string(models.BookingPending), Op: "DriverReject"}
	}

	if err := s.withRetry(ctx, "release", func() error {
		return s.Payments.Release(ctx, bookingID, reason)
	}); err != nil {
		return nil, err
	}

	booking.Status = models.BookingRejected
	booking.PaymentStatus = models.PaymentRefunded
	booking.UpdatedAt = time.Now()
	if err := s.Store.UpdateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("persist booking: %w", err)
	}
	s.notifyPassenger(ctx, booking, "booking_rejected", "The driver declined your booking. Your payment was released.")
	return booking, nil
}

// PassengerCancel releases the hold and marks the booking cancelled. Only
// allowed before the ride departs.
func (s *Service) PassengerCancel(ctx context.Context, bookingID, passengerID string) (*models.Booking, error) {
	booking, err := s.Store.Booking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.PassengerID != passengerID {
		return nil, apperrors.Validation("passenger_id", "booking belongs to another passenger")
	}
	if booking.Status != models.BookingPending && booking.Status != models.BookingConfirmed {
		return nil, &apperrors.InvalidStateError{Entity: "booking", ID: bookingID, State: string(booking.Status), Required: "pending or confirmed", Op: "PassengerCancel"}
	}
	ride, err := s.Store.Ride(ctx, booking.RideID)
	if err != nil {
		return nil, err
	}
	if !ride.Departure.After(time.Now()) {
		return nil, apperrors.Validation("departure", "ride has already started")
	}

	if err := s.withRetry(ctx, "release", func() error {
		return s.Payments.Release(ctx, bookingID, "passenger cancelled")
	}); err != nil {
		return nil, err
	}

	booking.Status = models.BookingCancelled
	booking.PaymentStatus = models.PaymentRefunded
	booking.UpdatedAt = time.Now()
	if err := s.Store.UpdateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("persist booking: %w", err)
	}
	return booking, nil
}

// CancelRide releases every open hold on the ride, cancels the ride and runs
// the cancellation through the reliability engine. If any release fails after
// retries the whole operation aborts and can be re-run: released holds are
// terminal and the sweep skips them.
func (s *Service) CancelRide(ctx context.Context, rideID, driverID string) (*reliability.Outcome, error) {
	ride, err := s.Store.Ride(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, apperrors.Validation("driver_id", "ride belongs to another driver")
	}
	if ride.Status == models.RideCancelled {
		return nil, &apperrors.InvalidStateError{Entity: "ride", ID: rideID, State: string(ride.Status), Required: string(models.RideActive), Op: "CancelRide"}
	}

	bookings, err := s.Store.BookingsByRide(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}
	for i := range bookings {
		b := &bookings[i]
		if b.Status == models.BookingCancelled || b.Status == models.BookingRejected {
			continue
		}
		if err := s.withRetry(ctx, "release", func() error {
			return s.Payments.Release(ctx, b.ID, "ride cancelled by driver")
		}); err != nil {
			return nil, fmt.Errorf("release booking %s: %w", b.ID, err)
		}
		b.Status = models.BookingCancelled
		b.PaymentStatus = models.PaymentRefunded
		b.UpdatedAt = time.Now()
		if err := s.Store.UpdateBooking(ctx, b); err != nil {
			return nil, fmt.Errorf("persist booking %s: %w", b.ID, err)
		}
		s.notifyPassenger(ctx, b, "ride_cancelled", "The driver cancelled this ride. Your payment was released.")
	}

	ride.Status = models.RideCancelled
	ride.UpdatedAt = time.Now()
	if err := s.Store.UpdateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("persist ride: %w", err)
	}

	outcome, err := s.Reliability.RecordCancellation(ctx, driverID, rideID)
	if err != nil {
		return nil, fmt.Errorf("record cancellation: %w", err)
	}
	if s.Feed != nil {
		s.Feed.PublishCancellation(ctx, models.CancellationEvent{
			ID:         uuid.NewString(),
			DriverID:   driverID,
			RideID:     rideID,
			OccurredAt: time.Now(),
		})
	}
	s.Logger.Info("ride cancelled by driver", "ride_id", rideID, "driver_id", driverID, "escalation", outcome.Level)
	return outcome, nil
}

// ClearDriverWarnings is the administrative override passthrough.
func (s *Service) ClearDriverWarnings(ctx context.Context, driverID string) error {
	return s.Reliability.ClearWarnings(ctx, driverID)
}

func (s *Service) bookingForDriver(ctx context.Context, bookingID, driverID string) (*models.Booking, *models.Ride, error) {
	booking, err := s.Store.Booking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	ride, err := s.Store.Ride(ctx, booking.RideID)
	if err != nil {
		return nil, nil, err
	}
	if ride.DriverID != driverID {
		return nil, nil, apperrors.Validation("driver_id", "booking belongs to another driver's ride")
	}
	return booking, ride, nil
}

// withRetry retries fn with doubling backoff, but only for transient
// failures. Validation, decline and invalid-state errors return immediately.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := s.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := s.RetryBackoff
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !apperrors.IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		s.Logger.Warn("transient failure, retrying", "op", op, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (s *Service) notifyPassenger(ctx context.Context, b *models.Booking, kind, msg string) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Notify(ctx, models.Notification{
		ID:      uuid.NewString(),
		UserID:  b.PassengerID,
		Type:    kind,
		Message: msg,
		Data: map[string]any{
			"booking_id": b.ID,
			"ride_id":    b.RideID,
		},
		CreatedAt: time.Now(),
	})
}
