package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-marketplace/internal/apperrors"
	"github.com/example/ride-marketplace/internal/conflict"
	"github.com/example/ride-marketplace/internal/models"
	"github.com/example/ride-marketplace/internal/notify"
	"github.com/example/ride-marketplace/internal/orchestrator"
	"github.com/example/ride-marketplace/internal/payments"
	"github.com/example/ride-marketplace/internal/reliability"
	"github.com/example/ride-marketplace/internal/storage"
)

type okProcessor struct {
	failAuth error
	n        int
}

func (p *okProcessor) Kind() models.ProcessorKind { return models.ProcessorStripe }

func (p *okProcessor) Authorize(ctx context.Context, req payments.AuthorizeRequest) (payments.ProcessorHold, error) {
	if p.failAuth != nil {
		return payments.ProcessorHold{}, p.failAuth
	}
	p.n++
	return payments.ProcessorHold{Ref: fmt.Sprintf("ref-%d", p.n), ClientToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *okProcessor) Capture(ctx context.Context, ref string, amountMinor int64, idempotencyKey string) error {
	return nil
}

func (p *okProcessor) Cancel(ctx context.Context, ref, reason string) error { return nil }

func (p *okProcessor) Refund(ctx context.Context, ref string, amountMinor int64, reason, idempotencyKey string) error {
	return nil
}

func (p *okProcessor) Retrieve(ctx context.Context, ref string) (string, error) {
	return "requires_capture", nil
}

func newTestServer(t *testing.T) (*Server, *okProcessor) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := &okProcessor{}
	lc := payments.NewLifecycle(store, store, payments.NewKeyedMutex(), logger, time.Second, proc)
	eng := &reliability.Engine{Store: store, Logger: logger, Now: time.Now}
	orch := &orchestrator.Service{
		Store:         store,
		Conflicts:     &conflict.Resolver{Rides: store, DefaultDuration: 3 * time.Hour},
		Payments:      lc,
		Reliability:   eng,
		Logger:        logger,
		Currency:      "usd",
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	}
	return NewServer(orch, lc, eng, notify.NewWSRegistry(logger), logger), proc
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func postTestRide(t *testing.T, srv *Server, driverID string, dep time.Time) models.Ride {
	t.Helper()
	arr := dep.Add(2 * time.Hour)
	w := doJSON(t, srv, "POST", "/api/v1/rides", map[string]any{
		"driver_id":      driverID,
		"from_location":  "Pune",
		"to_location":    "Mumbai",
		"departure":      dep,
		"arrival":        arr,
		"seats_total":    3,
		"price_per_seat": 12.5,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("post ride status = %d, body %s", w.Code, w.Body.String())
	}
	var ride models.Ride
	if err := json.Unmarshal(w.Body.Bytes(), &ride); err != nil {
		t.Fatal(err)
	}
	return ride
}

func TestPostRideEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ride := postTestRide(t, srv, "d1", time.Now().Add(24*time.Hour))
	if ride.ID == "" || ride.Status != models.RideActive {
		t.Fatalf("unexpected ride %+v", ride)
	}
}

func TestPostRideConflictReturns409WithReport(t *testing.T) {
	srv, _ := newTestServer(t)
	dep := time.Now().Add(24 * time.Hour)
	postTestRide(t, srv, "d1", dep)

	arr := dep.Add(time.Hour)
	w := doJSON(t, srv, "POST", "/api/v1/rides", map[string]any{
		"driver_id": "d1",
		"departure": dep.Add(30 * time.Minute),
		"arrival":   arr,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var resp struct {
		Conflicts []conflict.Overlap `json:"conflicts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(resp.Conflicts))
	}
}

func TestBookingLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	ride := postTestRide(t, srv, "d1", time.Now().Add(24*time.Hour))

	w := doJSON(t, srv, "POST", "/api/v1/bookings", map[string]any{
		"ride_id":      ride.ID,
		"passenger_id": "p1",
		"seats":        2,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("booking status = %d, body %s", w.Code, w.Body.String())
	}
	var created struct {
		Booking     models.Booking `json:"booking"`
		ClientToken string         `json:"client_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ClientToken == "" || created.Booking.PaymentStatus != models.PaymentAuthorized {
		t.Fatalf("unexpected booking response %+v", created)
	}

	w = doJSON(t, srv, "POST", "/api/v1/bookings/"+created.Booking.ID+"/accept", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body %s", w.Code, w.Body.String())
	}
	var confirmed models.Booking
	if err := json.Unmarshal(w.Body.Bytes(), &confirmed); err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != models.BookingConfirmed || confirmed.PaymentStatus != models.PaymentPaid {
		t.Fatalf("booking = %s/%s", confirmed.Status, confirmed.PaymentStatus)
	}

	// A second accept hits the captured hold and maps to 409.
	w = doJSON(t, srv, "POST", "/api/v1/bookings/"+created.Booking.ID+"/accept", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second accept status = %d, want 409", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/bookings/"+created.Booking.ID+"/payment", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("payment status = %d", rec.Code)
	}
	var hold models.PaymentHold
	if err := json.Unmarshal(rec.Body.Bytes(), &hold); err != nil {
		t.Fatal(err)
	}
	if hold.Status != models.HoldCaptured {
		t.Fatalf("hold status = %s, want captured", hold.Status)
	}
}

func TestBookingDeclineMapsTo402(t *testing.T) {
	srv, proc := newTestServer(t)
	ride := postTestRide(t, srv, "d1", time.Now().Add(24*time.Hour))
	proc.failAuth = &apperrors.DeclinedError{Code: "card_declined", Reason: "insufficient funds"}

	w := doJSON(t, srv, "POST", "/api/v1/bookings", map[string]any{
		"ride_id":      ride.ID,
		"passenger_id": "p1",
		"seats":        1,
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
}

func TestDriverStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	postTestRide(t, srv, "d1", time.Now().Add(24*time.Hour))

	req := httptest.NewRequest("GET", "/api/v1/drivers/d1/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		CanPost bool `json:"can_post"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.CanPost {
		t.Fatal("fresh driver should be allowed to post")
	}
}

func TestUnknownRideReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, "POST", "/api/v1/bookings", map[string]any{
		"ride_id":      "missing",
		"passenger_id": "p1",
		"seats":        1,
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
