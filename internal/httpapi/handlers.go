package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-marketplace/internal/apperrors"
	"github.com/example/ride-marketplace/internal/models"
	"github.com/example/ride-marketplace/internal/notify"
	"github.com/example/ride-marketplace/internal/orchestrator"
	"github.com/example/ride-marketplace/internal/payments"
	"github.com/example/ride-marketplace/internal/reliability"
	"github.com/example/ride-marketplace/internal/storage"
)

type Server struct {
	Orchestrator *orchestrator.Service
	Payments     *payments.Lifecycle
	Reliability  *reliability.Engine
	WSReg        *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(orch *orchestrator.Service, lc *payments.Lifecycle, eng *reliability.Engine, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Orchestrator: orch,
		Payments:     lc,
		Reliability:  eng,
		WSReg:        wsreg,
		logger:       logger,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handlePostRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleEditRide).Methods("PATCH")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings", s.handleRequestBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/cancel", s.handlePassengerCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}/payment", s.handlePaymentStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/status", s.handleDriverStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/admin/drivers/{driver_id}/warnings", s.handleClearWarnings).Methods("DELETE")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type postRideBody struct {
	DriverID     string       `json:"driver_id"`
	FromLocation string       `json:"from_location"`
	ToLocation   string       `json:"to_location"`
	Origin       models.Coord `json:"origin"`
	Destination  models.Coord `json:"destination"`
	Departure    time.Time    `json:"departure"`
	Arrival      *time.Time   `json:"arrival,omitempty"`
	SeatsTotal   int          `json:"seats_total"`
	PricePerSeat float64      `json:"price_per_seat"`
}

func (s *Server) handlePostRide(w http.ResponseWriter, r *http.Request) {
	var body postRideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	if body.DriverID == "" {
		writeError(w, apperrors.Validation("driver_id", "required"))
		return
	}
	ride, err := s.Orchestrator.PostRide(r.Context(), orchestrator.PostRideRequest{
		DriverID:     body.DriverID,
		FromLocation: body.FromLocation,
		ToLocation:   body.ToLocation,
		Origin:       body.Origin,
		Destination:  body.Destination,
		Departure:    body.Departure,
		Arrival:      body.Arrival,
		SeatsTotal:   body.SeatsTotal,
		PricePerSeat: body.PricePerSeat,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

type editRideBody struct {
	DriverID  string     `json:"driver_id"`
	Departure time.Time  `json:"departure"`
	Arrival   *time.Time `json:"arrival,omitempty"`
}

func (s *Server) handleEditRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body editRideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	ride, err := s.Orchestrator.EditRide(r.Context(), rideID, body.DriverID, body.Departure, body.Arrival)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRideBody struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body cancelRideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	outcome, err := s.Orchestrator.CancelRide(r.Context(), rideID, body.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ride_id":           rideID,
		"escalation":        outcome.Level,
		"cancellations_30d": outcome.Count,
		"suspended_until":   outcome.SuspendedUntil,
	})
}

type bookingBody struct {
	RideID      string               `json:"ride_id"`
	PassengerID string               `json:"passenger_id"`
	Seats       int                  `json:"seats"`
	Processor   models.ProcessorKind `json:"processor"`
	PayerRef    string               `json:"payer_ref"`
}

func (s *Server) handleRequestBooking(w http.ResponseWriter, r *http.Request) {
	var body bookingBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	if body.Processor == "" {
		body.Processor = models.ProcessorStripe
	}
	res, err := s.Orchestrator.RequestBooking(r.Context(), orchestrator.BookingRequest{
		RideID:      body.RideID,
		PassengerID: body.PassengerID,
		Seats:       body.Seats,
		Processor:   body.Processor,
		PayerRef:    body.PayerRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"booking":      res.Booking,
		"client_token": res.ClientToken,
	})
}

type driverActionBody struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["booking_id"]
	var body driverActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	booking, err := s.Orchestrator.DriverAccept(r.Context(), bookingID, body.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["booking_id"]
	var body driverActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	booking, err := s.Orchestrator.DriverReject(r.Context(), bookingID, body.DriverID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

type passengerActionBody struct {
	PassengerID string `json:"passenger_id"`
}

func (s *Server) handlePassengerCancel(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["booking_id"]
	var body passengerActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	booking, err := s.Orchestrator.PassengerCancel(r.Context(), bookingID, body.PassengerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["booking_id"]
	hold, err := s.Payments.Retrieve(r.Context(), bookingID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	dec, err := s.Reliability.CanDriverPost(r.Context(), driverID)
	if apperrors.IsProfileProvisioning(err) {
		writeJSON(w, http.StatusOK, map[string]any{"driver_id": driverID, "can_post": true, "profile": "unprovisioned"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"driver_id": driverID,
		"can_post":  dec.Allowed,
		"reason":    dec.Reason,
	})
}

func (s *Server) handleClearWarnings(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if err := s.Orchestrator.ClearDriverWarnings(r.Context(), driverID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Conflict reports are
// returned in full so clients can show which ride overlaps and how.
func writeError(w http.ResponseWriter, err error) {
	var (
		blocked  *orchestrator.BlockedError
		conflict *orchestrator.ConflictError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": conflict.Error(), "conflicts": conflict.Report.Conflicts})
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": blocked.Error(), "reason": blocked.Reason})
	case apperrors.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case apperrors.IsInvalidState(err):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case apperrors.IsDeclined(err):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": err.Error()})
	case apperrors.IsTransient(err):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporarily unavailable, retry"})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}
