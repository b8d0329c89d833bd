package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-marketplace/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines persistence for the marketplace core. PostgresStore is the
// production implementation; MemoryStore backs tests and local runs.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	Ride(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride) error
	ActiveRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error)

	CreateBooking(ctx context.Context, b *models.Booking) error
	Booking(ctx context.Context, id string) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking) error
	DeleteBooking(ctx context.Context, id string) error
	BookingsByRide(ctx context.Context, rideID string) ([]models.Booking, error)
	SetBookingPaymentStatus(ctx context.Context, bookingID string, status models.PaymentStatus) error

	CreateHold(ctx context.Context, h *models.PaymentHold) error
	HoldByBooking(ctx context.Context, bookingID string) (*models.PaymentHold, error)
	UpdateHold(ctx context.Context, h *models.PaymentHold) error

	WithDriverTx(ctx context.Context, driverID string, fn func(ctx context.Context) error) error
	AppendCancellation(ctx context.Context, ev models.CancellationEvent) error
	CountCancellationsSince(ctx context.Context, driverID string, since time.Time) (int, error)
	ReliabilityRecord(ctx context.Context, driverID string) (*models.DriverReliabilityRecord, error)
	SaveReliabilityRecord(ctx context.Context, rec *models.DriverReliabilityRecord) error

	CreateEarning(ctx context.Context, e *models.DriverEarning) error
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	rides     map[string]*models.Ride
	bookings  map[string]*models.Booking
	holds     map[string][]*models.PaymentHold // by booking id, newest last
	events    []models.CancellationEvent
	records   map[string]*models.DriverReliabilityRecord
	earnings  []models.DriverEarning
	driverTxs sync.Map // driver id -> *sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		bookings: make(map[string]*models.Booking),
		holds:    make(map[string][]*models.PaymentHold),
		records:  make(map[string]*models.DriverReliabilityRecord),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Ride(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ActiveRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID && r.Status != models.RideCancelled {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Departure.Before(out[j].Departure) })
	return out, nil
}

func (m *MemoryStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Booking(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteBooking(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bookings, id)
	return nil
}

func (m *MemoryStore) BookingsByRide(ctx context.Context, rideID string) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Booking
	for _, b := range m.bookings {
		if b.RideID == rideID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetBookingPaymentStatus(ctx context.Context, bookingID string, status models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	b.PaymentStatus = status
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateHold(ctx context.Context, h *models.PaymentHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.holds[h.BookingID] = append(m.holds[h.BookingID], &cp)
	return nil
}

// HoldByBooking returns the most recent hold for the booking, nil if none.
func (m *MemoryStore) HoldByBooking(ctx context.Context, bookingID string) (*models.PaymentHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hs := m.holds[bookingID]
	if len(hs) == 0 {
		return nil, nil
	}
	cp := *hs[len(hs)-1]
	return &cp, nil
}

func (m *MemoryStore) UpdateHold(ctx context.Context, h *models.PaymentHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.holds[h.BookingID]
	for i, old := range hs {
		if old.ID == h.ID {
			cp := *h
			hs[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

// WithDriverTx serializes per driver with a keyed mutex; the memory store has
// no real transactions.
func (m *MemoryStore) WithDriverTx(ctx context.Context, driverID string, fn func(ctx context.Context) error) error {
	v, _ := m.driverTxs.LoadOrStore(driverID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func (m *MemoryStore) AppendCancellation(ctx context.Context, ev models.CancellationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) CountCancellationsSince(ctx context.Context, driverID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ev := range m.events {
		if ev.DriverID == driverID && !ev.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CancellationsByDriver(ctx context.Context, driverID string) ([]models.CancellationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CancellationEvent
	for _, ev := range m.events {
		if ev.DriverID == driverID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (m *MemoryStore) ReliabilityRecord(ctx context.Context, driverID string) (*models.DriverReliabilityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[driverID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) SaveReliabilityRecord(ctx context.Context, rec *models.DriverReliabilityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.DriverID] = &cp
	return nil
}

func (m *MemoryStore) CreateEarning(ctx context.Context, e *models.DriverEarning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earnings = append(m.earnings, *e)
	return nil
}

// Earnings returns a copy of recorded earnings, for tests.
func (m *MemoryStore) Earnings() []models.DriverEarning {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverEarning, len(m.earnings))
	copy(out, m.earnings)
	return out
}
