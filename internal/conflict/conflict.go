package conflict

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-marketplace/internal/models"
)

type Classification string

const (
	ExistingCoversNew Classification = "existing_covers_new"
	NewCoversExisting Classification = "new_covers_existing"
	StartsDuring      Classification = "starts_during"
	EndsDuring        Classification = "ends_during"
	PartialOverlap    Classification = "partial_overlap"
	InvalidTimeWindow Classification = "invalid_time_window"
)

// Overlap describes one existing ride that collides with a proposed window.
type Overlap struct {
	Ride           models.Ride    `json:"ride"`
	Classification Classification `json:"classification"`
	OverlapStart   time.Time      `json:"overlap_start"`
	OverlapEnd     time.Time      `json:"overlap_end"`
	Minutes        float64        `json:"overlap_minutes"`
	SameDay        bool           `json:"same_day"` // informational only, never a trigger by itself
}

// Report is ephemeral; it is never persisted.
type Report struct {
	ConflictExists bool      `json:"conflict_exists"`
	Conflicts      []Overlap `json:"conflicts,omitempty"`
}

// Check classifies a proposed [departure, arrival) window against a list of
// candidate rides. It is a pure function: candidates are fetched separately so
// the classification is testable without a store. Rides whose arrival is nil
// are assumed to run for defaultDuration. An inverted or empty window is
// unschedulable and reported as a synthetic invalid_time_window conflict.
func Check(candidates []models.Ride, departure, arrival time.Time, excludeRideID string, defaultDuration time.Duration) Report {
	if departure.IsZero() || arrival.IsZero() || !arrival.After(departure) {
		return Report{
			ConflictExists: true,
			Conflicts:      []Overlap{{Classification: InvalidTimeWindow}},
		}
	}

	var found []Overlap
	for _, r := range candidates {
		if r.ID == excludeRideID || r.Status == models.RideCancelled {
			continue
		}
		start := r.Departure
		end := rideEnd(r, defaultDuration)

		ovStart := maxTime(departure, start)
		ovEnd := minTime(arrival, end)
		minutes := ovEnd.Sub(ovStart).Minutes()
		if minutes <= 0 {
			continue
		}
		found = append(found, Overlap{
			Ride:           r,
			Classification: classify(departure, arrival, start, end),
			OverlapStart:   ovStart,
			OverlapEnd:     ovEnd,
			Minutes:        minutes,
			SameDay:        sameDay(departure, start),
		})
	}
	// primary conflict first: the one the user is told about
	sort.Slice(found, func(i, j int) bool { return found[i].Minutes > found[j].Minutes })

	return Report{ConflictExists: len(found) > 0, Conflicts: found}
}

func classify(propStart, propEnd, exStart, exEnd time.Time) Classification {
	switch {
	case !propStart.Before(exStart) && !propEnd.After(exEnd):
		return ExistingCoversNew
	case !exStart.Before(propStart) && !exEnd.After(propEnd):
		return NewCoversExisting
	case propStart.After(exStart) && propStart.Before(exEnd):
		return StartsDuring
	case propEnd.After(exStart) && propEnd.Before(exEnd):
		return EndsDuring
	default:
		return PartialOverlap
	}
}

func rideEnd(r models.Ride, defaultDuration time.Duration) time.Time {
	if r.Arrival != nil {
		return *r.Arrival
	}
	return r.Departure.Add(defaultDuration)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// RideSource supplies a driver's non-cancelled rides for overlap checks.
type RideSource interface {
	ActiveRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error)
}

// Resolver fetches candidates and runs Check. It performs no writes.
type Resolver struct {
	Rides           RideSource
	DefaultDuration time.Duration
}

func (r *Resolver) CheckConflicts(ctx context.Context, driverID string, departure, arrival time.Time, excludeRideID string) (Report, error) {
	dur := r.DefaultDuration
	if dur <= 0 {
		dur = 3 * time.Hour
	}
	if departure.IsZero() || arrival.IsZero() || !arrival.After(departure) {
		return Check(nil, departure, arrival, excludeRideID, dur), nil
	}
	rides, err := r.Rides.ActiveRidesByDriver(ctx, driverID)
	if err != nil {
		return Report{}, err
	}
	return Check(rides, departure, arrival, excludeRideID, dur), nil
}
