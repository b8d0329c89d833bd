package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-marketplace/internal/models"
)

var day = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func ride(id string, start, end time.Time) models.Ride {
	return models.Ride{ID: id, DriverID: "d1", Departure: start, Arrival: &end, Status: models.RideActive}
}

func TestCheckStartsDuringSixtyMinutes(t *testing.T) {
	existing := ride("r1", at(11, 0), at(13, 0))
	rep := Check([]models.Ride{existing}, at(10, 0), at(12, 0), "", 3*time.Hour)
	if !rep.ConflictExists {
		t.Fatal("expected conflict")
	}
	c := rep.Conflicts[0]
	if c.Classification != EndsDuring {
		t.Fatalf("expected ends_during, got %s", c.Classification)
	}
	if c.Minutes != 60 {
		t.Fatalf("expected 60 overlap minutes, got %f", c.Minutes)
	}
	if !c.SameDay {
		t.Fatal("expected same_day flag")
	}
}

func TestCheckClassifications(t *testing.T) {
	cases := []struct {
		name               string
		exStart, exEnd     time.Time
		propStart, propEnd time.Time
		want               Classification
	}{
		{"existing covers new", at(9, 0), at(14, 0), at(10, 0), at(12, 0), ExistingCoversNew},
		{"new covers existing", at(10, 0), at(11, 0), at(9, 0), at(12, 0), NewCoversExisting},
		{"starts during", at(9, 0), at(11, 0), at(10, 0), at(12, 0), StartsDuring},
		{"ends during", at(11, 0), at(13, 0), at(10, 0), at(12, 0), EndsDuring},
		{"identical windows", at(10, 0), at(12, 0), at(10, 0), at(12, 0), ExistingCoversNew},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := Check([]models.Ride{ride("r1", tc.exStart, tc.exEnd)}, tc.propStart, tc.propEnd, "", 3*time.Hour)
			if !rep.ConflictExists {
				t.Fatal("expected conflict")
			}
			if got := rep.Conflicts[0].Classification; got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCheckNoOverlap(t *testing.T) {
	existing := ride("r1", at(13, 0), at(15, 0))
	rep := Check([]models.Ride{existing}, at(10, 0), at(12, 0), "", 3*time.Hour)
	if rep.ConflictExists {
		t.Fatalf("expected no conflict, got %+v", rep.Conflicts)
	}
}

func TestCheckTouchingWindowsDoNotConflict(t *testing.T) {
	// back-to-back rides share an instant but zero overlap minutes
	existing := ride("r1", at(12, 0), at(14, 0))
	rep := Check([]models.Ride{existing}, at(10, 0), at(12, 0), "", 3*time.Hour)
	if rep.ConflictExists {
		t.Fatal("expected no conflict for adjacent windows")
	}
}

func TestCheckInvalidWindowFailsClosed(t *testing.T) {
	rep := Check(nil, at(12, 0), at(10, 0), "", 3*time.Hour)
	if !rep.ConflictExists {
		t.Fatal("inverted window must be unschedulable")
	}
	if rep.Conflicts[0].Classification != InvalidTimeWindow {
		t.Fatalf("expected invalid_time_window, got %s", rep.Conflicts[0].Classification)
	}
}

func TestCheckExcludeRideIDIsReflexiveSafe(t *testing.T) {
	existing := ride("r1", at(10, 0), at(12, 0))
	rep := Check([]models.Ride{existing}, at(10, 0), at(12, 0), "r1", 3*time.Hour)
	if rep.ConflictExists {
		t.Fatal("a ride must not conflict with itself when excluded")
	}
}

func TestCheckNilArrivalUsesDefaultDuration(t *testing.T) {
	existing := models.Ride{ID: "r1", Departure: at(10, 0), Status: models.RideActive}
	rep := Check([]models.Ride{existing}, at(12, 0), at(14, 0), "", 3*time.Hour)
	if !rep.ConflictExists {
		t.Fatal("open-ended ride should cover departure+3h")
	}
	if rep.Conflicts[0].Minutes != 60 {
		t.Fatalf("expected 60 overlap minutes, got %f", rep.Conflicts[0].Minutes)
	}
}

func TestCheckPrimaryConflictHasLargestOverlap(t *testing.T) {
	small := ride("small", at(11, 30), at(13, 0))
	big := ride("big", at(10, 0), at(12, 0))
	rep := Check([]models.Ride{small, big}, at(10, 0), at(12, 0), "", 3*time.Hour)
	if len(rep.Conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %d", len(rep.Conflicts))
	}
	if rep.Conflicts[0].Ride.ID != "big" {
		t.Fatalf("expected primary conflict big, got %s", rep.Conflicts[0].Ride.ID)
	}
}

func TestCheckSkipsCancelledRides(t *testing.T) {
	cancelled := ride("r1", at(10, 0), at(12, 0))
	cancelled.Status = models.RideCancelled
	rep := Check([]models.Ride{cancelled}, at(10, 0), at(12, 0), "", 3*time.Hour)
	if rep.ConflictExists {
		t.Fatal("cancelled rides must not conflict")
	}
}

type fakeRides struct{ rides []models.Ride }

func (f *fakeRides) ActiveRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	return f.rides, nil
}

func TestResolverCheckConflicts(t *testing.T) {
	src := &fakeRides{rides: []models.Ride{ride("r1", at(11, 0), at(13, 0))}}
	res := &Resolver{Rides: src, DefaultDuration: 3 * time.Hour}
	rep, err := res.CheckConflicts(context.Background(), "d1", at(10, 0), at(12, 0), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rep.ConflictExists {
		t.Fatal("expected conflict")
	}
}
