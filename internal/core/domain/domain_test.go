package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestLocationSample_Validate(t *testing.T) {
	valid := LocationSample{
		VehicleID: "veh-1",
		Latitude:  19.4326,
		Longitude: -99.1332,
		Timestamp: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name    string
		mutate  func(*LocationSample)
		wantErr bool
	}{
		{"valid", func(*LocationSample) {}, false},
		{"north pole", func(s *LocationSample) { s.Latitude = 90 }, false},
		{"antimeridian", func(s *LocationSample) { s.Longitude = 180 }, false},
		{"latitude too high", func(s *LocationSample) { s.Latitude = 90.000001 }, true},
		{"latitude too low", func(s *LocationSample) { s.Latitude = -91 }, true},
		{"longitude too high", func(s *LocationSample) { s.Longitude = 180.1 }, true},
		{"blank vehicle", func(s *LocationSample) { s.VehicleID = "  " }, true},
		{"zero timestamp", func(s *LocationSample) { s.Timestamp = time.Time{} }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := valid
			tc.mutate(&s)
			err := s.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidSample) {
					t.Fatalf("expected ErrInvalidSample, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDistanceMeters(t *testing.T) {
	tests := []struct {
		name string
		a, b Coordinates
		want float64
		tol  float64
	}{
		{"same point", Coordinates{19.43, -99.13}, Coordinates{19.43, -99.13}, 0, 0.001},
		{"one degree of latitude", Coordinates{0, 0}, Coordinates{1, 0}, 111195, 1},
		{"one degree of longitude at the equator", Coordinates{0, 0}, Coordinates{0, 1}, 111195, 1},
		// Zócalo to Ángel de la Independencia, roughly 3.7 km.
		{"mexico city", Coordinates{19.4326, -99.1332}, Coordinates{19.4270, -99.1677}, 3670, 50},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DistanceMeters(tc.a, tc.b)
			if math.Abs(got-tc.want) > tc.tol {
				t.Fatalf("expected %.1f±%.1f, got %.1f", tc.want, tc.tol, got)
			}
			if back := DistanceMeters(tc.b, tc.a); math.Abs(back-got) > 1e-6 {
				t.Fatalf("distance is not symmetric: %.6f vs %.6f", got, back)
			}
		})
	}
}

func TestGeofenceZone_Validate(t *testing.T) {
	for _, r := range []float64{100, 250, 5000} {
		if err := (GeofenceZone{ID: "z", RadiusMeters: r}).Validate(); err != nil {
			t.Errorf("radius %.0f: unexpected error %v", r, err)
		}
	}
	for _, r := range []float64{0, 99.9, 5000.1} {
		if err := (GeofenceZone{ID: "z", RadiusMeters: r}).Validate(); !errors.Is(err, ErrZoneRadiusOutOfRange) {
			t.Errorf("radius %.1f: expected ErrZoneRadiusOutOfRange, got %v", r, err)
		}
	}
}

func TestEntryState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to EntryState
		want     bool
	}{
		{EntryPending, EntryPending, true},
		{EntryPending, EntrySent, true},
		{EntryPending, EntryFailed, true},
		{EntrySent, EntryPending, false},
		{EntrySent, EntryFailed, false},
		{EntryFailed, EntryPending, false},
		{EntryFailed, EntrySent, false},
	}

	for _, tc := range tests {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestIngestOutcome_Terminal(t *testing.T) {
	if OutcomeAccepted.Terminal() {
		t.Error("accepted is not a terminal rejection")
	}
	if !OutcomeRejectedTooFrequent.Terminal() || !OutcomeRejectedInvalid.Terminal() {
		t.Error("rejections must be terminal")
	}
}

func TestSubscription_Matches(t *testing.T) {
	all := Subscription{}
	if !all.Matches("veh-1") {
		t.Error("empty filter must match every vehicle")
	}

	some := Subscription{VehicleFilter: []string{"veh-1", "veh-3"}}
	if !some.Matches("veh-3") || some.Matches("veh-2") {
		t.Error("filter must match only listed vehicles")
	}

	wildcard := Subscription{VehicleFilter: []string{"*"}}
	if !wildcard.Matches("veh-9") {
		t.Error("wildcard must match every vehicle")
	}
}
