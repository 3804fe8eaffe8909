package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

type staticZones []domain.GeofenceZone

func (z staticZones) Zones() []domain.GeofenceZone { return z }

type stubMembershipRepo struct {
	states    map[membershipKey]domain.MembershipState
	upsertErr error
}

func newStubMembershipRepo() *stubMembershipRepo {
	return &stubMembershipRepo{states: make(map[membershipKey]domain.MembershipState)}
}

func (r *stubMembershipRepo) Find(_ context.Context, vehicleID, zoneID string) (*domain.MembershipState, error) {
	s, ok := r.states[membershipKey{vehicleID, zoneID}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *stubMembershipRepo) Upsert(_ context.Context, s domain.MembershipState) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.states[membershipKey{s.VehicleID, s.ZoneID}] = s
	return nil
}

type stubEventRepo struct {
	inserted  []domain.GeofenceEvent
	insertErr error
}

func (r *stubEventRepo) Insert(_ context.Context, ev domain.GeofenceEvent) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, ev)
	return nil
}

// metersPerDegreeLat matches the haversine earth radius used by the domain.
const metersPerDegreeLat = 2 * 3.141592653589793 * 6371000 / 360

var depot = domain.GeofenceZone{
	ID:           "depot-north",
	Name:         "Depot North",
	Center:       domain.Coordinates{Lat: 19.4326, Lng: -99.1332},
	RadiusMeters: 200,
}

// northOf returns a sample distance meters due north of the depot center.
func northOf(distance float64, at time.Duration) domain.LocationSample {
	return domain.LocationSample{
		VehicleID: "veh-1",
		Latitude:  depot.Center.Lat + distance/metersPerDegreeLat,
		Longitude: depot.Center.Lng,
		Timestamp: t0.Add(at),
	}
}

func newTestGeofence(cfg GeofenceConfig) (*geofenceService, *stubMembershipRepo, *stubEventRepo) {
	memberships := newStubMembershipRepo()
	events := &stubEventRepo{}
	svc := NewGeofenceService(staticZones{depot}, memberships, events, cfg, zerolog.Nop()).(*geofenceService)
	return svc, memberships, events
}

func evaluate(t *testing.T, svc *geofenceService, s domain.LocationSample) []domain.GeofenceEvent {
	t.Helper()
	events, err := svc.Evaluate(context.Background(), s)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return events
}

func TestGeofence_EnterThenExitWithHysteresis(t *testing.T) {
	svc, memberships, audit := newTestGeofence(GeofenceConfig{HysteresisRatio: 0.05})

	// Radius 200m, band 10m.
	steps := []struct {
		distance float64
		want     domain.Transition
	}{
		{500, ""},
		{150, domain.TransitionEntered},
		{205, ""}, // outside but inside the band
		{195, ""},
		{208, ""},
		{260, domain.TransitionExited},
		{250, ""},
	}

	for i, step := range steps {
		events := evaluate(t, svc, northOf(step.distance, time.Duration(i)*time.Minute))
		switch {
		case step.want == "" && len(events) != 0:
			t.Fatalf("step %d (%.0fm): unexpected events %+v", i, step.distance, events)
		case step.want != "" && (len(events) != 1 || events[0].Transition != step.want):
			t.Fatalf("step %d (%.0fm): expected %s, got %+v", i, step.distance, step.want, events)
		}
	}

	if len(audit.inserted) != 2 {
		t.Errorf("expected 2 audited events, got %d", len(audit.inserted))
	}
	state := memberships.states[membershipKey{"veh-1", depot.ID}]
	if state.IsInside {
		t.Errorf("expected final membership outside")
	}
	if !state.LastTransitionAt.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("unexpected last transition %s", state.LastTransitionAt)
	}
}

func TestGeofence_EntryInsideBandIsHeld(t *testing.T) {
	svc, _, _ := newTestGeofence(GeofenceConfig{HysteresisRatio: 0.05})

	if events := evaluate(t, svc, northOf(195, 0)); len(events) != 0 {
		t.Fatalf("entering within the band must not flip, got %+v", events)
	}
	events := evaluate(t, svc, northOf(185, time.Minute))
	if len(events) != 1 || events[0].Transition != domain.TransitionEntered {
		t.Fatalf("expected entered, got %+v", events)
	}
	if events[0].ZoneID != depot.ID || events[0].VehicleID != "veh-1" {
		t.Errorf("unexpected event identity %+v", events[0])
	}
}

func TestGeofence_ReevaluationIsIdempotent(t *testing.T) {
	svc, _, audit := newTestGeofence(GeofenceConfig{})

	s := northOf(100, 0)
	if events := evaluate(t, svc, s); len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events := evaluate(t, svc, s); len(events) != 0 {
		t.Fatalf("same sample twice must not emit again, got %+v", events)
	}

	older := northOf(400, -time.Minute)
	if events := evaluate(t, svc, older); len(events) != 0 {
		t.Fatalf("older sample must be ignored, got %+v", events)
	}
	if len(audit.inserted) != 1 {
		t.Errorf("expected 1 audited event, got %d", len(audit.inserted))
	}
}

func TestGeofence_ConfirmationSamples(t *testing.T) {
	svc, _, _ := newTestGeofence(GeofenceConfig{HysteresisRatio: 0.05, ConfirmationSamples: 2})

	if events := evaluate(t, svc, northOf(100, 0)); len(events) != 0 {
		t.Fatalf("first sample inside must wait for confirmation, got %+v", events)
	}
	// A jitter back out resets the streak.
	if events := evaluate(t, svc, northOf(400, time.Minute)); len(events) != 0 {
		t.Fatalf("unexpected events %+v", events)
	}
	if events := evaluate(t, svc, northOf(100, 2*time.Minute)); len(events) != 0 {
		t.Fatalf("streak should have restarted, got %+v", events)
	}
	events := evaluate(t, svc, northOf(90, 3*time.Minute))
	if len(events) != 1 || events[0].Transition != domain.TransitionEntered {
		t.Fatalf("expected entered on second confirming sample, got %+v", events)
	}
	if !events[0].At.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("event must carry the confirming sample time, got %s", events[0].At)
	}
}

func TestGeofence_StateSurvivesRestart(t *testing.T) {
	svc, memberships, _ := newTestGeofence(GeofenceConfig{})
	evaluate(t, svc, northOf(100, 0))

	restarted := NewGeofenceService(staticZones{depot}, memberships, &stubEventRepo{}, GeofenceConfig{}, zerolog.Nop()).(*geofenceService)

	if events := evaluate(t, restarted, northOf(120, time.Minute)); len(events) != 0 {
		t.Fatalf("restored inside state must not re-enter, got %+v", events)
	}
	events := evaluate(t, restarted, northOf(400, 2*time.Minute))
	if len(events) != 1 || events[0].Transition != domain.TransitionExited {
		t.Fatalf("expected exited, got %+v", events)
	}
}

func TestGeofence_MultipleZones(t *testing.T) {
	other := domain.GeofenceZone{ID: "hub", Center: depot.Center, RadiusMeters: 1000}
	svc := NewGeofenceService(staticZones{depot, other}, newStubMembershipRepo(), &stubEventRepo{}, GeofenceConfig{}, zerolog.Nop())

	events, err := svc.Evaluate(context.Background(), northOf(500, 0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(events) != 1 || events[0].ZoneID != "hub" {
		t.Fatalf("expected only the hub to be entered, got %+v", events)
	}
}

func TestGeofence_MembershipWriteFailureIsAnError(t *testing.T) {
	svc, memberships, audit := newTestGeofence(GeofenceConfig{})
	memberships.upsertErr = errors.New("mongo down")

	if _, err := svc.Evaluate(context.Background(), northOf(100, 0)); err == nil {
		t.Fatal("expected error")
	}
	if len(audit.inserted) != 0 {
		t.Errorf("no event may be emitted without a persisted membership")
	}
}

func TestGeofence_AuditFailureStillEmits(t *testing.T) {
	svc, _, audit := newTestGeofence(GeofenceConfig{})
	audit.insertErr = errors.New("mongo down")

	if events := evaluate(t, svc, northOf(100, 0)); len(events) != 1 {
		t.Fatalf("expected the transition despite audit failure, got %+v", events)
	}
}
