package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

const (
	defaultHysteresisRatio     = 0.05
	defaultConfirmationSamples = 1
)

// ZoneSource provides the zones to evaluate against.
type ZoneSource interface {
	Zones() []domain.GeofenceZone
}

// GeofenceConfig tunes the hysteresis state machine.
type GeofenceConfig struct {
	// HysteresisRatio is the half width of the buffer band as a fraction of
	// the zone radius.
	HysteresisRatio float64
	// ConfirmationSamples is how many consecutive samples beyond the band
	// are needed before a flip. 1 means the triggering sample alone.
	ConfirmationSamples int
}

type membershipKey struct {
	vehicleID string
	zoneID    string
}

// membership is the cached state plus the pending confirmation streak.
type membership struct {
	state  domain.MembershipState
	streak int
}

type geofenceService struct {
	zones       ZoneSource
	memberships ports.MembershipRepository
	events      ports.GeofenceEventRepository
	cfg         GeofenceConfig
	log         zerolog.Logger

	mu     sync.Mutex
	states map[membershipKey]*membership
}

// NewGeofenceService returns the evaluator. Samples of one vehicle must be
// evaluated serially; different vehicles may run concurrently.
func NewGeofenceService(
	zones ZoneSource,
	memberships ports.MembershipRepository,
	events ports.GeofenceEventRepository,
	cfg GeofenceConfig,
	log zerolog.Logger,
) ports.GeofenceEvaluator {
	if cfg.HysteresisRatio <= 0 {
		cfg.HysteresisRatio = defaultHysteresisRatio
	}
	if cfg.ConfirmationSamples <= 0 {
		cfg.ConfirmationSamples = defaultConfirmationSamples
	}
	return &geofenceService{
		zones:       zones,
		memberships: memberships,
		events:      events,
		cfg:         cfg,
		log:         log,
		states:      make(map[membershipKey]*membership),
	}
}

// Evaluate tests the sample against every zone and returns the confirmed
// transitions. Re-evaluating a sample that is not newer than the last one
// seen for a (vehicle, zone) pair is a no-op.
func (s *geofenceService) Evaluate(ctx context.Context, sample domain.LocationSample) ([]domain.GeofenceEvent, error) {
	var out []domain.GeofenceEvent

	for _, zone := range s.zones.Zones() {
		m, err := s.load(ctx, sample.VehicleID, zone.ID)
		if err != nil {
			return out, err
		}

		ev, err := s.step(ctx, m, zone, sample)
		if err != nil {
			return out, err
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}

	return out, nil
}

// step advances the state machine of one (vehicle, zone) pair.
func (s *geofenceService) step(ctx context.Context, m *membership, zone domain.GeofenceZone, sample domain.LocationSample) (*domain.GeofenceEvent, error) {
	if !m.state.LastEvaluatedAt.IsZero() && !sample.Timestamp.After(m.state.LastEvaluatedAt) {
		return nil, nil
	}

	distance := domain.DistanceMeters(sample.Position(), zone.Center)
	insideNow := distance <= zone.RadiusMeters
	band := zone.RadiusMeters * s.cfg.HysteresisRatio

	if insideNow == m.state.IsInside {
		m.state.LastEvaluatedAt = sample.Timestamp
		m.streak = 0
		return nil, nil
	}

	beyondBand := distance > zone.RadiusMeters+band
	if insideNow {
		beyondBand = distance < zone.RadiusMeters-band
	}
	if !beyondBand {
		m.state.LastEvaluatedAt = sample.Timestamp
		m.streak = 0
		return nil, nil
	}

	if m.streak+1 < s.cfg.ConfirmationSamples {
		m.state.LastEvaluatedAt = sample.Timestamp
		m.streak++
		return nil, nil
	}

	next := m.state
	next.IsInside = insideNow
	next.LastTransitionAt = sample.Timestamp
	next.LastEvaluatedAt = sample.Timestamp
	if err := s.memberships.Upsert(ctx, next); err != nil {
		return nil, fmt.Errorf("evaluate geofence: save membership: %w", err)
	}
	m.state = next
	m.streak = 0

	ev := domain.GeofenceEvent{
		VehicleID:      sample.VehicleID,
		ZoneID:         zone.ID,
		Transition:     domain.TransitionExited,
		At:             sample.Timestamp,
		Location:       sample.Position(),
		DistanceMeters: distance,
	}
	if insideNow {
		ev.Transition = domain.TransitionEntered
	}

	if err := s.events.Insert(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("vehicle_id", ev.VehicleID).Str("zone_id", ev.ZoneID).Msg("failed to insert geofence audit event")
	}

	s.log.Info().
		Str("vehicle_id", ev.VehicleID).
		Str("zone_id", ev.ZoneID).
		Str("transition", string(ev.Transition)).
		Float64("distance_m", distance).
		Msg("geofence transition")

	return &ev, nil
}

// load returns the cached membership, reading it from the repository on a miss.
func (s *geofenceService) load(ctx context.Context, vehicleID, zoneID string) (*membership, error) {
	key := membershipKey{vehicleID: vehicleID, zoneID: zoneID}

	s.mu.Lock()
	m, ok := s.states[key]
	s.mu.Unlock()
	if ok {
		return m, nil
	}

	stored, err := s.memberships.Find(ctx, vehicleID, zoneID)
	if err != nil {
		return nil, fmt.Errorf("evaluate geofence: load membership: %w", err)
	}

	m = &membership{state: domain.MembershipState{VehicleID: vehicleID, ZoneID: zoneID}}
	if stored != nil {
		m.state = *stored
		if m.state.LastEvaluatedAt.Before(m.state.LastTransitionAt) {
			m.state.LastEvaluatedAt = m.state.LastTransitionAt
		}
	}

	s.mu.Lock()
	if existing, ok := s.states[key]; ok {
		m = existing
	} else {
		s.states[key] = m
	}
	s.mu.Unlock()

	return m, nil
}
