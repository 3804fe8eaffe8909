package ports

import (
	"context"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// ZoneRepository reads zones maintained by the fleet console.
type ZoneRepository interface {
	List(ctx context.Context) ([]domain.GeofenceZone, error)
}

// MembershipRepository stores one MembershipState per (vehicle, zone).
type MembershipRepository interface {
	// Find returns (nil, nil) when no state exists yet.
	Find(ctx context.Context, vehicleID, zoneID string) (*domain.MembershipState, error)
	Upsert(ctx context.Context, state domain.MembershipState) error
}

// GeofenceEventRepository keeps the audit trail of emitted transitions.
type GeofenceEventRepository interface {
	Insert(ctx context.Context, event domain.GeofenceEvent) error
}

// GeofenceEventPublisher forwards transitions to external consumers.
type GeofenceEventPublisher interface {
	PublishGeofenceEvent(ctx context.Context, event domain.GeofenceEvent) error
}

// GeofenceEvaluator turns accepted samples into transition events.
type GeofenceEvaluator interface {
	Evaluate(ctx context.Context, sample domain.LocationSample) ([]domain.GeofenceEvent, error)
}
