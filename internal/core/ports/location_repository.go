package ports

import (
	"context"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// SampleRepository persists accepted samples. Writes are append-only.
type SampleRepository interface {
	Append(ctx context.Context, sample *domain.LocationSample) error
}

// VehicleStateRepository owns the per-vehicle "last accepted" pointer.
type VehicleStateRepository interface {
	// LastAccepted returns domain.ErrVehicleNotFound when nothing was accepted yet.
	LastAccepted(ctx context.Context, vehicleID string) (*domain.LocationSample, error)
	// SaveLastAccepted reports whether the pointer moved. It never moves
	// backwards; an older sample leaves it untouched and returns false.
	SaveLastAccepted(ctx context.Context, sample *domain.LocationSample) (bool, error)
}
