package ports

import (
	"context"
	"time"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// IngestionService decides on incoming samples.
type IngestionService interface {
	Ingest(ctx context.Context, sample domain.LocationSample) (domain.IngestResult, error)
	// LastAccepted returns domain.ErrVehicleNotFound for unknown vehicles.
	LastAccepted(ctx context.Context, vehicleID string) (time.Time, error)
}

// SamplePublisher receives every accepted sample in per-vehicle acceptance order.
type SamplePublisher interface {
	PublishAccepted(ctx context.Context, sample domain.LocationSample) error
}
