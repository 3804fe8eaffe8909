package ports

import (
	"context"
	"time"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// ItemAck is the gateway decision for one sample of a batch.
type ItemAck struct {
	ClientSequence uint64
	Outcome        domain.IngestOutcome
	LastAcceptedAt time.Time
	Reason         string
}

// BatchAck is the batch-level acknowledgment. Items follow submission order.
type BatchAck struct {
	Items          []ItemAck
	LastAcceptedAt time.Time
}

// GatewayClient is the device's view of the ingestion gateway. Failures that
// may succeed on retry wrap domain.ErrTransientNetwork.
type GatewayClient interface {
	SubmitBatch(ctx context.Context, vehicleID string, samples []domain.LocationSample) (BatchAck, error)
	// LastAccepted reports the server pointer; ok is false for unknown vehicles.
	LastAccepted(ctx context.Context, vehicleID string) (t time.Time, ok bool, err error)
}

// FailureReporter is told about entries that exhausted their retries.
type FailureReporter interface {
	ReportFailed(ctx context.Context, entry domain.QueueEntry)
}
