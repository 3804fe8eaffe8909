package ports

import (
	"context"
	"time"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// EnqueueResult reports what happened on a durable append. Evicted is
// non-empty when the capacity bound forced older entries out.
type EnqueueResult struct {
	Entry   domain.QueueEntry
	Evicted []domain.QueueEntry
}

// QueueStats is a point-in-time view of the device queue.
type QueueStats struct {
	Pending int
	Sent    int
	Failed  int
	Evicted int64
}

// OfflineQueue is the on-device, crash-recoverable log of unsent samples.
type OfflineQueue interface {
	Enqueue(ctx context.Context, sample domain.LocationSample) (EnqueueResult, error)
	PeekBatch(ctx context.Context, vehicleID string, n int) ([]domain.QueueEntry, error)
	MarkSent(ctx context.Context, ids []string) error
	// MarkFailed returns domain.ErrRetryCeilingExceeded once the entry moved to Failed.
	MarkFailed(ctx context.Context, id string) (domain.QueueEntry, error)
	// DiscardThrough marks every pending entry of the vehicle with a
	// timestamp at or before t as sent and returns how many were affected.
	DiscardThrough(ctx context.Context, vehicleID string, t time.Time) (int, error)
	PurgeSent(ctx context.Context) (int, error)
	FailedEntries(ctx context.Context) ([]domain.QueueEntry, error)
	Vehicles(ctx context.Context) ([]string, error)
	LastSequence(ctx context.Context, vehicleID string) (uint64, error)
	Stats() QueueStats
}
