package domain

import "errors"

// Ingestion and validation.
var (
	ErrInvalidSample   = errors.New("invalid location sample")
	ErrTooFrequent     = errors.New("sample too frequent")
	ErrVehicleNotFound = errors.New("vehicle not found")
)

// Device queue and sync.
var (
	ErrTransientNetwork      = errors.New("transient network error")
	ErrQueueCapacityExceeded = errors.New("offline queue capacity exceeded")
	ErrQueueWrite            = errors.New("offline queue write failed")
	ErrQueueClosed           = errors.New("offline queue closed")
	ErrEntryNotFound         = errors.New("queue entry not found")
	ErrRetryCeilingExceeded  = errors.New("retry ceiling exceeded")
	ErrConflictSuperseded    = errors.New("queued samples superseded by server state")
)

// Geofencing.
var ErrZoneRadiusOutOfRange = errors.New("zone radius out of range")

var ErrForbidden = errors.New("access forbidden")
