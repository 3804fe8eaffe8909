// Package metrics defines and registers all custom Prometheus metrics for the
// fleet tracking server and device agent. It is the single source of truth for
// metric names, labels, and help strings.
//
// Metrics are registered with the default registry on import (promauto).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet"

// ── Ingestion metrics ─────────────────────────────────────────────────────────

// SamplesIngestedTotal counts gateway decisions.
// Label:
//   - outcome: "accepted", "rejected_too_frequent", "rejected_invalid" or "duplicate"
var SamplesIngestedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_ingested_total",
		Help:      "Total number of location samples decided by the gateway, by outcome.",
	},
	[]string{"outcome"},
)

// IngestErrorsTotal counts samples for which no decision could be made.
var IngestErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_errors_total",
		Help:      "Total number of samples that failed processing before a decision.",
	},
	[]string{"reason"},
)

// IngestDuration measures a single decision from dequeue to publish.
var IngestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Duration of sample ingestion from dequeue to publish.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

// DispatcherQueueDepth tracks items waiting in each sharded worker channel.
// Labels:
//   - dispatcher: "ingest" or "accepted"
//   - worker_id: numeric worker index
var DispatcherQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatcher_queue_depth",
		Help:      "Current number of items pending in each dispatcher worker channel.",
	},
	[]string{"dispatcher", "worker_id"},
)

// ── Geofence & broadcast metrics ──────────────────────────────────────────────

var GeofenceTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geofence_transitions_total",
		Help:      "Total number of geofence transitions emitted.",
	},
	[]string{"transition"},
)

var StreamSubscribers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_subscribers",
		Help:      "Current number of realtime stream subscribers.",
	},
)

var StreamEnvelopesDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_envelopes_dropped_total",
		Help:      "Envelopes dropped from subscriber backlogs on overflow.",
	},
)

// ── Device metrics ────────────────────────────────────────────────────────────

// OfflineQueueEntries tracks the device queue by state.
var OfflineQueueEntries = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "queue_entries",
		Help:      "Entries held in the offline queue, by state.",
	},
	[]string{"state"},
)

var OfflineQueueEvictedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "queue_evicted_total",
		Help:      "Entries evicted from the offline queue by the capacity bound.",
	},
)

// SamplerDecisionsTotal counts sampler decisions.
// Label:
//   - decision: "movement", "heartbeat" or "suppressed"
var SamplerDecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "sampler_decisions_total",
		Help:      "Position fixes offered to the sampler, by decision.",
	},
	[]string{"decision"},
)

// SyncBatchesTotal counts reconciler batch submissions.
// Label:
//   - result: "acked" or "transient_error"
var SyncBatchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "sync_batches_total",
		Help:      "Batches submitted by the reconciler, by result.",
	},
	[]string{"result"},
)

var SyncEntriesSupersededTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "sync_entries_superseded_total",
		Help:      "Queued samples discarded because the server state was newer.",
	},
)

var SyncEntriesFailedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "sync_entries_failed_total",
		Help:      "Queued samples that exhausted their retries.",
	},
)

// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
var CircuitBreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "circuit_breaker_state",
		Help:      "Gateway client circuit breaker state (0 closed, 1 half-open, 2 open).",
	},
	[]string{"name"},
)
