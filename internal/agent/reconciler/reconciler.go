// Package reconciler drains the device's offline queue to the gateway.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/api/metrics"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

const (
	defaultBatchSize      = 50
	defaultInterval       = 15 * time.Second
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// errOffline stops a drain between retries when the device is known to be
// offline. The next restored edge starts a new one.
var errOffline = errors.New("device offline")

type Config struct {
	BatchSize      int
	Interval       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Result summarises one drain.
type Result struct {
	// Skipped is set when another drain for the vehicle was in flight.
	Skipped    bool
	Sent       int
	Superseded int
	Rejected   int
	Failed     int
	Retries    int
	Paused     bool
}

// Reconciler runs at most one drain per vehicle at a time.
type Reconciler struct {
	queue    ports.OfflineQueue
	gateway  ports.GatewayClient
	reporter ports.FailureReporter
	online   func() bool
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	draining map[string]struct{}
	trigger  chan struct{}
}

// New wires a reconciler. online may be nil, in which case the device is
// assumed connected.
func New(
	queue ports.OfflineQueue,
	gateway ports.GatewayClient,
	reporter ports.FailureReporter,
	online func() bool,
	cfg Config,
	log zerolog.Logger,
) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchSize > fleetapi.MaxBatchSize {
		cfg.BatchSize = fleetapi.MaxBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Reconciler{
		queue:    queue,
		gateway:  gateway,
		reporter: reporter,
		online:   online,
		cfg:      cfg,
		log:      log.With().Str("component", "reconciler").Logger(),
		draining: make(map[string]struct{}),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger asks Serve for a drain of every queued vehicle. It never blocks.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Serve drains on Trigger and on the periodic timer until ctx is cancelled.
func (r *Reconciler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}

		if !r.online() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.DrainAll(ctx)
		}()
	}
}

func (r *Reconciler) String() string {
	return "sync-reconciler"
}

// DrainAll drains every vehicle with pending entries concurrently.
func (r *Reconciler) DrainAll(ctx context.Context) {
	vehicles, err := r.queue.Vehicles(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("list queued vehicles")
		return
	}

	var wg sync.WaitGroup
	for _, vid := range vehicles {
		wg.Add(1)
		go func(vid string) {
			defer wg.Done()
			res, err := r.Drain(ctx, vid)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn().Err(err).Str("vehicle_id", vid).Msg("drain stopped")
				return
			}
			if res.Sent+res.Superseded+res.Rejected+res.Failed > 0 {
				r.log.Info().
					Str("vehicle_id", vid).
					Int("sent", res.Sent).
					Int("superseded", res.Superseded).
					Int("rejected", res.Rejected).
					Int("failed", res.Failed).
					Int("retries", res.Retries).
					Msg("drain finished")
			}
		}(vid)
	}
	wg.Wait()

	if _, err := r.queue.PurgeSent(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Msg("purge sent entries")
	}
}

// Drain pushes the vehicle's pending entries in order until the queue is
// empty, the device goes offline, or ctx is cancelled. Cancellation leaves
// every entry Pending.
func (r *Reconciler) Drain(ctx context.Context, vehicleID string) (Result, error) {
	if !r.acquire(vehicleID) {
		return Result{Skipped: true}, nil
	}
	defer r.release(vehicleID)

	log := r.log.With().Str("vehicle_id", vehicleID).Logger()
	bo := r.newBackOff()
	var res Result

	synced := false
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if !synced {
			at, ok, err := r.gateway.LastAccepted(ctx, vehicleID)
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return res, cerr
				}
				log.Warn().Err(err).Msg("fetch server pointer failed")
				if err := r.pause(ctx, bo, &res); err != nil {
					return res, r.stop(err, &res)
				}
				continue
			}
			synced = true
			if ok {
				r.supersede(ctx, vehicleID, at, &res, log)
			}
		}

		batch, err := r.queue.PeekBatch(ctx, vehicleID, r.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("peek batch: %w", err)
		}
		if len(batch) == 0 {
			return res, nil
		}

		samples := make([]domain.LocationSample, len(batch))
		for i, e := range batch {
			samples[i] = e.Sample
		}

		ack, err := r.gateway.SubmitBatch(ctx, vehicleID, samples)
		if err != nil {
			// A submit cut short by the caller is not an attempt.
			if cerr := ctx.Err(); cerr != nil {
				return res, cerr
			}
			metrics.SyncBatchesTotal.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Int("batch", len(batch)).Msg("batch submit failed")
			r.failBatch(ctx, batch, &res, log)

			if !errors.Is(err, domain.ErrTransientNetwork) {
				return res, err
			}
			if err := r.pause(ctx, bo, &res); err != nil {
				return res, r.stop(err, &res)
			}
			continue
		}

		metrics.SyncBatchesTotal.WithLabelValues("acked").Inc()
		bo.Reset()
		if err := r.applyAck(ctx, batch, ack, &res, log); err != nil {
			return res, err
		}
		if !ack.LastAcceptedAt.IsZero() {
			r.supersede(ctx, vehicleID, ack.LastAcceptedAt, &res, log)
		}
	}
}

// applyAck settles each entry by its item outcome. Both rejection kinds are
// final, so they are marked sent alongside accepted ones.
func (r *Reconciler) applyAck(ctx context.Context, batch []domain.QueueEntry, ack ports.BatchAck, res *Result, log zerolog.Logger) error {
	if len(ack.Items) != len(batch) {
		return fmt.Errorf("ack has %d items for a batch of %d", len(ack.Items), len(batch))
	}

	settled := make([]string, 0, len(batch))
	var retry []domain.QueueEntry
	for i, item := range ack.Items {
		e := batch[i]
		switch item.Outcome {
		case domain.OutcomeAccepted:
			res.Sent++
		case domain.OutcomeRejectedTooFrequent:
			res.Superseded++
			metrics.SyncEntriesSupersededTotal.Inc()
		case domain.OutcomeRejectedInvalid:
			res.Rejected++
			log.Warn().
				Uint64("client_sequence", e.Sample.ClientSequence).
				Str("reason", item.Reason).
				Msg("gateway rejected sample as invalid")
		default:
			log.Warn().Str("outcome", string(item.Outcome)).Msg("unknown item outcome, will retry")
			retry = append(retry, e)
			continue
		}
		settled = append(settled, e.ID)
	}

	if err := r.queue.MarkSent(ctx, settled); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	r.failBatch(ctx, retry, res, log)
	return nil
}

// supersede applies last-write-wins: entries at or before the server's
// pointer are already reflected there.
func (r *Reconciler) supersede(ctx context.Context, vehicleID string, at time.Time, res *Result, log zerolog.Logger) {
	n, err := r.queue.DiscardThrough(ctx, vehicleID, at)
	if err != nil {
		log.Warn().Err(err).Msg("discard superseded entries")
		return
	}
	if n == 0 {
		return
	}
	res.Superseded += n
	metrics.SyncEntriesSupersededTotal.Add(float64(n))
	log.Info().
		Err(domain.ErrConflictSuperseded).
		Int("discarded", n).
		Time("server_last_accepted_at", at).
		Msg("server state ahead of queue")
}

func (r *Reconciler) failBatch(ctx context.Context, batch []domain.QueueEntry, res *Result, log zerolog.Logger) {
	for _, e := range batch {
		entry, err := r.queue.MarkFailed(ctx, e.ID)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrRetryCeilingExceeded):
			res.Failed++
			metrics.SyncEntriesFailedTotal.Inc()
			if r.reporter != nil {
				r.reporter.ReportFailed(ctx, entry)
			}
		case errors.Is(err, domain.ErrEntryNotFound):
			// evicted while in flight
		default:
			log.Error().Err(err).Str("entry_id", e.ID).Msg("mark failed")
		}
	}
}

// pause waits for the next backoff step. It returns errOffline instead of
// waiting when the device lost connectivity.
func (r *Reconciler) pause(ctx context.Context, bo backoff.BackOff, res *Result) error {
	if !r.online() {
		return errOffline
	}
	d := bo.NextBackOff()
	if d == backoff.Stop {
		d = r.cfg.MaxBackoff
	}
	res.Retries++

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	if !r.online() {
		return errOffline
	}
	return nil
}

func (r *Reconciler) stop(err error, res *Result) error {
	if errors.Is(err, errOffline) {
		res.Paused = true
		return nil
	}
	return err
}

// newBackOff yields InitialBackoff, doubling, capped at MaxBackoff, with no
// jitter and no overall deadline.
func (r *Reconciler) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *Reconciler) acquire(vehicleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.draining[vehicleID]; busy {
		return false
	}
	r.draining[vehicleID] = struct{}{}
	return true
}

func (r *Reconciler) release(vehicleID string) {
	r.mu.Lock()
	delete(r.draining, vehicleID)
	r.mu.Unlock()
}

// LogReporter reports exhausted entries to the log.
type LogReporter struct {
	Log zerolog.Logger
}

func (l LogReporter) ReportFailed(_ context.Context, e domain.QueueEntry) {
	l.Log.Error().
		Err(domain.ErrRetryCeilingExceeded).
		Str("entry_id", e.ID).
		Str("vehicle_id", e.Sample.VehicleID).
		Uint64("client_sequence", e.Sample.ClientSequence).
		Int("attempts", e.AttemptCount).
		Time("timestamp", e.Sample.Timestamp).
		Msg("sample moved to failed")
}
