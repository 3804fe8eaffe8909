// Package sampler turns raw positioning fixes into LocationSamples at a
// bounded rate and hands them to the offline queue.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/agent/position"
	"github.com/99minutos/fleet-tracking/internal/api/metrics"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

const defaultAccuracyFloor = 50.0

// Decision is what the sampler did with a fix.
type Decision string

const (
	DecisionMovement   Decision = "movement"
	DecisionHeartbeat  Decision = "heartbeat"
	DecisionSuppressed Decision = "suppressed"
)

type Config struct {
	Interval        time.Duration
	MinDisplacement float64
	AccuracyFloor   float64
}

// Emission is the outcome of one Offer. Sample is set unless suppressed.
type Emission struct {
	Decision Decision
	Sample   domain.LocationSample
	Evicted  int
}

// Queue is the part of the offline queue the sampler writes to.
type Queue interface {
	Enqueue(ctx context.Context, sample domain.LocationSample) (ports.EnqueueResult, error)
	LastSequence(ctx context.Context, vehicleID string) (uint64, error)
}

// Sampler rate-limits one vehicle. It never touches the network.
type Sampler struct {
	vehicleID string
	queue     Queue
	cfg       Config
	log       zerolog.Logger
	onEmit    func(Emission)

	mu      sync.Mutex
	seeded  bool
	seq     uint64
	last    *domain.LocationSample
	lastFix *position.Fix
}

// New builds a sampler for vehicleID. onEmit, when non-nil, is called after
// every durable emission.
func New(vehicleID string, queue Queue, cfg Config, onEmit func(Emission), log zerolog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = domain.MinSampleInterval
	}
	if cfg.MinDisplacement <= 0 {
		cfg.MinDisplacement = domain.MinDisplacementMeters
	}
	if cfg.AccuracyFloor <= 0 {
		cfg.AccuracyFloor = defaultAccuracyFloor
	}
	return &Sampler{
		vehicleID: vehicleID,
		queue:     queue,
		cfg:       cfg,
		onEmit:    onEmit,
		log:       log.With().Str("vehicle_id", vehicleID).Logger(),
	}
}

// Offer evaluates a fix. Within the interval of the previous emission the fix
// is suppressed; otherwise it becomes a sample and is enqueued before Offer
// returns. A queue write failure is returned as is and leaves the sampler
// state untouched.
func (s *Sampler) Offer(ctx context.Context, fix position.Fix) (Emission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := fix
	s.lastFix = &f

	if err := s.seed(ctx); err != nil {
		return Emission{}, err
	}

	at := fix.At.UTC()
	if s.last != nil && at.Sub(s.last.Timestamp) < s.cfg.Interval {
		metrics.SamplerDecisionsTotal.WithLabelValues(string(DecisionSuppressed)).Inc()
		return Emission{Decision: DecisionSuppressed}, nil
	}

	decision := DecisionMovement
	if s.last != nil && domain.DistanceMeters(s.last.Position(), fix.Position) < s.cfg.MinDisplacement {
		decision = DecisionHeartbeat
	}

	sample := domain.LocationSample{
		VehicleID:        s.vehicleID,
		Latitude:         fix.Position.Lat,
		Longitude:        fix.Position.Lng,
		Timestamp:        at,
		Speed:            fix.Speed,
		Heading:          fix.Heading,
		Accuracy:         fix.Accuracy,
		AccuracyDegraded: fix.Accuracy <= 0 || fix.Accuracy > s.cfg.AccuracyFloor,
		Altitude:         fix.Altitude,
		ClientSequence:   s.seq + 1,
	}

	res, err := s.queue.Enqueue(ctx, sample)
	if err != nil {
		s.log.Error().Err(err).Time("timestamp", at).Msg("sample could not be persisted")
		return Emission{}, err
	}

	s.seq = sample.ClientSequence
	s.last = &sample
	metrics.SamplerDecisionsTotal.WithLabelValues(string(decision)).Inc()

	if n := len(res.Evicted); n > 0 {
		s.log.Warn().Int("evicted", n).Msg("offline queue at capacity")
	}
	s.log.Debug().
		Str("decision", string(decision)).
		Uint64("client_sequence", sample.ClientSequence).
		Bool("accuracy_degraded", sample.AccuracyDegraded).
		Msg("sample emitted")

	em := Emission{Decision: decision, Sample: sample, Evicted: len(res.Evicted)}
	if s.onEmit != nil {
		s.onEmit(em)
	}
	return em, nil
}

// seed continues the client sequence from what the queue has persisted.
func (s *Sampler) seed(ctx context.Context) error {
	if s.seeded {
		return nil
	}
	seq, err := s.queue.LastSequence(ctx, s.vehicleID)
	if err != nil {
		return fmt.Errorf("%w: read last sequence: %v", domain.ErrQueueWrite, err)
	}
	s.seq = seq
	s.seeded = true
	return nil
}

// Run offers every fix from fixes and, when no emission happened for a full
// interval, re-offers the last known fix stamped with the current time. It
// returns when ctx is cancelled or fixes is closed.
func (s *Sampler) Run(ctx context.Context, fixes <-chan position.Fix) error {
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	offer := func(fix position.Fix) {
		em, err := s.Offer(ctx, fix)
		if err != nil {
			return
		}
		if em.Decision != DecisionSuppressed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.Interval)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case fix, ok := <-fixes:
			if !ok {
				return nil
			}
			offer(fix)

		case now := <-timer.C:
			timer.Reset(s.cfg.Interval)
			if fix, ok := s.heartbeatFix(now); ok {
				offer(fix)
			}
		}
	}
}

func (s *Sampler) heartbeatFix(now time.Time) (position.Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFix == nil {
		return position.Fix{}, false
	}
	fix := *s.lastFix
	fix.At = now.UTC()
	fix.Speed = 0
	return fix, true
}

func (s *Sampler) String() string {
	return "sampler-" + s.vehicleID
}
