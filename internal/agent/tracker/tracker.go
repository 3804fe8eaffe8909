// Package tracker owns the per-vehicle capture sessions on a device.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/agent/position"
	"github.com/99minutos/fleet-tracking/internal/agent/reconciler"
	"github.com/99minutos/fleet-tracking/internal/agent/sampler"
)

const defaultFlushTimeout = 5 * time.Second

// ErrAlreadyTracking is returned by Start for a vehicle with a live session.
var ErrAlreadyTracking = errors.New("vehicle already tracked")

// Drainer is the part of the reconciler a session needs for its final flush.
type Drainer interface {
	Drain(ctx context.Context, vehicleID string) (reconciler.Result, error)
	Trigger()
}

// SourceFactory builds the positioning source of a vehicle.
type SourceFactory func(vehicleID string) position.Source

type Config struct {
	Sampler      sampler.Config
	FlushTimeout time.Duration
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker starts and stops capture per vehicle. Stopping cancels the sampler
// and then runs one bounded, best effort flush.
type Tracker struct {
	queue   sampler.Queue
	drainer Drainer
	sources SourceFactory
	cfg     Config
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(queue sampler.Queue, drainer Drainer, sources SourceFactory, cfg Config, log zerolog.Logger) *Tracker {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	return &Tracker{
		queue:    queue,
		drainer:  drainer,
		sources:  sources,
		cfg:      cfg,
		log:      log.With().Str("component", "tracker").Logger(),
		sessions: make(map[string]*session),
	}
}

// Start begins capturing vehicleID. The session lives until Stop or until
// ctx is cancelled.
func (t *Tracker) Start(ctx context.Context, vehicleID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[vehicleID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTracking, vehicleID)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, done: make(chan struct{})}
	t.sessions[vehicleID] = s

	smp := sampler.New(vehicleID, t.queue, t.cfg.Sampler, func(sampler.Emission) {
		t.drainer.Trigger()
	}, t.log)
	src := t.sources(vehicleID)
	fixes := make(chan position.Fix, 16)

	go func() {
		defer close(s.done)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(fixes)
			if err := src.Run(sctx, fixes); err != nil && !errors.Is(err, context.Canceled) {
				t.log.Error().Err(err).Str("vehicle_id", vehicleID).Msg("position source stopped")
			}
		}()

		if err := smp.Run(sctx, fixes); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Error().Err(err).Str("vehicle_id", vehicleID).Msg("sampler stopped")
		}
		cancel()
		wg.Wait()
	}()

	t.log.Info().Str("vehicle_id", vehicleID).Msg("tracking started")
	return nil
}

// Stop ends the session and flushes what is queued for the vehicle within
// the flush timeout. Entries that could not be sent stay queued.
func (t *Tracker) Stop(ctx context.Context, vehicleID string) (reconciler.Result, error) {
	t.mu.Lock()
	s, ok := t.sessions[vehicleID]
	delete(t.sessions, vehicleID)
	t.mu.Unlock()

	if !ok {
		return reconciler.Result{}, nil
	}

	s.cancel()
	<-s.done

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.FlushTimeout)
	defer cancel()

	res, err := t.drainer.Drain(fctx, vehicleID)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.log.Warn().Err(err).Str("vehicle_id", vehicleID).Msg("final flush failed")
	}
	t.log.Info().
		Str("vehicle_id", vehicleID).
		Int("flushed", res.Sent).
		Bool("skipped", res.Skipped).
		Msg("tracking stopped")

	if errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return res, err
}

// Tracking lists vehicles with a live session.
func (t *Tracker) Tracking() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sessions))
	for v := range t.sessions {
		out = append(out, v)
	}
	return out
}

// Service adapts a fixed vehicle set to a supervised service: Serve starts
// every vehicle and stops them all, with flush, when ctx ends.
type Service struct {
	tracker  *Tracker
	vehicles []string
}

func NewService(tracker *Tracker, vehicles []string) *Service {
	return &Service{tracker: tracker, vehicles: vehicles}
}

func (s *Service) Serve(ctx context.Context) error {
	for _, v := range s.vehicles {
		if err := s.tracker.Start(ctx, v); err != nil && !errors.Is(err, ErrAlreadyTracking) {
			return err
		}
	}

	<-ctx.Done()

	for _, v := range s.vehicles {
		_, _ = s.tracker.Stop(ctx, v)
	}
	return ctx.Err()
}

func (s *Service) String() string {
	return "tracker"
}
