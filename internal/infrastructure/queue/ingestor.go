package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/api/metrics"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

const defaultProcessTimeout = 10 * time.Second

type ingestReply struct {
	res domain.IngestResult
	err error
}

type ingestJob struct {
	ctx    context.Context
	sample domain.LocationSample
	reply  chan ingestReply
}

// SerialIngestor makes an IngestionService strictly serial per vehicle.
// Samples of different vehicles are decided concurrently.
type SerialIngestor struct {
	inner      ports.IngestionService
	dispatcher *Dispatcher[ingestJob]
	timeout    time.Duration
	log        zerolog.Logger
}

var _ ports.IngestionService = (*SerialIngestor)(nil)

func NewSerialIngestor(inner ports.IngestionService, numWorkers int, log zerolog.Logger) *SerialIngestor {
	s := &SerialIngestor{inner: inner, timeout: defaultProcessTimeout, log: log}
	s.dispatcher = NewDispatcher("ingest", numWorkers,
		func(j ingestJob) string { return j.sample.VehicleID },
		s.process,
		log,
	)
	return s
}

// Ingest queues the sample behind earlier samples of the same vehicle and
// waits for the decision.
func (s *SerialIngestor) Ingest(ctx context.Context, sample domain.LocationSample) (domain.IngestResult, error) {
	job := ingestJob{ctx: ctx, sample: sample, reply: make(chan ingestReply, 1)}
	if err := s.dispatcher.Enqueue(ctx, job); err != nil {
		return domain.IngestResult{}, err
	}

	select {
	case r := <-job.reply:
		return r.res, r.err
	case <-ctx.Done():
		return domain.IngestResult{}, ctx.Err()
	}
}

func (s *SerialIngestor) LastAccepted(ctx context.Context, vehicleID string) (time.Time, error) {
	return s.inner.LastAccepted(ctx, vehicleID)
}

func (s *SerialIngestor) Serve(ctx context.Context) error {
	return s.dispatcher.Serve(ctx)
}

func (s *SerialIngestor) String() string {
	return s.dispatcher.String()
}

// process runs on the vehicle's worker. Once started, a decision is carried
// to completion even if the caller went away.
func (s *SerialIngestor) process(_ context.Context, job ingestJob) {
	if err := job.ctx.Err(); err != nil {
		job.reply <- ingestReply{err: err}
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(job.ctx), s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.inner.Ingest(ctx, job.sample)
	if err != nil {
		metrics.IngestErrorsTotal.WithLabelValues("decision_failed").Inc()
		metrics.IngestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		s.log.Error().Err(err).Str("vehicle_id", job.sample.VehicleID).Msg("sample ingestion failed")
	} else {
		outcome := string(res.Outcome)
		if res.Duplicate {
			outcome = "duplicate"
		}
		metrics.SamplesIngestedTotal.WithLabelValues(outcome).Inc()
		metrics.IngestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}

	job.reply <- ingestReply{res: res, err: err}
}
