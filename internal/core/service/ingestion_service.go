package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

// ReplayGuard abstracts the idempotency store (Redis).
type ReplayGuard interface {
	IsDuplicate(ctx context.Context, vehicleID string, seq uint64, ts time.Time) (bool, error)
	Mark(ctx context.Context, vehicleID string, seq uint64, ts time.Time) error
}

type ingestionService struct {
	samples     ports.SampleRepository
	state       ports.VehicleStateRepository
	publisher   ports.SamplePublisher
	replay      ReplayGuard
	minInterval time.Duration
	log         zerolog.Logger
}

// NewIngestionService returns the gateway decision logic. Callers must
// serialize Ingest per vehicle; see queue.SerialIngestor.
func NewIngestionService(
	samples ports.SampleRepository,
	state ports.VehicleStateRepository,
	publisher ports.SamplePublisher,
	replay ReplayGuard,
	log zerolog.Logger,
) ports.IngestionService {
	return &ingestionService{
		samples:     samples,
		state:       state,
		publisher:   publisher,
		replay:      replay,
		minInterval: domain.MinSampleInterval,
		log:         log,
	}
}

// Ingest validates, rate checks, persists and publishes a single sample.
// Rejections are returned as results, not errors; an error means the
// decision could not be made and the client may retry.
func (s *ingestionService) Ingest(ctx context.Context, in domain.LocationSample) (domain.IngestResult, error) {
	res := domain.IngestResult{Sample: in}

	// 1. Structural validation.
	if err := in.Validate(); err != nil {
		res.Outcome = domain.OutcomeRejectedInvalid
		res.Reason = err.Error()
		if in.VehicleID != "" {
			res.LastAcceptedAt, _ = s.LastAccepted(ctx, in.VehicleID)
		}
		return res, nil
	}

	// 2. Load the last accepted pointer.
	last, err := s.state.LastAccepted(ctx, in.VehicleID)
	if err != nil && !errors.Is(err, domain.ErrVehicleNotFound) {
		return domain.IngestResult{}, fmt.Errorf("ingest: load last accepted: %w", err)
	}
	if last != nil {
		res.LastAcceptedAt = last.Timestamp
	}

	// 3. Replays of an accepted sample are acknowledged without side effects.
	if s.isReplay(ctx, in, last) {
		s.log.Debug().
			Str("vehicle_id", in.VehicleID).
			Uint64("client_sequence", in.ClientSequence).
			Msg("replayed sample acknowledged")
		res.Outcome = domain.OutcomeAccepted
		res.Duplicate = true
		return res, nil
	}

	// 4. Ordering and interval floor.
	if last != nil {
		if in.Timestamp.Before(last.Timestamp) {
			res.Outcome = domain.OutcomeRejectedInvalid
			res.Reason = fmt.Sprintf("%v: timestamp %s older than last accepted %s",
				domain.ErrInvalidSample, in.Timestamp.UTC().Format(time.RFC3339), last.Timestamp.UTC().Format(time.RFC3339))
			return res, nil
		}
		if in.Timestamp.Sub(last.Timestamp) < s.minInterval {
			res.Outcome = domain.OutcomeRejectedTooFrequent
			res.Reason = fmt.Sprintf("%v: %s since last accepted, floor is %s",
				domain.ErrTooFrequent, in.Timestamp.Sub(last.Timestamp), s.minInterval)
			return res, nil
		}
	}

	// 5. Append the sample.
	if err := s.samples.Append(ctx, &in); err != nil {
		return domain.IngestResult{}, fmt.Errorf("ingest: append sample: %w", err)
	}

	// 6. Hand over to the evaluator and broadcaster before the pointer moves,
	// so a retry of an unpublished sample is never acknowledged as a replay.
	// A full stream stalls this vehicle's worker instead of dropping the sample.
	if err := s.publisher.PublishAccepted(context.WithoutCancel(ctx), in); err != nil {
		return domain.IngestResult{}, fmt.Errorf("ingest: publish accepted: %w", err)
	}

	// 7. Advance the pointer and remember the replay key.
	moved, err := s.state.SaveLastAccepted(ctx, &in)
	if err != nil {
		return domain.IngestResult{}, fmt.Errorf("ingest: save last accepted: %w", err)
	}
	if !moved {
		s.log.Warn().Str("vehicle_id", in.VehicleID).Msg("last accepted pointer is ahead of this sample, left untouched")
	}
	if err := s.replay.Mark(ctx, in.VehicleID, in.ClientSequence, in.Timestamp); err != nil {
		s.log.Warn().Err(err).Str("vehicle_id", in.VehicleID).Msg("failed to set replay key")
	}

	s.log.Info().
		Str("vehicle_id", in.VehicleID).
		Uint64("client_sequence", in.ClientSequence).
		Time("timestamp", in.Timestamp).
		Msg("sample accepted")

	res.Outcome = domain.OutcomeAccepted
	res.LastAcceptedAt = in.Timestamp
	return res, nil
}

// LastAccepted returns the timestamp of the vehicle's last accepted sample.
func (s *ingestionService) LastAccepted(ctx context.Context, vehicleID string) (time.Time, error) {
	last, err := s.state.LastAccepted(ctx, vehicleID)
	if err != nil {
		return time.Time{}, err
	}
	return last.Timestamp, nil
}

func (s *ingestionService) isReplay(ctx context.Context, in domain.LocationSample, last *domain.LocationSample) bool {
	if last != nil && last.ClientSequence == in.ClientSequence && last.Timestamp.Equal(in.Timestamp) {
		return true
	}
	dup, err := s.replay.IsDuplicate(ctx, in.VehicleID, in.ClientSequence, in.Timestamp)
	if err != nil {
		s.log.Warn().Err(err).Str("vehicle_id", in.VehicleID).Msg("replay check failed, processing anyway")
		return false
	}
	return dup
}
