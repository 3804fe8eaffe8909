package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

// AcceptedSampleHandler runs the downstream consumers of an accepted sample:
// the location goes out first, then any geofence transitions it caused.
type AcceptedSampleHandler struct {
	evaluator   ports.GeofenceEvaluator
	broadcaster ports.Broadcaster
	events      ports.GeofenceEventPublisher // optional
	log         zerolog.Logger
}

func NewAcceptedSampleHandler(
	evaluator ports.GeofenceEvaluator,
	broadcaster ports.Broadcaster,
	events ports.GeofenceEventPublisher,
	log zerolog.Logger,
) *AcceptedSampleHandler {
	return &AcceptedSampleHandler{
		evaluator:   evaluator,
		broadcaster: broadcaster,
		events:      events,
		log:         log,
	}
}

// Handle must be called serially per vehicle, in acceptance order.
func (h *AcceptedSampleHandler) Handle(ctx context.Context, sample domain.LocationSample) {
	h.broadcaster.PublishSample(sample)

	transitions, err := h.evaluator.Evaluate(ctx, sample)
	if err != nil {
		h.log.Error().Err(err).Str("vehicle_id", sample.VehicleID).Msg("geofence evaluation failed")
	}

	for _, ev := range transitions {
		h.broadcaster.PublishGeofenceEvent(ev)
		if h.events == nil {
			continue
		}
		if err := h.events.PublishGeofenceEvent(ctx, ev); err != nil {
			h.log.Warn().Err(err).
				Str("vehicle_id", ev.VehicleID).
				Str("zone_id", ev.ZoneID).
				Msg("failed to forward geofence event")
		}
	}
}
