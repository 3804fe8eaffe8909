package queue

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

// SampleHandler consumes accepted samples.
type SampleHandler interface {
	Handle(ctx context.Context, sample domain.LocationSample)
}

// AcceptedStream decouples the gateway from its downstream consumers while
// keeping each vehicle's samples in acceptance order.
type AcceptedStream struct {
	dispatcher *Dispatcher[domain.LocationSample]
}

var _ ports.SamplePublisher = (*AcceptedStream)(nil)

func NewAcceptedStream(handler SampleHandler, numWorkers int, log zerolog.Logger) *AcceptedStream {
	return &AcceptedStream{
		dispatcher: NewDispatcher("accepted", numWorkers,
			func(s domain.LocationSample) string { return s.VehicleID },
			handler.Handle,
			log,
		),
	}
}

func (a *AcceptedStream) PublishAccepted(ctx context.Context, sample domain.LocationSample) error {
	return a.dispatcher.Enqueue(ctx, sample)
}

func (a *AcceptedStream) Serve(ctx context.Context) error {
	return a.dispatcher.Serve(ctx)
}

func (a *AcceptedStream) String() string {
	return a.dispatcher.String()
}
