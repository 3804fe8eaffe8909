package ports

import (
	"context"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// SubscribeOptions controls history delivery for a new subscription.
// Without ReplayLast or ResumeFrom a subscriber only sees new envelopes.
type SubscribeOptions struct {
	ReplayLast int
	// ResumeFrom maps vehicle id to the last sequence the consumer saw.
	ResumeFrom map[string]uint64
}

// Feed is the consumer side of a subscription.
type Feed interface {
	ID() string
	// Receive blocks until at least one envelope is available and returns
	// everything buffered, in per-vehicle order.
	Receive(ctx context.Context) ([]domain.Envelope, error)
	// Dropped returns how many envelopes overflowed the backlog so far.
	Dropped() uint64
}

// Broadcaster fans vehicle channels out to subscribers.
type Broadcaster interface {
	PublishSample(sample domain.LocationSample) domain.Envelope
	PublishGeofenceEvent(event domain.GeofenceEvent) domain.Envelope
	Subscribe(sub domain.Subscription, opts SubscribeOptions) (Feed, error)
	Unsubscribe(subscriberID string)
}
