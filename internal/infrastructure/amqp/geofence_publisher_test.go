package amqp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

type stubChannel struct {
	exchange string
	msgs     []amqp.Publishing
	err      error
}

func (s *stubChannel) PublishWithContext(_ context.Context, exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	if s.err != nil {
		return s.err
	}
	s.exchange = exchange
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestPublishGeofenceEvent(t *testing.T) {
	ch := &stubChannel{}
	p := NewGeofencePublisher(ch, "", zerolog.Nop())

	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	err := p.PublishGeofenceEvent(context.Background(), domain.GeofenceEvent{
		VehicleID:      "veh-1",
		ZoneID:         "depot",
		Transition:     domain.TransitionEntered,
		At:             at,
		Location:       domain.Coordinates{Lat: 19.4, Lng: -99.1},
		DistanceMeters: 420,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ch.exchange != DefaultExchange {
		t.Fatalf("expected exchange %s, got %s", DefaultExchange, ch.exchange)
	}
	if len(ch.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(ch.msgs))
	}
	msg := ch.msgs[0]
	if msg.Type != "geofence.entered" || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing: %+v", msg)
	}

	var body fleetapi.GeofenceEventPayload
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.VehicleID != "veh-1" || body.ZoneID != "depot" || body.Transition != "entered" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestPublishGeofenceEvent_WrapsBrokerError(t *testing.T) {
	boom := errors.New("channel closed")
	p := NewGeofencePublisher(&stubChannel{err: boom}, "fleet.events", zerolog.Nop())

	err := p.PublishGeofenceEvent(context.Background(), domain.GeofenceEvent{VehicleID: "veh-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}
