// Package amqp forwards geofence transitions to RabbitMQ consumers.
package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

const (
	DefaultExchange = "fleet.events"
	publishTimeout  = 5 * time.Second
)

// publisher is the part of *amqp.Channel the publisher uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// GeofencePublisher publishes every transition to a durable fanout exchange.
type GeofencePublisher struct {
	ch       publisher
	exchange string
	log      zerolog.Logger

	mu sync.Mutex
}

var _ ports.GeofenceEventPublisher = (*GeofencePublisher)(nil)

// Dial connects and declares the exchange. The returned close func releases
// the channel and the connection.
func Dial(url, exchange string, log zerolog.Logger) (*GeofencePublisher, func() error, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			log.Error().Err(err).Msg("rabbitmq connection closed")
		}
	}()

	closeFn := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return NewGeofencePublisher(ch, exchange, log), closeFn, nil
}

func NewGeofencePublisher(ch publisher, exchange string, log zerolog.Logger) *GeofencePublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &GeofencePublisher{ch: ch, exchange: exchange, log: log}
}

func (p *GeofencePublisher) PublishGeofenceEvent(ctx context.Context, ev domain.GeofenceEvent) error {
	body, err := json.Marshal(fleetapi.GeofenceEventPayload{
		VehicleID:      ev.VehicleID,
		ZoneID:         ev.ZoneID,
		Transition:     string(ev.Transition),
		At:             ev.At.UTC(),
		Location:       fleetapi.CoordinatesPayload{Lat: ev.Location.Lat, Lng: ev.Location.Lng},
		DistanceMeters: ev.DistanceMeters,
	})
	if err != nil {
		return fmt.Errorf("marshal geofence event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At.UTC(),
		Type:         "geofence." + string(ev.Transition),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish geofence event: %w", err)
	}
	return nil
}
