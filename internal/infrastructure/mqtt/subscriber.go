// Package mqtt bridges device location reports published over MQTT into the
// ingestion gateway.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

const (
	DefaultTopic   = "/fleet/vehicle/+/location"
	connectTimeout = 10 * time.Second
)

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// Connect opens the broker session. Messages are delivered in order, one at
// a time, so a vehicle's reports reach the gateway in publish order.
func Connect(cfg Config, log zerolog.Logger) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

// LocationSubscriber feeds MQTT location reports to the gateway. Rejections
// are logged; MQTT has no reply channel.
type LocationSubscriber struct {
	client    paho.Client
	ingestion ports.IngestionService
	topic     string
	qos       byte
	log       zerolog.Logger
}

func NewLocationSubscriber(client paho.Client, ingestion ports.IngestionService, topic string, qos byte, log zerolog.Logger) *LocationSubscriber {
	if topic == "" {
		topic = DefaultTopic
	}
	return &LocationSubscriber{
		client:    client,
		ingestion: ingestion,
		topic:     topic,
		qos:       qos,
		log:       log.With().Str("component", "mqtt-subscriber").Logger(),
	}
}

// Serve subscribes and stays subscribed until ctx is cancelled.
func (s *LocationSubscriber) Serve(ctx context.Context) error {
	token := s.client.Subscribe(s.topic, s.qos, func(_ paho.Client, msg paho.Message) {
		s.handle(ctx, msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.topic, err)
	}
	s.log.Info().Str("topic", s.topic).Msg("subscribed")

	<-ctx.Done()

	s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	return ctx.Err()
}

func (s *LocationSubscriber) String() string {
	return "mqtt-location-subscriber"
}

func (s *LocationSubscriber) handle(ctx context.Context, topic string, payload []byte) {
	if ctx.Err() != nil {
		return
	}

	var p fleetapi.LocationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("invalid location message")
		return
	}

	vehicleID := vehicleFromTopic(topic)
	if p.VehicleID == "" {
		p.VehicleID = vehicleID
	}
	if vehicleID != "" && p.VehicleID != vehicleID {
		s.log.Warn().
			Str("topic", topic).
			Str("vehicle_id", p.VehicleID).
			Msg("payload vehicle does not match topic, dropping")
		return
	}

	res, err := s.ingestion.Ingest(ctx, p.Sample())
	if err != nil {
		s.log.Error().Err(err).Str("vehicle_id", p.VehicleID).Msg("mqtt sample not decided")
		return
	}
	if res.Outcome != domain.OutcomeAccepted {
		s.log.Debug().
			Str("vehicle_id", p.VehicleID).
			Str("outcome", string(res.Outcome)).
			Str("reason", res.Reason).
			Msg("mqtt sample rejected")
	}
}

// vehicleFromTopic extracts the wildcard segment of /fleet/vehicle/<id>/location.
func vehicleFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 4 || parts[0] != "fleet" || parts[1] != "vehicle" || parts[3] != "location" {
		return ""
	}
	return parts[2]
}
