package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port            string        `env:"PORT,             default=8080"`
	Env             string        `env:"ENV,              default=development"`
	JWTSecret       string        `env:"JWT_SECRET"`
	LogLevel        string        `env:"LOG_LEVEL,        default=info"`
	LogPretty       bool          `env:"LOG_PRETTY,       default=false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=15s"`

	Mongo     MongoConfig
	Redis     RedisConfig
	Ingest    IngestConfig
	Geofence  GeofenceConfig
	Broadcast BroadcastConfig
	MQTT      MQTTConfig
	AMQP      AMQPConfig
}

type MongoConfig struct {
	URI      string        `env:"MONGO_URI,     default=mongodb://localhost:27017"`
	Database string        `env:"MONGO_DB,      default=fleet_tracking"`
	Timeout  time.Duration `env:"MONGO_TIMEOUT, default=10s"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,     default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,       default=0"`
}

// IngestConfig sizes the two per-vehicle sharded worker pools.
type IngestConfig struct {
	Workers         int `env:"INGEST_WORKERS,   default=16"`
	AcceptedWorkers int `env:"ACCEPTED_WORKERS, default=16"`
}

type GeofenceConfig struct {
	ZoneRefresh         time.Duration `env:"ZONE_REFRESH_INTERVAL,         default=1m"`
	HysteresisRatio     float64       `env:"GEOFENCE_HYSTERESIS_RATIO,     default=0.05"`
	ConfirmationSamples int           `env:"GEOFENCE_CONFIRMATION_SAMPLES, default=1"`
}

type BroadcastConfig struct {
	BacklogSize    int      `env:"STREAM_BACKLOG_SIZE,    default=256"`
	HistorySize    int      `env:"STREAM_HISTORY_SIZE,    default=128"`
	AllowedOrigins []string `env:"STREAM_ALLOWED_ORIGINS"`
}

// MQTTConfig enables the MQTT ingestion bridge when Broker is set.
type MQTTConfig struct {
	Broker   string `env:"MQTT_BROKER"`
	ClientID string `env:"MQTT_CLIENT_ID, default=fleet-gateway"`
	Username string `env:"MQTT_USERNAME"`
	Password string `env:"MQTT_PASSWORD"`
	Topic    string `env:"MQTT_TOPIC,     default=/fleet/vehicle/+/location"`
	QoS      byte   `env:"MQTT_QOS,       default=1"`
}

// AMQPConfig enables geofence event egress when URL is set.
type AMQPConfig struct {
	URL      string `env:"AMQP_URL"`
	Exchange string `env:"AMQP_EXCHANGE, default=fleet.events"`
}

// Load reads configuration from environment variables using go-envconfig.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Geofence.HysteresisRatio < 0 || c.Geofence.HysteresisRatio >= 1 {
		errs = append(errs, fmt.Errorf("GEOFENCE_HYSTERESIS_RATIO must be in [0,1), got %v", c.Geofence.HysteresisRatio))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
