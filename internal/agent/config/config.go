// Package config loads the device agent configuration.
//
// Precedence: environment > YAML file > defaults.
//
//	FLEET_AGENT_GATEWAY__BASE_URL  -> gateway.base_url
//	FLEET_AGENT_SYNC__INTERVAL     -> sync.interval
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

const (
	envPrefix = "FLEET_AGENT_"
	// PathEnvVar overrides the config file location.
	PathEnvVar = "FLEET_AGENT_CONFIG"
)

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"agent.yaml",
	"agent.yml",
	"/etc/fleet-agent/agent.yaml",
}

type Config struct {
	Vehicles     []string           `koanf:"vehicles"`
	Gateway      GatewayConfig      `koanf:"gateway"`
	Sampler      SamplerConfig      `koanf:"sampler"`
	Queue        QueueConfig        `koanf:"queue"`
	Sync         SyncConfig         `koanf:"sync"`
	Breaker      BreakerConfig      `koanf:"breaker"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Position     PositionConfig     `koanf:"position"`
	Log          LogConfig          `koanf:"log"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

type GatewayConfig struct {
	BaseURL string        `koanf:"base_url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

type SamplerConfig struct {
	Interval        time.Duration `koanf:"interval"`
	MinDisplacement float64       `koanf:"min_displacement_meters"`
	AccuracyFloor   float64       `koanf:"accuracy_floor_meters"`
}

type QueueConfig struct {
	Path        string        `koanf:"path"`
	MaxEntries  int           `koanf:"max_entries"`
	MaxAttempts int           `koanf:"max_attempts"`
	GCInterval  time.Duration `koanf:"gc_interval"`
}

type SyncConfig struct {
	Interval       time.Duration `koanf:"interval"`
	BatchSize      int           `koanf:"batch_size"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	FlushTimeout   time.Duration `koanf:"flush_timeout"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
	OpenTimeout         time.Duration `koanf:"open_timeout"`
	HalfOpenRequests    uint32        `koanf:"half_open_requests"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `koanf:"probe_interval"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout"`
}

// PositionConfig drives the simulated positioning source.
type PositionConfig struct {
	OriginLat  float64       `koanf:"origin_lat"`
	OriginLng  float64       `koanf:"origin_lng"`
	StepMeters float64       `koanf:"step_meters"`
	Period     time.Duration `koanf:"period"`
	Accuracy   float64       `koanf:"accuracy_meters"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

func defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
		Sampler: SamplerConfig{
			Interval:        30 * time.Second,
			MinDisplacement: 10,
			AccuracyFloor:   50,
		},
		Queue: QueueConfig{
			Path:        "/var/lib/fleet-agent/queue",
			MaxEntries:  1000,
			MaxAttempts: 5,
			GCInterval:  5 * time.Minute,
		},
		Sync: SyncConfig{
			Interval:       15 * time.Second,
			BatchSize:      50,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			FlushTimeout:   5 * time.Second,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
			HalfOpenRequests:    1,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Position: PositionConfig{
			OriginLat:  19.4326,
			OriginLng:  -99.1332,
			StepMeters: 25,
			Period:     5 * time.Second,
			Accuracy:   8,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: ":9102"},
	}
}

// Load layers defaults, the optional YAML file at path (or the first of
// DefaultPaths) and FLEET_AGENT_* variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	d := defaults()
	if err := k.Load(structs.Provider(&d, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Env values arrive as strings; vehicles is a comma separated list there.
	if raw, ok := k.Get("vehicles").(string); ok {
		if err := k.Set("vehicles", splitList(raw)); err != nil {
			return nil, fmt.Errorf("set vehicles: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Vehicles) == 0 {
		errs = append(errs, errors.New("vehicles: at least one vehicle id is required"))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.base_url is required"))
	}
	if c.Sampler.Interval <= 0 {
		errs = append(errs, errors.New("sampler.interval must be positive"))
	}
	if c.Queue.Path == "" {
		errs = append(errs, errors.New("queue.path is required"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Sync.BatchSize > fleetapi.MaxBatchSize {
		errs = append(errs, fmt.Errorf("sync.batch_size must not exceed %d, the gateway rejects larger batches", fleetapi.MaxBatchSize))
	}
	if c.Sync.MaxBackoff < c.Sync.InitialBackoff {
		errs = append(errs, errors.New("sync.max_backoff must not be below sync.initial_backoff"))
	}
	return errors.Join(errs...)
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps FLEET_AGENT_SYNC__BATCH_SIZE to sync.batch_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
