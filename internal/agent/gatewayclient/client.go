// Package gatewayclient talks to the ingestion gateway over HTTP.
package gatewayclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/99minutos/fleet-tracking/internal/api/metrics"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

// ErrRejected is returned for 4xx answers other than 429. Retrying the same
// request will not help.
var ErrRejected = errors.New("gateway rejected request")

type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds each network call.
	Timeout time.Duration
	Breaker BreakerConfig
}

// Client implements ports.GatewayClient. Calls go through a circuit breaker;
// an open breaker fails fast with domain.ErrTransientNetwork.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[[]byte]
	log     zerolog.Logger
}

var _ ports.GatewayClient = (*Client)(nil)

// New builds a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    httpClient,
		log:     log.With().Str("component", "gateway-client").Logger(),
	}

	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: cfg.Breaker.HalfOpenRequests,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		// Only transport trouble trips the breaker; a rejected request or a
		// cancelled caller says nothing about gateway health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrTransientNetwork)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	metrics.CircuitBreakerState.WithLabelValues("gateway").Set(float64(gobreaker.StateClosed))

	return c
}

// SubmitBatch posts samples in order and maps the per-item answers.
func (c *Client) SubmitBatch(ctx context.Context, vehicleID string, samples []domain.LocationSample) (ports.BatchAck, error) {
	req := fleetapi.BatchRequest{VehicleID: vehicleID, Samples: make([]fleetapi.LocationPayload, 0, len(samples))}
	for _, s := range samples {
		req.Samples = append(req.Samples, fleetapi.FromSample(s))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return ports.BatchAck{}, fmt.Errorf("encode batch: %w", err)
	}

	body, err := c.call(ctx, http.MethodPost, fleetapi.PathLocationsBatch, payload, http.StatusOK)
	if err != nil {
		return ports.BatchAck{}, err
	}

	var resp fleetapi.BatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ports.BatchAck{}, fmt.Errorf("decode batch response: %w", err)
	}
	if len(resp.Items) != len(samples) {
		return ports.BatchAck{}, fmt.Errorf("batch response has %d items for %d samples", len(resp.Items), len(samples))
	}

	ack := ports.BatchAck{
		Items:          make([]ports.ItemAck, 0, len(resp.Items)),
		LastAcceptedAt: fleetapi.Time(resp.LastAcceptedAt),
	}
	for _, it := range resp.Items {
		ack.Items = append(ack.Items, ports.ItemAck{
			ClientSequence: it.ClientSequence,
			Outcome:        domain.IngestOutcome(it.Outcome),
			LastAcceptedAt: fleetapi.Time(it.LastAcceptedAt),
			Reason:         it.Reason,
		})
	}
	return ack, nil
}

// LastAccepted asks the gateway for the vehicle's pointer. ok is false when
// the gateway has never accepted a sample for it.
func (c *Client) LastAccepted(ctx context.Context, vehicleID string) (time.Time, bool, error) {
	path := fmt.Sprintf(fleetapi.PathLastAccepted, url.PathEscape(vehicleID))
	body, err := c.call(ctx, http.MethodGet, path, nil, http.StatusOK)
	if errors.Is(err, errNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	var resp fleetapi.LastAcceptedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, false, fmt.Errorf("decode last accepted: %w", err)
	}
	return resp.LastAcceptedAt, true, nil
}

// Ping hits the liveness endpoint. It bypasses the breaker so connectivity
// probing keeps working while the breaker is open.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+fleetapi.PathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", domain.ErrTransientNetwork, resp.StatusCode)
	}
	return nil
}

var errNotFound = errors.New("not found")

func (c *Client) call(ctx context.Context, method, path string, payload []byte, want int) ([]byte, error) {
	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(ctx, method, path, payload, want)
	})
	switch {
	case err == nil:
		return body, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	default:
		return nil, err
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, want int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransientNetwork, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTransientNetwork, err)
	}

	switch {
	case resp.StatusCode == want:
		return body, nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return nil, errNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s returned %d", domain.ErrTransientNetwork, method, path, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", ErrRejected, method, path, resp.StatusCode, truncate(body))
	}
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}
