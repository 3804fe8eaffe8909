// Package connectivity tracks whether the gateway is reachable and tells
// observers when it comes back.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Prober checks reachability. A nil error means online.
type Prober interface {
	Ping(ctx context.Context) error
}

type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Monitor probes periodically and fires restored observers on every
// offline -> online edge. The first successful probe counts as an edge.
type Monitor struct {
	prober Prober
	cfg    Config
	log    zerolog.Logger

	mu        sync.Mutex
	online    bool
	known     bool
	observers []func()
}

func NewMonitor(prober Prober, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Monitor{
		prober: prober,
		cfg:    cfg,
		log:    log.With().Str("component", "connectivity").Logger(),
	}
}

// OnRestored registers fn. Observers run synchronously on the probing
// goroutine and must not block.
func (m *Monitor) OnRestored(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records an observed state, for example a failed submit.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	restored := online && (!m.online || !m.known)
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	observers := append([]func(){}, m.observers...)
	m.mu.Unlock()

	if changed {
		m.log.Info().Bool("online", online).Msg("connectivity changed")
	}
	if restored {
		for _, fn := range observers {
			fn()
		}
	}
}

// Probe runs one reachability check. A probe cut short by ctx records nothing.
func (m *Monitor) Probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Ping(pctx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug().Err(err).Msg("gateway probe failed")
	}
	m.Set(err == nil)
}

func (m *Monitor) Serve(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) String() string {
	return "connectivity-monitor"
}
