package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

const defaultZoneRefresh = time.Minute

// ZoneCache keeps the zone set in memory and polls the store for changes.
// Zones breaking the radius bounds are skipped.
type ZoneCache struct {
	repo     ports.ZoneRepository
	interval time.Duration
	log      zerolog.Logger

	mu    sync.RWMutex
	zones []domain.GeofenceZone
}

func NewZoneCache(repo ports.ZoneRepository, interval time.Duration, log zerolog.Logger) *ZoneCache {
	if interval <= 0 {
		interval = defaultZoneRefresh
	}
	return &ZoneCache{repo: repo, interval: interval, log: log}
}

// Zones returns the current snapshot. The slice must not be modified.
func (c *ZoneCache) Zones() []domain.GeofenceZone {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.zones
}

// Refresh reloads zones from the repository.
func (c *ZoneCache) Refresh(ctx context.Context) error {
	all, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh zones: %w", err)
	}

	valid := make([]domain.GeofenceZone, 0, len(all))
	for _, z := range all {
		if err := z.Validate(); err != nil {
			c.log.Warn().Err(err).Str("zone_id", z.ID).Msg("skipping zone")
			continue
		}
		valid = append(valid, z)
	}

	c.mu.Lock()
	c.zones = valid
	c.mu.Unlock()

	c.log.Debug().Int("zones", len(valid)).Msg("zones refreshed")
	return nil
}

// Serve polls until ctx is cancelled. A failed poll keeps the previous set.
func (c *ZoneCache) Serve(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.log.Error().Err(err).Msg("initial zone load failed")
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Error().Err(err).Msg("zone refresh failed")
			}
		}
	}
}

func (c *ZoneCache) String() string {
	return "zone-cache"
}
