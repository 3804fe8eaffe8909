package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

const vehicleStateTTL = 6 * time.Hour

// CachedVehicleState fronts the durable pointer store with Redis. The store
// stays the source of truth; cache failures only cost a round trip.
// Key format: vehicle:last:<vehicle_id>
type CachedVehicleState struct {
	client *redis.Client
	store  ports.VehicleStateRepository
	ttl    time.Duration
	log    zerolog.Logger
}

var _ ports.VehicleStateRepository = (*CachedVehicleState)(nil)

func NewCachedVehicleState(client *redis.Client, store ports.VehicleStateRepository, log zerolog.Logger) *CachedVehicleState {
	return &CachedVehicleState{client: client, store: store, ttl: vehicleStateTTL, log: log}
}

func (c *CachedVehicleState) LastAccepted(ctx context.Context, vehicleID string) (*domain.LocationSample, error) {
	raw, err := c.client.Get(ctx, c.key(vehicleID)).Bytes()
	switch {
	case err == nil:
		var s domain.LocationSample
		if uerr := json.Unmarshal(raw, &s); uerr == nil {
			return &s, nil
		}
		c.log.Warn().Str("vehicle_id", vehicleID).Msg("discarding unreadable cached vehicle state")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("vehicle_id", vehicleID).Msg("vehicle state cache read failed")
	}

	s, err := c.store.LastAccepted(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	c.put(ctx, s)
	return s, nil
}

// SaveLastAccepted writes through: store first, then cache. The cache is
// only touched when the store actually moved the pointer.
func (c *CachedVehicleState) SaveLastAccepted(ctx context.Context, sample *domain.LocationSample) (bool, error) {
	moved, err := c.store.SaveLastAccepted(ctx, sample)
	if err != nil || !moved {
		return moved, err
	}
	c.put(ctx, sample)
	return true, nil
}

func (c *CachedVehicleState) put(ctx context.Context, s *domain.LocationSample) {
	raw, err := json.Marshal(s)
	if err != nil {
		c.log.Warn().Err(err).Msg("marshal vehicle state")
		return
	}
	if err := c.client.Set(ctx, c.key(s.VehicleID), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(fmt.Errorf("cache vehicle state: %w", err)).Str("vehicle_id", s.VehicleID).Msg("vehicle state cache write failed")
	}
}

func (c *CachedVehicleState) key(vehicleID string) string {
	return "vehicle:last:" + vehicleID
}
