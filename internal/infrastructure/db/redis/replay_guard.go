package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayTTL = 24 * time.Hour

// ReplayGuard remembers accepted samples so a device re-submitting after a
// lost acknowledgment gets the same answer without a second write.
// Key format: ingest:<vehicle_id>:<client_sequence>:<unix_nano>
type ReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReplayGuard creates a ReplayGuard wrapping the given Redis client.
func NewReplayGuard(client *redis.Client) *ReplayGuard {
	return &ReplayGuard{client: client, ttl: replayTTL}
}

// IsDuplicate reports whether this exact sample was already accepted.
func (g *ReplayGuard) IsDuplicate(ctx context.Context, vehicleID string, seq uint64, ts time.Time) (bool, error) {
	n, err := g.client.Exists(ctx, g.key(vehicleID, seq, ts)).Result()
	if err != nil {
		return false, fmt.Errorf("replay check: %w", err)
	}
	return n > 0, nil
}

// Mark records the sample as accepted (expires after the guard TTL).
func (g *ReplayGuard) Mark(ctx context.Context, vehicleID string, seq uint64, ts time.Time) error {
	return g.client.Set(ctx, g.key(vehicleID, seq, ts), "1", g.ttl).Err()
}

func (g *ReplayGuard) key(vehicleID string, seq uint64, ts time.Time) string {
	return fmt.Sprintf("ingest:%s:%d:%d", vehicleID, seq, ts.UnixNano())
}
