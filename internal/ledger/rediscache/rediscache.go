// Package rediscache wraps a ledger.Ledger with a Redis-backed fast path:
// Seen checks a Redis SET membership before falling through to the
// authoritative backing ledger, and Record writes through to both. This
// keeps the StateStore document (fsstore or pgstore) as the source of
// truth while avoiding a full document load on every dedup check under
// high webhook volume.
package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/nickmisasi/nexuscore/internal/ledger"
)

const redisKeyPrefix = "nexus:ledger:"

// TTL bounds how long a digest is cached in Redis before the backing
// ledger is consulted again; it does not bound how long the digest is
// considered "seen" overall, since the backing ledger has no expiry.
const defaultTTL = 24 * time.Hour

// Cache layers a Redis SET in front of a backing ledger.Ledger.
type Cache struct {
	client  *redis.Client
	backing ledger.Ledger
	ttl     time.Duration
}

// New wraps backing with a Redis fast path.
func New(client *redis.Client, backing ledger.Ledger) *Cache {
	return &Cache{client: client, backing: backing, ttl: defaultTTL}
}

func (c *Cache) Digest(issueID string, stepNum int, agentName, event string) string {
	return c.backing.Digest(issueID, stepNum, agentName, event)
}

func (c *Cache) Seen(ctx context.Context, digest string) (bool, error) {
	n, err := c.client.Exists(ctx, redisKeyPrefix+digest).Result()
	if err == nil && n > 0 {
		return true, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		// Redis unavailable: fall through to the authoritative ledger
		// rather than fail the dedup check.
		return c.backing.Seen(ctx, digest)
	}

	seen, err := c.backing.Seen(ctx, digest)
	if err != nil {
		return false, err
	}
	if seen {
		_ = c.client.Set(ctx, redisKeyPrefix+digest, "1", c.ttl).Err()
	}
	return seen, nil
}

func (c *Cache) Record(ctx context.Context, digest string) error {
	if err := c.backing.Record(ctx, digest); err != nil {
		return err
	}
	if err := c.client.Set(ctx, redisKeyPrefix+digest, "1", c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to write-through ledger digest to redis")
	}
	return nil
}

var _ ledger.Ledger = (*Cache)(nil)
