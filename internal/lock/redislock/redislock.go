// Package redislock is a distributed IssueLocker backed by Redis SETNX,
// for deployments running more than one nexuscored process against a
// shared pgqueue/pgstore backend. A single process-local sync.Mutex (see
// internal/lock) cannot serialize across processes.
package redislock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nickmisasi/nexuscore/internal/lock"
)

const keyPrefix = "nexus:lock:issue:"

// defaultTTL bounds how long a lock is held if its owner crashes without
// releasing it; complete_step and reconciliation passes are expected to
// finish well within this window.
const defaultTTL = 2 * time.Minute

const spinInterval = 25 * time.Millisecond

// Locker is a Redis-backed IssueLocker.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns a Locker using client, with the default lock TTL.
func New(client *redis.Client) *Locker {
	return &Locker{client: client, ttl: defaultTTL}
}

// Lock blocks until the Redis key for issueID is acquired. The calling
// context has no deadline here by design: callers that need a timeout
// should wrap this in their own context and race it against unlock.
func (l *Locker) Lock(issueID string) func() {
	ctx := context.Background()
	key := keyPrefix + issueID
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err == nil && ok {
			break
		}
		time.Sleep(spinInterval)
	}

	return func() {
		// Only delete if we still hold it (best-effort; a crashed holder's
		// key self-expires via ttl regardless).
		val, err := l.client.Get(ctx, key).Result()
		if err == nil && val == token {
			_ = l.client.Del(ctx, key).Err()
		}
	}
}

var _ lock.IssueLocker = (*Locker)(nil)
