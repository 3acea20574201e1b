// Package store mirrors live session state into Redis so other processes
// can see which sessions a relay instance is serving.
package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// hashClient is the subset of *redis.Client the tracker uses.
type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisTracker stores one hash per session under prefix+sessionID.
type RedisTracker struct {
	client  hashClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisTracker wraps an existing client. ttl bounds how long a key
// survives a crashed relay.
func NewRedisTracker(client *redis.Client, prefix string, ttl time.Duration) *RedisTracker {
	return newTracker(client, prefix, ttl)
}

func newTracker(client hashClient, prefix string, ttl time.Duration) *RedisTracker {
	return &RedisTracker{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		timeout: 800 * time.Millisecond,
	}
}

func (t *RedisTracker) key(sessionID string) string {
	return t.prefix + sessionID
}

// Ping checks connectivity.
func (t *RedisTracker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis PING: %w", err)
	}
	return nil
}

// Track records a new session.
func (t *RedisTracker) Track(ctx context.Context, sessionID, remoteAddr, state string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return t.set(ctx, sessionID,
		"state", state,
		"remote_addr", remoteAddr,
		"started_at", now,
		"updated_at", now,
	)
}

// SetState updates the session's state field.
func (t *RedisTracker) SetState(ctx context.Context, sessionID, state string) error {
	return t.set(ctx, sessionID,
		"state", state,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
}

// Untrack removes the session.
func (t *RedisTracker) Untrack(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	key := t.key(sessionID)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

func (t *RedisTracker) set(ctx context.Context, sessionID string, values ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	key := t.key(sessionID)
	if err := t.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	if t.ttl > 0 {
		if err := t.client.Expire(ctx, key, t.ttl).Err(); err != nil {
			return fmt.Errorf("redis EXPIRE %s: %w", key, err)
		}
	}
	return nil
}
