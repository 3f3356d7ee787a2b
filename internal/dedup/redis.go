package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultClaimTTL bounds how long a claim survives a crashed holder.
const DefaultClaimTTL = 24 * time.Hour

// RedisTracker shares claims between replicas using SET NX.
type RedisTracker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker wraps an existing client. Keys are "<prefix>:<id>".
func NewRedisTracker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "arbitro:claim"
	}
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return client, nil
}

func (r *RedisTracker) key(id string) string {
	return r.prefix + ":" + id
}

func (r *RedisTracker) TryClaim(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(id), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (r *RedisTracker) Release(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisTracker) IsClaimed(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Ping checks connectivity for health reporting.
func (r *RedisTracker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
