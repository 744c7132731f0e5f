package flightfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds the last feed snapshot between refreshes.
type Cache interface {
	// Load returns nil, nil when nothing is cached.
	Load(ctx context.Context) (*Snapshot, error)
	Store(ctx context.Context, snap *Snapshot, ttl time.Duration) error
}

const redisSnapshotKey = "wing:flightfeed:snapshot"

// ConnectRedis initializes a Redis client from a URL or host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisCache shares the snapshot across replicas.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Load(ctx context.Context) (*Snapshot, error) {
	raw, err := c.client.Get(ctx, redisSnapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return &snap, nil
}

func (c *RedisCache) Store(ctx context.Context, snap *Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisSnapshotKey, raw, ttl).Err()
}

// Ping is used by the readiness check.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// MemoryCache is the single-process cache used when no Redis is configured.
type MemoryCache struct {
	mu      sync.Mutex
	snap    *Snapshot
	expires time.Time
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Load(_ context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil || !c.now().Before(c.expires) {
		return nil, nil
	}
	cp := *c.snap
	cp.Flights = append([]Flight(nil), c.snap.Flights...)
	cp.Airlines = append([]AirlineStats(nil), c.snap.Airlines...)
	return &cp, nil
}

func (c *MemoryCache) Store(_ context.Context, snap *Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.expires = c.now().Add(ttl)
	return nil
}
