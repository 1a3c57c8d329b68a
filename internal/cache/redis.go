package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisTTL = 5 * time.Minute

// RedisConfig describes a Redis-backed cache namespace.
type RedisConfig struct {
	Client redis.Cmdable
	Prefix string
	TTL    time.Duration
	Logger *zap.Logger
}

// Redis is a read-through cache shared by every process pointing at the same Redis. Values are
// stored as JSON. A Redis failure degrades to a direct load instead of failing the read.
type Redis[V any] struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	load   Loader[V]
	logger *zap.Logger
}

// NewRedis creates a Redis cache.
func NewRedis[V any](cfg RedisConfig, load Loader[V]) (*Redis[V], error) {
	if cfg.Client == nil {
		return nil, errors.New("cache: redis client is required")
	}
	if load == nil {
		return nil, errMissingLoader
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis[V]{
		client: cfg.Client,
		prefix: cfg.Prefix,
		ttl:    ttl,
		load:   load,
		logger: logger,
	}, nil
}

// NewRedisClient opens a client and checks connectivity.
func NewRedisClient(ctx context.Context, address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Fetch returns the cached value for key, loading and storing it on a miss.
func (c *Redis[V]) Fetch(ctx context.Context, key string) (V, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	switch {
	case err == nil:
		var value V
		decodeErr := json.Unmarshal(raw, &value)
		if decodeErr == nil {
			return value, nil
		}
		c.logger.Warn("cache entry undecodable", zap.String("key", c.prefix+key), zap.Error(decodeErr))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache read failed", zap.String("key", c.prefix+key), zap.Error(err))
	}
	return c.loadAndStore(ctx, key)
}

// Refresh reloads key and overwrites the stored entry.
func (c *Redis[V]) Refresh(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		c.logger.Warn("cache delete failed", zap.String("key", c.prefix+key), zap.Error(err))
	}
	_, err := c.loadAndStore(ctx, key)
	return err
}

func (c *Redis[V]) loadAndStore(ctx context.Context, key string) (V, error) {
	value, err := c.load(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return value, nil
	}
	if err := c.client.Set(ctx, c.prefix+key, encoded, jitteredTTL(c.ttl)).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", c.prefix+key), zap.Error(err))
	}
	return value, nil
}

// jitteredTTL spreads expiry by ±10% so entries written together do not expire together.
func jitteredTTL(base time.Duration) time.Duration {
	spread := int64(base / 5)
	if spread <= 0 {
		return base
	}
	jittered := base + time.Duration(rand.Int63n(spread)-spread/2)
	if jittered <= 0 {
		return base
	}
	return jittered
}
