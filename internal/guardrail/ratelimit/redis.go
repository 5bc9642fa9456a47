package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript trims the window, counts, and records in one round trip so
// concurrent processes cannot over-admit.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisConfig describes the Redis connection used for shared counters.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisLimiter keeps one sorted set per key, scored by admission time in ms.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.Address == "" {
		return nil, errors.New("NewRedisLimiter: address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "langford:ratelimit:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("NewRedisLimiter: %w", err)
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}, nil
}

func (l *RedisLimiter) Reserve(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	nowMs := l.now().UnixMilli()
	admitted, err := reserveScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		nowMs, window.Milliseconds(), limit, fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("Reserve: %w", err)
	}
	return admitted == 1, nil
}

// Close closes the Redis connection.
func (l *RedisLimiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
