package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
type RedisConfig struct {
	Addr string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize     int
	MinIdleConns int
	PoolTimeout  time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 500 * time.Millisecond
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 500 * time.Millisecond
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		PoolTimeout:  cfg.PoolTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = ttl_ms.
// Returns 1 if a slot was taken, 0 if the limit is reached.
var capAcquireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

// KEYS[1] = counter key. Decrements and deletes the key at zero.
var capReleaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// ConcurrencyCap is a fleet-wide counting semaphore kept in Redis.
// The TTL bounds how long slots leak if a process dies holding them.
type ConcurrencyCap struct {
	rdb   redis.Scripter
	key   string
	limit int
	ttl   time.Duration
}

func NewConcurrencyCap(rdb redis.Scripter, key string, limit int, ttl time.Duration) (*ConcurrencyCap, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0")
	}
	return &ConcurrencyCap{rdb: rdb, key: key, limit: limit, ttl: ttl}, nil
}

// TryAcquire takes a slot if one is free.
func (c *ConcurrencyCap) TryAcquire(ctx context.Context) (bool, error) {
	res, err := capAcquireScript.Run(ctx, c.rdb, []string{c.key}, c.limit, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release frees a slot taken by TryAcquire.
func (c *ConcurrencyCap) Release(ctx context.Context) error {
	return capReleaseScript.Run(ctx, c.rdb, []string{c.key}).Err()
}
