package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig is what OpenRedis needs. Zero timeouts and pool sizes take
// defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	return c
}

// OpenRedis builds the client used for notification fan-out and worker
// slots, and checks it with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = slot key, ARGV[1] = owner token, ARGV[2] = ttl_ms
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
return 0
`)

var slotReleaseScript = redis.NewScript(`
-- KEYS[1] = slot key, ARGV[1] = owner token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireSlot takes the single slot under key for ttl and returns the owner
// token ReleaseSlot needs. ok is false when another holder has it.
//
// The TTL frees the slot if the holder dies; it must exceed the longest run.
func AcquireSlot(ctx context.Context, rdb redis.Scripter, key string, ttl time.Duration) (token string, ok bool, err error) {
	if rdb == nil {
		return "", false, errors.New("redis client is nil")
	}
	if key == "" {
		return "", false, errors.New("key is required")
	}
	if ttl <= 0 {
		return "", false, errors.New("ttl must be > 0")
	}

	token = uuid.NewString()
	res, err := slotAcquireScript.Run(ctx, rdb, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return "", false, err
	}
	if res != 1 {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseSlot frees key if token still owns it. It reports false when the
// slot had already expired or passed to another holder.
func ReleaseSlot(ctx context.Context, rdb redis.Scripter, key, token string) (bool, error) {
	if rdb == nil {
		return false, errors.New("redis client is nil")
	}
	if key == "" || token == "" {
		return false, errors.New("key and token are required")
	}
	n, err := slotReleaseScript.Run(ctx, rdb, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
