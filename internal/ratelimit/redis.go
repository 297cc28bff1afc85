package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const defaultKeyPrefix = "orchestrator:ratelimit"

// reserveScript applies reset-if-due and the decrement in one step so that
// several orchestrator processes share a window without double resets.
// KEYS[1] window hash. ARGV: now_ms, limit, window_ms, count.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local win = tonumber(ARGV[3])
local count = tonumber(ARGV[4])
local h = redis.call("hmget", KEYS[1], "limit", "remaining", "reset_at")
local lim = tonumber(h[1])
local rem = tonumber(h[2])
local reset = tonumber(h[3])
if lim == nil or rem == nil or reset == nil then
	lim = tonumber(ARGV[2])
	rem = lim
	reset = now + win
end
if now >= reset then
	rem = lim
	reset = now + win
end
local granted = 1
if count > 0 then
	if rem >= count then
		rem = rem - count
	else
		granted = 0
	end
end
redis.call("hset", KEYS[1], "limit", lim, "remaining", rem, "reset_at", reset)
redis.call("pexpire", KEYS[1], (reset - now) + win)
return {granted, lim, rem, reset}
`)

// syncScript overwrites a window from authoritative quota headers.
// KEYS[1] window hash. ARGV: limit, remaining, reset_ms, window_ms, now_ms.
var syncScript = redis.NewScript(`
local lim = tonumber(ARGV[1])
local rem = tonumber(ARGV[2])
local reset = tonumber(ARGV[3])
redis.call("hset", KEYS[1], "limit", lim, "remaining", rem, "reset_at", reset)
local ttl = (reset - tonumber(ARGV[5])) + tonumber(ARGV[4])
if ttl > 0 then
	redis.call("pexpire", KEYS[1], ttl)
end
return {1, lim, rem, reset}
`)

// RedisBackend stores windows as Redis hashes shared by every process.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// RedisConfig configures the Redis client used by NewRedisClient.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient builds a client from cfg and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("ratelimit.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisBackend wraps client; prefix namespaces the window keys.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(key WindowKey) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, key.Platform, key.Endpoint)
}

// Reserve implements Backend.
func (b *RedisBackend) Reserve(
	ctx context.Context,
	key WindowKey,
	spec crawler.EndpointSpec,
	count int,
	now time.Time,
) (crawler.RateLimitWindow, bool, error) {
	if count < 0 {
		count = 0
	}
	vals, err := reserveScript.Run(ctx, b.client, []string{b.key(key)},
		now.UnixMilli(),
		spec.Limit,
		spec.Window.Milliseconds(),
		count,
	).Int64Slice()
	if err != nil {
		return crawler.RateLimitWindow{}, false, fmt.Errorf("reserve window %s/%s: %w", key.Platform, key.Endpoint, err)
	}
	window, granted, err := decodeWindow(vals)
	if err != nil {
		return crawler.RateLimitWindow{}, false, err
	}
	return window, granted, nil
}

// Sync implements Backend.
func (b *RedisBackend) Sync(
	ctx context.Context,
	key WindowKey,
	spec crawler.EndpointSpec,
	window crawler.RateLimitWindow,
	now time.Time,
) (crawler.RateLimitWindow, error) {
	w := syncedWindow(spec, window, now)
	vals, err := syncScript.Run(ctx, b.client, []string{b.key(key)},
		w.Limit,
		w.Remaining,
		w.ResetAt.UnixMilli(),
		spec.Window.Milliseconds(),
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return crawler.RateLimitWindow{}, fmt.Errorf("sync window %s/%s: %w", key.Platform, key.Endpoint, err)
	}
	synced, _, err := decodeWindow(vals)
	if err != nil {
		return crawler.RateLimitWindow{}, err
	}
	return synced, nil
}

func decodeWindow(vals []int64) (crawler.RateLimitWindow, bool, error) {
	if len(vals) != 4 {
		return crawler.RateLimitWindow{}, false, fmt.Errorf("unexpected script reply length %d", len(vals))
	}
	return crawler.RateLimitWindow{
		Limit:     int(vals[1]),
		Remaining: int(vals[2]),
		ResetAt:   time.UnixMilli(vals[3]).UTC(),
	}, vals[0] == 1, nil
}
