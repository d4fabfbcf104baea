package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Prefix         string
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
}

// DefaultConfig allows a burst of ten redemption attempts per client and
// invitation, refilling one every thirty seconds.
func DefaultConfig() Config {
	return Config{
		Prefix:         "dealroom:rl",
		Capacity:       10,
		RefillTokens:   1,
		RefillInterval: 30 * time.Second,
		TTL:            time.Hour,
	}
}

type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, parts ...string) (Result, error)
}

// Nop always allows.
type Nop struct{}

func (Nop) Allow(context.Context, ...string) (Result, error) {
	return Result{Allowed: true}, nil
}

var bucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// RedisLimiter is a token bucket kept in Redis so that every server
// process shares the same budget per key.
type RedisLimiter struct {
	rdb *redis.Client
	cfg Config
	now func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg, now: time.Now}
}

func (l *RedisLimiter) Key(parts ...string) string {
	return strings.Join(append([]string{l.cfg.Prefix}, parts...), ":")
}

// Allow takes one token from the bucket named by parts. When Redis cannot
// be reached the request is allowed and the error is returned for logging.
func (l *RedisLimiter) Allow(ctx context.Context, parts ...string) (Result, error) {
	vals, err := bucketScript.Run(ctx, l.rdb, []string{l.Key(parts...)},
		l.now().UnixMilli(),
		l.cfg.Capacity,
		l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(),
		int64(l.cfg.TTL/time.Second),
	).Result()
	if err != nil {
		return Result{Allowed: true}, fmt.Errorf("rate limit script: %w", err)
	}

	return parseResult(vals)
}

func parseResult(vals any) (Result, error) {
	arr, ok := vals.([]any)
	if !ok || len(arr) != 3 {
		return Result{Allowed: true}, fmt.Errorf("unexpected rate limit result %#v", vals)
	}

	return Result{
		Allowed:    asInt64(arr[0]) == 1,
		Remaining:  asInt64(arr[1]),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
