package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agora.app/internal/ids"
)

// slidingWindowScript keeps one sorted-set member per admitted call scored by
// its time in milliseconds. Denied calls are not recorded.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count < limit then
  redis.call("ZADD", key, ARGV[1], ARGV[4])
  redis.call("PEXPIRE", key, window)
  return {1, count + 1, 0}
end
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, count, retry}
`)

const defaultRedisTimeout = 2 * time.Second

type RedisLimiter struct {
	Client   redis.Scripter
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter

	now func() time.Time
}

// NewRedis builds a limiter that falls back to a per-process limiter when
// Redis cannot be reached.
func NewRedis(client redis.Scripter) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "rl:",
		Timeout:  defaultRedisTimeout,
		Fallback: NewInMemory(),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, win time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if win <= 0 {
		win = time.Minute
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit, win, nil)
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nowMs := l.clock().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, ids.New())
	res, err := slidingWindowScript.Run(ctx, l.Client, []string{l.Prefix + key}, nowMs, win.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return l.fallback(ctx, key, limit, win, err)
	}
	if len(res) < 3 {
		return l.fallback(ctx, key, limit, win, fmt.Errorf("ratelimit: unexpected script reply %v", res))
	}

	count := int(res[1])
	d := Decision{
		Allowed: res[0] == 1,
		Count:   count,
		Limit:   limit,
	}
	if d.Allowed {
		d.Remaining = limit - count
	} else {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d, nil
}

func (l *RedisLimiter) clock() time.Time {
	if l.now == nil {
		return time.Now()
	}
	return l.now()
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int, win time.Duration, cause error) (Decision, error) {
	if l.Fallback == nil {
		if cause == nil {
			cause = fmt.Errorf("ratelimit: redis client not configured")
		}
		return Decision{}, cause
	}
	return l.Fallback.Allow(ctx, key, limit, win)
}
