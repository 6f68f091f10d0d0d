package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "provisioner:ratelimit:"

// slidingWindow keeps one sorted-set member per admitted request, scored by
// its arrival in milliseconds. It returns {allowed, remaining, resetAtMs}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local nowMs = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', nowMs - windowMs)

local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = nowMs + windowMs
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + windowMs
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, nowMs, member)
redis.call('PEXPIRE', key, windowMs + 1000)

return {1, limit - count - 1, nowMs + windowMs}
`)

// RedisRateLimiter shares sliding windows across replicas. It fails open
// when Redis is unreachable.
type RedisRateLimiter struct {
	client redis.Scripter
}

var _ Limiter = (*RedisRateLimiter)(nil)

func NewRedisRateLimiter(client redis.Scripter) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (rl *RedisRateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt int64) {
	now := time.Now()
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	fallbackReset := now.Add(time.Duration(windowMs) * time.Millisecond).Unix()

	result, err := slidingWindow.Run(ctx, rl.client,
		[]string{redisKeyPrefix + key},
		now.UnixMilli(), windowMs, limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, allowing request")
		return true, limit - 1, fallbackReset
	}
	if len(result) != 3 {
		log.Warn().Str("key", key).Int("len", len(result)).Msg("unexpected redis rate limit result")
		return true, limit - 1, fallbackReset
	}

	return result[0] == 1, int(result[1]), time.UnixMilli(result[2]).Unix()
}
