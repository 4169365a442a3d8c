package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/meshgate/internal/logging"
)

// slidingWindowScript implements the sliding window over a Redis sorted set.
// Returns: [allowed (0/1), remaining]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1}
else
    return {0, 0}
end
`)

// RedisLimiter provides Redis-backed sliding window admission control so
// multiple gateway instances share one window per client. It fails open:
// when Redis is unreachable the request is admitted and the error logged.
type RedisLimiter struct {
	client       *redis.Client
	prefix       string
	defaultLimit int
	window       time.Duration
}

// RedisConfig holds config for creating a RedisLimiter.
type RedisConfig struct {
	Client       *redis.Client
	Prefix       string
	DefaultLimit int
	Window       time.Duration
}

// NewRedisLimiter creates a new Redis-backed limiter.
func NewRedisLimiter(cfg RedisConfig) *RedisLimiter {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 1000
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "mesh:rl:"
	}
	return &RedisLimiter{
		client:       cfg.Client,
		prefix:       cfg.Prefix,
		defaultLimit: cfg.DefaultLimit,
		window:       cfg.Window,
	}
}

// Allow checks whether a request from clientID is admitted.
func (rl *RedisLimiter) Allow(ctx context.Context, clientID string, limit int) Decision {
	if limit <= 0 {
		limit = rl.defaultLimit
	}
	now := time.Now()
	windowMs := rl.window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.prefix + clientID},
		now.UnixMilli(), windowMs, limit,
	).Int64Slice()
	if err != nil || len(res) < 2 {
		logging.Warn("redis rate limit check failed, admitting",
			zap.String("client", clientID), zap.Error(err))
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetTime: now.Add(rl.window)}
	}

	if res[0] == 1 {
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: int(res[1]),
			ResetTime: now.Add(rl.window),
		}
	}
	return Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetTime:  now.Add(rl.window),
		RetryAfter: int(rl.window / time.Second),
	}
}

var _ Limiter = (*RedisLimiter)(nil)
var _ Limiter = (*SlidingWindow)(nil)
