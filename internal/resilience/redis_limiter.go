package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements DistributedLimiter using Redis and a Lua script.
type RedisLimiter struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
}

// fixed window counter; times in milliseconds
const fixedWindowScript = `
local window_key = KEYS[1]
local counter_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])

local window_start = redis.call('GET', window_key)
if not window_start or (now - tonumber(window_start)) >= window_size then
    redis.call('SET', window_key, tostring(now), 'PX', window_size)
    redis.call('SET', counter_key, 1, 'PX', window_size)
    return {tostring(now), 1}
end

local counter = redis.call('INCR', counter_key)
if redis.call('PTTL', counter_key) == -1 then
    redis.call('PEXPIRE', counter_key, window_size)
end
return {window_start, counter}
`

// NewRedisLimiter creates a new RedisLimiter instance. Keys are namespaced with prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "espgate:ratelimit"
	}
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: prefix,
	}
}

// CheckAllow implements DistributedLimiter.
func (r *RedisLimiter) CheckAllow(ctx context.Context, desc Descriptor) (LimitResult, error) {
	window := desc.Window.Milliseconds()
	if window <= 0 {
		window = 1
	}
	now := time.Now().UnixMilli()

	// The hash tag keeps both keys on the same cluster slot.
	tag := fmt.Sprintf("%s:{%s}", r.prefix, desc.Key)
	keys := []string{tag + ":window", tag + ":count"}

	val, err := r.script.Run(ctx, r.client, keys, now, window).Result()
	if err != nil {
		return LimitResult{}, err
	}

	values, ok := val.([]interface{})
	if !ok || len(values) != 2 {
		return LimitResult{}, fmt.Errorf("unexpected result from redis script: %v", val)
	}
	windowStart, err := toInt64(values[0])
	if err != nil {
		return LimitResult{}, fmt.Errorf("window start: %w", err)
	}
	current, err := toInt64(values[1])
	if err != nil {
		return LimitResult{}, fmt.Errorf("counter: %w", err)
	}

	remaining := desc.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	return LimitResult{
		Allowed:   current <= desc.Limit,
		Current:   current,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(windowStart + window),
	}, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case float64:
		return int64(n), nil
	default:
		return strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64)
	}
}
