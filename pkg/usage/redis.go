package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// hitScript checks the minute, hour and burst windows of one caller and
// records the hit in all three only when every threshold passes.
// KEYS: minute, hour, burst. ARGV: now_ms, per_minute, per_hour, burst, member.
// Returns {allowed, retry_after_ms, minute_count, hour_count}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local limits = {tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])}
local windows = {60000, 3600000, 1000}
local counts = {}
local allowed = 1
local retry = 0

for i = 1, 3 do
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - windows[i])
  counts[i] = redis.call('ZCARD', KEYS[i])
  if limits[i] > 0 and counts[i] >= limits[i] then
    allowed = 0
    local idx = counts[i] - limits[i]
    local oldest = redis.call('ZRANGE', KEYS[i], idx, idx, 'WITHSCORES')
    if oldest[2] then
      local wait = tonumber(oldest[2]) + windows[i] - now
      if wait > retry then
        retry = wait
      end
    end
  end
end

if allowed == 1 then
  for i = 1, 3 do
    redis.call('ZADD', KEYS[i], now, ARGV[5])
    redis.call('PEXPIRE', KEYS[i], windows[i] * 2)
  end
end

return {allowed, retry, counts[1], counts[2]}
`)

// RedisCounter keeps sliding windows in Redis sorted sets so several gateway
// processes share one view of each caller.
type RedisCounter struct {
	client redis.Scripter
	prefix string
}

// NewRedisCounter creates a counter. Keys are "<prefix>:<caller>:minute|hour|burst".
func NewRedisCounter(client redis.Scripter, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "rate"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// OpenRedis connects to the Redis server at rawURL and pings it.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRedis, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrRedis, err)
	}
	return client, nil
}

// Hit checks and records one request for callerID in a single script call.
func (r *RedisCounter) Hit(ctx context.Context, callerID string, limits RateLimits, now time.Time) (RateDecision, error) {
	keys := []string{
		r.prefix + ":" + callerID + ":minute",
		r.prefix + ":" + callerID + ":hour",
		r.prefix + ":" + callerID + ":burst",
	}

	values, err := hitScript.Run(ctx, r.client, keys,
		now.UnixMilli(),
		limits.PerMinute,
		limits.PerHour,
		limits.Burst,
		strconv.FormatInt(now.UnixMilli(), 10)+"-"+ulid.Make().String(),
	).Int64Slice()
	if err != nil {
		return RateDecision{}, fmt.Errorf("%w: %w", ErrRedis, err)
	}
	if len(values) != 4 {
		return RateDecision{}, fmt.Errorf("%w: unexpected script reply %v", ErrRedis, values)
	}

	allowed := values[0] == 1
	return RateDecision{
		Allowed:         allowed,
		RetryAfter:      time.Duration(values[1]) * time.Millisecond,
		MinuteRemaining: remaining(limits.PerMinute, int(values[2]), allowed),
		HourRemaining:   remaining(limits.PerHour, int(values[3]), allowed),
	}, nil
}
