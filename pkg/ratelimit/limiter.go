// Package ratelimit throttles per-user actions with a Redis token bucket.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/config"
	redis "github.com/redis/go-redis/v9"
)

// Rule defines a token bucket: Limit tokens refill per Window, with Burst
// extra tokens of headroom.
type Rule struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// Result captures the outcome of a rate limiting decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Limit      int
	Window     time.Duration
	Key        string
}

// Limiter implements a Redis-backed token bucket rate limiter.
type Limiter struct {
	client redis.Cmdable
	prefix string
	rule   Rule
	script *redis.Script
	now    func() time.Time
}

const tokenBucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local refillRate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "timestamp")
local tokens = tonumber(data[1])
local timestamp = tonumber(data[2])

if tokens == nil then
    tokens = capacity
    timestamp = now
else
    if timestamp == nil then
        timestamp = now
    end
    local delta = now - timestamp
    if delta > 0 then
        tokens = math.min(capacity, tokens + (delta * refillRate))
        timestamp = now
    end
end

local allowed = 0
if tokens >= 1 then
    allowed = 1
    tokens = tokens - 1
end

redis.call("HMSET", key, "tokens", tokens, "timestamp", now)
redis.call("PEXPIRE", key, ttl)

local retryAfter = 0
if allowed == 0 then
    retryAfter = math.ceil((1 - tokens) / refillRate)
end

return {allowed, tostring(tokens), retryAfter}
`

// NewLimiter creates a limiter applying cfg to every action. A disabled
// config or a non-positive limit allows everything.
func NewLimiter(client redis.Cmdable, cfg config.RateLimitConfig) *Limiter {
	rule := Rule{Limit: cfg.Limit, Burst: cfg.Burst, Window: cfg.Window}
	if !cfg.Enabled {
		rule.Limit = 0
	}
	if rule.Burst < 0 {
		rule.Burst = 0
	}
	if rule.Window <= 0 {
		rule.Window = time.Minute
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{
		client: client,
		prefix: prefix,
		rule:   rule,
		script: redis.NewScript(tokenBucketScript),
		now:    time.Now,
	}
}

// Rule returns the effective rule.
func (l *Limiter) Rule() Rule {
	return l.rule
}

// Allow takes one token from the bucket of userID for action.
func (l *Limiter) Allow(ctx context.Context, action, userID string) (Result, error) {
	rule := l.rule
	key := fmt.Sprintf("%s:%s:%s", l.prefix, action, userID)

	if rule.Limit <= 0 {
		return Result{Allowed: true, Window: rule.Window, Key: key}, nil
	}

	windowMillis := rule.Window.Milliseconds()
	refillRate := float64(rule.Limit) / float64(windowMillis)
	capacity := float64(rule.Limit + rule.Burst)
	ttl := windowMillis * 2

	raw, err := l.script.Run(ctx, l.client, []string{key},
		l.now().UnixMilli(), formatFloat(refillRate), formatFloat(capacity), ttl,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, errors.New("unexpected script response")
	}

	result := Result{
		Allowed:   toInt(values[0]) == 1,
		Remaining: int(math.Max(0, math.Floor(toFloat(values[1])))),
		Limit:     rule.Limit,
		Window:    rule.Window,
		Key:       key,
	}
	if !result.Allowed {
		result.RetryAfter = time.Duration(toInt(values[2])) * time.Millisecond
	}
	return result, nil
}

// WithNow overrides the time source (useful for tests).
func (l *Limiter) WithNow(now func() time.Time) {
	l.now = now
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 10, 64)
}

func toInt(value interface{}) int {
	switch v := value.(type) {
	case int64:
		return int(v)
	case int:
		return v
	case string:
		i, _ := strconv.Atoi(v)
		return i
	default:
		return 0
	}
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
