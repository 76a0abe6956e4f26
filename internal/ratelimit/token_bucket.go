package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/metrics"
	"github.com/aman-churiwal/quota-gateway/internal/storage"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	"github.com/redis/go-redis/v9"
)

// DefaultStoreTimeout bounds a single script call
const DefaultStoreTimeout = 250 * time.Millisecond

// tokenBucketSource refills and spends one token in a single step.
// KEYS[1] bucket id
// ARGV[1] capacity, ARGV[2] refill rate per second, ARGV[3] now (unix
// seconds), ARGV[4] ttl in seconds.
// Returns {admitted (0|1), tokens after the decision}.
//
// Token counts are written with %.17g. Redis embeds Lua 5.1, whose tostring
// keeps only 14 significant digits, so a stored fraction would drift below
// the exact refill and deny a caller one interval late.
const tokenBucketSource = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now
end

local elapsed = math.max(0, now - last_refill)
local refilled = math.min(capacity, math.max(0, tokens) + elapsed * refill_rate)

local admitted = 0
if refilled >= 1 then
	admitted = 1
	refilled = refilled - 1
end

local encoded = string.format("%.17g", refilled)
redis.call("HSET", key, "tokens", encoded, "last_refill", tostring(now))
redis.call("EXPIRE", key, ttl)

return {admitted, encoded}
`

var tokenBucketScript = redis.NewScript(tokenBucketSource)

// RedisEngine keeps buckets in Redis and decides with one Lua script, so
// every replica sharing the store sees the same quota
type RedisEngine struct {
	redis   *storage.RedisClient
	timeout time.Duration
	metrics *metrics.Collector
}

func NewRedisEngine(redis *storage.RedisClient, timeout time.Duration, collector *metrics.Collector) *RedisEngine {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}

	return &RedisEngine{
		redis:   redis,
		timeout: timeout,
		metrics: collector,
	}
}

func (e *RedisEngine) Name() string {
	return "redis"
}

// Loads the script into the server cache so the first request runs EVALSHA
func (e *RedisEngine) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.redis.LoadScript(ctx, tokenBucketScript); err != nil {
		e.metrics.ObserveStoreError("script_load")
		return unavailable("script_load", err)
	}
	return nil
}

func (e *RedisEngine) TryAcquire(ctx context.Context, bucketID string, capacity, refillRate float64, nowSeconds int64) (Decision, error) {
	if err := validateParams(bucketID, capacity, refillRate); err != nil {
		return Decision{}, err
	}

	// The decrement must commit even if the caller goes away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	start := time.Now()
	res, err := e.redis.RunScript(ctx, tokenBucketScript, []string{bucketID},
		strconv.FormatFloat(capacity, 'f', -1, 64),
		strconv.FormatFloat(refillRate, 'f', -1, 64),
		nowSeconds,
		tier.TTLSeconds(capacity, refillRate),
	)
	e.metrics.ObserveStoreDuration(time.Since(start))

	if err != nil {
		e.metrics.ObserveStoreError("try_acquire")
		return Decision{}, unavailable("try_acquire", err)
	}

	decision, err := parseReply(res)
	if err != nil {
		e.metrics.ObserveStoreError("parse_reply")
		return Decision{}, unavailable("parse_reply", err)
	}

	return decision, nil
}

func parseReply(res interface{}) (Decision, error) {
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected script reply: %v", res)
	}

	var admitted bool
	switch v := values[0].(type) {
	case int64:
		admitted = v == 1
	default:
		return Decision{}, fmt.Errorf("unexpected admitted value: %T", values[0])
	}

	var tokens float64
	switch v := values[1].(type) {
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to parse tokens %q: %w", v, err)
		}
		tokens = parsed
	case int64:
		tokens = float64(v)
	default:
		return Decision{}, fmt.Errorf("unexpected tokens value: %T", values[1])
	}

	return Decision{Admitted: admitted, Tokens: tokens}, nil
}
