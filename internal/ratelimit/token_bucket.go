package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/outbound-gateway/internal/storage"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrAcquireTimeout is returned when no token becomes available before
// the caller's context deadline.
var ErrAcquireTimeout = errors.New("rate limit token not acquired within timeout")

const (
	// Conservative defaults for endpoints with no discovered limits yet
	defaultCapacity   = 1.0
	defaultRefillRate = 1.0 // tokens per second

	bucketStateTTL = time.Hour

	maxRedisRetries = 3
	redisRetryDelay = 100 * time.Millisecond

	// Upper bound on a single wait between acquire attempts, so a
	// concurrent refill-rate increase is picked up promptly
	maxAcquireWait = time.Second
)

// Refill and consume as one atomic step. State is a hash at
// bucket:<key> with tokens, capacity, refill_rate, last_refill_at.
// Missing buckets are created with the conservative defaults.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local def_cap = tonumber(ARGV[2])
local def_rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'capacity', 'refill_rate', 'last_refill_at')
local tokens = tonumber(state[1])
local capacity = tonumber(state[2])
local refill = tonumber(state[3])
local last = tonumber(state[4])

if tokens == nil or capacity == nil or refill == nil or last == nil then
  tokens = def_cap
  capacity = def_cap
  refill = def_rate
  last = now
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'capacity', capacity, 'refill_rate', refill, 'last_refill_at', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(tokens), tostring(refill)}
`)

// Capacity and refill rate change; held tokens are left alone. A
// bucket created here starts empty so a freshly discovered limit
// cannot grant an instant burst.
var updateLimitsScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if redis.call('EXISTS', key) == 1 then
  redis.call('HSET', key, 'capacity', capacity, 'refill_rate', refill)
else
  redis.call('HSET', key, 'tokens', 0, 'capacity', capacity, 'refill_rate', refill, 'last_refill_at', now)
end
redis.call('EXPIRE', key, ttl)

return 1
`)

// ScriptRunner executes a Lua script atomically against the shared
// store. *storage.RedisClient implements it.
type ScriptRunner interface {
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
}

var _ ScriptRunner = (*storage.RedisClient)(nil)

// TokenBucket is the shared admission gate. All refill/consume steps
// run server-side in Redis so concurrent callers in any process never
// interleave on the same key. When Redis is unreachable it degrades to
// per-key local buckets with the same conservative defaults.
type TokenBucket struct {
	store ScriptRunner
	now   func() time.Time

	mu       sync.Mutex
	fallback map[string]*rate.Limiter

	degradedAcquires atomic.Int64
}

func NewTokenBucket(store ScriptRunner) *TokenBucket {
	return &TokenBucket{
		store:    store,
		now:      time.Now,
		fallback: make(map[string]*rate.Limiter),
	}
}

// BucketStatus is a read-only snapshot for the admin surface.
type BucketStatus struct {
	Key          string  `json:"key"`
	Tokens       float64 `json:"tokens"`
	Capacity     float64 `json:"capacity"`
	RefillRate   float64 `json:"refill_rate"`
	LastRefillAt float64 `json:"last_refill_at"`
}

// Acquire blocks the calling goroutine until a token is granted for
// key or ctx expires. Only this goroutine is suspended; waits are
// computed from the bucket's deficit, capped so limit updates are
// noticed quickly.
func (t *TokenBucket) Acquire(ctx context.Context, key string) error {
	for {
		admitted, wait, err := t.tryAcquire(ctx, key)
		if err != nil {
			return t.acquireFallback(ctx, key)
		}
		if admitted {
			return nil
		}

		if wait > maxAcquireWait {
			wait = maxAcquireWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return acquireCtxErr(ctx)
		case <-timer.C:
		}
	}
}

// tryAcquire performs one atomic refill-and-consume round trip.
// Returns the wait until the next token when not admitted.
func (t *TokenBucket) tryAcquire(ctx context.Context, key string) (bool, time.Duration, error) {
	nowSec := float64(t.now().UnixNano()) / float64(time.Second)

	var result interface{}
	var err error
	for attempt := 0; attempt < maxRedisRetries; attempt++ {
		result, err = t.store.RunScript(ctx, acquireScript, []string{bucketKey(key)},
			nowSec, defaultCapacity, defaultRefillRate, int(bucketStateTTL.Seconds()))
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false, 0, acquireCtxErr(ctx)
		}
		log.Printf("token bucket: redis error for key %s (attempt %d/%d): %v",
			key, attempt+1, maxRedisRetries, err)
		time.Sleep(redisRetryDelay << attempt)
	}
	if err != nil {
		return false, 0, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, fmt.Errorf("token bucket: unexpected script result %v", result)
	}

	allowed, _ := values[0].(int64)
	tokens := parseScriptFloat(values[1])
	refill := parseScriptFloat(values[2])

	if allowed == 1 {
		return true, 0, nil
	}

	if refill <= 0 {
		refill = defaultRefillRate
	}
	wait := time.Duration((1 - tokens) / refill * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait, nil
}

// acquireFallback serves a single process from local buckets while the
// shared store is unreachable.
func (t *TokenBucket) acquireFallback(ctx context.Context, key string) error {
	t.degradedAcquires.Add(1)
	log.Printf("token bucket: shared store unreachable, local fallback engaged for key %s", key)

	t.mu.Lock()
	lim, ok := t.fallback[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(defaultRefillRate), int(defaultCapacity))
		t.fallback[key] = lim
	}
	t.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return acquireCtxErr(ctx)
	}
	return nil
}

// UpdateLimits applies a discovered limit to the bucket for key.
// capacity = floor(limit * safetyFactor), refill = capacity / reset.
// Invalid descriptors are a no-op; held tokens are never adjusted.
func (t *TokenBucket) UpdateLimits(ctx context.Context, key string, desc LimitDescriptor, safetyFactor float64) error {
	if desc.Limit <= 0 || desc.Reset <= 0 {
		return nil
	}
	if safetyFactor <= 0 || safetyFactor > 1 {
		safetyFactor = 0.8
	}

	capacity := math.Floor(float64(desc.Limit) * safetyFactor)
	if capacity < 1 {
		capacity = 1
	}
	refill := capacity / float64(desc.Reset)

	nowSec := float64(t.now().UnixNano()) / float64(time.Second)
	_, err := t.store.RunScript(ctx, updateLimitsScript, []string{bucketKey(key)},
		capacity, refill, nowSec, int(bucketStateTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("token bucket: failed to update limits for %s: %w", key, err)
	}

	return nil
}

// Status reads the bucket without consuming anything. Advisory only.
func (t *TokenBucket) Status(ctx context.Context, key string) (*BucketStatus, error) {
	nowSec := float64(t.now().UnixNano()) / float64(time.Second)

	fields, err := t.hmget(ctx, bucketKey(key))
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return &BucketStatus{
			Key:        key,
			Tokens:     defaultCapacity,
			Capacity:   defaultCapacity,
			RefillRate: defaultRefillRate,
		}, nil
	}

	tokens := fields["tokens"]
	elapsed := nowSec - fields["last_refill_at"]
	if elapsed > 0 {
		tokens = math.Min(fields["capacity"], tokens+elapsed*fields["refill_rate"])
	}

	return &BucketStatus{
		Key:          key,
		Tokens:       tokens,
		Capacity:     fields["capacity"],
		RefillRate:   fields["refill_rate"],
		LastRefillAt: fields["last_refill_at"],
	}, nil
}

// DegradedAcquires reports how many acquires were served by the local
// fallback since startup.
func (t *TokenBucket) DegradedAcquires() int64 {
	return t.degradedAcquires.Load()
}

var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
return redis.call('HMGET', KEYS[1], 'tokens', 'capacity', 'refill_rate', 'last_refill_at')
`)

func (t *TokenBucket) hmget(ctx context.Context, redisKey string) (map[string]float64, error) {
	result, err := t.store.RunScript(ctx, statusScript, []string{redisKey})
	if err == redis.Nil || result == nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("token bucket: unexpected status result %v", result)
	}

	return map[string]float64{
		"tokens":         parseScriptFloat(values[0]),
		"capacity":       parseScriptFloat(values[1]),
		"refill_rate":    parseScriptFloat(values[2]),
		"last_refill_at": parseScriptFloat(values[3]),
	}, nil
}

func bucketKey(key string) string {
	return "bucket:" + key
}

func parseScriptFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func acquireCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrAcquireTimeout
	}
	return ctx.Err()
}
