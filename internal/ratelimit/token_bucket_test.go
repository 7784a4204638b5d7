package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBucketStore mirrors the scripts' server-side semantics in memory
// so the acquire, update and status paths run without a Redis instance.
type fakeBucketStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]float64
	fail    bool
}

func newFakeBucketStore() *fakeBucketStore {
	return &fakeBucketStore{buckets: make(map[string]map[string]float64)}
}

func (f *fakeBucketStore) RunScript(_ context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return nil, errors.New("store unreachable")
	}

	switch script {
	case acquireScript:
		return f.acquire(keys[0], args), nil
	case updateLimitsScript:
		return f.updateLimits(keys[0], args), nil
	case statusScript:
		return f.status(keys[0]), nil
	default:
		return nil, fmt.Errorf("unexpected script")
	}
}

func (f *fakeBucketStore) acquire(key string, args []interface{}) []interface{} {
	now := argFloat(args[0])

	b, ok := f.buckets[key]
	if !ok {
		b = map[string]float64{
			"tokens":         argFloat(args[1]),
			"capacity":       argFloat(args[1]),
			"refill_rate":    argFloat(args[2]),
			"last_refill_at": now,
		}
		f.buckets[key] = b
	}

	elapsed := now - b["last_refill_at"]
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := math.Min(b["capacity"], b["tokens"]+elapsed*b["refill_rate"])

	allowed := int64(0)
	if tokens >= 1 {
		tokens--
		allowed = 1
	}

	b["tokens"] = tokens
	b["last_refill_at"] = now

	return []interface{}{allowed, fmtFloat(tokens), fmtFloat(b["refill_rate"])}
}

func (f *fakeBucketStore) updateLimits(key string, args []interface{}) interface{} {
	capacity := argFloat(args[0])
	refill := argFloat(args[1])
	now := argFloat(args[2])

	if b, ok := f.buckets[key]; ok {
		b["capacity"] = capacity
		b["refill_rate"] = refill
	} else {
		f.buckets[key] = map[string]float64{
			"tokens":         0,
			"capacity":       capacity,
			"refill_rate":    refill,
			"last_refill_at": now,
		}
	}
	return int64(1)
}

func (f *fakeBucketStore) status(key string) interface{} {
	b, ok := f.buckets[key]
	if !ok {
		return nil
	}
	return []interface{}{
		fmtFloat(b["tokens"]), fmtFloat(b["capacity"]),
		fmtFloat(b["refill_rate"]), fmtFloat(b["last_refill_at"]),
	}
}

func argFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// newClockedBucket returns a bucket over the fake store whose clock is
// advanced manually via the returned function.
func newClockedBucket(store *fakeBucketStore) (*TokenBucket, func(d time.Duration)) {
	bucket := NewTokenBucket(store)
	at := time.Unix(3000, 0)
	bucket.now = func() time.Time { return at }
	return bucket, func(d time.Duration) { at = at.Add(d) }
}

func TestAcquireDefaultBucketRefillsOverTime(t *testing.T) {
	bucket, advance := newClockedBucket(newFakeBucketStore())
	ctx := context.Background()

	// Undiscovered endpoints start with a single token at 1/s
	admitted, _, err := bucket.tryAcquire(ctx, "/api/v1/lead/")
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, wait, err := bucket.tryAcquire(ctx, "/api/v1/lead/")
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Greater(t, wait, time.Duration(0))

	advance(time.Second)
	admitted, _, err = bucket.tryAcquire(ctx, "/api/v1/lead/")
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestDiscoveredLimitGrantsNoInstantBurst(t *testing.T) {
	bucket, advance := newClockedBucket(newFakeBucketStore())
	ctx := context.Background()

	// limit=160 reset=8 at 0.8 safety: capacity 128, refill 16/s
	require.NoError(t, bucket.UpdateLimits(ctx, "/api/v1/lead/",
		LimitDescriptor{Limit: 160, Remaining: 159, Reset: 8}, 0.8))

	status, err := bucket.Status(ctx, "/api/v1/lead/")
	require.NoError(t, err)
	assert.Equal(t, 128.0, status.Capacity)
	assert.Equal(t, 16.0, status.RefillRate)

	// The freshly created bucket is empty
	admitted, _, err := bucket.tryAcquire(ctx, "/api/v1/lead/")
	require.NoError(t, err)
	assert.False(t, admitted)

	// One second refills 16 tokens: exactly 16 admissions, then denial
	advance(time.Second)
	granted := 0
	for i := 0; i < 20; i++ {
		admitted, _, err := bucket.tryAcquire(ctx, "/api/v1/lead/")
		require.NoError(t, err)
		if admitted {
			granted++
		}
	}
	assert.Equal(t, 16, granted)
}

func TestBucketCapsAtCapacityAfterIdle(t *testing.T) {
	bucket, advance := newClockedBucket(newFakeBucketStore())
	ctx := context.Background()

	require.NoError(t, bucket.UpdateLimits(ctx, "/api/v1/task/",
		LimitDescriptor{Limit: 10, Remaining: 10, Reset: 1}, 1.0))

	// A long idle stretch must not accumulate more than capacity
	advance(time.Minute)
	granted := 0
	for i := 0; i < 11; i++ {
		admitted, _, err := bucket.tryAcquire(ctx, "/api/v1/task/")
		require.NoError(t, err)
		if admitted {
			granted++
		}
	}
	assert.Equal(t, 10, granted, "11th rapid acquire must be denied")

	status, err := bucket.Status(ctx, "/api/v1/task/")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, status.Tokens, 0.0)
	assert.LessOrEqual(t, status.Tokens, status.Capacity)
}

func TestAdmissionsBoundedByRefill(t *testing.T) {
	bucket, advance := newClockedBucket(newFakeBucketStore())
	ctx := context.Background()

	require.NoError(t, bucket.UpdateLimits(ctx, "/api/v1/contact/",
		LimitDescriptor{Limit: 5, Remaining: 5, Reset: 1}, 1.0))

	// Over 4 simulated seconds admissions never exceed capacity + refill*T
	granted := 0
	for step := 0; step < 40; step++ {
		advance(100 * time.Millisecond)
		for i := 0; i < 3; i++ {
			admitted, _, err := bucket.tryAcquire(ctx, "/api/v1/contact/")
			require.NoError(t, err)
			if admitted {
				granted++
			}
		}
	}
	assert.LessOrEqual(t, granted, 5+5*4)
	assert.Greater(t, granted, 0)
}

func TestAcquireWaitsForRefill(t *testing.T) {
	bucket := NewTokenBucket(newFakeBucketStore())
	ctx := context.Background()

	// capacity 50, refill 50/s, starts empty; a token arrives in ~20ms
	require.NoError(t, bucket.UpdateLimits(ctx, "/api/v1/lead/",
		LimitDescriptor{Limit: 50, Remaining: 50, Reset: 1}, 1.0))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, bucket.Acquire(waitCtx, "/api/v1/lead/"))
}

func TestAcquireTimesOutOnStarvedBucket(t *testing.T) {
	bucket := NewTokenBucket(newFakeBucketStore())
	ctx := context.Background()

	// One token per hour, bucket starts empty
	require.NoError(t, bucket.UpdateLimits(ctx, "/api/v1/lead/",
		LimitDescriptor{Limit: 1, Remaining: 0, Reset: 3600}, 1.0))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bucket.Acquire(waitCtx, "/api/v1/lead/"), ErrAcquireTimeout)
}

func TestAcquireFallsBackWhenStoreDown(t *testing.T) {
	store := newFakeBucketStore()
	store.fail = true
	bucket := NewTokenBucket(store)

	// First acquire is served by the local limiter's initial token
	require.NoError(t, bucket.Acquire(context.Background(), "/api/v1/lead/"))
	assert.Equal(t, int64(1), bucket.DegradedAcquires())

	// An immediate second acquire has to wait out the 1/s local refill
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bucket.Acquire(waitCtx, "/api/v1/lead/"), ErrAcquireTimeout)
	assert.Equal(t, int64(2), bucket.DegradedAcquires())
}

func TestUpdateLimitsIgnoresInvalidDescriptors(t *testing.T) {
	// Invalid descriptors must be a no-op before any store round trip,
	// so a nil client never gets touched.
	bucket := NewTokenBucket(nil)

	require.NoError(t, bucket.UpdateLimits(context.Background(), "/api/v1/lead/",
		LimitDescriptor{Limit: 0, Remaining: 0, Reset: 8}, 0.8))
	require.NoError(t, bucket.UpdateLimits(context.Background(), "/api/v1/lead/",
		LimitDescriptor{Limit: 160, Remaining: 10, Reset: 0}, 0.8))
	require.NoError(t, bucket.UpdateLimits(context.Background(), "/api/v1/lead/",
		LimitDescriptor{Limit: -1, Remaining: 0, Reset: -2}, 0.8))
}

func TestParseScriptFloat(t *testing.T) {
	assert.Equal(t, 1.5, parseScriptFloat("1.5"))
	assert.Equal(t, 0.0, parseScriptFloat("not a number"))
	assert.Equal(t, 0.0, parseScriptFloat(nil))
	assert.Equal(t, 0.0, parseScriptFloat(int64(3)))
	assert.Equal(t, 128.0, parseScriptFloat("128"))
}

func TestBucketKey(t *testing.T) {
	assert.Equal(t, "bucket:/api/v1/lead/", bucketKey("/api/v1/lead/"))
}

func TestAcquireCtxErr(t *testing.T) {
	deadlineCtx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	<-deadlineCtx.Done()
	assert.ErrorIs(t, acquireCtxErr(deadlineCtx), ErrAcquireTimeout)

	cancelledCtx, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.ErrorIs(t, acquireCtxErr(cancelledCtx), context.Canceled)
}

func TestDegradedAcquiresStartsAtZero(t *testing.T) {
	bucket := NewTokenBucket(nil)
	assert.Zero(t, bucket.DegradedAcquires())
}
