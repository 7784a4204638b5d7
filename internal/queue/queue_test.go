package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(10, false)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		handle, err := q.Enqueue(ctx, &Request{Method: "GET", URL: "https://api.close.com/api/v1/lead/"})
		require.NoError(t, err)
		ids = append(ids, handle.ID())
	}

	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		req, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, ids[i], req.ID)
	}

	assert.Equal(t, 0, q.Len())
}

func TestEnqueueFailsFastWhenFull(t *testing.T) {
	q := New(2, false)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &Request{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &Request{})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, &Request{})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueBlocksWhenConfigured(t *testing.T) {
	q := New(1, true)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &Request{})
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = q.Enqueue(blockedCtx, &Request{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New(5, false)
	q.Close()

	_, err := q.Enqueue(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRequeueRacingCloseResolvesHandle(t *testing.T) {
	// A requeue can pass the closed check, then land its send after the
	// shutdown drain already ran. The handle must still resolve.
	for i := 0; i < 200; i++ {
		q := New(5, false)
		ctx := context.Background()

		handle, err := q.Enqueue(ctx, &Request{})
		require.NoError(t, err)
		req, err := q.Dequeue(ctx)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			if !q.requeue(req) {
				req.handle.resolve(nil, ErrQueueClosed)
			}
		}()

		q.Close()
		for _, r := range q.drain() {
			r.handle.resolve(nil, ErrQueueClosed)
		}
		<-done

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err = handle.Wait(waitCtx)
		cancel()
		assert.ErrorIs(t, err, ErrQueueClosed)
	}
}

func TestDequeueRespectsContext(t *testing.T) {
	q := New(5, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleResolveExactlyOnce(t *testing.T) {
	h := newHandle(uuid.New())

	h.resolve(&Result{StatusCode: 200}, nil)
	h.resolve(nil, ErrCancelled) // second resolve must not overwrite

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
}

func TestHandleCancel(t *testing.T) {
	h := newHandle(uuid.New())

	assert.True(t, h.Cancel())
	assert.True(t, h.isCancelled())

	h.resolve(nil, ErrCancelled)
	assert.False(t, h.Cancel(), "cancel after resolve must report failure")
}

func TestHandleWaitHonorsContext(t *testing.T) {
	h := newHandle(uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.Done(), "context expiry must not resolve the handle")
}
