package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Queue is a bounded FIFO of pending requests. Enqueue either blocks
// until space frees up or fails fast, depending on configuration.
// Retried requests re-enter at the tail, so ordering is FIFO with
// retry reinsertion, not strict global FIFO.
type Queue struct {
	ch          chan *Request
	quit        chan struct{}
	blockOnFull bool
	closed      atomic.Bool
}

func New(depth int, blockOnFull bool) *Queue {
	if depth <= 0 {
		depth = 1000
	}
	return &Queue{
		ch:          make(chan *Request, depth),
		quit:        make(chan struct{}),
		blockOnFull: blockOnFull,
	}
}

// Enqueue adds a request at the tail and returns its handle
// immediately. When the queue is full, either blocks until space or
// ctx expiry (blockOnFull) or fails fast with ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, req *Request) (*Handle, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.EnqueuedAt = time.Now()
	req.handle = newHandle(req.ID)

	if q.blockOnFull {
		select {
		case q.ch <- req:
			return req.handle, nil
		case <-ctx.Done():
			return nil, ErrQueueFull
		}
	}

	select {
	case q.ch <- req:
		return req.handle, nil
	default:
		return nil, ErrQueueFull
	}
}

// requeue pushes an already-tracked request back onto the tail for a
// retry. Blocks if the queue is momentarily full; the request already
// owns a handle so it must not be dropped.
func (q *Queue) requeue(req *Request) bool {
	if q.closed.Load() {
		return false
	}

	select {
	case q.ch <- req:
		// The queue may have closed between the check above and the
		// send; anything that slipped in after the shutdown drain
		// would otherwise never resolve
		q.reapAfterClose()
		return true
	default:
	}

	// Queue momentarily full; wait for space without holding a worker
	go func() {
		select {
		case q.ch <- req:
			q.reapAfterClose()
		case <-q.quit:
			req.handle.resolve(nil, ErrQueueClosed)
		}
	}()
	return true
}

// reapAfterClose resolves buffered requests that landed after Close.
// Safe against the shutdown drain running concurrently: resolve is
// exactly-once per handle.
func (q *Queue) reapAfterClose() {
	if !q.closed.Load() {
		return
	}
	for _, req := range q.drain() {
		req.handle.resolve(nil, ErrQueueClosed)
	}
}

// Dequeue claims the next request, blocking until one is available or
// ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (*Request, error) {
	select {
	case req := <-q.ch:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len is the number of queued (unclaimed) requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close marks the queue closed. Requests still buffered are drained
// and resolved by the pool's shutdown path.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.quit)
	}
}

// drain removes and returns all buffered requests.
func (q *Queue) drain() []*Request {
	var drained []*Request
	for {
		select {
		case req := <-q.ch:
			drained = append(drained, req)
		default:
			return drained
		}
	}
}
