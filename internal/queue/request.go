package queue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when enqueue is rejected on a full queue
	ErrQueueFull = errors.New("request queue is full")

	// ErrQueueTimeout is returned when a request waited in the queue
	// longer than its configured bound before a worker claimed it
	ErrQueueTimeout = errors.New("request timed out waiting in queue")

	// ErrCancelled is returned when a queued request was cancelled
	// before dispatch
	ErrCancelled = errors.New("request cancelled before dispatch")

	// ErrQueueClosed is returned when the queue has been shut down
	ErrQueueClosed = errors.New("request queue is closed")
)

// Request is one queued outbound call. Owned exclusively by the worker
// pool from enqueue until its handle resolves.
type Request struct {
	ID      uuid.UUID
	Method  string
	URL     string
	Payload []byte
	Headers http.Header

	Service     string
	EndpointKey string

	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time

	QueueWaitTimeout time.Duration
	AcquireTimeout   time.Duration
	CallTimeout      time.Duration
	SafetyFactor     float64

	handle *Handle
}

// Result of a successfully dispatched call.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       []byte

	Attempts    int
	QueueWait   time.Duration
	AcquireWait time.Duration
	CallTime    time.Duration
}

// Handle is the caller's future for a queued request. It resolves
// exactly once, with a result or an error, no matter how the request
// ends.
type Handle struct {
	id        uuid.UUID
	done      chan struct{}
	once      sync.Once
	result    *Result
	err       error
	cancelled atomic.Bool
}

func newHandle(id uuid.UUID) *Handle {
	return &Handle{
		id:   id,
		done: make(chan struct{}),
	}
}

func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Wait blocks until the request resolves or ctx expires. A ctx
// expiry abandons the wait but does not cancel the request.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the request has resolved.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Cancel marks a still-queued request so it is discarded before
// dispatch. An in-flight call is not interrupted, but the handle still
// resolves exactly once. Returns false if already resolved.
func (h *Handle) Cancel() bool {
	if h.Done() {
		return false
	}
	h.cancelled.Store(true)
	return true
}

func (h *Handle) isCancelled() bool {
	return h.cancelled.Load()
}

// resolve completes the handle. Later calls are no-ops.
func (h *Handle) resolve(result *Result, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}
