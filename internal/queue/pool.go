package queue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// ProcessFunc performs the admission-gated call for one claimed
// request. It must respect the request's timeouts via ctx.
type ProcessFunc func(ctx context.Context, req *Request) (*Result, error)

// RetryableFunc reports whether err warrants requeueing the request.
type RetryableFunc func(err error) bool

// Pool runs a fixed number of workers over a shared queue. Each worker
// loops independently: claim, check eligibility, process, then resolve
// or requeue at the tail with exponential backoff.
type Pool struct {
	queue     *Queue
	workers   int
	process   ProcessFunc
	retryable RetryableFunc

	backoffBase time.Duration
	maxBackoff  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	processing atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
}

// Status is a point-in-time snapshot of queue and pool activity.
type Status struct {
	Queued         int   `json:"queued"`
	Processing     int64 `json:"processing"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	WorkersRunning bool  `json:"workers_running"`
}

func NewPool(q *Queue, workers int, process ProcessFunc, retryable RetryableFunc) *Pool {
	if workers <= 0 {
		workers = 5
	}
	return &Pool{
		queue:       q,
		workers:     workers,
		process:     process,
		retryable:   retryable,
		backoffBase: defaultBackoffBase,
		maxBackoff:  defaultMaxBackoff,
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		log.Println("worker pool: already running")
		return
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.running = true

	log.Printf("worker pool: started %d workers", p.workers)
}

// Stop halts the workers and resolves everything still queued so no
// handle is left dangling.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.queue.Close()
	p.cancel()
	p.wg.Wait()

	for _, req := range p.queue.drain() {
		req.handle.resolve(nil, ErrQueueClosed)
		p.failed.Add(1)
	}

	log.Println("worker pool: stopped")
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) Status() Status {
	return Status{
		Queued:         p.queue.Len(),
		Processing:     p.processing.Load(),
		Completed:      p.completed.Load(),
		Failed:         p.failed.Load(),
		WorkersRunning: p.Running(),
	}
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()

	for {
		req, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			return
		}

		p.processing.Add(1)
		p.handleRequest(req)
		p.processing.Add(-1)
	}
}

func (p *Pool) handleRequest(req *Request) {
	// Cancelled while queued: discard before dispatch
	if req.handle.isCancelled() {
		req.handle.resolve(nil, ErrCancelled)
		p.failed.Add(1)
		return
	}

	queueWait := time.Since(req.EnqueuedAt)
	if req.QueueWaitTimeout > 0 && queueWait > req.QueueWaitTimeout {
		req.handle.resolve(nil, ErrQueueTimeout)
		p.failed.Add(1)
		return
	}

	req.Attempts++

	result, err := p.process(p.ctx, req)
	if err == nil {
		result.Attempts = req.Attempts
		result.QueueWait = queueWait
		req.handle.resolve(result, nil)
		p.completed.Add(1)
		return
	}

	if p.retryable != nil && p.retryable(err) && req.Attempts < req.MaxAttempts {
		p.scheduleRetry(req, err)
		return
	}

	req.handle.resolve(nil, err)
	p.failed.Add(1)
}

// scheduleRetry reinserts the request at the tail once its backoff
// delay elapses. The request loses its original queue position.
func (p *Pool) scheduleRetry(req *Request, cause error) {
	delay := p.backoffBase << (req.Attempts - 1)
	if delay > p.maxBackoff {
		delay = p.maxBackoff
	}

	log.Printf("worker pool: retrying request %s in %v (attempt %d/%d): %v",
		req.ID, delay, req.Attempts, req.MaxAttempts, cause)

	time.AfterFunc(delay, func() {
		if !p.queue.requeue(req) {
			req.handle.resolve(nil, ErrQueueClosed)
			p.failed.Add(1)
		}
	})
}
