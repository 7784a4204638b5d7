package dispatch

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/aman-churiwal/outbound-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/outbound-gateway/internal/config"
	"github.com/aman-churiwal/outbound-gateway/internal/queue"
	"github.com/aman-churiwal/outbound-gateway/internal/ratelimit"
	"github.com/aman-churiwal/outbound-gateway/internal/upstream"
	"github.com/google/uuid"
)

// Request is a caller's outbound call submission.
type Request struct {
	Method  string
	URL     string
	Payload []byte
	Headers http.Header

	// Optional per-request overrides; zero values fall back to the
	// service configuration
	MaxAttempts      int
	QueueWaitTimeout time.Duration
	AcquireTimeout   time.Duration
	CallTimeout      time.Duration
	SafetyFactor     float64

	// Caller identity for the audit trail, if known
	APIKeyID *uuid.UUID
}

// AuditEntry describes one resolved dispatch, handed to the audit sink
// after the handle resolves.
type AuditEntry struct {
	RequestID   uuid.UUID
	APIKeyID    *uuid.UUID
	Service     string
	EndpointKey string
	Method      string
	URL         string
	StatusCode  int
	Outcome     string
	Attempts    int
	QueueWait   time.Duration
	AcquireWait time.Duration
	CallTime    time.Duration
}

// AuditSink receives resolved dispatch records. May be nil.
type AuditSink func(entry AuditEntry)

// Dispatcher gates every outbound call to one upstream service:
// breaker check, FIFO queue, per-endpoint token admission, the call
// itself, limit discovery and breaker recording.
type Dispatcher struct {
	svc       config.ServiceConfig
	extractor *ratelimit.KeyExtractor
	bucket    *ratelimit.TokenBucket
	discovery *ratelimit.Discovery
	breaker   *circuitbreaker.Breaker
	client    *upstream.Client

	queue *queue.Queue
	pool  *queue.Pool

	audit AuditSink
}

func New(svc config.ServiceConfig, extractor *ratelimit.KeyExtractor, bucket *ratelimit.TokenBucket,
	discovery *ratelimit.Discovery, breaker *circuitbreaker.Breaker, client *upstream.Client) *Dispatcher {

	d := &Dispatcher{
		svc:       svc,
		extractor: extractor,
		bucket:    bucket,
		discovery: discovery,
		breaker:   breaker,
		client:    client,
		queue:     queue.New(svc.QueueDepth, svc.BlockOnFull),
	}
	d.pool = queue.NewPool(d.queue, svc.Workers, d.process, Retryable)

	return d
}

// SetAuditSink installs the sink receiving resolved dispatch records.
// Must be called before Start.
func (d *Dispatcher) SetAuditSink(sink AuditSink) {
	d.audit = sink
}

func (d *Dispatcher) Start() {
	d.pool.Start()
}

func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Submit validates and enqueues a request, returning its handle
// immediately. An already-open breaker fails fast here without
// consuming the recovery trial; the authoritative breaker check
// happens in the worker at dispatch time.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*queue.Handle, error) {
	endpointKey, err := d.extractor.Extract(req.URL)
	if err != nil {
		return nil, err
	}

	if metrics, merr := d.breaker.Metrics(ctx, d.svc.Name); merr == nil {
		if metrics.State == circuitbreaker.StateOpen &&
			time.Now().Unix()-metrics.OpenedAt < int64(metrics.CooldownSeconds) {
			return nil, ErrShortCircuited
		}
	}

	qreq := &queue.Request{
		Method:           req.Method,
		URL:              req.URL,
		Payload:          req.Payload,
		Headers:          req.Headers,
		Service:          d.svc.Name,
		EndpointKey:      endpointKey,
		MaxAttempts:      orInt(req.MaxAttempts, d.svc.MaxAttempts),
		QueueWaitTimeout: orDuration(req.QueueWaitTimeout, d.svc.QueueWaitTimeout()),
		AcquireTimeout:   orDuration(req.AcquireTimeout, d.svc.AcquireTimeout()),
		CallTimeout:      orDuration(req.CallTimeout, d.svc.CallTimeout()),
		SafetyFactor:     req.SafetyFactor,
	}

	handle, err := d.queue.Enqueue(ctx, qreq)
	if err != nil {
		return nil, err
	}

	if d.audit != nil {
		go d.auditWhenDone(req, qreq, handle)
	}

	return handle, nil
}

// Do submits and waits for the outcome.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*queue.Result, error) {
	handle, err := d.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// process runs inside a worker goroutine and performs one dispatch
// attempt end to end.
func (d *Dispatcher) process(ctx context.Context, req *queue.Request) (*queue.Result, error) {
	allowed, trial, err := d.breaker.Allow(ctx, req.Service)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrShortCircuited
	}

	// Admission: suspends only this worker until a token is granted
	acquireStart := time.Now()
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, req.AcquireTimeout)
	err = d.bucket.Acquire(acquireCtx, req.EndpointKey)
	cancelAcquire()
	if err != nil {
		// Only the slot's owner hands it back; the circuit may have
		// opened behind a worker admitted while it was still CLOSED,
		// and that worker must not free another caller's trial
		if trial {
			if rerr := d.breaker.ReleaseTrial(ctx, req.Service); rerr != nil {
				log.Printf("dispatch: failed to release breaker trial for %s: %v", req.Service, rerr)
			}
		}
		return nil, err
	}
	acquireWait := time.Since(acquireStart)

	callStart := time.Now()
	callCtx, cancelCall := context.WithTimeout(ctx, req.CallTimeout)
	resp, err := d.client.Do(callCtx, req.Method, req.URL, req.Payload, req.Headers)
	cancelCall()
	callTime := time.Since(callStart)

	if err != nil {
		if rerr := d.breaker.Record(ctx, req.Service, false); rerr != nil {
			log.Printf("dispatch: failed to record breaker failure for %s: %v", req.Service, rerr)
		}
		return nil, &TransportError{Err: err}
	}

	// Limit discovery runs on every response that carries the header,
	// including 429s, which report the limits being enforced
	d.discovery.Observe(ctx, req.EndpointKey, resp.Headers, req.SafetyFactor)

	if isSuccess(resp.StatusCode) {
		if rerr := d.breaker.Record(ctx, req.Service, true); rerr != nil {
			log.Printf("dispatch: failed to record breaker success for %s: %v", req.Service, rerr)
		}
		return &queue.Result{
			StatusCode:  resp.StatusCode,
			Headers:     resp.Headers,
			Body:        resp.Body,
			AcquireWait: acquireWait,
			CallTime:    callTime,
		}, nil
	}

	if isTransientStatus(resp.StatusCode) {
		if rerr := d.breaker.Record(ctx, req.Service, false); rerr != nil {
			log.Printf("dispatch: failed to record breaker failure for %s: %v", req.Service, rerr)
		}
	} else if trial {
		// Terminal 4xx is the caller's mistake, not upstream health;
		// it neither counts against the breaker nor settles a trial
		if rerr := d.breaker.ReleaseTrial(ctx, req.Service); rerr != nil {
			log.Printf("dispatch: failed to release breaker trial for %s: %v", req.Service, rerr)
		}
	}

	return nil, &UpstreamError{StatusCode: resp.StatusCode}
}

func (d *Dispatcher) auditWhenDone(req Request, qreq *queue.Request, handle *queue.Handle) {
	result, err := handle.Wait(context.Background())

	entry := AuditEntry{
		RequestID:   handle.ID(),
		APIKeyID:    req.APIKeyID,
		Service:     d.svc.Name,
		EndpointKey: qreq.EndpointKey,
		Method:      req.Method,
		URL:         req.URL,
		Attempts:    qreq.Attempts,
	}

	if err != nil {
		entry.Outcome = outcomeKind(err)
		var upstreamErr *UpstreamError
		if errors.As(err, &upstreamErr) {
			entry.StatusCode = upstreamErr.StatusCode
		}
	} else {
		entry.Outcome = "success"
		entry.StatusCode = result.StatusCode
		entry.Attempts = result.Attempts
		entry.QueueWait = result.QueueWait
		entry.AcquireWait = result.AcquireWait
		entry.CallTime = result.CallTime
	}

	d.audit(entry)
}

// Service returns the configured service name.
func (d *Dispatcher) Service() string {
	return d.svc.Name
}

// QueueStatus reports queue depth and worker activity.
func (d *Dispatcher) QueueStatus() queue.Status {
	return d.pool.Status()
}

// BreakerMetrics reads the service's persisted breaker state.
func (d *Dispatcher) BreakerMetrics(ctx context.Context) (*circuitbreaker.CircuitState, error) {
	return d.breaker.Metrics(ctx, d.svc.Name)
}

// ResetBreaker forces the breaker back to CLOSED.
func (d *Dispatcher) ResetBreaker(ctx context.Context) error {
	return d.breaker.Reset(ctx, d.svc.Name)
}

// EndpointStatus reports the bucket and discovered limits for a URL.
func (d *Dispatcher) EndpointStatus(ctx context.Context, rawURL string) (*ratelimit.BucketStatus, *ratelimit.DiscoveredLimit, error) {
	key, err := d.extractor.Extract(rawURL)
	if err != nil {
		return nil, nil, err
	}

	bucket, err := d.bucket.Status(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	limits, err := d.discovery.Limits(ctx, key)
	if err != nil {
		return bucket, nil, err
	}

	return bucket, limits, nil
}

// DegradedAcquires reports local-fallback admissions since startup.
func (d *Dispatcher) DegradedAcquires() int64 {
	return d.bucket.DegradedAcquires()
}

func outcomeKind(err error) string {
	switch {
	case errors.Is(err, ErrShortCircuited):
		return "short_circuited"
	case errors.Is(err, ratelimit.ErrAcquireTimeout):
		return "acquire_timeout"
	case errors.Is(err, queue.ErrQueueTimeout):
		return "queue_timeout"
	case errors.Is(err, queue.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, queue.ErrCancelled):
		return "cancelled"
	case errors.Is(err, queue.ErrQueueClosed):
		return "shutdown"
	default:
		var upstreamErr *UpstreamError
		if errors.As(err, &upstreamErr) {
			return "upstream_error"
		}
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return "transport_error"
		}
		return "error"
	}
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
