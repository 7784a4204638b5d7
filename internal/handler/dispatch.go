package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aman-churiwal/outbound-gateway/internal/dispatch"
	"github.com/aman-churiwal/outbound-gateway/internal/queue"
	"github.com/aman-churiwal/outbound-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Pending async dispatches are kept until polled once after completion
const handleRetention = 10 * time.Minute

type pendingDispatch struct {
	handle    *queue.Handle
	service   string
	createdAt time.Time
}

type DispatchHandler struct {
	dispatchers map[string]*dispatch.Dispatcher
	stopChan    chan struct{}
	stopOnce    sync.Once

	mu      sync.Mutex
	pending map[string]*pendingDispatch
}

func NewDispatchHandler(dispatchers map[string]*dispatch.Dispatcher) *DispatchHandler {
	h := &DispatchHandler{
		dispatchers: dispatchers,
		stopChan:    make(chan struct{}),
		pending:     make(map[string]*pendingDispatch),
	}

	go h.reapLoop()

	return h
}

// Close stops the retention reaper.
func (h *DispatchHandler) Close() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

type dispatchRequest struct {
	Service      string            `json:"service" binding:"required"`
	Method       string            `json:"method" binding:"required"`
	URL          string            `json:"url" binding:"required"`
	Payload      json.RawMessage   `json:"payload"`
	Headers      map[string]string `json:"headers"`
	MaxAttempts  int               `json:"max_attempts"`
	SafetyFactor float64           `json:"safety_factor"`
}

func (h *DispatchHandler) buildRequest(c *gin.Context, req *dispatchRequest) dispatch.Request {
	headers := make(http.Header, len(req.Headers))
	for name, value := range req.Headers {
		headers.Set(name, value)
	}

	out := dispatch.Request{
		Method:       req.Method,
		URL:          req.URL,
		Payload:      []byte(req.Payload),
		Headers:      headers,
		MaxAttempts:  req.MaxAttempts,
		SafetyFactor: req.SafetyFactor,
	}

	if keyInterface, exists := c.Get("api_key_id"); exists {
		if id, ok := keyInterface.(uuid.UUID); ok {
			out.APIKeyID = &id
		}
	}

	return out
}

// Submits a request and waits for its outcome
func (h *DispatchHandler) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, exists := h.dispatchers[req.Service]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown service"})
		return
	}

	result, err := d.Do(c.Request.Context(), h.buildRequest(c, &req))
	if err != nil {
		status, body := mapDispatchError(err)
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, resultBody(result))
}

// Submits a request and returns immediately with a poll id
func (h *DispatchHandler) DispatchAsync(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, exists := h.dispatchers[req.Service]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown service"})
		return
	}

	handle, err := d.Submit(c.Request.Context(), h.buildRequest(c, &req))
	if err != nil {
		status, body := mapDispatchError(err)
		c.JSON(status, body)
		return
	}

	h.mu.Lock()
	h.pending[handle.ID().String()] = &pendingDispatch{
		handle:    handle,
		service:   req.Service,
		createdAt: time.Now(),
	}
	h.mu.Unlock()

	c.JSON(http.StatusAccepted, gin.H{
		"id":      handle.ID().String(),
		"service": req.Service,
		"status":  "queued",
	})
}

// Polls an async dispatch by id
func (h *DispatchHandler) GetDispatch(c *gin.Context) {
	id := c.Param("id")

	h.mu.Lock()
	p, exists := h.pending[id]
	h.mu.Unlock()

	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dispatch not found"})
		return
	}

	if !p.handle.Done() {
		c.JSON(http.StatusOK, gin.H{
			"id":      id,
			"service": p.service,
			"status":  "pending",
		})
		return
	}

	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()

	result, err := p.handle.Wait(c.Request.Context())
	if err != nil {
		status, body := mapDispatchError(err)
		body["id"] = id
		c.JSON(status, body)
		return
	}

	body := resultBody(result)
	body["id"] = id
	c.JSON(http.StatusOK, body)
}

// Cancels an async dispatch that has not been picked up yet
func (h *DispatchHandler) CancelDispatch(c *gin.Context) {
	id := c.Param("id")

	h.mu.Lock()
	p, exists := h.pending[id]
	h.mu.Unlock()

	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dispatch not found"})
		return
	}

	if !p.handle.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "Dispatch already completed"})
		return
	}

	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"id": id, "status": "cancelled"})
}

func resultBody(result *queue.Result) gin.H {
	// Non-JSON upstream bodies are passed through as a plain string
	var body interface{} = string(result.Body)
	if json.Valid(result.Body) {
		body = json.RawMessage(result.Body)
	}

	return gin.H{
		"status":          "completed",
		"status_code":     result.StatusCode,
		"body":            body,
		"attempts":        result.Attempts,
		"queue_wait_ms":   result.QueueWait.Milliseconds(),
		"acquire_wait_ms": result.AcquireWait.Milliseconds(),
		"call_time_ms":    result.CallTime.Milliseconds(),
	}
}

// Maps pipeline errors to HTTP responses
func mapDispatchError(err error) (int, gin.H) {
	var upstreamErr *dispatch.UpstreamError
	var transportErr *dispatch.TransportError
	var validationErr *ratelimit.ValidationError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, gin.H{"error": validationErr.Error()}
	case errors.Is(err, dispatch.ErrShortCircuited):
		return http.StatusServiceUnavailable, gin.H{"error": "Service short-circuited"}
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests, gin.H{"error": "Dispatch queue full"}
	case errors.Is(err, queue.ErrQueueTimeout):
		return http.StatusGatewayTimeout, gin.H{"error": "Request expired in queue"}
	case errors.Is(err, ratelimit.ErrAcquireTimeout):
		return http.StatusGatewayTimeout, gin.H{"error": "Timed out waiting for rate limit"}
	case errors.Is(err, queue.ErrCancelled):
		return http.StatusConflict, gin.H{"error": "Dispatch cancelled"}
	case errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable, gin.H{"error": "Dispatcher shutting down"}
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway, gin.H{
			"error":       "Upstream request failed",
			"status_code": upstreamErr.StatusCode,
		}
	case errors.As(err, &transportErr):
		return http.StatusBadGateway, gin.H{"error": "Upstream unreachable"}
	default:
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
}

// Drops completed handles that were never polled
func (h *DispatchHandler) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-handleRetention)

		h.mu.Lock()
		for id, p := range h.pending {
			if p.createdAt.Before(cutoff) {
				delete(h.pending, id)
			}
		}
		h.mu.Unlock()
	}
}
