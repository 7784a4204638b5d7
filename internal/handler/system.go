package handler

import (
	"net/http"

	"github.com/aman-churiwal/outbound-gateway/internal/dispatch"
	"github.com/aman-churiwal/outbound-gateway/internal/storage"
	"github.com/gin-gonic/gin"
)

// Handles system-related endpoints
type SystemHandler struct {
	dispatchers map[string]*dispatch.Dispatcher
	redis       *storage.RedisClient
	db          *storage.Postgres
}

func NewSystemHandler(dispatchers map[string]*dispatch.Dispatcher, redis *storage.RedisClient, db *storage.Postgres) *SystemHandler {
	return &SystemHandler{
		dispatchers: dispatchers,
		redis:       redis,
		db:          db,
	}
}

// Reports gateway liveness and backing store reachability
func (h *SystemHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK

	redisStatus := "ok"
	if err := h.redis.Ping(ctx); err != nil {
		redisStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	dbStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		dbStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":   "up",
		"redis":    redisStatus,
		"postgres": dbStatus,
	})
}

// Returns per-service queue status and degraded-mode counters
func (h *SystemHandler) Status(c *gin.Context) {
	services := make(map[string]interface{})

	for name, d := range h.dispatchers {
		qs := d.QueueStatus()

		services[name] = gin.H{
			"queued":            qs.Queued,
			"processing":        qs.Processing,
			"completed":         qs.Completed,
			"failed":            qs.Failed,
			"workers_running":   qs.WorkersRunning,
			"degraded_acquires": d.DegradedAcquires(),
		}
	}

	c.JSON(http.StatusOK, services)
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	ctx := c.Request.Context()
	statuses := make(map[string]interface{})

	for name, d := range h.dispatchers {
		metrics, err := d.BreakerMetrics(ctx)
		if err != nil {
			statuses[name] = gin.H{"error": err.Error()}
			continue
		}

		statuses[name] = gin.H{
			"state":                 metrics.State.String(),
			"consecutive_failures":  metrics.ConsecutiveFailures,
			"consecutive_successes": metrics.ConsecutiveSuccesses,
			"opened_at":             metrics.OpenedAt,
			"cooldown_seconds":      metrics.CooldownSeconds,
			"total_requests":        metrics.TotalRequests,
			"total_failures":        metrics.TotalFailures,
			"total_successes":       metrics.TotalSuccesses,
		}
	}

	c.JSON(http.StatusOK, statuses)
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	service := c.Param("service")

	d, exists := h.dispatchers[service]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Service not found",
		})
		return
	}

	if err := d.ResetBreaker(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"service": service,
	})
}

// Reports the bucket fill and discovered limits for one endpoint URL
func (h *SystemHandler) EndpointLimits(c *gin.Context) {
	service := c.Query("service")
	rawURL := c.Query("url")

	if service == "" || rawURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service and url query params required"})
		return
	}

	d, exists := h.dispatchers[service]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Service not found"})
		return
	}

	bucket, limits, err := d.EndpointStatus(c.Request.Context(), rawURL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"bucket": bucket}
	if limits != nil {
		resp["discovered"] = limits
	}

	c.JSON(http.StatusOK, resp)
}
