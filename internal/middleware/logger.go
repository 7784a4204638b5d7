package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger writes one line per request, tagged with the request id so a
// gateway entry can be matched against its dispatch audit row. Health
// checks are polled constantly and are not worth logging.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		if path == "/health" {
			return
		}

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		size := c.Writer.Size()

		requestID := c.GetString("request_id")

		log.Printf("[%s] %s %s - %d - %v - %dB - %s",
			requestID,
			method,
			path,
			statusCode,
			latency,
			size,
			c.ClientIP(),
		)
	}
}
