package dispatch

import (
	"errors"
	"net/http"
)

// Outcome classification happens once, here, at the dispatch boundary:
// 2xx is success; 429 and 5xx are transient (retryable, counted by the
// breaker); any other 4xx is terminal and does not count against the
// breaker.

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func isTransientStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// Retryable reports whether err warrants requeueing the request for
// another attempt.
func Retryable(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return isTransientStatus(upstream.StatusCode)
	}

	return false
}
