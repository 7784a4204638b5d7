package dispatch

import (
	"errors"
	"fmt"
)

// ErrShortCircuited is returned when the service's circuit breaker
// rejected the dispatch.
var ErrShortCircuited = errors.New("dispatch rejected: circuit breaker open")

// UpstreamError is a terminal non-2xx response from the upstream API.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// TransportError wraps a network-level failure (connection refused,
// call timeout, DNS, ...) of the upstream call itself.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "upstream call failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
