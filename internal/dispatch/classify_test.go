package dispatch

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/aman-churiwal/outbound-gateway/internal/queue"
	"github.com/aman-churiwal/outbound-gateway/internal/ratelimit"
	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport error", &TransportError{Err: errors.New("connection refused")}, true},
		{"wrapped transport error", fmt.Errorf("attempt failed: %w", &TransportError{Err: net.ErrClosed}), true},
		{"429 rate limited", &UpstreamError{StatusCode: 429}, true},
		{"500 server error", &UpstreamError{StatusCode: 500}, true},
		{"503 unavailable", &UpstreamError{StatusCode: 503}, true},
		{"404 terminal", &UpstreamError{StatusCode: 404}, false},
		{"400 terminal", &UpstreamError{StatusCode: 400}, false},
		{"401 terminal", &UpstreamError{StatusCode: 401}, false},
		{"short circuited not retryable", ErrShortCircuited, false},
		{"acquire timeout not retryable", ratelimit.ErrAcquireTimeout, false},
		{"queue timeout not retryable", queue.ErrQueueTimeout, false},
		{"cancelled not retryable", queue.ErrCancelled, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, isSuccess(200))
	assert.True(t, isSuccess(201))
	assert.True(t, isSuccess(299))
	assert.False(t, isSuccess(300))
	assert.False(t, isSuccess(199))

	assert.True(t, isTransientStatus(429))
	assert.True(t, isTransientStatus(500))
	assert.True(t, isTransientStatus(599))
	assert.False(t, isTransientStatus(400))
	assert.False(t, isTransientStatus(404))
	assert.False(t, isTransientStatus(200))
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &TransportError{Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}
