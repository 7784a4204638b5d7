package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedOutcome struct {
	service string
	success bool
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (f *fakeRecorder) Record(ctx context.Context, service string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, recordedOutcome{service: service, success: success})
	return nil
}

func (f *fakeRecorder) snapshot() []recordedOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedOutcome(nil), f.outcomes...)
}

func waitForOutcomes(t *testing.T, rec *fakeRecorder, n int) []recordedOutcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if outcomes := rec.snapshot(); len(outcomes) >= n {
			return outcomes
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d probe outcomes", n)
	return nil
}

func TestProbeRecordsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	probe := NewProbe(ProbeConfig{
		Service:  "crm",
		URL:      srv.URL,
		Interval: 10 * time.Millisecond,
	}, rec)

	probe.Start()
	defer probe.Stop()

	outcomes := waitForOutcomes(t, rec, 2)
	for _, o := range outcomes {
		assert.Equal(t, "crm", o.service)
		assert.True(t, o.success)
	}
}

func TestProbeRecordsUnhealthyOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	probe := NewProbe(ProbeConfig{
		Service:  "crm",
		URL:      srv.URL,
		Interval: 10 * time.Millisecond,
	}, rec)

	probe.Start()
	defer probe.Stop()

	outcomes := waitForOutcomes(t, rec, 1)
	assert.False(t, outcomes[0].success)
}

func TestProbeRecordsUnhealthyOnTransportError(t *testing.T) {
	rec := &fakeRecorder{}
	probe := NewProbe(ProbeConfig{
		Service:  "crm",
		URL:      "http://127.0.0.1:1/health",
		Interval: 10 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}, rec)

	probe.Start()
	defer probe.Stop()

	outcomes := waitForOutcomes(t, rec, 1)
	assert.False(t, outcomes[0].success)
}

func TestProbeStopIsIdempotent(t *testing.T) {
	rec := &fakeRecorder{}
	probe := NewProbe(ProbeConfig{Service: "crm", URL: "http://127.0.0.1:1/health"}, rec)

	probe.Start()
	probe.Stop()
	require.NotPanics(t, probe.Stop)
}
