package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token abc", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"test"}`, string(body))

		w.Header().Set("ratelimit", "limit=160; remaining=159; reset=8")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"lead_1"}`))
	}))
	defer srv.Close()

	client := NewClient()
	headers := http.Header{}
	headers.Set("Authorization", "token abc")

	resp, err := client.Do(context.Background(), "POST", srv.URL, []byte(`{"name":"test"}`), headers)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "limit=160; remaining=159; reset=8", resp.Headers.Get("ratelimit"))
	assert.JSONEq(t, `{"id":"lead_1"}`, string(resp.Body))
}

func TestClientDoNon2xxIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	client := NewClient()
	resp, err := client.Do(context.Background(), "GET", srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestClientDoRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := NewClient()
	_, err := client.Do(ctx, "GET", srv.URL, nil, nil)
	assert.Error(t, err)
}

func TestClientDoTransportFailure(t *testing.T) {
	client := NewClient()
	_, err := client.Do(context.Background(), "GET", "http://127.0.0.1:1/unreachable", nil, nil)
	assert.Error(t, err)
}
