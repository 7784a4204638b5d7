package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Caps how much of an upstream body is buffered into memory
const maxResponseBytes = 10 << 20

// Response is the raw outcome of one upstream call. The dispatch layer
// classifies the status code and reads the limit header; nothing here
// interprets them.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client performs outbound HTTP calls against one upstream API.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		// Per-call deadlines come from the request context; the
		// transport itself holds no timeout
		httpClient: &http.Client{},
	}
}

// Do issues the call and returns the full response. A non-2xx status
// is not an error at this layer.
func (c *Client) Do(ctx context.Context, method, url string, payload []byte, headers http.Header) (*Response, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: failed to build request: %w", err)
	}

	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if len(payload) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream: failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}
