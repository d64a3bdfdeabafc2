// Package transport performs single HTTP POST attempts to subscriber
// endpoints. It never retries; retry policy belongs to the dispatcher.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coursewire/coursewire/internal/models"
)

// Result is the normalized outcome of one attempt. A non-2xx response is a
// result, not an error; Err is set only when no HTTP response was obtained
// (DNS, connect, TLS, timeout).
type Result struct {
	StatusCode int
	Body       string
	Headers    http.Header
	DurationMs int64
	Err        string
}

// OK reports whether the attempt reached the receiver and got a 2xx.
func (r *Result) OK() bool {
	return r.Err == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

type Transport struct {
	client *http.Client
}

func New() *Transport {
	// Per-request timeouts come from each webhook's policy, so the shared
	// client carries none.
	return &Transport{client: &http.Client{}}
}

// NewWithClient is for tests that need an httptest server's client.
func NewWithClient(c *http.Client) *Transport {
	return &Transport{client: c}
}

// Post sends body to url with the given headers, bounded by timeout.
func (t *Transport) Post(ctx context.Context, url string, contentType models.ContentType, headers http.Header, body []byte, timeout time.Duration) *Result {
	if timeout <= 0 {
		timeout = models.DefaultTimeoutSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Result{
			Err:        fmt.Sprintf("building request: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	req.Header = headers.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Content-Type", contentType.MIME())
	req.Header.Set("User-Agent", "coursewire/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{
			Err:        fmt.Sprintf("request failed: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, models.MaxResponseBodyLen))

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Headers:    resp.Header,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// EncodeHeaders flattens response headers for ledger persistence.
func EncodeHeaders(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	flat := make(map[string]string, len(h))
	for k := range h {
		flat[k] = h.Get(k)
	}
	out, _ := json.Marshal(flat)
	return string(out)
}
