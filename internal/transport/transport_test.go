package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursewire/coursewire/internal/models"
)

func TestPostSuccess(t *testing.T) {
	var gotBody string
	var gotContentType, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("X-Signature", "sha256=abc")

	tr := New()
	res := tr.Post(context.Background(), srv.URL, models.ContentJSON, headers, []byte(`{"event":"x"}`), 5*time.Second)

	require.Empty(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", res.Body)
	assert.Equal(t, `{"event":"x"}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "sha256=abc", gotCustom)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

// Non-2xx responses are outcomes, not errors; the status and body are
// preserved for the dispatcher.
func TestPostReceiverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`boom`))
	}))
	defer srv.Close()

	tr := New()
	res := tr.Post(context.Background(), srv.URL, models.ContentJSON, http.Header{}, []byte(`{}`), 5*time.Second)

	require.Empty(t, res.Err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "boom", res.Body)
}

func TestPostTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	tr := New()
	res := tr.Post(context.Background(), url, models.ContentJSON, http.Header{}, []byte(`{}`), 2*time.Second)

	assert.False(t, res.OK())
	assert.NotEmpty(t, res.Err)
	assert.Zero(t, res.StatusCode)
}

func TestPostTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := New()
	start := time.Now()
	res := tr.Post(context.Background(), srv.URL, models.ContentJSON, http.Header{}, []byte(`{}`), 100*time.Millisecond)

	assert.NotEmpty(t, res.Err)
	assert.False(t, res.OK())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPostContentTypes(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	tr := New()
	cases := map[models.ContentType]string{
		models.ContentJSON: "application/json",
		models.ContentForm: "application/x-www-form-urlencoded",
		models.ContentXML:  "application/xml",
	}
	for ct, want := range cases {
		res := tr.Post(context.Background(), srv.URL, ct, http.Header{}, []byte(`x`), time.Second)
		require.Empty(t, res.Err)
		assert.Equal(t, want, got)
	}
}

func TestEncodeHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Set("X-Request-Id", "r1")

	out := EncodeHeaders(h)
	assert.Contains(t, out, `"Content-Type":"text/plain"`)
	assert.Contains(t, out, `"X-Request-Id":"r1"`)

	assert.Empty(t, EncodeHeaders(nil))
}
