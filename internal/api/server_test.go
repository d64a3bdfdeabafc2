package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursewire/coursewire/internal/config"
	"github.com/coursewire/coursewire/internal/dispatch"
	"github.com/coursewire/coursewire/internal/models"
	"github.com/coursewire/coursewire/internal/registry"
	"github.com/coursewire/coursewire/internal/storage"
	"github.com/coursewire/coursewire/internal/transport"
)

type apiFixture struct {
	handler http.Handler
	store   storage.Storage
	org     *models.Organization
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	org := &models.Organization{
		ID:        models.NewID("org"),
		Name:      "acme",
		APIKey:    models.NewAPIKey(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateOrganization(context.Background(), org))

	dp := dispatch.NewDispatcher(store, transport.New(), nil, models.MaxRetryCount, zerolog.Nop())
	srv := NewServer(config.ServerConfig{}, store, registry.NewService(store), dp, zerolog.Nop())

	return &apiFixture{handler: srv.Handler(), store: store, org: org}
}

// do issues an authenticated request with f.org's API key unless key
// overrides it.
func (f *apiFixture) do(t *testing.T, method, path string, body any, key ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	apiKey := f.org.APIKey
	if len(key) > 0 {
		apiKey = key[0]
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func (f *apiFixture) createWebhook(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	if body == nil {
		body = map[string]any{
			"url":    "https://example.com/hook",
			"events": []string{"course.published"},
		}
	}
	rec := f.do(t, http.MethodPost, "/api/v1/webhooks", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var wh map[string]any
	decode(t, rec, &wh)
	return wh
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/webhooks", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/webhooks", nil, "cwk_bogus")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/webhooks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateWebhookReturnsSecretOnce(t *testing.T) {
	f := newAPIFixture(t)

	wh := f.createWebhook(t, nil)
	secret, _ := wh["secret"].(string)
	require.NotEmpty(t, secret)
	assert.Equal(t, "whsec_", secret[:6])
	assert.Equal(t, "hmac-sha256", wh["auth_type"])
	assert.Equal(t, float64(3), wh["retry_count"])

	rec := f.do(t, http.MethodGet, "/api/v1/webhooks/"+wh["id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	decode(t, rec, &got)
	_, present := got["secret"]
	assert.False(t, present, "secret is omitted from reads")
}

func TestCreateWebhookValidationError(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"url": "https://example.com/hook",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	decode(t, rec, &resp)
	assert.Contains(t, resp["error"], "events")
}

func TestWebhookLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	wh := f.createWebhook(t, nil)
	id := wh["id"].(string)

	// Update
	rec := f.do(t, http.MethodPut, "/api/v1/webhooks/"+id, map[string]any{
		"description": "course feed",
		"retry_count": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated map[string]any
	decode(t, rec, &updated)
	assert.Equal(t, "course feed", updated["description"])
	assert.Equal(t, float64(5), updated["retry_count"])

	// Toggle off
	rec = f.do(t, http.MethodPatch, "/api/v1/webhooks/"+id+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled map[string]any
	decode(t, rec, &toggled)
	assert.Equal(t, false, toggled["active"])

	// Rotate secret
	rec = f.do(t, http.MethodPost, "/api/v1/webhooks/"+id+"/rotate-secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated map[string]string
	decode(t, rec, &rotated)
	assert.Equal(t, "whsec_", rotated["secret"][:6])
	assert.NotEqual(t, wh["secret"], rotated["secret"])

	// Delete
	rec = f.do(t, http.MethodDelete, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Another organization touching the webhook gets 403, not 404.
func TestCrossOrgAccessForbidden(t *testing.T) {
	f := newAPIFixture(t)
	wh := f.createWebhook(t, nil)
	id := wh["id"].(string)

	now := time.Now().UTC()
	other := &models.Organization{
		ID:        models.NewID("org"),
		Name:      "intruder",
		APIKey:    models.NewAPIKey(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateOrganization(context.Background(), other))

	rec := f.do(t, http.MethodGet, "/api/v1/webhooks/"+id, nil, other.APIKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/webhooks/"+id, nil, other.APIKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/webhooks/"+id+"/rotate-secret", nil, other.APIKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTriggerEvent(t *testing.T) {
	f := newAPIFixture(t)
	f.createWebhook(t, map[string]any{
		"url":    "https://example.com/hook",
		"events": []string{"course.*"},
	})

	rec := f.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"event_type": "course.published",
		"data":       map[string]any{"courseId": "c_1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		EventType  string   `json:"event_type"`
		Deliveries []string `json:"deliveries"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "course.published", resp.EventType)
	require.Len(t, resp.Deliveries, 1)

	// The enqueued row is visible through the ledger endpoint
	rec = f.do(t, http.MethodGet, "/api/v1/deliveries/"+resp.Deliveries[0], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d map[string]any
	decode(t, rec, &d)
	assert.Equal(t, "course.published", d["event_type"])
	assert.Equal(t, "pending", d["status"])
	assert.Equal(t, float64(1), d["attempt_number"])
}

func TestTriggerEventRequiresType(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"data": map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryPendingConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.createWebhook(t, map[string]any{
		"url":    "https://example.com/hook",
		"events": []string{"*"},
	})

	rec := f.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"event_type": "user.created",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Deliveries []string `json:"deliveries"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Deliveries, 1)

	// Attempt 1 has not finished; manual retry conflicts
	rec = f.do(t, http.MethodPost, "/api/v1/deliveries/"+resp.Deliveries[0]+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeliveryNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/deliveries/dlv_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestWebhookEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`pong`))
	}))
	defer receiver.Close()

	wh := f.createWebhook(t, map[string]any{
		"url":    receiver.URL,
		"events": []string{"*"},
	})

	rec := f.do(t, http.MethodPost, "/api/v1/webhooks/"+wh["id"].(string)+"/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decode(t, rec, &resp)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(http.StatusOK), resp["status_code"])
	assert.Equal(t, "pong", resp["body"])
}

func TestEventCatalog(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/event-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var catalog map[string][]string
	decode(t, rec, &catalog)
	assert.Contains(t, catalog, "course")
	assert.Contains(t, catalog["course"], "course.published")
}

func TestOrganizationEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/organizations", map[string]any{"name": "globex"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var org map[string]any
	decode(t, rec, &org)
	key, _ := org["api_key"].(string)
	require.NotEmpty(t, key)
	assert.Equal(t, "cwk_", key[:4])

	// Reads never echo the key back
	rec = f.do(t, http.MethodGet, "/api/v1/organizations/"+org["id"].(string), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	decode(t, rec, &got)
	_, present := got["api_key"]
	assert.False(t, present)

	// The new key authenticates
	rec = f.do(t, http.MethodGet, "/api/v1/webhooks", nil, key)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Rotation invalidates it
	rec = f.do(t, http.MethodPost, "/api/v1/organizations/"+org["id"].(string)+"/rotate-key", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/webhooks", nil, key)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.createWebhook(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]any
	decode(t, rec, &stats)
	assert.Equal(t, float64(1), stats["total_webhooks"])
}
