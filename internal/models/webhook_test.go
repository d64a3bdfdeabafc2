package models

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribed(t *testing.T) {
	cases := []struct {
		name   string
		events []string
		event  string
		want   bool
	}{
		{"exact match", []string{"course.published"}, "course.published", true},
		{"no match", []string{"course.published"}, "user.created", false},
		{"global wildcard", []string{"*"}, "anything.at.all", true},
		{"prefix wildcard", []string{"course.*"}, "course.archived", true},
		{"prefix wildcard no match", []string{"course.*"}, "user.created", false},
		{"prefix requires dot boundary", []string{"course.*"}, "courses.created", false},
		{"empty set matches nothing", nil, "user.created", false},
		{"mixed set", []string{"user.created", "certificate.*"}, "certificate.revoked", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &Webhook{Events: tc.events}
			assert.Equal(t, tc.want, w.Subscribed(tc.event))
		})
	}
}

func TestEnvelopeEncodeJSON(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	env := NewEnvelope("course.published", "evt-1", at, map[string]any{"courseId": "c_9"})

	body, err := env.Encode(ContentJSON)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "course.published", decoded["event"])
	assert.Equal(t, "evt-1", decoded["eventId"])
	assert.Equal(t, "2025-06-01T09:30:00Z", decoded["timestamp"])
	assert.Equal(t, map[string]any{"courseId": "c_9"}, decoded["data"])
}

func TestEnvelopeEncodeForm(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	env := NewEnvelope("user.created", "evt-2", at, map[string]any{"id": "u_1"})

	body, err := env.Encode(ContentForm)
	require.NoError(t, err)

	values, err := url.ParseQuery(string(body))
	require.NoError(t, err)
	assert.Equal(t, "user.created", values.Get("event"))
	assert.Equal(t, "evt-2", values.Get("eventId"))
	assert.JSONEq(t, `{"id":"u_1"}`, values.Get("data"))
}

func TestEnvelopeEncodeXML(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	env := NewEnvelope("certificate.issued", "evt-3", at, nil)

	body, err := env.Encode(ContentXML)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "<webhook>")
	assert.Contains(t, s, "<event>certificate.issued</event>")
	assert.Contains(t, s, "<eventId>evt-3</eventId>")
}

// The same envelope must encode to identical bytes every time; attempt rows
// snapshot these bytes so retries re-send them verbatim.
func TestEnvelopeEncodeDeterministic(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	env := NewEnvelope("user.created", "evt-4", at, map[string]any{"a": 1.0, "b": "x", "c": true})

	first, err := env.Encode(ContentJSON)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := env.Encode(ContentJSON)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestContentTypeValidate(t *testing.T) {
	assert.NoError(t, ContentJSON.Validate())
	assert.NoError(t, ContentForm.Validate())
	assert.NoError(t, ContentXML.Validate())
	assert.Error(t, ContentType("yaml").Validate())
}

func TestAuthTypeValidate(t *testing.T) {
	for _, at := range []AuthType{AuthNone, AuthHMACSHA256, AuthHMACSHA512, AuthBearer, AuthBasic, AuthAPIKey} {
		assert.NoError(t, at.Validate())
	}
	assert.Error(t, AuthType("oauth2").Validate())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestIDGenerators(t *testing.T) {
	id := NewID("wh")
	assert.Equal(t, "wh_", id[:3])
	assert.NotEqual(t, id, NewID("wh"))

	assert.Equal(t, "whsec_", NewSecret()[:6])
	assert.Equal(t, "cwk_", NewAPIKey()[:4])
	assert.NotEqual(t, NewEventID(), NewEventID())
}
