package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursewire/coursewire/internal/models"
)

func testWebhook(at models.AuthType) *models.Webhook {
	return &models.Webhook{
		ID:       "wh_test",
		AuthType: at,
		Secret:   "whsec_testsecret",
	}
}

func TestHMACDeterminism(t *testing.T) {
	w := testWebhook(models.AuthHMACSHA256)
	body := []byte(`{"event":"course.published","data":{"id":42}}`)

	s, err := For(models.AuthHMACSHA256)
	require.NoError(t, err)

	h1, err := s.Headers(w, body)
	require.NoError(t, err)
	h2, err := s.Headers(w, body)
	require.NoError(t, err)

	assert.Equal(t, h1.Get(HeaderSignature), h2.Get(HeaderSignature))
	assert.NotEmpty(t, h1.Get(HeaderSignature))
}

func TestHMACSHA256Signature(t *testing.T) {
	w := testWebhook(models.AuthHMACSHA256)
	body := []byte(`{"event":"user.created"}`)

	s, err := For(models.AuthHMACSHA256)
	require.NoError(t, err)
	h, err := s.Headers(w, body)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(w.Secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, h.Get(HeaderSignature))
}

func TestHMACSHA512Prefix(t *testing.T) {
	w := testWebhook(models.AuthHMACSHA512)
	body := []byte(`{}`)

	s, err := For(models.AuthHMACSHA512)
	require.NoError(t, err)
	h, err := s.Headers(w, body)
	require.NoError(t, err)

	sig := h.Get(HeaderSignature)
	require.NotEmpty(t, sig)
	assert.Equal(t, "sha512=", sig[:7])
	// 512-bit digest is 128 hex characters
	assert.Len(t, sig, 7+128)
}

func TestHMACRequiresSecret(t *testing.T) {
	w := testWebhook(models.AuthHMACSHA256)
	w.Secret = ""

	s, err := For(models.AuthHMACSHA256)
	require.NoError(t, err)
	_, err = s.Headers(w, []byte(`{}`))
	assert.Error(t, err)
}

func TestBearerHeaders(t *testing.T) {
	w := testWebhook(models.AuthBearer)
	w.AuthValue = "tok123"

	s, err := For(models.AuthBearer)
	require.NoError(t, err)
	h, err := s.Headers(w, nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok123", h.Get("Authorization"))
}

func TestBasicHeaders(t *testing.T) {
	w := testWebhook(models.AuthBasic)
	w.AuthValue = "dXNlcjpwYXNz"

	s, err := For(models.AuthBasic)
	require.NoError(t, err)
	h, err := s.Headers(w, nil)
	require.NoError(t, err)

	assert.Equal(t, "Basic dXNlcjpwYXNz", h.Get("Authorization"))
}

func TestAPIKeyHeaders(t *testing.T) {
	w := testWebhook(models.AuthAPIKey)
	w.AuthValue = "key123"

	t.Run("custom header name", func(t *testing.T) {
		w.AuthHeader = "X-Custom-Key"
		s, err := For(models.AuthAPIKey)
		require.NoError(t, err)
		h, err := s.Headers(w, nil)
		require.NoError(t, err)
		assert.Equal(t, "key123", h.Get("X-Custom-Key"))
	})

	t.Run("default header name", func(t *testing.T) {
		w.AuthHeader = ""
		s, err := For(models.AuthAPIKey)
		require.NoError(t, err)
		h, err := s.Headers(w, nil)
		require.NoError(t, err)
		assert.Equal(t, "key123", h.Get(models.DefaultAuthHeader))
	})
}

func TestNoneAddsNothing(t *testing.T) {
	s, err := For(models.AuthNone)
	require.NoError(t, err)
	h, err := s.Headers(testWebhook(models.AuthNone), []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestForUnknownAuthType(t *testing.T) {
	_, err := For(models.AuthType("kerberos"))
	assert.Error(t, err)
}

func TestCommonHeadersAlwaysPresent(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, authType := range []models.AuthType{models.AuthNone, models.AuthHMACSHA256, models.AuthBearer} {
		w := testWebhook(authType)
		w.AuthValue = "v"
		h, err := Headers(w, "evt-1", at, []byte(`{}`))
		require.NoError(t, err)

		assert.Equal(t, "wh_test", h.Get(HeaderWebhookID))
		assert.Equal(t, "evt-1", h.Get(HeaderEventID))
		assert.Equal(t, "1740830400000", h.Get(HeaderTimestamp))
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"certificate.issued"}`)
	w := testWebhook(models.AuthHMACSHA256)

	s, _ := For(models.AuthHMACSHA256)
	h, err := s.Headers(w, body)
	require.NoError(t, err)
	sig := h.Get(HeaderSignature)[len("sha256="):]

	assert.True(t, VerifySHA256(w.Secret, body, sig))
	assert.False(t, VerifySHA256(w.Secret, []byte(`tampered`), sig))
	assert.False(t, VerifySHA256(w.Secret, body, "deadbeef"))
	assert.False(t, VerifySHA256(w.Secret, body, "not-hex"))
}

// Rotating the secret must invalidate signatures produced with the old one.
func TestRotationInvalidatesOldSignatures(t *testing.T) {
	body := []byte(`{"event":"enrollment.completed"}`)
	w := testWebhook(models.AuthHMACSHA256)

	s, _ := For(models.AuthHMACSHA256)
	h, err := s.Headers(w, body)
	require.NoError(t, err)
	oldSig := h.Get(HeaderSignature)[len("sha256="):]

	newSecret := "whsec_rotated"
	assert.False(t, VerifySHA256(newSecret, body, oldSig))

	w.Secret = newSecret
	h, err = s.Headers(w, body)
	require.NoError(t, err)
	newSig := h.Get(HeaderSignature)[len("sha256="):]
	assert.True(t, VerifySHA256(newSecret, body, newSig))
	assert.NotEqual(t, oldSig, newSig)
}
