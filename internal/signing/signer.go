// Package signing produces the authentication headers attached to outbound
// webhook requests.
//
// Wire contract with receivers: for HMAC auth types the signature in
// X-Signature is hex(HMAC(secret, body)) computed over the exact bytes of
// the request body. Receivers must recompute the HMAC over the bytes as
// received (not a re-serialization) and compare in constant time.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"time"

	"github.com/coursewire/coursewire/internal/models"
)

const (
	HeaderSignature = "X-Signature"
	HeaderWebhookID = "X-Webhook-Id"
	HeaderEventID   = "X-Event-Id"
	HeaderTimestamp = "X-Timestamp"
)

// Signer produces the auth headers for one scheme.
type Signer interface {
	Headers(w *models.Webhook, body []byte) (http.Header, error)
}

var signers = map[models.AuthType]Signer{
	models.AuthNone:       noneSigner{},
	models.AuthHMACSHA256: hmacSigner{prefix: "sha256", algo: sha256.New},
	models.AuthHMACSHA512: hmacSigner{prefix: "sha512", algo: sha512.New},
	models.AuthBearer:     bearerSigner{},
	models.AuthBasic:      basicSigner{},
	models.AuthAPIKey:     apiKeySigner{},
}

// For looks up the signer for the webhook's auth type.
func For(authType models.AuthType) (Signer, error) {
	s, ok := signers[authType]
	if !ok {
		return nil, fmt.Errorf("unsupported auth type: %q", authType)
	}
	return s, nil
}

// Headers builds the full header set for one attempt: the scheme-specific
// auth headers plus X-Webhook-Id, X-Event-Id and X-Timestamp (epoch millis),
// which are attached regardless of auth type so receivers can deduplicate
// and bound replay windows.
func Headers(w *models.Webhook, eventID string, at time.Time, body []byte) (http.Header, error) {
	s, err := For(w.AuthType)
	if err != nil {
		return nil, err
	}
	h, err := s.Headers(w, body)
	if err != nil {
		return nil, err
	}
	h.Set(HeaderWebhookID, w.ID)
	h.Set(HeaderEventID, eventID)
	h.Set(HeaderTimestamp, strconv.FormatInt(at.UnixMilli(), 10))
	return h, nil
}

type noneSigner struct{}

func (noneSigner) Headers(*models.Webhook, []byte) (http.Header, error) {
	return http.Header{}, nil
}

type hmacSigner struct {
	prefix string
	algo   func() hash.Hash
}

func (s hmacSigner) Headers(w *models.Webhook, body []byte) (http.Header, error) {
	if w.Secret == "" {
		return nil, fmt.Errorf("webhook %s has no signing secret", w.ID)
	}
	h := http.Header{}
	h.Set(HeaderSignature, fmt.Sprintf("%s=%s", s.prefix, computeHMAC(s.algo, w.Secret, body)))
	return h, nil
}

type bearerSigner struct{}

func (bearerSigner) Headers(w *models.Webhook, _ []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+w.AuthValue)
	return h, nil
}

type basicSigner struct{}

// AuthValue is the pre-encoded user:pass credential supplied by the
// subscription owner.
func (basicSigner) Headers(w *models.Webhook, _ []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Authorization", "Basic "+w.AuthValue)
	return h, nil
}

type apiKeySigner struct{}

func (apiKeySigner) Headers(w *models.Webhook, _ []byte) (http.Header, error) {
	name := w.AuthHeader
	if name == "" {
		name = models.DefaultAuthHeader
	}
	h := http.Header{}
	h.Set(name, w.AuthValue)
	return h, nil
}

func computeHMAC(algo func() hash.Hash, secret string, body []byte) string {
	mac := hmac.New(algo, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySHA256 checks a hex HMAC-SHA256 signature over the raw body in
// constant time. Exported as the reference for receiver implementations.
func VerifySHA256(secret string, body []byte, provided string) bool {
	return verify(sha256.New, secret, body, provided)
}

// VerifySHA512 is the SHA-512 counterpart of VerifySHA256.
func VerifySHA512(secret string, body []byte, provided string) bool {
	return verify(sha512.New, secret, body, provided)
}

func verify(algo func() hash.Hash, secret string, body []byte, provided string) bool {
	mac := hmac.New(algo, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
