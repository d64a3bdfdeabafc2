package models

import (
	"fmt"
	"time"
)

type AuthType string

const (
	AuthNone       AuthType = "none"
	AuthHMACSHA256 AuthType = "hmac-sha256"
	AuthHMACSHA512 AuthType = "hmac-sha512"
	AuthBearer     AuthType = "bearer"
	AuthBasic      AuthType = "basic"
	AuthAPIKey     AuthType = "apikey"
)

func (a AuthType) Validate() error {
	switch a {
	case AuthNone, AuthHMACSHA256, AuthHMACSHA512, AuthBearer, AuthBasic, AuthAPIKey:
		return nil
	}
	return fmt.Errorf("unsupported auth type: %q", a)
}

type ContentType string

const (
	ContentJSON ContentType = "json"
	ContentForm ContentType = "form"
	ContentXML  ContentType = "xml"
)

func (c ContentType) Validate() error {
	switch c {
	case ContentJSON, ContentForm, ContentXML:
		return nil
	}
	return fmt.Errorf("unsupported content type: %q", c)
}

// MIME returns the Content-Type header value sent to receivers.
func (c ContentType) MIME() string {
	switch c {
	case ContentForm:
		return "application/x-www-form-urlencoded"
	case ContentXML:
		return "application/xml"
	default:
		return "application/json"
	}
}

const (
	DefaultRetryCount     = 3
	MaxRetryCount         = 5
	DefaultTimeoutSeconds = 30
	DefaultAuthHeader     = "X-API-Key"

	// EventWildcard in a webhook's event set matches every event type.
	EventWildcard = "*"
)

// Webhook is one organization's subscription: a target URL plus signing and
// retry policy. Counters are maintained by the storage layer with atomic
// increments, never read-modify-write.
type Webhook struct {
	ID             string      `json:"id"`
	OrgID          string      `json:"org_id"`
	URL            string      `json:"url"`
	Description    string      `json:"description"`
	ContentType    ContentType `json:"content_type"`
	Secret         string      `json:"secret,omitempty"`
	AuthType       AuthType    `json:"auth_type"`
	AuthHeader     string      `json:"auth_header,omitempty"`
	AuthValue      string      `json:"auth_value,omitempty"`
	Events         []string    `json:"events"`
	RetryCount     int         `json:"retry_count"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	Active         bool        `json:"active"`
	SuccessCount   int64       `json:"success_count"`
	FailureCount   int64       `json:"failure_count"`
	LastTriggered  *time.Time  `json:"last_triggered_at,omitempty"`
	LastSuccess    *time.Time  `json:"last_success_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Subscribed reports whether the webhook's event set covers eventType,
// either exactly, via the global "*" wildcard, or via a "prefix.*" pattern.
func (w *Webhook) Subscribed(eventType string) bool {
	for _, sub := range w.Events {
		if sub == eventType || sub == EventWildcard {
			return true
		}
		if n := len(sub); n > 2 && sub[n-2:] == ".*" {
			prefix := sub[:n-1] // keep the dot
			if len(eventType) > len(prefix) && eventType[:len(prefix)] == prefix {
				return true
			}
		}
	}
	return false
}
