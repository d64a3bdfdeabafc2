package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// IsFinal reports whether the status is terminal for the attempt row.
func (s DeliveryStatus) IsFinal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

// Delivery is one attempt record. A retried event produces multiple rows
// sharing EventID with strictly increasing AttemptNumber; rows are written
// once and only transition pending/retrying -> success/failed by the
// goroutine that claimed them.
type Delivery struct {
	ID            string         `json:"id"`
	WebhookID     string         `json:"webhook_id"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Payload       []byte         `json:"payload"`
	Status        DeliveryStatus `json:"status"`
	AttemptNumber int            `json:"attempt_number"`
	StatusCode    int            `json:"status_code,omitempty"`
	ResponseBody  string         `json:"response_body,omitempty"`
	RespHeaders   string         `json:"response_headers,omitempty"`
	Error         string         `json:"error,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Persistence bounds for receiver-supplied text, so a misbehaving endpoint
// cannot grow the ledger without limit.
const (
	MaxResponseBodyLen = 10000
	MaxErrorLen        = 1000
)

func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
