package models

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"time"
)

// Envelope is the canonical wire payload. It is encoded exactly once per
// logical event; the resulting bytes are snapshotted on every attempt row so
// retries re-send (and receivers re-verify) the identical body.
type Envelope struct {
	Event     string         `json:"event"`
	EventID   string         `json:"eventId"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func NewEnvelope(eventType, eventID string, at time.Time, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Event:     eventType,
		EventID:   eventID,
		Timestamp: at.UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// Encode serializes the envelope for the given content type.
func (e Envelope) Encode(ct ContentType) ([]byte, error) {
	switch ct {
	case ContentForm:
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding event data: %w", err)
		}
		v := url.Values{}
		v.Set("event", e.Event)
		v.Set("eventId", e.EventID)
		v.Set("timestamp", e.Timestamp)
		v.Set("data", string(data))
		return []byte(v.Encode()), nil
	case ContentXML:
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding event data: %w", err)
		}
		doc := xmlEnvelope{Event: e.Event, EventID: e.EventID, Timestamp: e.Timestamp, Data: string(data)}
		out, err := xml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding xml envelope: %w", err)
		}
		return out, nil
	default:
		return json.Marshal(e)
	}
}

type xmlEnvelope struct {
	XMLName   xml.Name `xml:"webhook"`
	Event     string   `xml:"event"`
	EventID   string   `xml:"eventId"`
	Timestamp string   `xml:"timestamp"`
	Data      string   `xml:"data"`
}

// EventTestType is the synthetic event type used by send-test.
const EventTestType = "webhook.test"

// EventCatalog lists the supported event types grouped by category. The
// dispatcher does not enforce membership — categories exist for the admin
// surface so integrators can discover what to subscribe to.
var EventCatalog = map[string][]string{
	"user": {
		"user.created",
		"user.updated",
		"user.deleted",
		"user.login",
	},
	"course": {
		"course.created",
		"course.updated",
		"course.published",
		"course.archived",
	},
	"enrollment": {
		"enrollment.created",
		"enrollment.completed",
		"enrollment.expired",
		"enrollment.withdrawn",
	},
	"progress": {
		"progress.lesson.completed",
		"progress.module.completed",
		"progress.quiz.passed",
		"progress.quiz.failed",
	},
	"certificate": {
		"certificate.issued",
		"certificate.revoked",
		"certificate.expired",
	},
	"compliance": {
		"compliance.assigned",
		"compliance.completed",
		"compliance.overdue",
	},
}
