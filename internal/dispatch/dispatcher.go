// Package dispatch drives events through the sign/send/record pipeline and
// owns the retry policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursewire/coursewire/internal/metrics"
	"github.com/coursewire/coursewire/internal/models"
	"github.com/coursewire/coursewire/internal/signing"
	"github.com/coursewire/coursewire/internal/storage"
	"github.com/coursewire/coursewire/internal/transport"
)

// ErrRetryPending is returned by RetryDelivery when the event already has an
// unfinished attempt scheduled.
var ErrRetryPending = errors.New("event already has a pending attempt")

type Dispatcher struct {
	store       storage.Storage
	transport   *transport.Transport
	schedule    []time.Duration
	maxAttempts int
	log         zerolog.Logger
}

func NewDispatcher(store storage.Storage, tr *transport.Transport, schedule []time.Duration, maxAttempts int, log zerolog.Logger) *Dispatcher {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	if maxAttempts <= 0 || maxAttempts > models.MaxRetryCount {
		maxAttempts = models.MaxRetryCount
	}
	return &Dispatcher{
		store:       store,
		transport:   tr,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// TriggerEvent fans an event out to every active matching subscription of
// the organization. It only enqueues attempt-1 rows; no HTTP happens on the
// trigger path, so the caller never waits on a receiver and delivery
// failures cannot reach the triggering transaction.
func (dp *Dispatcher) TriggerEvent(ctx context.Context, orgID, eventType string, data map[string]any) ([]models.Delivery, error) {
	hooks, err := dp.store.ListActiveWebhooks(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing active webhooks: %w", err)
	}

	now := time.Now().UTC()
	var created []models.Delivery
	for i := range hooks {
		w := &hooks[i]
		if !w.Subscribed(eventType) {
			continue
		}

		// Each fan-out gets its own event id, shared by every retry of this
		// webhook's attempt sequence.
		eventID := models.NewEventID()
		body, err := models.NewEnvelope(eventType, eventID, now, data).Encode(w.ContentType)
		if err != nil {
			// Contained: a bad payload for one subscription never blocks the
			// others.
			dp.log.Error().Err(err).Str("webhook_id", w.ID).Str("event_type", eventType).
				Msg("failed to encode event payload")
			continue
		}

		due := now
		d := models.Delivery{
			ID:            models.NewID("dlv"),
			WebhookID:     w.ID,
			EventID:       eventID,
			EventType:     eventType,
			Payload:       body,
			Status:        models.DeliveryPending,
			AttemptNumber: 1,
			NextRetryAt:   &due,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := dp.store.CreateDelivery(ctx, &d); err != nil {
			dp.log.Error().Err(err).Str("webhook_id", w.ID).Str("event_type", eventType).
				Msg("failed to enqueue delivery")
			continue
		}
		created = append(created, d)
	}

	dp.log.Debug().Str("org_id", orgID).Str("event_type", eventType).
		Int("deliveries", len(created)).Msg("event triggered")
	return created, nil
}

// Attempt executes one claimed delivery row end to end: re-check the
// subscription, sign, POST, finalize the row, bump counters, and schedule
// the follow-up attempt when the outcome is retryable.
func (dp *Dispatcher) Attempt(ctx context.Context, d models.Delivery) {
	w, err := dp.store.GetWebhookByID(ctx, d.WebhookID)
	if err != nil {
		dp.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to load webhook for delivery")
		return
	}

	// Checked at attempt time, not just at schedule time: disabling a
	// webhook cancels any retry still in the queue.
	if !w.Active {
		d.Status = models.DeliveryFailed
		d.Error = "webhook disabled before attempt"
		if err := dp.store.FinalizeDelivery(ctx, &d); err != nil {
			dp.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to finalize canceled delivery")
		}
		return
	}

	now := time.Now().UTC()
	headers, err := signing.Headers(w, d.EventID, now, d.Payload)
	if err != nil {
		// Signing failures are configuration problems, not receiver
		// problems; retrying cannot fix them.
		d.Status = models.DeliveryFailed
		d.Error = err.Error()
		if ferr := dp.store.FinalizeDelivery(ctx, &d); ferr != nil {
			dp.log.Error().Err(ferr).Str("delivery_id", d.ID).Msg("failed to finalize unsignable delivery")
		}
		dp.recordFailure(ctx, w, &d, now)
		return
	}

	res := dp.transport.Post(ctx, w.URL, w.ContentType, headers, d.Payload, time.Duration(w.TimeoutSeconds)*time.Second)

	d.StatusCode = res.StatusCode
	d.ResponseBody = res.Body
	d.RespHeaders = transport.EncodeHeaders(res.Headers)
	d.Error = res.Err
	d.DurationMs = res.DurationMs

	if res.OK() {
		d.Status = models.DeliverySuccess
		if err := dp.store.FinalizeDelivery(ctx, &d); err != nil {
			dp.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to finalize delivery")
		}
		if err := dp.store.RecordWebhookSuccess(ctx, w.ID, now); err != nil {
			dp.log.Error().Err(err).Str("webhook_id", w.ID).Msg("failed to record webhook success")
		}
		metrics.Deliveries.WithLabelValues(d.EventType, string(models.DeliverySuccess)).Inc()
		metrics.DeliveryLatency.WithLabelValues(d.EventType, string(models.DeliverySuccess)).Observe(float64(res.DurationMs))
		dp.log.Info().Str("delivery_id", d.ID).Str("webhook_id", w.ID).
			Int("status_code", res.StatusCode).Int64("duration_ms", res.DurationMs).
			Int("attempt", d.AttemptNumber).Msg("delivery succeeded")
		return
	}

	if d.Error == "" {
		d.Error = fmt.Sprintf("receiver returned HTTP %d", res.StatusCode)
	}
	d.Status = models.DeliveryFailed
	if err := dp.store.FinalizeDelivery(ctx, &d); err != nil {
		dp.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to finalize delivery")
	}
	dp.recordFailure(ctx, w, &d, now)

	if d.AttemptNumber < dp.effectiveAttempts(w) {
		next, err := dp.scheduleNext(ctx, &d)
		if err != nil {
			dp.log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to schedule retry")
			return
		}
		dp.log.Info().Str("delivery_id", d.ID).Str("next_delivery_id", next.ID).
			Int("attempt", d.AttemptNumber).Time("next_retry", *next.NextRetryAt).
			Msg("delivery scheduled for retry")
		return
	}

	dp.log.Warn().Str("delivery_id", d.ID).Str("webhook_id", w.ID).
		Int("attempts", d.AttemptNumber).Str("error", d.Error).
		Msg("delivery permanently failed")
}

func (dp *Dispatcher) recordFailure(ctx context.Context, w *models.Webhook, d *models.Delivery, at time.Time) {
	if err := dp.store.RecordWebhookFailure(ctx, w.ID, at, d.Error); err != nil {
		dp.log.Error().Err(err).Str("webhook_id", w.ID).Msg("failed to record webhook failure")
	}
	metrics.Deliveries.WithLabelValues(d.EventType, string(models.DeliveryFailed)).Inc()
	metrics.DeliveryLatency.WithLabelValues(d.EventType, string(models.DeliveryFailed)).Observe(float64(d.DurationMs))
}

// scheduleNext appends the attempt N+1 row. The payload bytes are carried
// over verbatim so the HMAC a receiver recomputes stays stable across
// retries.
func (dp *Dispatcher) scheduleNext(ctx context.Context, prev *models.Delivery) (*models.Delivery, error) {
	now := time.Now().UTC()
	due := NextRetryTime(prev.AttemptNumber+1, dp.schedule)
	next := models.Delivery{
		ID:            models.NewID("dlv"),
		WebhookID:     prev.WebhookID,
		EventID:       prev.EventID,
		EventType:     prev.EventType,
		Payload:       prev.Payload,
		Status:        models.DeliveryRetrying,
		AttemptNumber: prev.AttemptNumber + 1,
		NextRetryAt:   &due,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := dp.store.CreateDelivery(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (dp *Dispatcher) effectiveAttempts(w *models.Webhook) int {
	n := w.RetryCount
	if n <= 0 {
		n = models.DefaultRetryCount
	}
	if n > dp.maxAttempts {
		n = dp.maxAttempts
	}
	return n
}

// TestWebhook runs the identical signing and transport pipeline against a
// synthetic payload and returns the outcome synchronously. Nothing is
// written to the ledger.
func (dp *Dispatcher) TestWebhook(ctx context.Context, orgID, id string) (*transport.Result, error) {
	w, err := dp.store.GetWebhook(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	eventID := models.NewEventID()
	body, err := models.NewEnvelope(models.EventTestType, eventID, now, map[string]any{
		"webhook_id": w.ID,
		"test":       true,
	}).Encode(w.ContentType)
	if err != nil {
		return nil, fmt.Errorf("encoding test payload: %w", err)
	}

	headers, err := signing.Headers(w, eventID, now, body)
	if err != nil {
		return nil, err
	}

	return dp.transport.Post(ctx, w.URL, w.ContentType, headers, body, time.Duration(w.TimeoutSeconds)*time.Second), nil
}

// RetryDelivery is the manual override path once automatic retries are
// exhausted: it replays the stored request snapshot of deliveryID's event as
// a fresh attempt. Allowed regardless of the webhook's retry budget.
func (dp *Dispatcher) RetryDelivery(ctx context.Context, orgID, deliveryID string) (*models.Delivery, error) {
	d, err := dp.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	// Scoped lookup enforces ownership of the parent webhook.
	if _, err := dp.store.GetWebhook(ctx, orgID, d.WebhookID); err != nil {
		return nil, err
	}

	attempts, err := dp.store.ListDeliveriesByEvent(ctx, d.EventID)
	if err != nil {
		return nil, fmt.Errorf("listing event attempts: %w", err)
	}
	last := attempts[len(attempts)-1]
	if !last.Status.IsFinal() {
		return nil, ErrRetryPending
	}

	now := time.Now().UTC()
	next := models.Delivery{
		ID:            models.NewID("dlv"),
		WebhookID:     d.WebhookID,
		EventID:       d.EventID,
		EventType:     d.EventType,
		Payload:       d.Payload,
		Status:        models.DeliveryRetrying,
		AttemptNumber: last.AttemptNumber + 1,
		NextRetryAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := dp.store.CreateDelivery(ctx, &next); err != nil {
		return nil, fmt.Errorf("enqueueing manual retry: %w", err)
	}

	dp.log.Info().Str("delivery_id", deliveryID).Str("next_delivery_id", next.ID).
		Int("attempt", next.AttemptNumber).Msg("manual retry enqueued")
	return &next, nil
}
