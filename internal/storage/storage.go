package storage

import (
	"context"
	"errors"
	"time"

	"github.com/coursewire/coursewire/internal/models"
)

var (
	// ErrNotFound means the record does not exist at all.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized means the record exists but belongs to another
	// organization. Callers must never observe the foreign record.
	ErrUnauthorized = errors.New("organization mismatch")
)

// DeliveryFilter narrows ledger history queries.
type DeliveryFilter struct {
	Status models.DeliveryStatus // empty matches all
	Limit  int
	Offset int
}

type Storage interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationByAPIKey(ctx context.Context, apiKey string) (*models.Organization, error)
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
	DeleteOrganization(ctx context.Context, id string) error
	UpdateOrganizationAPIKey(ctx context.Context, id, newKey string) error

	// Webhooks (subscription registry). All org-scoped lookups return
	// ErrUnauthorized when the id exists under a different organization.
	CreateWebhook(ctx context.Context, w *models.Webhook) error
	GetWebhook(ctx context.Context, orgID, id string) (*models.Webhook, error)
	GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, orgID string) ([]models.Webhook, error)
	ListActiveWebhooks(ctx context.Context, orgID string) ([]models.Webhook, error)
	UpdateWebhook(ctx context.Context, w *models.Webhook) error
	UpdateWebhookSecret(ctx context.Context, orgID, id, secret string) error
	SetWebhookActive(ctx context.Context, orgID, id string, active bool) error
	DeleteWebhook(ctx context.Context, orgID, id string) error

	// Counter updates are single atomic statements so concurrent delivery
	// goroutines never lose increments.
	RecordWebhookSuccess(ctx context.Context, id string, at time.Time) error
	RecordWebhookFailure(ctx context.Context, id string, at time.Time, lastError string) error

	// Delivery ledger (append-only; FinalizeDelivery is the one permitted
	// in-place transition, performed by the goroutine that claimed the row).
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveriesByWebhook(ctx context.Context, webhookID string, f DeliveryFilter) ([]models.Delivery, error)
	ListDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error)
	ListDueDeliveries(ctx context.Context, limit int) ([]models.Delivery, error)
	FinalizeDelivery(ctx context.Context, d *models.Delivery) error
	CountDeliveriesInRange(ctx context.Context, webhookID string, from, to time.Time) (int64, error)
	PurgeDeliveries(ctx context.Context, before time.Time) (int64, error)

	// Stats
	GetStats(ctx context.Context, orgID string) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalDeliveries int64   `json:"total_deliveries"`
	SuccessCount    int64   `json:"success_count"`
	FailedCount     int64   `json:"failed_count"`
	PendingCount    int64   `json:"pending_count"`
	SuccessRate     float64 `json:"success_rate"`
	TotalWebhooks   int64   `json:"total_webhooks"`
	ActiveWebhooks  int64   `json:"active_webhooks"`
}
