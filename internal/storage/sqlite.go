package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coursewire/coursewire/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT 'json',
			secret TEXT NOT NULL,
			auth_type TEXT NOT NULL DEFAULT 'hmac-sha256',
			auth_header TEXT NOT NULL DEFAULT '',
			auth_value TEXT NOT NULL DEFAULT '',
			events TEXT NOT NULL DEFAULT '[]',
			retry_count INTEGER NOT NULL DEFAULT 3,
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			active INTEGER NOT NULL DEFAULT 1,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_triggered_at DATETIME,
			last_success_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_number INTEGER NOT NULL DEFAULT 1,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			response_headers TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_organizations_api_key ON organizations(api_key)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_org ON webhooks(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON deliveries(webhook_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_event ON deliveries(event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_retry_at) WHERE status IN ('pending', 'retrying')`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Organizations ---

func (s *SQLiteStorage) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.APIKey, org.CreatedAt, org.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &org.APIKey, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &org, err
}

func (s *SQLiteStorage) GetOrganizationByAPIKey(ctx context.Context, apiKey string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM organizations WHERE api_key = ?`, apiKey,
	).Scan(&org.ID, &org.Name, &org.APIKey, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &org, err
}

func (s *SQLiteStorage) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM organizations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		var org models.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.APIKey, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (s *SQLiteStorage) DeleteOrganization(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) UpdateOrganizationAPIKey(ctx context.Context, id, newKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET api_key = ?, updated_at = ? WHERE id = ?`,
		newKey, time.Now().UTC(), id,
	)
	return err
}

// --- Webhooks ---

const webhookCols = `id, org_id, url, description, content_type, secret, auth_type, auth_header, auth_value,
	events, retry_count, timeout_seconds, active, success_count, failure_count,
	last_triggered_at, last_success_at, last_error, created_at, updated_at`

func (s *SQLiteStorage) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	events, _ := json.Marshal(w.Events)
	active := 0
	if w.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, org_id, url, description, content_type, secret, auth_type, auth_header, auth_value,
			events, retry_count, timeout_seconds, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OrgID, w.URL, w.Description, w.ContentType, w.Secret, w.AuthType, w.AuthHeader, w.AuthValue,
		string(events), w.RetryCount, w.TimeoutSeconds, active, w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanWebhook(row interface{ Scan(...interface{}) error }) (*models.Webhook, error) {
	var w models.Webhook
	var events string
	var active int
	err := row.Scan(&w.ID, &w.OrgID, &w.URL, &w.Description, &w.ContentType, &w.Secret, &w.AuthType,
		&w.AuthHeader, &w.AuthValue, &events, &w.RetryCount, &w.TimeoutSeconds, &active,
		&w.SuccessCount, &w.FailureCount, &w.LastTriggered, &w.LastSuccess, &w.LastError,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(events), &w.Events)
	w.Active = active == 1
	return &w, nil
}

func (s *SQLiteStorage) GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE id = ?`, id)
	w, err := s.scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *SQLiteStorage) GetWebhook(ctx context.Context, orgID, id string) (*models.Webhook, error) {
	w, err := s.GetWebhookByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.OrgID != orgID {
		return nil, ErrUnauthorized
	}
	return w, nil
}

func (s *SQLiteStorage) listWebhooks(ctx context.Context, orgID string, activeOnly bool) ([]models.Webhook, error) {
	q := `SELECT ` + webhookCols + ` FROM webhooks WHERE org_id = ?`
	if activeOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []models.Webhook
	for rows.Next() {
		w, err := s.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, *w)
	}
	return hooks, rows.Err()
}

func (s *SQLiteStorage) ListWebhooks(ctx context.Context, orgID string) ([]models.Webhook, error) {
	return s.listWebhooks(ctx, orgID, false)
}

func (s *SQLiteStorage) ListActiveWebhooks(ctx context.Context, orgID string) ([]models.Webhook, error) {
	return s.listWebhooks(ctx, orgID, true)
}

// UpdateWebhook rewrites the mutable configuration fields. The secret is
// deliberately excluded; rotation goes through UpdateWebhookSecret.
func (s *SQLiteStorage) UpdateWebhook(ctx context.Context, w *models.Webhook) error {
	events, _ := json.Marshal(w.Events)
	active := 0
	if w.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET url = ?, description = ?, content_type = ?, auth_type = ?, auth_header = ?, auth_value = ?,
			events = ?, retry_count = ?, timeout_seconds = ?, active = ?, updated_at = ?
		 WHERE id = ? AND org_id = ?`,
		w.URL, w.Description, w.ContentType, w.AuthType, w.AuthHeader, w.AuthValue,
		string(events), w.RetryCount, w.TimeoutSeconds, active, time.Now().UTC(),
		w.ID, w.OrgID,
	)
	if err != nil {
		return err
	}
	return s.checkScoped(ctx, res, w.OrgID, w.ID)
}

func (s *SQLiteStorage) UpdateWebhookSecret(ctx context.Context, orgID, id, secret string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET secret = ?, updated_at = ? WHERE id = ? AND org_id = ?`,
		secret, time.Now().UTC(), id, orgID,
	)
	if err != nil {
		return err
	}
	return s.checkScoped(ctx, res, orgID, id)
}

func (s *SQLiteStorage) SetWebhookActive(ctx context.Context, orgID, id string, active bool) error {
	a := 0
	if active {
		a = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET active = ?, updated_at = ? WHERE id = ? AND org_id = ?`,
		a, time.Now().UTC(), id, orgID,
	)
	if err != nil {
		return err
	}
	return s.checkScoped(ctx, res, orgID, id)
}

// DeleteWebhook removes the subscription and, via the foreign key cascade,
// its delivery history.
func (s *SQLiteStorage) DeleteWebhook(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return err
	}
	return s.checkScoped(ctx, res, orgID, id)
}

// checkScoped distinguishes "no such webhook" from "webhook owned by a
// different organization" after a scoped write touched zero rows.
func (s *SQLiteStorage) checkScoped(ctx context.Context, res sql.Result, orgID, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var owner string
	err = s.db.QueryRowContext(ctx, `SELECT org_id FROM webhooks WHERE id = ?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != orgID {
		return ErrUnauthorized
	}
	return nil
}

func (s *SQLiteStorage) RecordWebhookSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET success_count = success_count + 1, last_triggered_at = ?, last_success_at = ?,
			last_error = '', updated_at = ? WHERE id = ?`,
		at, at, at, id,
	)
	return err
}

func (s *SQLiteStorage) RecordWebhookFailure(ctx context.Context, id string, at time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET failure_count = failure_count + 1, last_triggered_at = ?, last_error = ?,
			updated_at = ? WHERE id = ?`,
		at, models.Truncate(lastError, models.MaxErrorLen), at, id,
	)
	return err
}

// --- Deliveries ---

const deliveryCols = `id, webhook_id, event_id, event_type, payload, status, attempt_number,
	status_code, response_body, response_headers, error, duration_ms, next_retry_at, created_at, updated_at`

func (s *SQLiteStorage) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, webhook_id, event_id, event_type, payload, status, attempt_number, next_retry_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.EventID, d.EventType, d.Payload, d.Status, d.AttemptNumber, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanDelivery(row interface{ Scan(...interface{}) error }) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &d.Payload, &d.Status, &d.AttemptNumber,
		&d.StatusCode, &d.ResponseBody, &d.RespHeaders, &d.Error, &d.DurationMs, &d.NextRetryAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE id = ?`, id)
	d, err := s.scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLiteStorage) ListDeliveriesByWebhook(ctx context.Context, webhookID string, f DeliveryFilter) ([]models.Delivery, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + deliveryCols + ` FROM deliveries WHERE webhook_id = ?`
	args := []interface{}{webhookID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return s.queryDeliveries(ctx, q, args...)
}

func (s *SQLiteStorage) ListDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error) {
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE event_id = ? ORDER BY attempt_number`, eventID)
}

func (s *SQLiteStorage) ListDueDeliveries(ctx context.Context, limit int) ([]models.Delivery, error) {
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryCols+` FROM deliveries
		 WHERE status IN ('pending', 'retrying') AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		time.Now().UTC(), limit)
}

func (s *SQLiteStorage) queryDeliveries(ctx context.Context, q string, args ...interface{}) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s *SQLiteStorage) FinalizeDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, status_code = ?, response_body = ?, response_headers = ?,
			error = ?, duration_ms = ?, next_retry_at = NULL, updated_at = ? WHERE id = ?`,
		d.Status, d.StatusCode,
		models.Truncate(d.ResponseBody, models.MaxResponseBodyLen),
		d.RespHeaders,
		models.Truncate(d.Error, models.MaxErrorLen),
		d.DurationMs, time.Now().UTC(), d.ID,
	)
	return err
}

func (s *SQLiteStorage) CountDeliveriesInRange(ctx context.Context, webhookID string, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE webhook_id = ? AND created_at >= ? AND created_at < ?`,
		webhookID, from.UTC(), to.UTC(),
	).Scan(&n)
	return n, err
}

// PurgeDeliveries deletes finished attempt rows older than the cutoff. It is
// an explicit maintenance operation; the engine never deletes rows on its
// own.
func (s *SQLiteStorage) PurgeDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE created_at < ? AND status IN ('success', 'failed')`,
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context, orgID string) (*Stats, error) {
	stats := &Stats{}

	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries d JOIN webhooks w ON d.webhook_id = w.id WHERE w.org_id = ?`, orgID).Scan(&stats.TotalDeliveries)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries d JOIN webhooks w ON d.webhook_id = w.id WHERE w.org_id = ? AND d.status = 'success'`, orgID).Scan(&stats.SuccessCount)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries d JOIN webhooks w ON d.webhook_id = w.id WHERE w.org_id = ? AND d.status = 'failed'`, orgID).Scan(&stats.FailedCount)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries d JOIN webhooks w ON d.webhook_id = w.id WHERE w.org_id = ? AND d.status IN ('pending', 'retrying')`, orgID).Scan(&stats.PendingCount)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhooks WHERE org_id = ?`, orgID).Scan(&stats.TotalWebhooks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhooks WHERE org_id = ? AND active = 1`, orgID).Scan(&stats.ActiveWebhooks)

	if stats.TotalDeliveries > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalDeliveries) * 100
	}

	return stats, nil
}
