// Package registry is the subscription service: validation, secret
// lifecycle, and organization-scoped CRUD over the storage layer.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/coursewire/coursewire/internal/models"
	"github.com/coursewire/coursewire/internal/storage"
)

// ValidationError marks configuration problems rejected synchronously at
// create/update time, before anything reaches dispatch.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

type Service struct {
	store storage.Storage
}

func NewService(store storage.Storage) *Service {
	return &Service{store: store}
}

// CreateInput carries the caller-supplied subscription configuration. Zero
// values fall back to defaults.
type CreateInput struct {
	URL            string
	Description    string
	ContentType    models.ContentType
	AuthType       models.AuthType
	AuthHeader     string
	AuthValue      string
	Events         []string
	RetryCount     int
	TimeoutSeconds int
}

// Create registers a subscription. The generated signing secret is returned
// on the record exactly once; later reads never include it.
func (s *Service) Create(ctx context.Context, orgID string, in CreateInput) (*models.Webhook, error) {
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}

	if in.ContentType == "" {
		in.ContentType = models.ContentJSON
	}
	if err := in.ContentType.Validate(); err != nil {
		return nil, &ValidationError{Field: "content_type", Msg: err.Error()}
	}

	if in.AuthType == "" {
		in.AuthType = models.AuthHMACSHA256
	}
	if err := in.AuthType.Validate(); err != nil {
		return nil, &ValidationError{Field: "auth_type", Msg: err.Error()}
	}
	if err := validateAuthValue(in.AuthType, in.AuthValue); err != nil {
		return nil, err
	}

	retry, err := normalizeRetryCount(in.RetryCount)
	if err != nil {
		return nil, err
	}
	timeout, err := normalizeTimeout(in.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	events := in.Events
	if len(events) == 0 {
		return nil, &ValidationError{Field: "events", Msg: "at least one event type (or \"*\") is required"}
	}

	now := time.Now().UTC()
	w := &models.Webhook{
		ID:             models.NewID("wh"),
		OrgID:          orgID,
		URL:            in.URL,
		Description:    in.Description,
		ContentType:    in.ContentType,
		Secret:         models.NewSecret(),
		AuthType:       in.AuthType,
		AuthHeader:     in.AuthHeader,
		AuthValue:      in.AuthValue,
		Events:         events,
		RetryCount:     retry,
		TimeoutSeconds: timeout,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("creating webhook: %w", err)
	}
	return w, nil
}

// Get returns the subscription without its secret.
func (s *Service) Get(ctx context.Context, orgID, id string) (*models.Webhook, error) {
	w, err := s.store.GetWebhook(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	w.Secret = ""
	return w, nil
}

func (s *Service) List(ctx context.Context, orgID string) ([]models.Webhook, error) {
	hooks, err := s.store.ListWebhooks(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range hooks {
		hooks[i].Secret = ""
	}
	return hooks, nil
}

// UpdateInput applies only its non-nil fields. There is deliberately no
// secret field; rotation is a separate operation.
type UpdateInput struct {
	URL            *string
	Description    *string
	ContentType    *models.ContentType
	AuthType       *models.AuthType
	AuthHeader     *string
	AuthValue      *string
	Events         []string
	RetryCount     *int
	TimeoutSeconds *int
	Active         *bool
}

func (s *Service) Update(ctx context.Context, orgID, id string, in UpdateInput) (*models.Webhook, error) {
	w, err := s.store.GetWebhook(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		if err := validateURL(*in.URL); err != nil {
			return nil, err
		}
		w.URL = *in.URL
	}
	if in.Description != nil {
		w.Description = *in.Description
	}
	if in.ContentType != nil {
		if err := in.ContentType.Validate(); err != nil {
			return nil, &ValidationError{Field: "content_type", Msg: err.Error()}
		}
		w.ContentType = *in.ContentType
	}
	if in.AuthType != nil {
		if err := in.AuthType.Validate(); err != nil {
			return nil, &ValidationError{Field: "auth_type", Msg: err.Error()}
		}
		w.AuthType = *in.AuthType
	}
	if in.AuthHeader != nil {
		w.AuthHeader = *in.AuthHeader
	}
	if in.AuthValue != nil {
		w.AuthValue = *in.AuthValue
	}
	if err := validateAuthValue(w.AuthType, w.AuthValue); err != nil {
		return nil, err
	}
	if in.Events != nil {
		if len(in.Events) == 0 {
			return nil, &ValidationError{Field: "events", Msg: "at least one event type (or \"*\") is required"}
		}
		w.Events = in.Events
	}
	if in.RetryCount != nil {
		retry, err := normalizeRetryCount(*in.RetryCount)
		if err != nil {
			return nil, err
		}
		w.RetryCount = retry
	}
	if in.TimeoutSeconds != nil {
		timeout, err := normalizeTimeout(*in.TimeoutSeconds)
		if err != nil {
			return nil, err
		}
		w.TimeoutSeconds = timeout
	}
	if in.Active != nil {
		w.Active = *in.Active
	}

	if err := s.store.UpdateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("updating webhook: %w", err)
	}
	w.Secret = ""
	return w, nil
}

// RotateSecret replaces the signing secret in place. The new secret is the
// return value and is not retrievable afterwards; the very next delivery is
// signed with it.
func (s *Service) RotateSecret(ctx context.Context, orgID, id string) (string, error) {
	secret := models.NewSecret()
	if err := s.store.UpdateWebhookSecret(ctx, orgID, id, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func (s *Service) SetActive(ctx context.Context, orgID, id string, active bool) error {
	return s.store.SetWebhookActive(ctx, orgID, id, active)
}

func (s *Service) Delete(ctx context.Context, orgID, id string) error {
	return s.store.DeleteWebhook(ctx, orgID, id)
}

func validateURL(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "url", Msg: "url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "url", Msg: "must be a valid HTTP or HTTPS URL"}
	}
	return nil
}

func validateAuthValue(at models.AuthType, value string) error {
	switch at {
	case models.AuthBearer, models.AuthBasic, models.AuthAPIKey:
		if value == "" {
			return &ValidationError{Field: "auth_value", Msg: fmt.Sprintf("required for auth type %q", at)}
		}
	}
	return nil
}

func normalizeRetryCount(n int) (int, error) {
	if n == 0 {
		return models.DefaultRetryCount, nil
	}
	if n < 1 || n > models.MaxRetryCount {
		return 0, &ValidationError{Field: "retry_count", Msg: fmt.Sprintf("must be between 1 and %d", models.MaxRetryCount)}
	}
	return n, nil
}

func normalizeTimeout(n int) (int, error) {
	if n == 0 {
		return models.DefaultTimeoutSeconds, nil
	}
	if n < 1 || n > 120 {
		return 0, &ValidationError{Field: "timeout_seconds", Msg: "must be between 1 and 120"}
	}
	return n, nil
}
