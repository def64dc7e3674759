package webhook

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/atriumcms/atrium/internal/domain"
	"github.com/atriumcms/atrium/internal/repository"
	"github.com/atriumcms/atrium/pkg/crypto"
)

var (
	errMissingSiteID = errors.New("site id is required")
	errMissingURL    = errors.New("url is required")
	errInvalidURL    = errors.New("url must be an absolute http(s) URL")
	errMissingSecret = errors.New("secret is required")
)

// Service manages webhook subscriptions for site administrators. Signing
// secrets are encrypted before they reach the repository.
type Service struct {
	repo       repository.WebhookRepository
	deliveries repository.DeliveryRepository
	logger     *slog.Logger
	secretKey  string
}

// NewService constructs a subscription management service.
func NewService(repo repository.WebhookRepository, deliveries repository.DeliveryRepository, logger *slog.Logger, secretKey string) Service {
	return Service{repo: repo, deliveries: deliveries, logger: logger, secretKey: secretKey}
}

// CreateInput carries the fields for a new subscription.
type CreateInput struct {
	SiteID      string
	URL         string
	Secret      string
	Description string
	Events      []string
}

// UpdateInput carries mutable subscription fields. Nil members are left
// unchanged.
type UpdateInput struct {
	URL         *string
	Description *string
	Events      *[]string
	IsActive    *bool
}

// Create validates and stores a new webhook subscription.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Webhook, error) {
	siteID := strings.TrimSpace(input.SiteID)
	if siteID == "" {
		return nil, errMissingSiteID
	}
	endpoint, err := validateEndpoint(input.URL)
	if err != nil {
		return nil, err
	}
	secret := strings.TrimSpace(input.Secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	encrypted, err := crypto.EncryptString(s.secretKey, secret)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	webhook := &domain.Webhook{
		ID:          uuid.NewString(),
		SiteID:      siteID,
		URL:         endpoint,
		Secret:      encrypted,
		Description: strings.TrimSpace(input.Description),
		Events:      normalizeEvents(input.Events),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateWebhook(ctx, webhook); err != nil {
		return nil, err
	}
	s.logger.Info("webhook created", "webhook_id", webhook.ID, "site_id", siteID, "url", endpoint)
	return webhook, nil
}

// ListBySite returns every subscription configured for a site.
func (s Service) ListBySite(ctx context.Context, siteID string) ([]domain.Webhook, error) {
	if strings.TrimSpace(siteID) == "" {
		return nil, errMissingSiteID
	}
	return s.repo.ListWebhooksBySite(ctx, siteID)
}

// Get fetches one subscription.
func (s Service) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	return s.repo.GetWebhookByID(ctx, id)
}

// Update applies partial changes to a subscription.
func (s Service) Update(ctx context.Context, id string, input UpdateInput) (*domain.Webhook, error) {
	webhook, err := s.repo.GetWebhookByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.URL != nil {
		endpoint, err := validateEndpoint(*input.URL)
		if err != nil {
			return nil, err
		}
		webhook.URL = endpoint
	}
	if input.Description != nil {
		webhook.Description = strings.TrimSpace(*input.Description)
	}
	if input.Events != nil {
		webhook.Events = normalizeEvents(*input.Events)
	}
	if input.IsActive != nil {
		webhook.IsActive = *input.IsActive
	}
	webhook.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateWebhook(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// Delete removes a subscription and its delivery history.
func (s Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteWebhook(ctx, id); err != nil {
		return err
	}
	s.logger.Info("webhook deleted", "webhook_id", id)
	return nil
}

// Deliveries lists recent delivery attempts for a subscription.
func (s Service) Deliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.deliveries.ListDeliveries(ctx, webhookID, limit)
}

func validateEndpoint(raw string) (string, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", errMissingURL
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", errInvalidURL
	}
	return endpoint, nil
}

func normalizeEvents(events []string) []string {
	var normalized []string
	for _, event := range events {
		event = strings.TrimSpace(event)
		if event != "" {
			normalized = append(normalized, event)
		}
	}
	return normalized
}
