package repository

import (
	"context"

	"github.com/atriumcms/atrium/internal/domain"
)

// WebhookRepository persists per-site webhook subscriptions.
type WebhookRepository interface {
	CreateWebhook(ctx context.Context, webhook *domain.Webhook) error
	GetWebhookByID(ctx context.Context, id string) (*domain.Webhook, error)
	ListWebhooksBySite(ctx context.Context, siteID string) ([]domain.Webhook, error)
	FindActiveWebhooksForSite(ctx context.Context, siteID string) ([]domain.Webhook, error)
	UpdateWebhook(ctx context.Context, webhook *domain.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
}

// DeliveryRepository stores webhook delivery attempt records.
type DeliveryRepository interface {
	CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error
	FindLatestDelivery(ctx context.Context, webhookID string) (*domain.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error)
}
