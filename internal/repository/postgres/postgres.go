package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atriumcms/atrium/internal/domain"
	"github.com/atriumcms/atrium/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.WebhookRepository  = (*Repository)(nil)
	_ repository.DeliveryRepository = (*Repository)(nil)
)

// CreateWebhook inserts a webhook subscription.
func (r *Repository) CreateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	const query = `INSERT INTO webhooks (id, site_id, url, secret, description, events, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, webhook.ID, webhook.SiteID, webhook.URL, webhook.Secret,
		webhook.Description, webhook.Events, webhook.IsActive, webhook.CreatedAt, webhook.UpdatedAt)
	return err
}

// GetWebhookByID fetches a webhook by identifier.
func (r *Repository) GetWebhookByID(ctx context.Context, id string) (*domain.Webhook, error) {
	const query = `SELECT id, site_id, url, secret, description, events, is_active, created_at, updated_at
		FROM webhooks WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanWebhook(row)
}

// ListWebhooksBySite returns every webhook configured for a site.
func (r *Repository) ListWebhooksBySite(ctx context.Context, siteID string) ([]domain.Webhook, error) {
	const query = `SELECT id, site_id, url, secret, description, events, is_active, created_at, updated_at
		FROM webhooks WHERE site_id = $1 ORDER BY created_at`
	return r.queryWebhooks(ctx, query, siteID)
}

// FindActiveWebhooksForSite returns active webhooks eligible for dispatch.
func (r *Repository) FindActiveWebhooksForSite(ctx context.Context, siteID string) ([]domain.Webhook, error) {
	const query = `SELECT id, site_id, url, secret, description, events, is_active, created_at, updated_at
		FROM webhooks WHERE site_id = $1 AND is_active ORDER BY created_at`
	return r.queryWebhooks(ctx, query, siteID)
}

// UpdateWebhook rewrites mutable subscription fields.
func (r *Repository) UpdateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	const query = `UPDATE webhooks
		SET url = $2, description = $3, events = $4, is_active = $5, updated_at = $6
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, webhook.ID, webhook.URL, webhook.Description,
		webhook.Events, webhook.IsActive, webhook.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteWebhook removes a webhook and its delivery history.
func (r *Repository) DeleteWebhook(ctx context.Context, id string) error {
	const query = `DELETE FROM webhooks WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateDelivery inserts a delivery attempt record.
func (r *Repository) CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	const query = `INSERT INTO webhook_deliveries (id, webhook_id, event_type, payload, status_code, response_body, error_message, attempt_number, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, delivery.ID, delivery.WebhookID, delivery.EventType,
		delivery.Payload, delivery.StatusCode, delivery.ResponseBody, delivery.ErrorMessage,
		delivery.AttemptNumber, delivery.DeliveredAt)
	return err
}

// FindLatestDelivery returns the most recent delivery attempt for a webhook.
func (r *Repository) FindLatestDelivery(ctx context.Context, webhookID string) (*domain.WebhookDelivery, error) {
	const query = `SELECT id, webhook_id, event_type, payload, status_code, response_body, error_message, attempt_number, delivered_at
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY delivered_at DESC, attempt_number DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, webhookID)
	var d domain.WebhookDelivery
	if err := row.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.Payload, &d.StatusCode,
		&d.ResponseBody, &d.ErrorMessage, &d.AttemptNumber, &d.DeliveredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeliveries returns recent delivery attempts for a webhook.
func (r *Repository) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	const query = `SELECT id, webhook_id, event_type, payload, status_code, response_body, error_message, attempt_number, delivered_at
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY delivered_at DESC, attempt_number DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deliveries []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.Payload, &d.StatusCode,
			&d.ResponseBody, &d.ErrorMessage, &d.AttemptNumber, &d.DeliveredAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (r *Repository) queryWebhooks(ctx context.Context, query string, args ...any) ([]domain.Webhook, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var webhooks []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		if err := rows.Scan(&w.ID, &w.SiteID, &w.URL, &w.Secret, &w.Description,
			&w.Events, &w.IsActive, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var w domain.Webhook
	if err := row.Scan(&w.ID, &w.SiteID, &w.URL, &w.Secret, &w.Description,
		&w.Events, &w.IsActive, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}
