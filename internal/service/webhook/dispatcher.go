package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/atriumcms/atrium/internal/domain"
	"github.com/atriumcms/atrium/internal/repository"
	"github.com/atriumcms/atrium/internal/ws"
	"github.com/atriumcms/atrium/pkg/crypto"
)

const (
	maxAttempts      = 3
	deliveryTimeout  = 10 * time.Second
	maxResponseBytes = 64 * 1024

	// EventTest is dispatched by the manual test-delivery endpoint.
	EventTest = "webhook.test"
)

// Envelope is the JSON document POSTed to webhook receivers. The
// serialized bytes are signed as-is; receivers verify the signature over
// the raw request body.
type Envelope struct {
	Event     string `json:"event"`
	EntityID  string `json:"entity_id"`
	SiteID    string `json:"site_id"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Dispatcher delivers signed site events to subscribed endpoints.
// Dispatch is fire-and-forget: delivery runs on background goroutines and
// never blocks or fails the triggering request.
type Dispatcher struct {
	webhooks   repository.WebhookRepository
	deliveries repository.DeliveryRepository
	client     *http.Client
	logger     *slog.Logger
	hub        *ws.Hub
	secretKey  string
	now        func() time.Time
	sleep      func(time.Duration)
}

// NewDispatcher constructs a Dispatcher. hub may be nil when no live
// delivery stream is attached.
func NewDispatcher(webhooks repository.WebhookRepository, deliveries repository.DeliveryRepository, hub *ws.Hub, logger *slog.Logger, secretKey string) *Dispatcher {
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		client:     &http.Client{Timeout: deliveryTimeout},
		logger:     logger,
		hub:        hub,
		secretKey:  secretKey,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Dispatch queues delivery of an event to every matching webhook of the
// site and returns immediately. All failures are logged or recorded in the
// delivery log; none reach the caller.
func (d *Dispatcher) Dispatch(siteID, eventType, entityID string, payload any) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("webhook dispatch panicked",
					"site_id", siteID, "event", eventType, "panic", rec)
			}
		}()
		d.run(context.Background(), siteID, eventType, entityID, payload)
	}()
}

// run resolves subscriptions and delivers to each concurrently, returning
// once every delivery sequence has finished.
func (d *Dispatcher) run(ctx context.Context, siteID, eventType, entityID string, payload any) {
	hooks, err := d.webhooks.FindActiveWebhooksForSite(ctx, siteID)
	if err != nil {
		d.logger.Error("webhook lookup failed", "site_id", siteID, "event", eventType, "error", err)
		return
	}

	body, err := d.envelope(siteID, eventType, entityID, payload)
	if err != nil {
		d.logger.Error("webhook envelope encoding failed", "site_id", siteID, "event", eventType, "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, hook := range hooks {
		if !hook.SubscribedTo(eventType) {
			continue
		}
		wg.Add(1)
		go func(hook domain.Webhook) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					d.logger.Error("webhook delivery panicked", "webhook_id", hook.ID, "panic", rec)
				}
			}()
			d.deliver(ctx, hook, eventType, body)
		}(hook)
	}
	wg.Wait()
}

// DeliverTest synchronously delivers a test event to one webhook and
// returns the most recent delivery record for it.
func (d *Dispatcher) DeliverTest(ctx context.Context, webhookID string) (*domain.WebhookDelivery, error) {
	hook, err := d.webhooks.GetWebhookByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	body, err := d.envelope(hook.SiteID, EventTest, hook.ID, map[string]string{"message": "test delivery"})
	if err != nil {
		return nil, err
	}
	d.deliver(ctx, *hook, EventTest, body)
	return d.deliveries.FindLatestDelivery(ctx, webhookID)
}

func (d *Dispatcher) envelope(siteID, eventType, entityID string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{
		Event:     eventType,
		EntityID:  entityID,
		SiteID:    siteID,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data:      payload,
	})
}

// deliver runs the attempt loop for one webhook: sign, POST, record the
// attempt, and retry with 1s/2s backoff. The sequence stops at the first
// 2xx response or after the third attempt.
func (d *Dispatcher) deliver(ctx context.Context, hook domain.Webhook, eventType string, body []byte) {
	secret, err := crypto.DecryptToString(d.secretKey, hook.Secret)
	if err != nil {
		d.logger.Error("webhook secret unreadable", "webhook_id", hook.ID, "error", err)
		return
	}
	signature := crypto.SignPayload(secret, body)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, responseBody, err := d.post(ctx, hook.URL, eventType, signature, body)

		record := &domain.WebhookDelivery{
			ID:            uuid.NewString(),
			WebhookID:     hook.ID,
			EventType:     eventType,
			Payload:       string(body),
			AttemptNumber: attempt,
			DeliveredAt:   d.now().UTC(),
		}
		if err != nil {
			msg := err.Error()
			record.ErrorMessage = &msg
			d.logger.Error("webhook delivery attempt failed",
				"webhook_id", hook.ID, "url", hook.URL, "attempt", attempt, "error", err)
		} else {
			record.StatusCode = &status
			record.ResponseBody = &responseBody
		}
		if err := d.deliveries.CreateDelivery(ctx, record); err != nil {
			d.logger.Error("failed to record webhook delivery", "webhook_id", hook.ID, "error", err)
		}
		d.publish(hook.SiteID, record)
		observeDelivery(record)

		if record.Succeeded() {
			return
		}
		if attempt < maxAttempts {
			d.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, url, eventType, signature string, body []byte) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", eventType)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(responseBody), nil
}

// publish streams the delivery outcome to connected site admins.
func (d *Dispatcher) publish(siteID string, record *domain.WebhookDelivery) {
	if d.hub == nil {
		return
	}
	event := map[string]any{
		"webhook_id":     record.WebhookID,
		"event_type":     record.EventType,
		"attempt_number": record.AttemptNumber,
		"delivered_at":   record.DeliveredAt.Format(time.RFC3339),
		"success":        record.Succeeded(),
	}
	if record.StatusCode != nil {
		event["status_code"] = *record.StatusCode
	}
	if record.ErrorMessage != nil {
		event["error"] = *record.ErrorMessage
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	d.hub.Broadcast(siteID, payload)
}
