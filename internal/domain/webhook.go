package domain

import "time"

// Webhook is a per-site outbound event subscription. Secret holds the
// shared signing secret encrypted at rest; an empty Events list subscribes
// the endpoint to every event type.
type Webhook struct {
	ID          string
	SiteID      string
	URL         string
	Secret      []byte
	Description string
	Events      []string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubscribedTo reports whether the webhook should receive eventType.
func (w Webhook) SubscribedTo(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookDelivery records a single HTTP delivery attempt. Rows are
// append-only: one row per attempt, never updated.
type WebhookDelivery struct {
	ID            string
	WebhookID     string
	EventType     string
	Payload       string
	StatusCode    *int
	ResponseBody  *string
	ErrorMessage  *string
	AttemptNumber int
	DeliveredAt   time.Time
}

// Succeeded reports whether the attempt received a 2xx response.
func (d WebhookDelivery) Succeeded() bool {
	return d.StatusCode != nil && *d.StatusCode >= 200 && *d.StatusCode < 300
}
