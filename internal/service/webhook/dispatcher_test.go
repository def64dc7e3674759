package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/atriumcms/atrium/internal/domain"
	"github.com/atriumcms/atrium/internal/repository"
	"github.com/atriumcms/atrium/pkg/crypto"
)

const testSecretKey = "test-encryption-key"

type stubWebhookRepo struct {
	hooks []domain.Webhook
	gate  chan struct{}
}

func (s *stubWebhookRepo) CreateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	return nil
}

func (s *stubWebhookRepo) GetWebhookByID(ctx context.Context, id string) (*domain.Webhook, error) {
	for _, hook := range s.hooks {
		if hook.ID == id {
			hook := hook
			return &hook, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubWebhookRepo) ListWebhooksBySite(ctx context.Context, siteID string) ([]domain.Webhook, error) {
	return s.FindActiveWebhooksForSite(ctx, siteID)
}

func (s *stubWebhookRepo) FindActiveWebhooksForSite(ctx context.Context, siteID string) ([]domain.Webhook, error) {
	if s.gate != nil {
		<-s.gate
	}
	var hooks []domain.Webhook
	for _, hook := range s.hooks {
		if hook.SiteID == siteID && hook.IsActive {
			hooks = append(hooks, hook)
		}
	}
	return hooks, nil
}

func (s *stubWebhookRepo) UpdateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	return nil
}

func (s *stubWebhookRepo) DeleteWebhook(ctx context.Context, id string) error { return nil }

type memDeliveryRepo struct {
	mu   sync.Mutex
	rows []domain.WebhookDelivery
}

func (m *memDeliveryRepo) CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *delivery)
	return nil
}

func (m *memDeliveryRepo) FindLatestDelivery(ctx context.Context, webhookID string) (*domain.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].WebhookID == webhookID {
			row := m.rows[i]
			return &row, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memDeliveryRepo) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []domain.WebhookDelivery
	for i := len(m.rows) - 1; i >= 0 && len(rows) < limit; i-- {
		if m.rows[i].WebhookID == webhookID {
			rows = append(rows, m.rows[i])
		}
	}
	return rows, nil
}

func (m *memDeliveryRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func testHook(id, siteID, url string, events []string) domain.Webhook {
	secret, err := crypto.EncryptString(testSecretKey, "hook-secret")
	if err != nil {
		panic(err)
	}
	return domain.Webhook{
		ID:       id,
		SiteID:   siteID,
		URL:      url,
		Secret:   secret,
		Events:   events,
		IsActive: true,
	}
}

func testDispatcher(webhooks repository.WebhookRepository, deliveries repository.DeliveryRepository) (*Dispatcher, *[]time.Duration) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(webhooks, deliveries, nil, logger, testSecretKey)
	var sleeps []time.Duration
	d.sleep = func(dur time.Duration) { sleeps = append(sleeps, dur) }
	return d, &sleeps
}

func TestDeliverStopsAfterThirdFailedAttempt(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	hook := testHook("wh-1", "site-1", server.URL, nil)
	deliveries := &memDeliveryRepo{}
	d, sleeps := testDispatcher(&stubWebhookRepo{hooks: []domain.Webhook{hook}}, deliveries)

	d.deliver(context.Background(), hook, "blog.created", []byte(`{}`))

	if calls != 3 {
		t.Fatalf("target called %d times, want 3", calls)
	}
	if deliveries.count() != 3 {
		t.Fatalf("%d delivery rows, want 3", deliveries.count())
	}
	for i, row := range deliveries.rows {
		if row.AttemptNumber != i+1 {
			t.Fatalf("row %d: attempt_number = %d, want %d", i, row.AttemptNumber, i+1)
		}
		if row.StatusCode == nil || *row.StatusCode != http.StatusInternalServerError {
			t.Fatalf("row %d: unexpected status %v", i, row.StatusCode)
		}
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Fatalf("backoff = %v, want %v", *sleeps, want)
	}
}

func TestDeliverStopsOnFirstSuccess(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := testHook("wh-1", "site-1", server.URL, nil)
	deliveries := &memDeliveryRepo{}
	d, _ := testDispatcher(&stubWebhookRepo{hooks: []domain.Webhook{hook}}, deliveries)

	d.deliver(context.Background(), hook, "page.updated", []byte(`{}`))

	if calls != 2 {
		t.Fatalf("target called %d times, want 2", calls)
	}
	if deliveries.count() != 2 {
		t.Fatalf("%d delivery rows, want 2", deliveries.count())
	}
	last := deliveries.rows[1]
	if !last.Succeeded() {
		t.Fatalf("final attempt should be a success, got %+v", last)
	}
}

func TestDeliverRecordsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL
	server.Close() // connection refused from here on

	hook := testHook("wh-1", "site-1", target, nil)
	deliveries := &memDeliveryRepo{}
	d, _ := testDispatcher(&stubWebhookRepo{hooks: []domain.Webhook{hook}}, deliveries)

	d.deliver(context.Background(), hook, "blog.deleted", []byte(`{}`))

	if deliveries.count() != 3 {
		t.Fatalf("%d delivery rows, want 3", deliveries.count())
	}
	for i, row := range deliveries.rows {
		if row.StatusCode != nil {
			t.Fatalf("row %d: status code set on transport failure", i)
		}
		if row.ErrorMessage == nil || *row.ErrorMessage == "" {
			t.Fatalf("row %d: missing error message", i)
		}
	}
}

func TestRunFiltersByEventType(t *testing.T) {
	var hits sync.Map
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.URL.Path, true)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hooks := []domain.Webhook{
		testHook("wh-all", "site-1", server.URL+"/all", nil),
		testHook("wh-blog", "site-1", server.URL+"/blog", []string{"blog.created"}),
	}
	deliveries := &memDeliveryRepo{}
	d, _ := testDispatcher(&stubWebhookRepo{hooks: hooks}, deliveries)

	d.run(context.Background(), "site-1", "page.created", "page-9", map[string]string{"title": "Home"})

	if _, ok := hits.Load("/all"); !ok {
		t.Fatal("catch-all webhook did not receive the event")
	}
	if _, ok := hits.Load("/blog"); ok {
		t.Fatal("filtered webhook received an unsubscribed event")
	}
	if deliveries.count() != 1 {
		t.Fatalf("%d delivery rows, want 1", deliveries.count())
	}
}

func TestDeliverySignatureAndHeaders(t *testing.T) {
	var (
		gotBody      []byte
		gotSignature string
		gotEvent     string
		gotType      string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := testHook("wh-1", "site-7", server.URL, nil)
	deliveries := &memDeliveryRepo{}
	d, _ := testDispatcher(&stubWebhookRepo{hooks: []domain.Webhook{hook}}, deliveries)

	d.run(context.Background(), "site-7", "media.created", "asset-1", map[string]string{"file": "a.png"})

	if gotType != "application/json" {
		t.Fatalf("content type = %q", gotType)
	}
	if gotEvent != "media.created" {
		t.Fatalf("event header = %q", gotEvent)
	}
	if want := crypto.SignPayload("hook-secret", gotBody); gotSignature != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", gotSignature, want)
	}

	var envelope Envelope
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("envelope not valid JSON: %v", err)
	}
	if envelope.Event != "media.created" || envelope.EntityID != "asset-1" || envelope.SiteID != "site-7" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if _, err := time.Parse(time.RFC3339, envelope.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %q", envelope.Timestamp)
	}
}

func TestDispatchReturnsBeforeDeliveryRuns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gate := make(chan struct{})
	repo := &stubWebhookRepo{hooks: []domain.Webhook{testHook("wh-1", "site-1", server.URL, nil)}, gate: gate}
	deliveries := &memDeliveryRepo{}
	d, _ := testDispatcher(repo, deliveries)

	// The webhook lookup blocks until the gate opens; Dispatch must still
	// return immediately.
	d.Dispatch("site-1", "blog.created", "blog-1", nil)
	if deliveries.count() != 0 {
		t.Fatal("delivery recorded before dispatch work was released")
	}
	close(gate)

	deadline := time.Now().Add(5 * time.Second)
	for deliveries.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("delivery never completed after gate opened")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeliverTestReturnsLatestRow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := testHook("wh-9", "site-3", server.URL, []string{"blog.created"})
	deliveries := &memDeliveryRepo{}
	d, _ := testDispatcher(&stubWebhookRepo{hooks: []domain.Webhook{hook}}, deliveries)

	row, err := d.DeliverTest(context.Background(), "wh-9")
	if err != nil {
		t.Fatalf("DeliverTest: %v", err)
	}
	if row.EventType != EventTest {
		t.Fatalf("event type = %q, want %q", row.EventType, EventTest)
	}
	if row.AttemptNumber != 1 || !row.Succeeded() {
		t.Fatalf("unexpected test delivery row: %+v", row)
	}
}

func TestDeliverTestUnknownWebhook(t *testing.T) {
	d, _ := testDispatcher(&stubWebhookRepo{}, &memDeliveryRepo{})
	if _, err := d.DeliverTest(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
