package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atriumcms/atrium/internal/domain"
	"github.com/atriumcms/atrium/internal/ratelimit"
	"github.com/atriumcms/atrium/internal/repository"
	"github.com/atriumcms/atrium/internal/service/webhook"
	"github.com/atriumcms/atrium/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 25 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	webhooks   webhook.Service
	dispatcher *webhook.Dispatcher
	limiter    *ratelimit.Limiter
	ipWindows  []ratelimit.Window
	keyLimits  KeyLimitsFunc
	hub        *ws.Hub
	upgrader   websocket.Upgrader

	dbHealth    func(context.Context) error
	storeHealth func(context.Context) error

	deliveryListLimit int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, webhookSvc webhook.Service, dispatcher *webhook.Dispatcher, limiter *ratelimit.Limiter, ipWindows []ratelimit.Window, keyLimits KeyLimitsFunc, hub *ws.Hub, dbHealth, storeHealth func(context.Context) error, deliveryListLimit int) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		webhooks:   webhookSvc,
		dispatcher: dispatcher,
		limiter:    limiter,
		ipWindows:  ipWindows,
		keyLimits:  keyLimits,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth:          dbHealth,
		storeHealth:       storeHealth,
		deliveryListLimit: deliveryListLimit,
	}
	if r.keyLimits == nil {
		r.keyLimits = func(context.Context, string) ratelimit.KeyLimits { return ratelimit.KeyLimits{} }
	}
	if r.deliveryListLimit <= 0 {
		r.deliveryListLimit = 50
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/sites/", r.audit("sites", r.admit("sites", r.handleSiteSubroutes)))
	r.mux.HandleFunc("/ws/deliveries", r.audit("ws_deliveries", r.admit("ws_deliveries", r.handleDeliveriesWS)))
	r.mux.HandleFunc("/sse/deliveries", r.audit("sse_deliveries", r.admit("sse_deliveries", r.handleDeliveriesSSE)))
}

func (r *Router) handleSiteSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/sites/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "webhooks" {
		r.notFound(w)
		return
	}
	siteID := parts[0]
	switch {
	case len(parts) == 2:
		r.handleWebhooks(w, req, siteID)
	case len(parts) == 3 && parts[2] != "":
		r.handleWebhookByID(w, req, siteID, parts[2])
	case len(parts) == 4 && parts[3] == "test":
		r.handleWebhookTest(w, req, siteID, parts[2])
	case len(parts) == 4 && parts[3] == "deliveries":
		r.handleWebhookDeliveries(w, req, siteID, parts[2])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleWebhooks(w http.ResponseWriter, req *http.Request, siteID string) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			URL         string   `json:"url"`
			Secret      string   `json:"secret"`
			Description string   `json:"description"`
			Events      []string `json:"events"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.webhooks.Create(req.Context(), webhook.CreateInput{
			SiteID:      siteID,
			URL:         payload.URL,
			Secret:      payload.Secret,
			Description: payload.Description,
			Events:      payload.Events,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, webhookResponse(created))
	case http.MethodGet:
		hooks, err := r.webhooks.ListBySite(req.Context(), siteID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		responses := make([]map[string]any, 0, len(hooks))
		for i := range hooks {
			responses = append(responses, webhookResponse(&hooks[i]))
		}
		writeJSON(w, http.StatusOK, responses)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleWebhookByID(w http.ResponseWriter, req *http.Request, siteID, webhookID string) {
	switch req.Method {
	case http.MethodGet:
		hook, ok := r.siteWebhook(w, req, siteID, webhookID)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse(hook))
	case http.MethodPatch:
		if _, ok := r.siteWebhook(w, req, siteID, webhookID); !ok {
			return
		}
		var payload struct {
			URL         *string   `json:"url"`
			Description *string   `json:"description"`
			Events      *[]string `json:"events"`
			IsActive    *bool     `json:"is_active"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := r.webhooks.Update(req.Context(), webhookID, webhook.UpdateInput{
			URL:         payload.URL,
			Description: payload.Description,
			Events:      payload.Events,
			IsActive:    payload.IsActive,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse(updated))
	case http.MethodDelete:
		if _, ok := r.siteWebhook(w, req, siteID, webhookID); !ok {
			return
		}
		if err := r.webhooks.Delete(req.Context(), webhookID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleWebhookTest(w http.ResponseWriter, req *http.Request, siteID, webhookID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := r.siteWebhook(w, req, siteID, webhookID); !ok {
		return
	}
	delivery, err := r.dispatcher.DeliverTest(req.Context(), webhookID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deliveryResponse(delivery))
}

func (r *Router) handleWebhookDeliveries(w http.ResponseWriter, req *http.Request, siteID, webhookID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := r.siteWebhook(w, req, siteID, webhookID); !ok {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 || limit > r.deliveryListLimit {
		limit = r.deliveryListLimit
	}
	deliveries, err := r.webhooks.Deliveries(req.Context(), webhookID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	responses := make([]map[string]any, 0, len(deliveries))
	for i := range deliveries {
		responses = append(responses, deliveryResponse(&deliveries[i]))
	}
	writeJSON(w, http.StatusOK, responses)
}

// siteWebhook loads a webhook and verifies it belongs to the site in the
// request path.
func (r *Router) siteWebhook(w http.ResponseWriter, req *http.Request, siteID, webhookID string) (*domain.Webhook, bool) {
	hook, err := r.webhooks.Get(req.Context(), webhookID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	if hook.SiteID != siteID {
		r.notFound(w)
		return nil, false
	}
	return hook, true
}

func (r *Router) handleDeliveriesWS(w http.ResponseWriter, req *http.Request) {
	siteID := req.URL.Query().Get("site_id")
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "site_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(siteID, client)
	go func() {
		defer func() {
			r.hub.Unregister(siteID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleDeliveriesSSE(w http.ResponseWriter, req *http.Request) {
	siteID := req.URL.Query().Get("site_id")
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "site_id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(siteID, client)
	defer func() {
		r.hub.Unregister(siteID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	probes := map[string]func(context.Context) error{
		"database":      r.dbHealth,
		"counter_store": r.storeHealth,
	}
	for name, probe := range probes {
		if probe == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := probe(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func webhookResponse(hook *domain.Webhook) map[string]any {
	events := hook.Events
	if events == nil {
		events = []string{}
	}
	return map[string]any{
		"id":          hook.ID,
		"site_id":     hook.SiteID,
		"url":         hook.URL,
		"description": hook.Description,
		"events":      events,
		"is_active":   hook.IsActive,
		"created_at":  hook.CreatedAt.Format(time.RFC3339),
		"updated_at":  hook.UpdatedAt.Format(time.RFC3339),
	}
}

func deliveryResponse(delivery *domain.WebhookDelivery) map[string]any {
	response := map[string]any{
		"id":             delivery.ID,
		"webhook_id":     delivery.WebhookID,
		"event_type":     delivery.EventType,
		"attempt_number": delivery.AttemptNumber,
		"delivered_at":   delivery.DeliveredAt.Format(time.RFC3339),
		"success":        delivery.Succeeded(),
	}
	if delivery.StatusCode != nil {
		response["status_code"] = *delivery.StatusCode
	}
	if delivery.ResponseBody != nil {
		response["response_body"] = *delivery.ResponseBody
	}
	if delivery.ErrorMessage != nil {
		response["error_message"] = *delivery.ErrorMessage
	}
	return response
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if keyID := apiKeyID(req); keyID != "" {
			fields = append(fields, "api_key_id", keyID)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
