package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atriumcms/atrium/internal/ratelimit"
)

// KeyLimitsFunc resolves the configured rate limits for an API key. Key
// validation itself happens upstream; by the time a request reaches the
// admission check the key ID is trusted.
type KeyLimitsFunc func(ctx context.Context, apiKeyID string) ratelimit.KeyLimits

// admit gates a handler behind the admission controller. The client IP is
// always checked against the global baseline windows; when the request
// carries an API key, the key's own windows are checked as well. The
// decision for the most restrictive window feeds the response headers
// before the handler runs.
func (r *Router) admit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		decision, err := r.limiter.Check(req.Context(), ratelimit.IPIdentity(clientIP(req)), r.ipWindows)
		if err != nil {
			r.reject(w, route, err)
			return
		}
		haveDecision := decision != (ratelimit.Decision{})

		if keyID := apiKeyID(req); keyID != "" {
			limits := r.keyLimits(req.Context(), keyID)
			keyDecision, err := r.limiter.Check(req.Context(), ratelimit.KeyIdentity(keyID), ratelimit.KeyWindows(limits))
			if err != nil {
				r.reject(w, route, err)
				return
			}
			if keyDecision != (ratelimit.Decision{}) && (!haveDecision || keyDecision.Remaining < decision.Remaining) {
				decision = keyDecision
				haveDecision = true
			}
		}

		if haveDecision {
			applyRateHeaders(w, decision)
		}
		next(w, req)
	}
}

func (r *Router) reject(w http.ResponseWriter, route string, err error) {
	var exceeded *ratelimit.LimitExceededError
	if !errors.As(err, &exceeded) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordRateLimitHit(route, exceeded.Window)
	retryAfter := int(exceeded.RetryAfter / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	headers := w.Header()
	headers.Set("Retry-After", strconv.Itoa(retryAfter))
	headers.Set("X-RateLimit-Limit", strconv.Itoa(exceeded.Limit))
	headers.Set("X-RateLimit-Remaining", "0")
	writeError(w, http.StatusTooManyRequests, exceeded.Error())
}

func applyRateHeaders(w http.ResponseWriter, decision ratelimit.Decision) {
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	headers.Set("X-RateLimit-Reset", strconv.Itoa(int(decision.Reset/time.Second)))
}

func apiKeyID(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get("X-API-Key"))
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
