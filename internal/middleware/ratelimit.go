package middleware

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/services/monitoring"
	"github.com/metergate/metergate/internal/services/ratelimit"
)

// RateLimiter runs tier admission ahead of the handlers so a denied
// request never opens an upstream connection.
type RateLimiter struct {
	service *ratelimit.Service
	logger  *zap.Logger
}

func NewRateLimiter(service *ratelimit.Service, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		service: service,
		logger:  logger,
	}
}

// Admit checks the caller's windows before the body is read. The token
// window is sized from Content-Length with the same bytes-per-token
// heuristic the pre-flight estimate uses, so oversized prompts are
// refused without parsing them.
func (m *RateLimiter) Admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required", nil)
			return
		}

		decision := m.service.Admit(r.Context(), identity.UserID, identity.Tier, bodyTokenEstimate(r))
		setRateLimitHeaders(w, decision)

		if !decision.Allowed {
			monitoring.RecordRateLimitDenial(string(identity.Tier), decision.Scope)
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded", map[string]interface{}{
				"scope":      decision.Scope,
				"retryAfter": decision.RetryAfterSeconds,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Headers reports the caller's request window without consuming any of
// it, so read-only routes still carry the X-RateLimit headers. Inference
// routes use Admit, which both consumes and reports.
func (m *RateLimiter) Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity, ok := IdentityFrom(r.Context()); ok {
			info := m.service.Info(r.Context(), identity.UserID, identity.Tier)
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(info.Requests.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(info.Requests.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.Requests.ResetAt.Unix(), 10))
		}
		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, decision *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

// bodyTokenEstimate sizes the token-window charge from the request body
// length. Bodyless and chunked requests estimate zero and rely on the
// request window alone.
func bodyTokenEstimate(r *http.Request) int {
	if r.ContentLength <= 0 {
		return 0
	}
	return int(r.ContentLength / 4)
}
