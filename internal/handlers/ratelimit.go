package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/services/orchestrator"
	"github.com/metergate/metergate/internal/services/ratelimit"
)

// RateLimitHandler reports the caller's current window state.
type RateLimitHandler struct {
	logger  *zap.Logger
	limiter *ratelimit.Service
}

func NewRateLimitHandler(logger *zap.Logger, limiter *ratelimit.Service) *RateLimitHandler {
	return &RateLimitHandler{logger: logger, limiter: limiter}
}

// Info returns the caller's rate limit windows
// @Summary Rate limit status
// @Description Returns the caller's per-minute and per-day windows with remaining capacity
// @Tags Credits
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Success 200 {object} ratelimit.Info
// @Router /v1/rate-limit [get]
func (h *RateLimitHandler) Info(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	sendJSON(h.logger, w, http.StatusOK, h.limiter.Info(r.Context(), identity.UserID, identity.Tier))
}
