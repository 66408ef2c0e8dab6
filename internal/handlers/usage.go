package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/orchestrator"
	"github.com/metergate/metergate/internal/services/usage"
)

// UsageHandler serves usage history and aggregates.
type UsageHandler struct {
	logger *zap.Logger
	usage  *usage.Service
}

func NewUsageHandler(logger *zap.Logger, usageService *usage.Service) *UsageHandler {
	return &UsageHandler{logger: logger, usage: usageService}
}

// List returns usage history
// @Summary List usage records
// @Description Pages through the caller's usage, newest first, with an aggregate summary over the whole filtered set
// @Tags Usage
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Param start_date query string false "RFC 3339 timestamp or YYYY-MM-DD"
// @Param end_date query string false "RFC 3339 timestamp or YYYY-MM-DD"
// @Param model query string false "Filter by model ID"
// @Param operation query string false "Filter by operation"
// @Param limit query int false "Page size, capped at 100"
// @Param offset query int false "Rows to skip"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /v1/usage [get]
func (h *UsageHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	filter, err := parseUsageFilter(r.URL.Query())
	if err != nil {
		sendError(h.logger, w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, err.Error(), nil)
		return
	}

	records, summary, total, err := h.usage.List(r.Context(), identity.UserID, filter)
	if errors.Is(err, usage.ErrBadFilter) {
		sendError(h.logger, w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, err.Error(), nil)
		return
	}
	if err != nil {
		h.logger.Error("Failed to list usage", zap.String("user_id", identity.UserID.String()), zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, orchestrator.CodeInternal,
			"Failed to load usage history", withCorrelationID(nil, chiMiddleware.GetReqID(r.Context())))
		return
	}

	sendJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"data": records,
		"meta": map[string]interface{}{
			"total":  total,
			"limit":  filter.PageSize(),
			"offset": filter.Offset,
		},
		"summary": summary,
	})
}

// Stats returns grouped usage aggregates
// @Summary Usage statistics
// @Description Groups the caller's usage by day, hour, or model
// @Tags Usage
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Param interval query string false "day, hour, or model" default(day)
// @Param start_date query string false "RFC 3339 timestamp or YYYY-MM-DD"
// @Param end_date query string false "RFC 3339 timestamp or YYYY-MM-DD"
// @Param model query string false "Filter by model ID"
// @Param operation query string false "Filter by operation"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /v1/usage/stats [get]
func (h *UsageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	filter, err := parseUsageFilter(r.URL.Query())
	if err != nil {
		sendError(h.logger, w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, err.Error(), nil)
		return
	}

	interval := usage.Interval(r.URL.Query().Get("interval"))
	if interval == "" {
		interval = usage.IntervalDay
	}

	buckets, err := h.usage.Stats(r.Context(), identity.UserID, interval, filter)
	if errors.Is(err, usage.ErrBadFilter) {
		sendError(h.logger, w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, err.Error(), nil)
		return
	}
	if err != nil {
		h.logger.Error("Failed to aggregate usage", zap.String("user_id", identity.UserID.String()), zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, orchestrator.CodeInternal,
			"Failed to load usage statistics", withCorrelationID(nil, chiMiddleware.GetReqID(r.Context())))
		return
	}

	sendJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"interval": interval,
		"data":     buckets,
	})
}

func parseUsageFilter(query url.Values) (usage.Filter, error) {
	var filter usage.Filter

	if raw := query.Get("start_date"); raw != "" {
		t, err := parseDate(raw, false)
		if err != nil {
			return filter, fmt.Errorf("start_date: %w", err)
		}
		filter.StartDate = t
	}
	if raw := query.Get("end_date"); raw != "" {
		t, err := parseDate(raw, true)
		if err != nil {
			return filter, fmt.Errorf("end_date: %w", err)
		}
		filter.EndDate = t
	}

	filter.ModelID = query.Get("model")
	filter.Operation = models.Operation(query.Get("operation"))

	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		filter.Limit = n
	}
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("offset must be an integer")
		}
		filter.Offset = n
	}

	return filter, nil
}

// parseDate accepts RFC 3339 timestamps and bare dates. A bare end date
// extends to the end of that day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 timestamp or YYYY-MM-DD date", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}
