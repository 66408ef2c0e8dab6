package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/services/orchestrator"
	"github.com/metergate/metergate/internal/services/registry"
)

// ModelsHandler serves the model catalog.
type ModelsHandler struct {
	logger   *zap.Logger
	registry *registry.Service
	auth     *middleware.Authenticator
}

func NewModelsHandler(logger *zap.Logger, registryService *registry.Service, auth *middleware.Authenticator) *ModelsHandler {
	return &ModelsHandler{
		logger:   logger,
		registry: registryService,
		auth:     auth,
	}
}

// ListModels lists catalog models
// @Summary List models
// @Description Lists catalog models annotated with the caller's tier access status
// @Tags Models
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Param provider query string false "Filter by provider"
// @Param capability query string false "Filter by capability"
// @Param available query bool false "Only models currently available"
// @Param include_archived query bool false "Include archived models (admin only)"
// @Success 200 {object} map[string]interface{}
// @Router /v1/models [get]
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	query := r.URL.Query()
	filter := registry.Filter{
		Provider:      query.Get("provider"),
		Capability:    query.Get("capability"),
		AvailableOnly: queryFlag(query.Get("available")),
	}

	if queryFlag(query.Get("include_archived")) {
		if !h.auth.IsAdmin(r.Context(), identity) {
			sendError(h.logger, w, http.StatusForbidden, orchestrator.CodeForbidden,
				"Archived models are only visible to administrators", nil)
			return
		}
		filter.IncludeArchived = true
	}

	entries, err := h.registry.List(r.Context(), filter, identity.Tier)
	if err != nil {
		h.logger.Error("Failed to list models", zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, orchestrator.CodeInternal,
			"Failed to load the model catalog", withCorrelationID(nil, chiMiddleware.GetReqID(r.Context())))
		return
	}

	sendJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   entries,
	})
}

// GetModel returns one catalog model
// @Summary Get model
// @Description Returns one catalog model with the caller's tier access status
// @Tags Models
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Param model path string true "Model ID"
// @Success 200 {object} registry.Entry
// @Failure 404 {object} map[string]interface{}
// @Router /v1/models/{model} [get]
func (h *ModelsHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	id := chi.URLParam(r, "model")
	model, access, err := h.registry.GetWithAccess(r.Context(), id, identity.Tier)
	if errors.Is(err, registry.ErrModelNotFound) {
		sendError(h.logger, w, http.StatusNotFound, orchestrator.CodeNotFound, "Model not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load model", zap.String("model", id), zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, orchestrator.CodeInternal,
			"Failed to load the model catalog", withCorrelationID(nil, chiMiddleware.GetReqID(r.Context())))
		return
	}

	sendJSON(h.logger, w, http.StatusOK, registry.Entry{
		Model:        model,
		AccessStatus: access,
		Legacy:       model.LegacyInfo(),
	})
}

func queryFlag(raw string) bool {
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	return err == nil && value
}
