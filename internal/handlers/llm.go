package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/services/orchestrator"
	"github.com/metergate/metergate/internal/services/providers"
	"github.com/metergate/metergate/internal/services/ratelimit"
)

// LLMHandler serves the OpenAI-compatible inference endpoints.
type LLMHandler struct {
	logger       *zap.Logger
	orchestrator *orchestrator.Service
	limiter      *ratelimit.Service
}

func NewLLMHandler(logger *zap.Logger, orchestratorService *orchestrator.Service, limiter *ratelimit.Service) *LLMHandler {
	return &LLMHandler{
		logger:       logger,
		orchestrator: orchestratorService,
		limiter:      limiter,
	}
}

// ChatCompletions handles chat completion requests
// @Summary Create chat completion
// @Description Runs a chat completion on the requested model, deducting credits for actual usage. Set stream=true for server-sent events.
// @Tags LLM
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Param request body providers.ChatRequest true "Chat completion request"
// @Success 200 {object} orchestrator.ChatResult
// @Failure 400 {object} map[string]interface{}
// @Failure 402 {object} map[string]interface{}
// @Failure 403 {object} map[string]interface{}
// @Failure 422 {object} map[string]interface{}
// @Router /v1/chat/completions [post]
func (h *LLMHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	var request providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		sendError(h.logger, w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, "Request body is not valid JSON", nil)
		return
	}

	caller := orchestrator.Caller{
		UserID:    identity.UserID,
		Tier:      identity.Tier,
		RequestID: chiMiddleware.GetReqID(r.Context()),
	}

	if request.Stream {
		view, err := h.orchestrator.StreamChatCompletion(r.Context(), w, caller, &request)
		if err != nil {
			h.renderError(w, r, err)
			return
		}
		h.settleWindows(r.Context(), identity.UserID, view)
		return
	}

	result, err := h.orchestrator.ChatCompletion(r.Context(), caller, &request)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.settleWindows(r.Context(), identity.UserID, result.Usage)
	sendJSON(h.logger, w, http.StatusOK, result)
}

// Completions handles legacy text completion requests
// @Summary Create completion
// @Description Runs a text completion on the requested model, deducting credits for actual usage. Set stream=true for server-sent events.
// @Tags LLM
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Param request body providers.CompletionRequest true "Completion request"
// @Success 200 {object} orchestrator.CompletionResult
// @Failure 400 {object} map[string]interface{}
// @Failure 402 {object} map[string]interface{}
// @Failure 403 {object} map[string]interface{}
// @Failure 422 {object} map[string]interface{}
// @Router /v1/completions [post]
func (h *LLMHandler) Completions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	var request providers.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		sendError(h.logger, w, http.StatusBadRequest, orchestrator.CodeInvalidRequest, "Request body is not valid JSON", nil)
		return
	}

	caller := orchestrator.Caller{
		UserID:    identity.UserID,
		Tier:      identity.Tier,
		RequestID: chiMiddleware.GetReqID(r.Context()),
	}

	if request.Stream {
		view, err := h.orchestrator.StreamCompletion(r.Context(), w, caller, &request)
		if err != nil {
			h.renderError(w, r, err)
			return
		}
		h.settleWindows(r.Context(), identity.UserID, view)
		return
	}

	result, err := h.orchestrator.Completion(r.Context(), caller, &request)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.settleWindows(r.Context(), identity.UserID, result.Usage)
	sendJSON(h.logger, w, http.StatusOK, result)
}

// settleWindows feeds actual usage back into the caller's rate windows.
// Admission charged the request window and a prompt-side estimate up
// front; completion tokens and credits are only known now. Runs detached
// from the request context so a disconnect cannot skip the charge.
func (h *LLMHandler) settleWindows(ctx context.Context, userID uuid.UUID, view *orchestrator.UsageView) {
	if h.limiter == nil || view == nil {
		return
	}
	if view.CompletionTokens == 0 && view.CreditsUsed == 0 {
		return
	}
	h.limiter.Record(context.WithoutCancel(ctx), userID, view.CompletionTokens, view.CreditsUsed)
}

// renderError maps pipeline failures onto the error envelope. A client
// cancellation produces no body; whatever was already streamed stands.
func (h *LLMHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	var pipeErr *orchestrator.Error
	if errors.As(err, &pipeErr) {
		details := pipeErr.Details
		if pipeErr.Status >= http.StatusInternalServerError {
			details = withCorrelationID(details, chiMiddleware.GetReqID(r.Context()))
		}
		sendError(h.logger, w, pipeErr.Status, pipeErr.Code, pipeErr.Message, details)
		return
	}

	h.logger.Error("Inference request failed", zap.Error(err))
	sendError(h.logger, w, http.StatusInternalServerError, orchestrator.CodeInternal,
		"An unexpected error occurred", withCorrelationID(nil, chiMiddleware.GetReqID(r.Context())))
}
