package handlers

import (
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/services/credits"
	"github.com/metergate/metergate/internal/services/orchestrator"
)

// CreditsHandler serves credit balances.
type CreditsHandler struct {
	logger *zap.Logger
	ledger *credits.Ledger
}

func NewCreditsHandler(logger *zap.Logger, ledger *credits.Ledger) *CreditsHandler {
	return &CreditsHandler{logger: logger, ledger: ledger}
}

// Me returns the caller's balance
// @Summary Get credit balance
// @Description Returns the caller's subscription and purchased credit pools
// @Tags Credits
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Success 200 {object} credits.Balances
// @Router /v1/credits/me [get]
func (h *CreditsHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	balances, err := h.ledger.GetDetailed(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("Failed to load balances", zap.String("user_id", identity.UserID.String()), zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, orchestrator.CodeInternal,
			"Failed to load credit balances", withCorrelationID(nil, chiMiddleware.GetReqID(r.Context())))
		return
	}

	sendJSON(h.logger, w, http.StatusOK, balances)
}
