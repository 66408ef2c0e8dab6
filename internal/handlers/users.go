package handlers

import (
	"errors"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/orchestrator"
)

// UserHandler serves the caller's own account.
type UserHandler struct {
	logger *zap.Logger
	db     *gorm.DB
}

func NewUserHandler(logger *zap.Logger, db *gorm.DB) *UserHandler {
	return &UserHandler{logger: logger, db: db}
}

// Me returns the authenticated user's profile. Tier and role come from
// the database rather than the token, so a mid-session plan change shows
// up here before the next token refresh.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		sendError(h.logger, w, http.StatusUnauthorized, orchestrator.CodeUnauthorized, "Authorization required", nil)
		return
	}

	var user models.User
	err := h.db.WithContext(r.Context()).First(&user, "id = ?", identity.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sendError(h.logger, w, http.StatusNotFound, orchestrator.CodeNotFound, "User not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load user", zap.String("user_id", identity.UserID.String()), zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, orchestrator.CodeInternal,
			"Failed to load user", withCorrelationID(nil, chiMiddleware.GetReqID(r.Context())))
		return
	}

	sendJSON(h.logger, w, http.StatusOK, &user)
}
