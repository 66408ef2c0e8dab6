package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const probeTimeout = 2 * time.Second

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	logger *zap.Logger
	db     *gorm.DB
	redis  *redis.Client
}

func NewHealthHandler(logger *zap.Logger, db *gorm.DB, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{logger: logger, db: db, redis: redisClient}
}

type componentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health is the liveness probe.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(h.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the gateway can serve traffic. Losing Redis
// degrades rate limiting to per-process windows but keeps serving;
// losing the database does not.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	services := map[string]componentHealth{
		"database": h.checkDatabase(ctx),
		"redis":    h.checkRedis(ctx),
	}

	status := "ready"
	code := http.StatusOK
	switch {
	case services["database"].Status != "healthy":
		status = "not_ready"
		code = http.StatusServiceUnavailable
	case services["redis"].Status != "healthy":
		status = "degraded"
	}

	sendJSON(h.logger, w, code, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) componentHealth {
	if h.db == nil {
		return componentHealth{Status: "unhealthy", Message: "database not configured"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return componentHealth{Status: "unhealthy", Message: err.Error()}
	}
	return componentHealth{Status: "healthy"}
}

func (h *HealthHandler) checkRedis(ctx context.Context) componentHealth {
	if h.redis == nil {
		return componentHealth{Status: "unhealthy", Message: "redis not configured"}
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return componentHealth{Status: "unhealthy", Message: err.Error()}
	}
	return componentHealth{Status: "healthy"}
}
