package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/wonny/tradeflow/internal/partition"
	"github.com/wonny/tradeflow/pkg/database"
	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/redis"
)

// HealthHandler reports dependency health
type HealthHandler struct {
	db     *database.DB // nil with the memory job log
	redis  *redis.Client
	cache  *partition.Cache
	logger *logger.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *database.DB, rc *redis.Client, cache *partition.Cache, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		redis:  rc,
		cache:  cache,
		logger: log,
	}
}

// Health returns 200 when every configured dependency answers
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]interface{}{
		"status":  "ok",
		"service": "tradeflow",
	}

	if h.db != nil {
		hs, err := h.db.HealthCheck(ctx)
		if err != nil {
			h.logger.WithError(err).Warn("Database health check failed")
			status = http.StatusServiceUnavailable
			body["database"] = err.Error()
		} else {
			body["database"] = hs
		}
	}

	if h.redis != nil && h.redis.Enabled() {
		if err := h.redis.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["redis"] = err.Error()
		} else {
			body["redis"] = "ok"
		}
	}

	if h.cache != nil {
		body["partitionCache"] = h.cache.Stats()
	}

	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	respondJSON(w, status, body)
}
