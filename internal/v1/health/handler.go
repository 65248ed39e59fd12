// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/miuchi/chat-server/internal/v1/logging"
)

// Pinger reports whether the persistence backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SearchProbe reports whether the search backend is reachable.
type SearchProbe interface {
	Healthy(ctx context.Context) bool
}

const probeTimeout = 2 * time.Second

// Handler serves the two probe endpoints. Liveness is unconditional;
// readiness checks the backends this instance cannot serve without.
type Handler struct {
	db     Pinger
	search SearchProbe
}

func NewHandler(db Pinger, search SearchProbe) *Handler {
	return &Handler{db: db, search: search}
}

// Live handles GET /health/live.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /health/ready. Search is reported but not gating:
// indexing is best-effort, so a down search backend degrades rather than
// removes this instance.
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			logging.Warn(ctx, "readiness: database unreachable", zap.Error(err))
			checks["database"] = "down"
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	if h.search != nil {
		if h.search.Healthy(ctx) {
			checks["search"] = "ok"
		} else {
			checks["search"] = "degraded"
		}
	}

	body := gin.H{"checks": checks}
	if status == http.StatusOK {
		body["status"] = "ready"
	} else {
		body["status"] = "not_ready"
	}
	c.JSON(status, body)
}
