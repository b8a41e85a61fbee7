package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coursechain/cvs/internal/application/strategist"
	"github.com/coursechain/cvs/internal/infrastructure/database"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db         *database.DBManager
	strategist *strategist.Strategist
}

func NewHealthHandler(db *database.DBManager, strategist *strategist.Strategist) *HealthHandler {
	return &HealthHandler{db: db, strategist: strategist}
}

// Health returns basic health status
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "cvs",
		"version":   "1.0.0",
		"timestamp": time.Now(),
	})
}

// Ready reports readiness: the database must answer and the indexer's health
// is included so operators can see degraded routing at a glance. An unhealthy
// indexer does not fail readiness because the chain path still serves.
func (h *HealthHandler) Ready(c *gin.Context) {
	if err := h.db.Db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "not ready",
			"service":   "cvs",
			"error":     "database unreachable",
			"timestamp": time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"service":   "cvs",
		"version":   "1.0.0",
		"indexer":   h.strategist.IndexerHealth(),
		"timestamp": time.Now(),
	})
}
