package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingStatusSource = errors.New("status source dependency required")

// StatusSource exposes the engine state surfaced by the diagnostics endpoint.
type StatusSource interface {
	SyncStatus() bool
	PendingCount(ctx context.Context) (int64, error)
	TableCounts(ctx context.Context) (map[string]int64, error)
}

// Dependencies carries the collaborators required to build the HTTP handler.
type Dependencies struct {
	Status StatusSource
	Logger *zap.Logger
}

type httpHandler struct {
	status StatusSource
	logger *zap.Logger
}

// NewHTTPHandler builds the diagnostics router: a health probe and a status
// snapshot of the sync engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Status == nil {
		return nil, errMissingStatusSource
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{status: deps.Status, logger: logger}

	router.GET("/healthz", handler.handleHealthz)
	router.GET("/status", handler.handleStatus)

	return router, nil
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponse struct {
	Synced       bool             `json:"synced"`
	PendingTasks int64            `json:"pending_tasks"`
	TableCounts  map[string]int64 `json:"table_counts"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	pendingCount, err := h.status.PendingCount(c.Request.Context())
	if err != nil {
		h.logger.Error("diag status error", zap.String("reason", "pending_count_failed"), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	counts, err := h.status.TableCounts(c.Request.Context())
	if err != nil {
		h.logger.Error("diag status error", zap.String("reason", "table_counts_failed"), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		Synced:       h.status.SyncStatus(),
		PendingTasks: pendingCount,
		TableCounts:  counts,
	})
}
