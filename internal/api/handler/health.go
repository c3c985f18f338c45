package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/wanfaliang/benchmarking/internal/pkg/ws"
	"github.com/wanfaliang/benchmarking/internal/worker"
)

type HealthHandler struct {
	db     *gorm.DB
	hub    *ws.Hub
	runner *worker.Runner
}

func NewHealthHandler(db *gorm.DB, hub *ws.Hub, runner *worker.Runner) *HealthHandler {
	return &HealthHandler{db: db, hub: hub, runner: runner}
}

// Health 存活检查
// @Summary 存活检查
// @Tags 系统
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /healthz [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	status := http.StatusOK
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		dbStatus = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":         http.StatusText(status),
		"database":       dbStatus,
		"ws_connections": h.hub.ConnectionCount(),
		"running_tasks":  h.runner.Count(),
	})
}
