package handlers

import (
	"context"
	"net/http"

	"autodm/internal/middleware"
	"autodm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CronRunner runs one scheduled automation pass.
type CronRunner interface {
	Run(ctx context.Context) (*services.CronSummary, error)
}

// CronHandler 外部调度器触发的定时任务入口
type CronHandler struct {
	runner CronRunner
	logger *logrus.Logger
}

func NewCronHandler(runner CronRunner, logger *logrus.Logger) *CronHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &CronHandler{runner: runner, logger: logger}
}

// RunAutomation executes the pass and returns its summary. An error that aborts
// the whole pass becomes a 500; per-item failures only show in the counts.
func (h *CronHandler) RunAutomation(c *gin.Context) {
	summary, err := h.runner.Run(c.Request.Context())
	if err != nil {
		h.logger.Errorf("cron automation pass failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Cron pass failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RegisterCronRoutes 注册定时任务路由（Bearer cron secret）
func RegisterCronRoutes(r gin.IRouter, handler *CronHandler, secret string) {
	cron := r.Group("/cron", middleware.CronAuth(secret))
	{
		cron.GET("/automation", handler.RunAutomation)
		cron.POST("/automation", handler.RunAutomation)
	}
}
