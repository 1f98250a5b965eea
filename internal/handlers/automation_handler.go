package handlers

import (
	"context"
	"net/http"

	"autodm/internal/models"
	"autodm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// JobCounter exposes job queue depth for diagnostics.
type JobCounter interface {
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
}

// AutomationHandler 管理评论转私信规则与日志
type AutomationHandler struct {
	service *services.AutomationService
	jobs    JobCounter
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, jobs JobCounter, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{service: service, jobs: jobs, logger: logger}
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	var req services.RuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	rules, total, err := h.service.ListRules(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to list rules", err)
		return
	}
	page, pageSize := services.NormalizePage(req.Page, req.PageSize)
	c.JSON(http.StatusOK, newPaginated(rules, total, page, pageSize))
}

// CreateRule 创建规则（初始为 draft）
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.RuleCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule 获取规则详情（含统计）
func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.RuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) setStatus(status models.RuleStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		rule, err := h.service.SetRuleStatus(c.Request.Context(), id, status)
		if err != nil {
			respondError(c, "Failed to change rule status", err)
			return
		}
		c.JSON(http.StatusOK, rule)
	}
}

// DeleteRule 删除规则及其日志
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// ListLogs 分页获取规则执行日志
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.LogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	req.RuleID = id
	logs, total, err := h.service.ListLogs(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to list logs", err)
		return
	}
	page, pageSize := services.NormalizePage(req.Page, req.PageSize)
	c.JSON(http.StatusOK, newPaginated(logs, total, page, pageSize))
}

// JobStats 返回各状态的待发送任务数
func (h *AutomationHandler) JobStats(c *gin.Context) {
	counts, err := h.jobs.CountByStatus(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to count jobs", err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r gin.IRouter, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("/rules", handler.ListRules)
		auto.POST("/rules", handler.CreateRule)
		auto.GET("/rules/:id", handler.GetRule)
		auto.PUT("/rules/:id", handler.UpdateRule)
		auto.DELETE("/rules/:id", handler.DeleteRule)
		auto.POST("/rules/:id/activate", handler.setStatus(models.RuleActive))
		auto.POST("/rules/:id/pause", handler.setStatus(models.RulePaused))
		auto.GET("/rules/:id/logs", handler.ListLogs)
		auto.GET("/jobs/stats", handler.JobStats)
	}
}
