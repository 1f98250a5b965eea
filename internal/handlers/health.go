package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"autodm/internal/config"
	"autodm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康/就绪检查
type HealthHandler struct {
	config  *config.Config
	db      *gorm.DB
	breaker *services.CircuitBreaker
	hub     *services.ActivityHub
	version string
	logger  *logrus.Logger
}

func NewHealthHandler(cfg *config.Config, db *gorm.DB, breaker *services.CircuitBreaker, hub *services.ActivityHub, version string) *HealthHandler {
	return &HealthHandler{
		config:  cfg,
		db:      db,
		breaker: breaker,
		hub:     hub,
		version: version,
		logger:  logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 汇总依赖状态：数据库不可用为 unhealthy，熔断打开为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	db := h.checkDatabase(ctx)
	response.Services["database"] = db
	if db.Status != "healthy" {
		response.Status = "unhealthy"
	}

	if h.breaker != nil {
		stats := h.breaker.Stats()
		info := ServiceInfo{Status: "healthy", Details: stats}
		if h.breaker.State() != services.BreakerClosed {
			info.Status = "degraded"
			if response.Status == "healthy" {
				response.Status = "degraded"
			}
			h.logger.Warnf("platform circuit breaker is %s", h.breaker.State())
		}
		response.Services["platform"] = info
	}

	if h.hub != nil {
		response.Services["activity_stream"] = ServiceInfo{
			Status:  "healthy",
			Details: map[string]int{"clients": h.hub.ClientCount()},
		}
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查：只要求数据库可用
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	ready := db.Status == "healthy"
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
		"services":  map[string]string{"database": db.Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Details = map[string]interface{}{
		"driver":           h.db.Dialector.Name(),
		"open_connections": sqlDB.Stats().OpenConnections,
	}
	return info
}
