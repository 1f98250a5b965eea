package handlers

import (
	"autodm/internal/config"
	"autodm/internal/middleware"
	"autodm/internal/services"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterDeps 组装 HTTP 层所需的 handler
type RouterDeps struct {
	Config     *config.Config
	Webhook    *WebhookHandler
	Cron       *CronHandler
	Automation *AutomationHandler
	Channels   *ChannelHandler
	Health     *HealthHandler
	Metrics    *MetricsHandler
	Hub        *services.ActivityHub
}

// NewRouter wires public (webhook, cron, health) and operator routes.
func NewRouter(d RouterDeps) *gin.Engine {
	cfg := d.Config
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		svc := cfg.Monitoring.Tracing.ServiceName
		if svc == "" {
			svc = "autodm"
		}
		r.Use(otelgin.Middleware(svc))
	}
	r.Use(middleware.CORS(cfg.Security.CORS))
	r.Use(middleware.RateLimitMiddleware(cfg))

	if d.Health != nil {
		r.GET("/health", d.Health.Health)
		r.GET("/ready", d.Health.Ready)
	}
	if d.Metrics != nil && cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, d.Metrics.GetMetrics)
	}
	if d.Webhook != nil {
		RegisterWebhookRoutes(r, d.Webhook)
	}

	api := r.Group("/api")
	if d.Cron != nil {
		RegisterCronRoutes(api, d.Cron, cfg.Scheduler.CronSecret)
	}

	operator := api.Group("", middleware.AuthMiddleware(cfg))
	if d.Automation != nil {
		RegisterAutomationRoutes(operator, d.Automation)
	}
	if d.Channels != nil {
		RegisterChannelRoutes(operator, d.Channels)
	}
	if d.Hub != nil {
		operator.GET("/automations/stream", d.Hub.HandleWebSocket)
	}
	return r
}
