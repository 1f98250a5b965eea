package handlers

import (
	"context"
	"net/http"

	"autodm/internal/middleware"
	"autodm/internal/models"
	"autodm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ReconnectMarker parks a channel until an operator reconnects it.
type ReconnectMarker interface {
	MarkRequiresReconnect(ctx context.Context, channelID uint) (*models.Channel, error)
}

// ChannelHandler 渠道连接状态查询与重新连接
type ChannelHandler struct {
	channels *services.ChannelService
	tokens   ReconnectMarker
	logger   *logrus.Logger
}

func NewChannelHandler(channels *services.ChannelService, tokens ReconnectMarker, logger *logrus.Logger) *ChannelHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &ChannelHandler{channels: channels, tokens: tokens, logger: logger}
}

// ListChannels 可按 connection_status 过滤
func (h *ChannelHandler) ListChannels(c *gin.Context) {
	list, err := h.channels.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondError(c, "Failed to list channels", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ChannelHandler) GetChannel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ch, err := h.channels.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get channel", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// ConnectChannel 连接或重新连接渠道，令牌加密存储
func (h *ChannelHandler) ConnectChannel(c *gin.Context) {
	var req services.ConnectChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	ch, err := h.channels.Connect(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to connect channel", err)
		return
	}
	h.logger.WithField("channel_id", ch.ID).Info("channel connected")
	c.JSON(http.StatusOK, ch)
}

func (h *ChannelHandler) RequireReconnect(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ch, err := h.tokens.MarkRequiresReconnect(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to update channel", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// RegisterChannelRoutes 注册渠道路由；停用渠道需要 channel_admin 角色
func RegisterChannelRoutes(r gin.IRouter, handler *ChannelHandler) {
	ch := r.Group("/channels")
	{
		ch.GET("", handler.ListChannels)
		ch.POST("", handler.ConnectChannel)
		ch.GET("/:id", handler.GetChannel)
		ch.POST("/:id/requires-reconnect", middleware.RequireRole("channel_admin"), handler.RequireReconnect)
	}
}
