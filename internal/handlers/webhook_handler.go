package handlers

import (
	"context"
	"io"
	"net/http"

	"autodm/internal/metrics"
	"autodm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

// WebhookIngestor handles a verified delivery body.
type WebhookIngestor interface {
	Handle(ctx context.Context, body []byte) (*services.WebhookResult, error)
}

// WebhookHandler 平台 webhook 入口（握手 + 事件推送）
type WebhookHandler struct {
	verifier *services.WebhookVerifier
	ingestor WebhookIngestor
	logger   *logrus.Logger
}

func NewWebhookHandler(verifier *services.WebhookVerifier, ingestor WebhookIngestor, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookHandler{verifier: verifier, ingestor: ingestor, logger: logger}
}

// Verify 订阅握手：回显 hub.challenge
func (h *WebhookHandler) Verify(c *gin.Context) {
	challenge, err := h.verifier.VerifyChallenge(
		c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"),
	)
	if err != nil {
		h.logger.WithField("mode", c.Query("hub.mode")).Warn("webhook verification rejected")
		c.String(http.StatusForbidden, "Forbidden")
		return
	}
	c.String(http.StatusOK, challenge)
}

// Receive verifies the signature over the raw body, then always acknowledges.
// Processing failures are logged and never surfaced to the platform.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid body", Message: err.Error()})
		return
	}
	if err := h.verifier.VerifySignature(body, c.GetHeader("X-Hub-Signature-256")); err != nil {
		metrics.Inc(metrics.WebhookRejected)
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: err.Error()})
		return
	}
	metrics.Inc(metrics.WebhookEvents)

	res, err := h.ingestor.Handle(c.Request.Context(), body)
	if err != nil {
		h.logger.Errorf("webhook processing failed: %v", err)
	} else if res != nil && !res.Ignored {
		h.logger.WithFields(logrus.Fields{
			"object":   res.Object,
			"comments": res.Comments,
			"skipped":  res.Skipped,
			"errors":   res.Errors,
		}).Debug("webhook processed")
	}
	c.String(http.StatusOK, "EVENT_RECEIVED")
}

// RegisterWebhookRoutes 注册 webhook 路由
func RegisterWebhookRoutes(r gin.IRouter, handler *WebhookHandler) {
	wh := r.Group("/webhooks")
	{
		wh.GET("/instagram", handler.Verify)
		wh.POST("/instagram", handler.Receive)
	}
}
