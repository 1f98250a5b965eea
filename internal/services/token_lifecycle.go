package services

import (
	"context"
	"fmt"
	"time"

	"autodm/internal/metrics"
	"autodm/internal/models"
	"autodm/pkg/graph"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultRefreshWindow = 7 * 24 * time.Hour

// TokenRefresher exchanges a long-lived token for a fresh one.
type TokenRefresher interface {
	RefreshLongLivedToken(ctx context.Context, token string) (*graph.TokenResponse, error)
}

// RefreshSummary 刷新扫描统计
type RefreshSummary struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// TokenLifecycleManager 渠道令牌生命周期：
// connected -> token_expiring -> connected | token_expired；requires_reconnect 只能由运营操作进入
type TokenLifecycleManager struct {
	db        *gorm.DB
	codec     TokenCodec
	refresher TokenRefresher
	window    time.Duration
	logger    *logrus.Logger
}

func NewTokenLifecycleManager(db *gorm.DB, codec TokenCodec, refresher TokenRefresher, window time.Duration, logger *logrus.Logger) *TokenLifecycleManager {
	if logger == nil {
		logger = logrus.New()
	}
	if window <= 0 {
		window = defaultRefreshWindow
	}
	return &TokenLifecycleManager{db: db, codec: codec, refresher: refresher, window: window, logger: logger}
}

// RefreshExpiring refreshes eligible channels whose token or user token
// expires within the window and has not yet passed. One channel's failure
// never stops the others.
func (m *TokenLifecycleManager) RefreshExpiring(ctx context.Context, now time.Time) (RefreshSummary, error) {
	var summary RefreshSummary
	now = now.UTC()
	horizon := now.Add(m.window)

	var channels []models.Channel
	err := m.db.WithContext(ctx).
		Where("connection_status IN ?", models.RefreshEligibleStatuses).
		Where("(token_expiry > ? AND token_expiry <= ?) OR (user_token_expiry > ? AND user_token_expiry <= ?)",
			now, horizon, now, horizon).
		Order("id ASC").
		Find(&channels).Error
	if err != nil {
		return summary, fmt.Errorf("select expiring channels: %w", err)
	}

	for i := range channels {
		summary.Checked++
		if err := m.refreshOne(ctx, &channels[i], now); err != nil {
			summary.Failed++
			metrics.Inc(metrics.TokenRefreshFail)
			m.logger.WithField("channel_id", channels[i].ID).Warnf("token refresh failed: %v", err)
			continue
		}
		summary.Refreshed++
		metrics.Inc(metrics.TokensRefreshed)
	}
	return summary, nil
}

func (m *TokenLifecycleManager) refreshOne(ctx context.Context, ch *models.Channel, now time.Time) error {
	db := m.db.WithContext(ctx)
	if err := db.Model(&models.Channel{}).
		Where("id = ? AND connection_status IN ?", ch.ID, models.RefreshEligibleStatuses).
		Update("connection_status", models.ConnectionTokenExpiring).Error; err != nil {
		return fmt.Errorf("mark token_expiring: %w", err)
	}

	token, err := m.decrypt(ch.AccessToken)
	if err == nil {
		var resp *graph.TokenResponse
		resp, err = m.refresher.RefreshLongLivedToken(ctx, token)
		if err == nil {
			return m.storeRefreshed(ctx, ch, resp, now)
		}
	}

	if uerr := db.Model(&models.Channel{}).Where("id = ?", ch.ID).Updates(map[string]interface{}{
		"last_refresh_error": err.Error(),
		"refresh_failures":   gorm.Expr("refresh_failures + 1"),
	}).Error; uerr != nil {
		m.logger.WithField("channel_id", ch.ID).Errorf("record refresh failure: %v", uerr)
	}
	return err
}

func (m *TokenLifecycleManager) storeRefreshed(ctx context.Context, ch *models.Channel, resp *graph.TokenResponse, now time.Time) error {
	stored, err := m.encrypt(resp.AccessToken)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"connection_status":  models.ConnectionConnected,
		"access_token":       stored,
		"token_refreshed_at": now,
		"last_refresh_error": "",
		"refresh_failures":   0,
	}
	if exp := resp.ExpiresAt(now); exp != nil {
		updates["token_expiry"] = *exp
		if ch.UserTokenExpiry != nil {
			updates["user_token_expiry"] = *exp
		}
	}
	// 刷新期间被运营标记为 requires_reconnect 的渠道不覆盖
	res := m.db.WithContext(ctx).Model(&models.Channel{}).
		Where("id = ? AND connection_status IN ?", ch.ID, models.RefreshEligibleStatuses).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store refreshed token: %w", res.Error)
	}
	m.logger.WithField("channel_id", ch.ID).Info("channel token refreshed")
	return nil
}

// MarkExpired bulk-transitions eligible channels whose earliest expiry has passed.
func (m *TokenLifecycleManager) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res := m.db.WithContext(ctx).Model(&models.Channel{}).
		Where("connection_status IN ?", models.RefreshEligibleStatuses).
		Where("token_expiry <= ? OR user_token_expiry <= ?", now, now).
		Update("connection_status", models.ConnectionTokenExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("mark expired channels: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.Add(metrics.TokensExpired, int(res.RowsAffected))
		m.logger.Warnf("marked %d channels token_expired", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// MarkRequiresReconnect is the operator action that parks a channel until it is reconnected.
func (m *TokenLifecycleManager) MarkRequiresReconnect(ctx context.Context, channelID uint) (*models.Channel, error) {
	res := m.db.WithContext(ctx).Model(&models.Channel{}).
		Where("id = ?", channelID).
		Update("connection_status", models.ConnectionRequiresReconnect)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrChannelNotFound
	}
	m.logger.WithField("channel_id", channelID).Warn("channel marked requires_reconnect")

	var ch models.Channel
	if err := m.db.WithContext(ctx).First(&ch, channelID).Error; err != nil {
		return nil, err
	}
	return &ch, nil
}

func (m *TokenLifecycleManager) encrypt(plain string) (string, error) {
	if m.codec == nil {
		return plain, nil
	}
	return m.codec.Encrypt(plain)
}

func (m *TokenLifecycleManager) decrypt(stored string) (string, error) {
	if m.codec == nil {
		return stored, nil
	}
	return m.codec.Decrypt(stored)
}
