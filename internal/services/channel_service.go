package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autodm/internal/models"
	"autodm/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrChannelNotFound    = errors.New("channel not found")
	ErrChannelUnavailable = errors.New("channel token unavailable")
	ErrInvalidChannel     = errors.New("invalid channel")
)

// TokenCodec encrypts access tokens at rest.
type TokenCodec interface {
	Encrypt(plain string) (string, error)
	Decrypt(stored string) (string, error)
}

// ChannelService 渠道读取与令牌存取（渠道的完整管理属于外部模块）
type ChannelService struct {
	db     *gorm.DB
	codec  TokenCodec
	logger *logrus.Logger
}

func NewChannelService(db *gorm.DB, codec TokenCodec, logger *logrus.Logger) *ChannelService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ChannelService{db: db, codec: codec, logger: logger}
}

// ConnectChannelRequest 连接/重新连接渠道
type ConnectChannelRequest struct {
	Name              string     `json:"name"`
	Platform          string     `json:"platform"`
	PlatformAccountID string     `json:"platform_account_id" binding:"required"`
	PageID            string     `json:"page_id"`
	AccessToken       string     `json:"access_token" binding:"required"`
	TokenExpiry       *time.Time `json:"token_expiry"`
	UserTokenExpiry   *time.Time `json:"user_token_expiry"`
}

// Connect upserts a channel by platform account id and stores the encrypted token.
// Reconnecting resets the status to connected, including from requires_reconnect.
func (s *ChannelService) Connect(ctx context.Context, req *ConnectChannelRequest) (*models.Channel, error) {
	if req == nil || strings.TrimSpace(req.PlatformAccountID) == "" || req.AccessToken == "" {
		return nil, fmt.Errorf("%w: platform_account_id and access_token are required", ErrInvalidChannel)
	}
	platform := req.Platform
	if platform == "" {
		platform = "instagram"
	}
	stored, err := s.encrypt(req.AccessToken)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ch := &models.Channel{
		Name:              req.Name,
		Platform:          platform,
		PlatformAccountID: req.PlatformAccountID,
		PageID:            req.PageID,
		ConnectionStatus:  models.ConnectionConnected,
		AccessToken:       stored,
		TokenExpiry:       req.TokenExpiry,
		UserTokenExpiry:   req.UserTokenExpiry,
		TokenRefreshedAt:  &now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "platform_account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "platform", "page_id", "connection_status", "access_token",
			"token_expiry", "user_token_expiry", "token_refreshed_at", "updated_at", "deleted_at",
		}),
	}).Create(ch).Error
	if err != nil {
		return nil, fmt.Errorf("connect channel: %w", err)
	}
	return s.GetByAccount(ctx, req.PlatformAccountID)
}

func (s *ChannelService) Get(ctx context.Context, id uint) (*models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).First(&ch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	return &ch, nil
}

// GetByAccount resolves the channel addressed by a webhook entry id.
func (s *ChannelService) GetByAccount(ctx context.Context, accountID string) (*models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).Where("platform_account_id = ?", accountID).First(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	return &ch, nil
}

// List 按连接状态筛选渠道
func (s *ChannelService) List(ctx context.Context, status string) ([]models.Channel, error) {
	var out []models.Channel
	q := s.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("connection_status = ?", status)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Credentials returns the page id and decrypted token used for sends.
func (s *ChannelService) Credentials(ctx context.Context, channelID uint) (pageID, token string, err error) {
	ch, err := s.Get(ctx, channelID)
	if err != nil {
		return "", "", err
	}
	if ch.ConnectionStatus == models.ConnectionTokenExpired || ch.ConnectionStatus == models.ConnectionRequiresReconnect {
		return "", "", fmt.Errorf("%w: channel %d is %s", ErrChannelUnavailable, ch.ID, ch.ConnectionStatus)
	}
	token, err = s.decrypt(ch.AccessToken)
	if err != nil {
		return "", "", err
	}
	pageID = ch.PageID
	if pageID == "" {
		pageID = ch.PlatformAccountID
	}
	return pageID, token, nil
}

func (s *ChannelService) encrypt(plain string) (string, error) {
	if s.codec == nil {
		return plain, nil
	}
	return s.codec.Encrypt(plain)
}

func (s *ChannelService) decrypt(stored string) (string, error) {
	if s.codec == nil {
		return stored, nil
	}
	return s.codec.Decrypt(stored)
}

// NewTokenCodec builds the AES-GCM codec, or nil when no key is configured.
func NewTokenCodec(key string, logger *logrus.Logger) TokenCodec {
	c, err := utils.NewTokenCipher(key)
	if err != nil {
		if logger != nil {
			logger.Warnf("access tokens will be stored unencrypted: %v", err)
		}
		return nil
	}
	return c
}
