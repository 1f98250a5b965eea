package models

import (
	"time"

	"gorm.io/gorm"
)

// ConnectionStatus 渠道连接状态
type ConnectionStatus string

const (
	ConnectionConnected         ConnectionStatus = "connected"
	ConnectionTokenExpiring     ConnectionStatus = "token_expiring"
	ConnectionTokenExpired      ConnectionStatus = "token_expired"
	ConnectionRequiresReconnect ConnectionStatus = "requires_reconnect"
)

// RefreshEligibleStatuses are the only statuses the refresh and expiry scans touch.
var RefreshEligibleStatuses = []ConnectionStatus{ConnectionConnected, ConnectionTokenExpiring}

// Channel 社交平台渠道（主体由渠道管理模块维护，自动化引擎只读写令牌相关字段）
type Channel struct {
	ID                uint             `gorm:"primaryKey" json:"id"`
	Name              string           `json:"name"`
	Platform          string           `gorm:"index;not null;default:'instagram'" json:"platform"` // instagram, facebook
	PlatformAccountID string           `gorm:"uniqueIndex;not null" json:"platform_account_id"`
	PageID            string           `json:"page_id"`
	ConnectionStatus  ConnectionStatus `gorm:"index;not null;default:'connected'" json:"connection_status"`
	AccessToken       string           `gorm:"type:text" json:"-"` // AES-GCM ciphertext
	TokenExpiry       *time.Time       `gorm:"index" json:"token_expiry,omitempty"`
	UserTokenExpiry   *time.Time       `gorm:"index" json:"user_token_expiry,omitempty"`
	TokenRefreshedAt  *time.Time       `json:"token_refreshed_at,omitempty"`
	LastRefreshError  string           `gorm:"type:text" json:"last_refresh_error,omitempty"`
	RefreshFailures   int              `gorm:"default:0" json:"refresh_failures"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	DeletedAt         gorm.DeletedAt   `gorm:"index" json:"-"`
}

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&Channel{},
		&AutomationRule{},
		&AutomationLog{},
		&PendingJob{},
	}
}
