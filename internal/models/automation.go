package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RuleStatus string

const (
	RuleDraft  RuleStatus = "draft"
	RuleActive RuleStatus = "active"
	RulePaused RuleStatus = "paused"
)

// TriggerNewComment is the only trigger type the webhook pipeline produces today.
const TriggerNewComment = "new_comment"

// RuleTrigger 触发条件
type RuleTrigger struct {
	Type                     string                       `gorm:"not null;default:'new_comment'" json:"type"`
	Keywords                 datatypes.JSONType[[]string] `json:"keywords"`
	ExcludeKeywords          datatypes.JSONType[[]string] `json:"exclude_keywords"`
	ExcludeExistingFollowers bool                         `gorm:"not null" json:"exclude_existing_followers"`
}

// RuleResponse 私信内容
type RuleResponse struct {
	Message      string                       `gorm:"type:text;not null" json:"message"`
	Attachments  datatypes.JSONType[[]string] `json:"attachments"`
	DelaySeconds int                          `gorm:"default:0" json:"delay_seconds"`
}

type RuleDeduplication struct {
	Enabled     bool `gorm:"not null" json:"enabled"`
	WindowHours int  `gorm:"default:24" json:"window_hours"`
}

// RuleStats counters only ever grow; they are updated with SQL increments.
type RuleStats struct {
	Triggered int64 `gorm:"default:0" json:"total_triggered"`
	Sent      int64 `gorm:"default:0" json:"total_sent"`
	Failed    int64 `gorm:"default:0" json:"total_failed"`
	Deduped   int64 `gorm:"default:0" json:"total_deduped"`
}

// AutomationRule 评论自动私信规则
type AutomationRule struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	ChannelID     uint              `gorm:"index;not null" json:"channel_id"`
	MediaID       string            `gorm:"index" json:"media_id,omitempty"`
	Name          string            `json:"name"`
	Status        RuleStatus        `gorm:"index;not null;default:'draft'" json:"status"`
	Trigger       RuleTrigger       `gorm:"embedded;embeddedPrefix:trigger_" json:"trigger"`
	Response      RuleResponse      `gorm:"embedded;embeddedPrefix:response_" json:"response"`
	Deduplication RuleDeduplication `gorm:"embedded;embeddedPrefix:dedup_" json:"deduplication"`
	DailyLimit    int               `gorm:"default:0" json:"daily_limit"` // 0 = unlimited
	Stats         RuleStats         `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	DeletedAt     gorm.DeletedAt    `gorm:"index" json:"-"`
}

type DMStatus string

const (
	DMQueued  DMStatus = "queued"
	DMSent    DMStatus = "sent"
	DMFailed  DMStatus = "failed"
	DMDeduped DMStatus = "deduped"
)

// Dedup reasons stored on deduped logs.
const (
	DedupReasonWindow     = "window"
	DedupReasonDailyLimit = "daily_limit"
)

// AutomationLog 每次 (规则, 评论, 接收者) 的处理结果，用于审计与去重
type AutomationLog struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	RuleID            uint           `gorm:"index:idx_automation_logs_rule_recipient;index;not null" json:"rule_id"`
	ChannelID         uint           `gorm:"index" json:"channel_id"`
	CommentID         string         `gorm:"index" json:"comment_id"`
	MediaID           string         `json:"media_id,omitempty"`
	RecipientID       string         `gorm:"index:idx_automation_logs_rule_recipient;not null" json:"recipient_id"`
	RecipientUsername string         `json:"recipient_username,omitempty"`
	CommentText       string         `gorm:"type:text" json:"comment_text"`
	DMStatus          DMStatus       `gorm:"index;not null" json:"dm_status"`
	Reason            string         `json:"reason,omitempty"`
	JobID             string         `gorm:"index" json:"job_id,omitempty"`
	Error             string         `gorm:"type:text" json:"error,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	CreatedAt         time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}
