package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type JobType string

const (
	JobTypeSendDM JobType = "send_dm"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// PendingJob 延迟执行的副作用意图，仅由 JobRunner 推进状态
type PendingJob struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	Type         JobType        `gorm:"index;not null" json:"type"`
	Status       JobStatus      `gorm:"index:idx_pending_jobs_due,priority:1;not null;default:'pending'" json:"status"`
	ExecuteAfter time.Time      `gorm:"index:idx_pending_jobs_due,priority:2;not null" json:"execute_after"`
	Attempts     int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int            `gorm:"not null;default:3" json:"max_attempts"`
	Payload      datatypes.JSON `json:"payload"`
	LastError    string         `gorm:"type:text" json:"last_error,omitempty"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// JobPayload is implemented by one struct per JobType.
type JobPayload interface {
	JobType() JobType
}

// SendDMPayload carries everything needed to deliver one automated DM.
type SendDMPayload struct {
	ChannelID   uint     `json:"channel_id"`
	RecipientID string   `json:"recipient_id"`
	CommentID   string   `json:"comment_id,omitempty"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
	RuleID      uint     `json:"rule_id"`
	LogID       uint     `json:"log_id"`

	// 已送达的消息部分（文本 + 附件），重试时不再重发
	PartsSent         int    `json:"parts_sent,omitempty"`
	ThreadRecipientID string `json:"thread_recipient_id,omitempty"`
}

func (SendDMPayload) JobType() JobType { return JobTypeSendDM }

// EncodePayload serialises p for storage in PendingJob.Payload.
func EncodePayload(p JobPayload) (datatypes.JSON, error) {
	if p == nil {
		return nil, fmt.Errorf("nil job payload")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.JobType(), err)
	}
	return datatypes.JSON(b), nil
}

// DecodePayload returns the typed payload for the job's Type.
func (j *PendingJob) DecodePayload() (JobPayload, error) {
	switch j.Type {
	case JobTypeSendDM:
		var p SendDMPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode send_dm payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", j.Type)
	}
}
