package graph

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Recipient 私信接收方；对评论私信使用 CommentID（private reply），否则使用 ID
type Recipient struct {
	ID        string `json:"id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
}

type AttachmentPayload struct {
	URL string `json:"url"`
}

type Attachment struct {
	Type    string            `json:"type"` // image, video, audio, file
	Payload AttachmentPayload `json:"payload"`
}

type Message struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// SendMessageRequest POST /{page-id}/messages
type SendMessageRequest struct {
	Recipient     Recipient `json:"recipient"`
	Message       Message   `json:"message"`
	MessagingType string    `json:"messaging_type,omitempty"`
}

type SendMessageResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// DirectMessage is the high level input for SendDirectMessage.
// The text (when set) is part 0, attachments follow in order.
type DirectMessage struct {
	RecipientID string
	CommentID   string
	Text        string
	Attachments []string // media URLs, sent as follow-up messages

	// 重试时跳过已送达的部分
	SkipParts int
	// ThreadRecipientID is the user id returned by the first delivered part.
	ThreadRecipientID string
}

// Parts returns the number of messages the DM is split into.
func (dm DirectMessage) Parts() int {
	n := len(dm.Attachments)
	if strings.TrimSpace(dm.Text) != "" {
		n++
	}
	return n
}

// PartialSendError reports a DM that failed after some parts reached the
// recipient. Delivered counts parts from the start of the message, including
// parts skipped because an earlier attempt delivered them.
type PartialSendError struct {
	Delivered   int
	Total       int
	RecipientID string
	Err         error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("%d of %d parts delivered: %v", e.Delivered, e.Total, e.Err)
}

func (e *PartialSendError) Unwrap() error { return e.Err }

// UserProfile 用户资料（仅请求的字段）
type UserProfile struct {
	ID                   string `json:"id"`
	IsUserFollowBusiness bool   `json:"is_user_follow_business"`
}

// TokenResponse 长期令牌刷新结果
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// ExpiresAt converts ExpiresIn relative to now; zero ExpiresIn yields nil.
func (t *TokenResponse) ExpiresAt(now time.Time) *time.Time {
	if t.ExpiresIn <= 0 {
		return nil
	}
	at := now.Add(time.Duration(t.ExpiresIn) * time.Second)
	return &at
}

// ErrorResponse Graph API 错误包
type ErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// APIError is returned for any HTTP status >= 400.
type APIError struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("graph API error [%d]: %s (code: %d)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("graph API error [%d]: %s", e.StatusCode, e.Message)
}

// Temporary reports whether a retry may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Config 客户端配置
type Config struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "https://graph.facebook.com",
		APIVersion: "v19.0",
		Timeout:    15 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	}
}
