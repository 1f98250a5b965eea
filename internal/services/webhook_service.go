package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"autodm/internal/models"

	"github.com/sirupsen/logrus"
)

// WebhookEnvelope 平台推送的事件包
type WebhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Changes   []WebhookChange   `json:"changes"`
	Messaging []json.RawMessage `json:"messaging"`
}

type WebhookChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// instagram "comments" field
type igCommentValue struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	ParentID string `json:"parent_id"`
	From     struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
}

// page "feed" field, item=comment
type feedValue struct {
	Item      string `json:"item"`
	Verb      string `json:"verb"`
	CommentID string `json:"comment_id"`
	PostID    string `json:"post_id"`
	ParentID  string `json:"parent_id"`
	Message   string `json:"message"`
	From      struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
}

// CommentProcessor runs the automation pipeline for one comment.
type CommentProcessor interface {
	ProcessComment(ctx context.Context, evt CommentEvent) (*ProcessResult, error)
}

// ChannelResolver maps a webhook entry id to a channel.
type ChannelResolver interface {
	GetByAccount(ctx context.Context, accountID string) (*models.Channel, error)
}

// WebhookResult 处理结果（仅用于日志与测试，响应始终为 EVENT_RECEIVED）
type WebhookResult struct {
	Object   string `json:"object"`
	Ignored  bool   `json:"ignored"`
	Comments int    `json:"comments"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
}

type WebhookService struct {
	channels  ChannelResolver
	processor CommentProcessor
	logger    *logrus.Logger
}

func NewWebhookService(channels ChannelResolver, processor CommentProcessor, logger *logrus.Logger) *WebhookService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookService{channels: channels, processor: processor, logger: logger}
}

// Handle processes an already verified delivery body. Errors are counted on the
// result and logged; only an unparsable body returns an error.
func (s *WebhookService) Handle(ctx context.Context, body []byte) (*WebhookResult, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &WebhookResult{Ignored: true}, fmt.Errorf("decode webhook body: %w", err)
	}
	result := &WebhookResult{Object: env.Object}

	if env.Object != "instagram" && env.Object != "page" {
		result.Ignored = true
		s.logger.Debugf("ignoring webhook object %q", env.Object)
		return result, nil
	}

	for _, entry := range env.Entry {
		for _, raw := range entry.Messaging {
			s.logger.WithField("entry_id", entry.ID).Debugf("messaging event: %s", string(raw))
		}
		if len(entry.Changes) == 0 {
			continue
		}

		var channel *models.Channel
		for _, change := range entry.Changes {
			evt, ok := s.commentEvent(change)
			if !ok {
				continue
			}
			if channel == nil {
				ch, err := s.channels.GetByAccount(ctx, entry.ID)
				if err != nil {
					if errors.Is(err, ErrChannelNotFound) {
						s.logger.WithField("entry_id", entry.ID).Warn("webhook for unknown channel")
						result.Skipped++
					} else {
						s.logger.WithField("entry_id", entry.ID).Errorf("resolve channel: %v", err)
						result.Errors++
					}
					break
				}
				channel = ch
			}

			if evt.CommenterID == channel.PlatformAccountID || (channel.PageID != "" && evt.CommenterID == channel.PageID) {
				result.Skipped++
				continue
			}
			evt.ChannelID = channel.ID
			result.Comments++

			if _, err := s.processor.ProcessComment(ctx, evt); err != nil {
				result.Errors++
				s.logger.WithFields(logrus.Fields{
					"channel_id": channel.ID,
					"comment_id": evt.CommentID,
				}).Errorf("process comment: %v", err)
			}
		}
	}
	return result, nil
}

// commentEvent normalises a change into a CommentEvent.
func (s *WebhookService) commentEvent(change WebhookChange) (CommentEvent, bool) {
	switch change.Field {
	case "comments":
		var v igCommentValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			s.logger.Warnf("malformed comment change: %v", err)
			return CommentEvent{}, false
		}
		return CommentEvent{
			MediaID:           v.Media.ID,
			CommentID:         v.ID,
			ParentCommentID:   v.ParentID,
			CommenterID:       v.From.ID,
			CommenterUsername: v.From.Username,
			Text:              v.Text,
		}, true
	case "feed":
		var v feedValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			s.logger.Warnf("malformed feed change: %v", err)
			return CommentEvent{}, false
		}
		if v.Item != "comment" || v.Verb != "add" {
			return CommentEvent{}, false
		}
		return CommentEvent{
			MediaID:           v.PostID,
			CommentID:         v.CommentID,
			ParentCommentID:   v.ParentID,
			CommenterID:       v.From.ID,
			CommenterUsername: v.From.Name,
			Text:              v.Message,
		}, true
	default:
		return CommentEvent{}, false
	}
}
