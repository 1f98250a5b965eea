package services

import (
	"context"
	"strings"

	"autodm/internal/models"

	"gorm.io/gorm"
)

// CommentEvent 归一化后的评论事件
type CommentEvent struct {
	ChannelID         uint
	MediaID           string
	CommentID         string
	ParentCommentID   string
	CommenterID       string
	CommenterUsername string
	Text              string
	IsFollower        *bool // nil when unknown
}

// Match pairs a rule with the recipient it should answer.
type Match struct {
	Rule        models.AutomationRule
	RecipientID string
}

// RuleMatcher evaluates comment events against active rules.
type RuleMatcher struct {
	db *gorm.DB
}

func NewRuleMatcher(db *gorm.DB) *RuleMatcher {
	return &RuleMatcher{db: db}
}

// ActiveRulesFor loads active rules for the channel that are either
// channel-wide or scoped to mediaID.
func (m *RuleMatcher) ActiveRulesFor(ctx context.Context, channelID uint, mediaID string) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	q := m.db.WithContext(ctx).
		Where("channel_id = ? AND status = ?", channelID, models.RuleActive)
	if mediaID != "" {
		q = q.Where("(media_id = '' OR media_id IS NULL OR media_id = ?)", mediaID)
	} else {
		q = q.Where("(media_id = '' OR media_id IS NULL)")
	}
	if err := q.Order("id ASC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// Match returns one entry per rule that fires for evt. Non-active rules never match.
func (m *RuleMatcher) Match(evt CommentEvent, rules []models.AutomationRule) []Match {
	var out []Match
	for _, r := range rules {
		if RuleMatches(r, evt) {
			out = append(out, Match{Rule: r, RecipientID: evt.CommenterID})
		}
	}
	return out
}

// RuleMatches applies deny keywords, then allow keywords, then the follower exclusion.
func RuleMatches(r models.AutomationRule, evt CommentEvent) bool {
	if r.Status != models.RuleActive {
		return false
	}
	if r.MediaID != "" && r.MediaID != evt.MediaID {
		return false
	}
	text := strings.ToLower(evt.Text)

	for _, kw := range r.Trigger.ExcludeKeywords.Data() {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
			return false
		}
	}

	allow := nonEmpty(r.Trigger.Keywords.Data())
	if len(allow) > 0 {
		hit := false
		for _, kw := range allow {
			if strings.Contains(text, strings.ToLower(kw)) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}

	if r.Trigger.ExcludeExistingFollowers && evt.IsFollower != nil && *evt.IsFollower {
		return false
	}
	return true
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
