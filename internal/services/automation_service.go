package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autodm/internal/metrics"
	"autodm/internal/models"
	"autodm/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxDelaySeconds = 7 * 24 * 3600

// AutomationService 评论 -> 规则匹配 -> 去重 -> 延迟任务，以及规则/日志管理
type AutomationService struct {
	db      *gorm.DB
	matcher *RuleMatcher
	guard   *DedupGuard
	jobs    *JobStore
	hub     ActivityPublisher
	logger  *logrus.Logger
	now     func() time.Time

	followers FollowerChecker
	creds     CredentialSource
}

// FollowerChecker looks up whether a commenter already follows the channel.
type FollowerChecker interface {
	IsUserFollowing(ctx context.Context, token, userID string) (bool, error)
}

// AutomationOption configures an AutomationService.
type AutomationOption func(*AutomationService)

// WithActivityPublisher attaches a live activity feed.
func WithActivityPublisher(p ActivityPublisher) AutomationOption {
	return func(s *AutomationService) { s.hub = p }
}

// WithFollowerLookup resolves follower status when a rule excludes existing
// followers and the event does not carry it.
func WithFollowerLookup(checker FollowerChecker, creds CredentialSource) AutomationOption {
	return func(s *AutomationService) {
		s.followers = checker
		s.creds = creds
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) AutomationOption {
	return func(s *AutomationService) { s.now = now }
}

func NewAutomationService(db *gorm.DB, jobs *JobStore, loc *time.Location, logger *logrus.Logger, opts ...AutomationOption) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AutomationService{
		db:      db,
		matcher: NewRuleMatcher(db),
		guard:   NewDedupGuard(db, loc),
		jobs:    jobs,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MatchOutcome is what happened for one matched rule.
type MatchOutcome struct {
	RuleID uint            `json:"rule_id"`
	LogID  uint            `json:"log_id"`
	Status models.DMStatus `json:"dm_status"`
	Reason string          `json:"reason,omitempty"`
	JobID  string          `json:"job_id,omitempty"`
}

// ProcessResult summarises ProcessComment.
type ProcessResult struct {
	Evaluated int            `json:"evaluated"`
	Outcomes  []MatchOutcome `json:"outcomes"`
}

// ProcessComment evaluates evt against the channel's active rules. Each
// matching rule is handled independently; a failure on one rule does not
// stop the others, and all failures are returned joined.
func (s *AutomationService) ProcessComment(ctx context.Context, evt CommentEvent) (*ProcessResult, error) {
	result := &ProcessResult{}
	if evt.CommenterID == "" {
		s.logger.WithField("comment_id", evt.CommentID).Warn("comment without commenter id, skipping")
		return result, nil
	}

	rules, err := s.matcher.ActiveRulesFor(ctx, evt.ChannelID, evt.MediaID)
	if err != nil {
		return result, fmt.Errorf("load active rules: %w", err)
	}
	result.Evaluated = len(rules)
	if evt.IsFollower == nil && excludesFollowers(rules) {
		evt.IsFollower = s.lookupFollower(ctx, evt)
	}

	var errs []error
	for _, m := range s.matcher.Match(evt, rules) {
		metrics.Inc(metrics.CommentsMatched)
		outcome, err := s.handleMatch(ctx, m, evt)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"rule_id":      m.Rule.ID,
				"channel_id":   evt.ChannelID,
				"recipient_id": m.RecipientID,
			}).Errorf("automation rule processing failed: %v", err)
			errs = append(errs, fmt.Errorf("rule %d: %w", m.Rule.ID, err))
			continue
		}
		if outcome != nil {
			result.Outcomes = append(result.Outcomes, *outcome)
		}
	}
	return result, errors.Join(errs...)
}

func excludesFollowers(rules []models.AutomationRule) bool {
	for i := range rules {
		if rules[i].Trigger.ExcludeExistingFollowers {
			return true
		}
	}
	return false
}

// lookupFollower returns nil when follower status cannot be determined; the
// matcher then treats the commenter as a non-follower.
func (s *AutomationService) lookupFollower(ctx context.Context, evt CommentEvent) *bool {
	if s.followers == nil || s.creds == nil {
		return nil
	}
	entry := s.logger.WithFields(logrus.Fields{"channel_id": evt.ChannelID, "commenter_id": evt.CommenterID})
	_, token, err := s.creds.Credentials(ctx, evt.ChannelID)
	if err != nil {
		entry.Warnf("follower lookup skipped: %v", err)
		return nil
	}
	following, err := s.followers.IsUserFollowing(ctx, token, evt.CommenterID)
	if err != nil {
		entry.Warnf("follower lookup failed: %v", err)
		return nil
	}
	return &following
}

func (s *AutomationService) handleMatch(ctx context.Context, m Match, evt CommentEvent) (*MatchOutcome, error) {
	rule := m.Rule
	now := s.now().UTC()

	// 同一评论重复投递时不再处理
	if evt.CommentID != "" {
		var seen int64
		if err := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
			Where("rule_id = ? AND comment_id = ?", rule.ID, evt.CommentID).
			Count(&seen).Error; err != nil {
			return nil, err
		}
		if seen > 0 {
			s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "comment_id": evt.CommentID}).
				Debug("comment already processed for rule")
			return nil, nil
		}
	}

	if err := s.incrementStat(ctx, rule.ID, "stats_triggered"); err != nil {
		return nil, err
	}

	decision, err := s.guard.Check(ctx, &rule, m.RecipientID, now)
	if err != nil {
		return nil, err
	}

	log := models.AutomationLog{
		RuleID:            rule.ID,
		ChannelID:         rule.ChannelID,
		CommentID:         evt.CommentID,
		MediaID:           evt.MediaID,
		RecipientID:       m.RecipientID,
		RecipientUsername: evt.CommenterUsername,
		CommentText:       evt.Text,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if !decision.Allowed {
		log.DMStatus = models.DMDeduped
		log.Reason = decision.Reason
		if err := s.db.WithContext(ctx).Create(&log).Error; err != nil {
			return nil, fmt.Errorf("record deduped log: %w", err)
		}
		if err := s.incrementStat(ctx, rule.ID, "stats_deduped"); err != nil {
			return nil, err
		}
		metrics.Inc(metrics.DMDeduped)
		publishLog(s.hub, log)
		s.logger.WithFields(logrus.Fields{
			"rule_id":      rule.ID,
			"recipient_id": m.RecipientID,
			"reason":       decision.Reason,
		}).Info("automation DM deduped")
		return &MatchOutcome{RuleID: rule.ID, LogID: log.ID, Status: log.DMStatus, Reason: log.Reason}, nil
	}

	log.DMStatus = models.DMQueued
	executeAfter := now.Add(time.Duration(rule.Response.DelaySeconds) * time.Second)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&log).Error; err != nil {
			return fmt.Errorf("record queued log: %w", err)
		}
		jobID, err := s.jobs.WithTx(tx).Create(ctx, models.SendDMPayload{
			ChannelID:   rule.ChannelID,
			RecipientID: m.RecipientID,
			CommentID:   evt.CommentID,
			Message:     RenderMessage(rule.Response.Message, evt),
			Attachments: nonEmpty(rule.Response.Attachments.Data()),
			RuleID:      rule.ID,
			LogID:       log.ID,
		}, executeAfter)
		if err != nil {
			return err
		}
		log.JobID = jobID
		return tx.Model(&models.AutomationLog{}).Where("id = ?", log.ID).Update("job_id", jobID).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.Inc(metrics.DMQueued)
	publishLog(s.hub, log)
	s.logger.WithFields(logrus.Fields{
		"rule_id":       rule.ID,
		"job_id":        log.JobID,
		"recipient_id":  m.RecipientID,
		"execute_after": utils.FormatTime(executeAfter),
	}).Info("automation DM queued")
	return &MatchOutcome{RuleID: rule.ID, LogID: log.ID, Status: log.DMStatus, JobID: log.JobID}, nil
}

func (s *AutomationService) incrementStat(ctx context.Context, ruleID uint, column string) error {
	return incrementRuleStat(s.db.WithContext(ctx), ruleID, column)
}

// incrementRuleStat bumps one stats_* column without touching updated_at.
func incrementRuleStat(db *gorm.DB, ruleID uint, column string) error {
	err := db.Model(&models.AutomationRule{}).Unscoped().
		Where("id = ?", ruleID).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).Error
	if err != nil {
		return fmt.Errorf("increment %s for rule %d: %w", column, ruleID, err)
	}
	return nil
}

// RenderMessage substitutes {{username}}, {{comment}} and {{media_id}}.
func RenderMessage(tpl string, evt CommentEvent) string {
	username := evt.CommenterUsername
	if username != "" && !strings.HasPrefix(username, "@") {
		username = "@" + username
	}
	r := strings.NewReplacer(
		"{{username}}", username,
		"{{comment}}", evt.Text,
		"{{media_id}}", evt.MediaID,
	)
	return r.Replace(tpl)
}

// ---- 规则管理 ----

// RuleTriggerInput 触发条件输入
type RuleTriggerInput struct {
	Type                     string   `json:"type"`
	Keywords                 []string `json:"keywords"`
	ExcludeKeywords          []string `json:"exclude_keywords"`
	ExcludeExistingFollowers bool     `json:"exclude_existing_followers"`
}

// RuleResponseInput 私信内容输入
type RuleResponseInput struct {
	Message      string   `json:"message"`
	Attachments  []string `json:"attachments"`
	DelaySeconds int      `json:"delay_seconds"`
}

// RuleDedupInput 去重配置输入
type RuleDedupInput struct {
	Enabled     bool `json:"enabled"`
	WindowHours int  `json:"window_hours"`
}

// RuleCreateRequest 创建规则请求
type RuleCreateRequest struct {
	ChannelID     uint              `json:"channel_id" binding:"required"`
	MediaID       string            `json:"media_id"`
	Name          string            `json:"name"`
	Trigger       RuleTriggerInput  `json:"trigger"`
	Response      RuleResponseInput `json:"response"`
	Deduplication *RuleDedupInput   `json:"deduplication"`
	DailyLimit    int               `json:"daily_limit"`
}

// RuleUpdateRequest 更新规则请求，nil 字段保持不变
type RuleUpdateRequest struct {
	MediaID       *string            `json:"media_id"`
	Name          *string            `json:"name"`
	Trigger       *RuleTriggerInput  `json:"trigger"`
	Response      *RuleResponseInput `json:"response"`
	Deduplication *RuleDedupInput    `json:"deduplication"`
	DailyLimit    *int               `json:"daily_limit"`
}

// RuleListRequest 规则列表筛选
type RuleListRequest struct {
	ChannelID *uint  `form:"channel_id"`
	MediaID   string `form:"media_id"`
	Status    string `form:"status"`
	Page      int    `form:"page,default=1"`
	PageSize  int    `form:"page_size,default=20"`
}

// LogListRequest 日志分页查询
type LogListRequest struct {
	RuleID   uint   `form:"-"`
	Status   string `form:"status"`
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

func validateTrigger(t *RuleTriggerInput) error {
	if t.Type == "" {
		t.Type = models.TriggerNewComment
	}
	if t.Type != models.TriggerNewComment {
		return invalid("unsupported trigger type %q", t.Type)
	}
	t.Keywords = nonEmpty(t.Keywords)
	t.ExcludeKeywords = nonEmpty(t.ExcludeKeywords)
	return nil
}

func validateResponse(r *RuleResponseInput) error {
	if !utils.ValidateMessage(r.Message) {
		return invalid("response message must be 1-1000 characters")
	}
	if r.DelaySeconds < 0 || r.DelaySeconds > maxDelaySeconds {
		return invalid("delay_seconds must be between 0 and %d", maxDelaySeconds)
	}
	r.Attachments = nonEmpty(r.Attachments)
	return nil
}

func validateDedup(d *RuleDedupInput) error {
	if d.WindowHours < 0 {
		return invalid("window_hours must not be negative")
	}
	if d.Enabled && d.WindowHours == 0 {
		d.WindowHours = 24
	}
	return nil
}

// CreateRule validates req and stores the rule as draft.
func (s *AutomationService) CreateRule(ctx context.Context, req *RuleCreateRequest) (*models.AutomationRule, error) {
	if req == nil || req.ChannelID == 0 {
		return nil, invalid("channel_id is required")
	}
	if err := validateTrigger(&req.Trigger); err != nil {
		return nil, err
	}
	if err := validateResponse(&req.Response); err != nil {
		return nil, err
	}
	dedup := RuleDedupInput{Enabled: true, WindowHours: 24}
	if req.Deduplication != nil {
		dedup = *req.Deduplication
	}
	if err := validateDedup(&dedup); err != nil {
		return nil, err
	}
	if req.DailyLimit < 0 {
		return nil, invalid("daily_limit must not be negative")
	}

	var channels int64
	if err := s.db.WithContext(ctx).Model(&models.Channel{}).Where("id = ?", req.ChannelID).Count(&channels).Error; err != nil {
		return nil, err
	}
	if channels == 0 {
		return nil, ErrChannelNotFound
	}

	now := s.now().UTC()
	rule := &models.AutomationRule{
		ChannelID: req.ChannelID,
		MediaID:   strings.TrimSpace(req.MediaID),
		Name:      req.Name,
		Status:    models.RuleDraft,
		Trigger: models.RuleTrigger{
			Type:                     req.Trigger.Type,
			Keywords:                 datatypes.NewJSONType(req.Trigger.Keywords),
			ExcludeKeywords:          datatypes.NewJSONType(req.Trigger.ExcludeKeywords),
			ExcludeExistingFollowers: req.Trigger.ExcludeExistingFollowers,
		},
		Response: models.RuleResponse{
			Message:      req.Response.Message,
			Attachments:  datatypes.NewJSONType(req.Response.Attachments),
			DelaySeconds: req.Response.DelaySeconds,
		},
		Deduplication: models.RuleDeduplication{
			Enabled:     dedup.Enabled,
			WindowHours: dedup.WindowHours,
		},
		DailyLimit: req.DailyLimit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "channel_id": rule.ChannelID}).Info("automation rule created")
	return rule, nil
}

// GetRule 根据ID获取规则
func (s *AutomationService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListRules 按渠道/媒体/状态筛选规则
func (s *AutomationService) ListRules(ctx context.Context, req *RuleListRequest) ([]models.AutomationRule, int64, error) {
	page, pageSize := NormalizePage(req.Page, req.PageSize)
	query := s.db.WithContext(ctx).Model(&models.AutomationRule{})
	if req.ChannelID != nil {
		query = query.Where("channel_id = ?", *req.ChannelID)
	}
	if req.MediaID != "" {
		query = query.Where("media_id = ?", req.MediaID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}
	var rules []models.AutomationRule
	if err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, total, nil
}

// UpdateRule 更新规则（状态变更请使用 SetRuleStatus）
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *RuleUpdateRequest) (*models.AutomationRule, error) {
	if _, err := s.GetRule(ctx, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.MediaID != nil {
		updates["media_id"] = strings.TrimSpace(*req.MediaID)
	}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Trigger != nil {
		if err := validateTrigger(req.Trigger); err != nil {
			return nil, err
		}
		updates["trigger_type"] = req.Trigger.Type
		updates["trigger_keywords"] = datatypes.NewJSONType(req.Trigger.Keywords)
		updates["trigger_exclude_keywords"] = datatypes.NewJSONType(req.Trigger.ExcludeKeywords)
		updates["trigger_exclude_existing_followers"] = req.Trigger.ExcludeExistingFollowers
	}
	if req.Response != nil {
		if err := validateResponse(req.Response); err != nil {
			return nil, err
		}
		updates["response_message"] = req.Response.Message
		updates["response_attachments"] = datatypes.NewJSONType(req.Response.Attachments)
		updates["response_delay_seconds"] = req.Response.DelaySeconds
	}
	if req.Deduplication != nil {
		if err := validateDedup(req.Deduplication); err != nil {
			return nil, err
		}
		updates["dedup_enabled"] = req.Deduplication.Enabled
		updates["dedup_window_hours"] = req.Deduplication.WindowHours
	}
	if req.DailyLimit != nil {
		if *req.DailyLimit < 0 {
			return nil, invalid("daily_limit must not be negative")
		}
		updates["daily_limit"] = *req.DailyLimit
	}
	if len(updates) > 0 {
		updates["updated_at"] = s.now().UTC()
		if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update rule: %w", err)
		}
	}
	return s.GetRule(ctx, id)
}

// SetRuleStatus activates, pauses, or returns a rule to draft.
func (s *AutomationService) SetRuleStatus(ctx context.Context, id uint, status models.RuleStatus) (*models.AutomationRule, error) {
	switch status {
	case models.RuleDraft, models.RuleActive, models.RulePaused:
	default:
		return nil, invalid("unknown status %q", status)
	}
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to set rule status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrRuleNotFound
	}
	s.logger.WithField("rule_id", id).Infof("automation rule status -> %s", status)
	return s.GetRule(ctx, id)
}

// DeleteRule soft-deletes the rule, then its logs. When log removal fails the
// rule stays deleted and the error is returned.
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	if err := s.db.WithContext(ctx).Where("rule_id = ?", id).Delete(&models.AutomationLog{}).Error; err != nil {
		s.logger.WithField("rule_id", id).Errorf("rule deleted but log cleanup failed: %v", err)
		return fmt.Errorf("rule %d deleted, log cleanup failed: %w", id, err)
	}
	s.logger.WithField("rule_id", id).Info("automation rule deleted")
	return nil
}

// ListLogs 分页查询规则日志
func (s *AutomationService) ListLogs(ctx context.Context, req *LogListRequest) ([]models.AutomationLog, int64, error) {
	if _, err := s.GetRule(ctx, req.RuleID); err != nil {
		return nil, 0, err
	}
	page, pageSize := NormalizePage(req.Page, req.PageSize)
	query := s.db.WithContext(ctx).Model(&models.AutomationLog{}).Where("rule_id = ?", req.RuleID)
	if req.Status != "" {
		query = query.Where("dm_status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}
	var logs []models.AutomationLog
	if err := query.Order("created_at DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list logs: %w", err)
	}
	return logs, total, nil
}

// NormalizePage clamps pagination to page >= 1 and 1..100 items (default 20).
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
