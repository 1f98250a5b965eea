package services

import (
	"context"
	"fmt"
	"time"

	"autodm/internal/models"
	"autodm/pkg/utils"

	"gorm.io/gorm"
)

// Decision is the outcome of DedupGuard.Check.
type Decision struct {
	Allowed bool
	Reason  string // models.DedupReason* when not allowed
}

// inFlightStatuses count both for the dedup window and the daily limit.
var inFlightStatuses = []models.DMStatus{models.DMQueued, models.DMSent}

// DedupGuard 去重与每日限额检查
// 注意：检查与创建任务之间不是原子操作，属于尽力而为的限流
type DedupGuard struct {
	db  *gorm.DB
	loc *time.Location
}

func NewDedupGuard(db *gorm.DB, loc *time.Location) *DedupGuard {
	if loc == nil {
		loc = time.UTC
	}
	return &DedupGuard{db: db, loc: loc}
}

// Check decides whether rule may queue a new DM to recipientID at now.
func (g *DedupGuard) Check(ctx context.Context, rule *models.AutomationRule, recipientID string, now time.Time) (Decision, error) {
	if rule.Deduplication.Enabled && rule.Deduplication.WindowHours > 0 {
		since := now.UTC().Add(-time.Duration(rule.Deduplication.WindowHours) * time.Hour)
		var prior int64
		err := g.db.WithContext(ctx).Model(&models.AutomationLog{}).
			Where("rule_id = ? AND recipient_id = ? AND dm_status IN ? AND created_at >= ?",
				rule.ID, recipientID, inFlightStatuses, since).
			Count(&prior).Error
		if err != nil {
			return Decision{}, fmt.Errorf("dedup window lookup: %w", err)
		}
		if prior > 0 {
			return Decision{Reason: models.DedupReasonWindow}, nil
		}
	}

	if rule.DailyLimit > 0 {
		sent, err := g.sentToday(ctx, rule.ID, now)
		if err != nil {
			return Decision{}, err
		}
		if sent >= int64(rule.DailyLimit) {
			return Decision{Reason: models.DedupReasonDailyLimit}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

func (g *DedupGuard) sentToday(ctx context.Context, ruleID uint, now time.Time) (int64, error) {
	dayStart := utils.StartOfDay(now, g.loc).UTC()
	var n int64
	err := g.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("rule_id = ? AND dm_status IN ? AND created_at >= ?", ruleID, inFlightStatuses, dayStart).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("daily limit lookup: %w", err)
	}
	return n, nil
}
