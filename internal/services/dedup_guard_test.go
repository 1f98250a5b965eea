package services

import (
	"context"
	"testing"
	"time"

	"autodm/internal/models"

	"gorm.io/gorm"
)

func seedLog(t *testing.T, db *gorm.DB, ruleID uint, recipient string, status models.DMStatus, at time.Time) {
	t.Helper()
	log := &models.AutomationLog{
		RuleID:      ruleID,
		RecipientID: recipient,
		DMStatus:    status,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	if err := db.Create(log).Error; err != nil {
		t.Fatalf("seed log: %v", err)
	}
}

func TestDedupGuard_Window(t *testing.T) {
	db := newAutomationTestDB(t)
	ch := seedChannel(t, db, "acct", nil)
	rule := seedRule(t, db, ch.ID, nil, func(r *models.AutomationRule) { r.Deduplication.WindowHours = 24 })
	guard := NewDedupGuard(db, time.UTC)
	ctx := context.Background()

	seedLog(t, db, rule.ID, "u1", models.DMSent, testEpoch)

	d, err := guard.Check(ctx, rule, "u1", testEpoch.Add(23*time.Hour))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Reason != models.DedupReasonWindow {
		t.Fatalf("expected window dedup inside window, got %+v", d)
	}

	d, err = guard.Check(ctx, rule, "u1", testEpoch.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow after window elapsed, got %+v", d)
	}

	d, _ = guard.Check(ctx, rule, "u2", testEpoch.Add(time.Hour))
	if !d.Allowed {
		t.Fatalf("other recipient must not be deduped")
	}
}

func TestDedupGuard_WindowIgnoresCallerZone(t *testing.T) {
	db := newAutomationTestDB(t)
	ch := seedChannel(t, db, "acct", nil)
	rule := seedRule(t, db, ch.ID, nil, func(r *models.AutomationRule) { r.Deduplication.WindowHours = 24 })
	guard := NewDedupGuard(db, time.UTC)
	seedLog(t, db, rule.ID, "u1", models.DMSent, testEpoch)

	kiribati := time.FixedZone("LINT", 14*3600)
	d, err := guard.Check(context.Background(), rule, "u1", testEpoch.Add(23*time.Hour).In(kiribati))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Reason != models.DedupReasonWindow {
		t.Fatalf("same instant in another zone must still dedup, got %+v", d)
	}
}

func TestDedupGuard_QueuedIsInFlightFailedIsNot(t *testing.T) {
	db := newAutomationTestDB(t)
	ch := seedChannel(t, db, "acct", nil)
	rule := seedRule(t, db, ch.ID, nil, nil)
	guard := NewDedupGuard(db, time.UTC)

	seedLog(t, db, rule.ID, "queued-user", models.DMQueued, testEpoch)
	seedLog(t, db, rule.ID, "failed-user", models.DMFailed, testEpoch)
	seedLog(t, db, rule.ID, "deduped-user", models.DMDeduped, testEpoch)

	now := testEpoch.Add(time.Minute)
	if d, _ := guard.Check(context.Background(), rule, "queued-user", now); d.Allowed {
		t.Fatalf("queued log should count as in flight")
	}
	if d, _ := guard.Check(context.Background(), rule, "failed-user", now); !d.Allowed {
		t.Fatalf("failed log should not block a new attempt")
	}
	if d, _ := guard.Check(context.Background(), rule, "deduped-user", now); !d.Allowed {
		t.Fatalf("deduped log should not block a new attempt")
	}
}

func TestDedupGuard_Disabled(t *testing.T) {
	db := newAutomationTestDB(t)
	ch := seedChannel(t, db, "acct", nil)
	rule := seedRule(t, db, ch.ID, nil, func(r *models.AutomationRule) { r.Deduplication.Enabled = false })
	guard := NewDedupGuard(db, time.UTC)

	reloaded := reloadRule(t, db, rule.ID)
	if reloaded.Deduplication.Enabled {
		t.Fatalf("disabled dedup must persist as false")
	}

	seedLog(t, db, rule.ID, "u1", models.DMSent, testEpoch)
	if d, _ := guard.Check(context.Background(), &reloaded, "u1", testEpoch.Add(time.Minute)); !d.Allowed {
		t.Fatalf("disabled dedup should always allow, got %+v", d)
	}
}

func TestDedupGuard_DailyLimitUsesSchedulerDay(t *testing.T) {
	db := newAutomationTestDB(t)
	ch := seedChannel(t, db, "acct", nil)
	rule := seedRule(t, db, ch.ID, nil, func(r *models.AutomationRule) {
		r.DailyLimit = 2
		r.Deduplication.Enabled = false
	})
	loc := time.FixedZone("UTC+8", 8*3600)
	guard := NewDedupGuard(db, loc)

	// local day starts at 16:00 UTC
	now := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	seedLog(t, db, rule.ID, "a", models.DMSent, time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC))
	seedLog(t, db, rule.ID, "b", models.DMSent, time.Date(2026, 3, 10, 16, 30, 0, 0, time.UTC))

	d, err := guard.Check(context.Background(), rule, "c", now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("yesterday's send must not count toward today's limit")
	}

	seedLog(t, db, rule.ID, "c", models.DMQueued, now)
	d, _ = guard.Check(context.Background(), rule, "d", now.Add(time.Minute))
	if d.Allowed || d.Reason != models.DedupReasonDailyLimit {
		t.Fatalf("expected daily_limit, got %+v", d)
	}
}
