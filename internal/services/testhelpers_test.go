package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"autodm/internal/models"
	"autodm/pkg/graph"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testEpoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:automation_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seedChannel(t *testing.T, db *gorm.DB, accountID string, mutate func(*models.Channel)) *models.Channel {
	t.Helper()
	ch := &models.Channel{
		Name:              "shop " + accountID,
		Platform:          "instagram",
		PlatformAccountID: accountID,
		PageID:            "page-" + accountID,
		ConnectionStatus:  models.ConnectionConnected,
		AccessToken:       "token-" + accountID,
	}
	if mutate != nil {
		mutate(ch)
	}
	if err := db.Create(ch).Error; err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	return ch
}

func seedRule(t *testing.T, db *gorm.DB, channelID uint, keywords []string, mutate func(*models.AutomationRule)) *models.AutomationRule {
	t.Helper()
	rule := &models.AutomationRule{
		ChannelID: channelID,
		Name:      "rule",
		Status:    models.RuleActive,
		Trigger: models.RuleTrigger{
			Type:     models.TriggerNewComment,
			Keywords: datatypes.NewJSONType(keywords),
		},
		Response: models.RuleResponse{
			Message: "Hi {{username}}, here is the link",
		},
		Deduplication: models.RuleDeduplication{Enabled: true, WindowHours: 24},
	}
	if mutate != nil {
		mutate(rule)
	}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return rule
}

func reloadRule(t *testing.T, db *gorm.DB, id uint) models.AutomationRule {
	t.Helper()
	var r models.AutomationRule
	if err := db.Unscoped().First(&r, id).Error; err != nil {
		t.Fatalf("reload rule: %v", err)
	}
	return r
}

func reloadJob(t *testing.T, db *gorm.DB, id string) models.PendingJob {
	t.Helper()
	var j models.PendingJob
	if err := db.First(&j, "id = ?", id).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return j
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// fakeMessenger records sends; errFn decides each call's error.
type fakeMessenger struct {
	mu    sync.Mutex
	sent  []graph.DirectMessage
	pages []string
	errFn func(call int) error
}

func (m *fakeMessenger) SendDirectMessage(ctx context.Context, pageID, token string, dm graph.DirectMessage) (*graph.SendMessageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.sent) + 1
	m.sent = append(m.sent, dm)
	m.pages = append(m.pages, pageID)
	if m.errFn != nil {
		if err := m.errFn(call); err != nil {
			return nil, err
		}
	}
	return &graph.SendMessageResponse{RecipientID: dm.RecipientID, MessageID: "mid-" + dm.RecipientID}, nil
}

func (m *fakeMessenger) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// automationFixture wires the pipeline the way cmd/server does, against sqlite.
type automationFixture struct {
	db        *gorm.DB
	clock     *testClock
	jobs      *JobStore
	channels  *ChannelService
	svc       *AutomationService
	runner    *BatchJobRunner
	messenger *fakeMessenger
}

func newAutomationFixture(t *testing.T) *automationFixture {
	t.Helper()
	db := newAutomationTestDB(t)
	clock := newTestClock(testEpoch)
	jobs := NewJobStore(db, 3, 30*time.Second)
	channels := NewChannelService(db, nil, quietLogger())
	messenger := &fakeMessenger{}
	return &automationFixture{
		db:        db,
		clock:     clock,
		jobs:      jobs,
		channels:  channels,
		messenger: messenger,
		svc:       NewAutomationService(db, jobs, time.UTC, quietLogger(), WithClock(clock.Now)),
		runner: NewBatchJobRunner(db, jobs, channels, messenger,
			RunnerConfig{BatchSize: 10, StaleAfter: 15 * time.Minute}, quietLogger(), WithRunnerClock(clock.Now)),
	}
}

func commentFrom(channelID uint, user, text string) CommentEvent {
	return CommentEvent{
		ChannelID:         channelID,
		MediaID:           "media-1",
		CommentID:         "c-" + user + "-" + text,
		CommenterID:       "ig-" + user,
		CommenterUsername: user,
		Text:              text,
	}
}
