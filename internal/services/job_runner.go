package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autodm/internal/metrics"
	"autodm/internal/models"
	"autodm/pkg/graph"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// JobRunner executes due pending jobs. The scheduled batch runner is the
// only implementation today; a push-based queue consumer would be another.
type JobRunner interface {
	RunDue(ctx context.Context) (DMRunSummary, error)
}

// DMRunSummary 单次批处理的结果统计
type DMRunSummary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Reclaimed int `json:"-"`
}

// CredentialSource resolves the page id and plaintext token for a channel.
type CredentialSource interface {
	Credentials(ctx context.Context, channelID uint) (pageID, token string, err error)
}

// RunnerConfig 批处理参数
type RunnerConfig struct {
	BatchSize  int
	StaleAfter time.Duration
	// ReleaseDelay postpones jobs handed back while the circuit breaker is open.
	ReleaseDelay time.Duration
}

// BatchJobRunner claims a bounded batch of due jobs and processes them one at a time.
type BatchJobRunner struct {
	db        *gorm.DB
	jobs      *JobStore
	creds     CredentialSource
	messenger Messenger
	cfg       RunnerConfig
	hub       ActivityPublisher
	logger    *logrus.Logger
	now       func() time.Time
}

var _ JobRunner = (*BatchJobRunner)(nil)

// RunnerOption configures a BatchJobRunner.
type RunnerOption func(*BatchJobRunner)

func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *BatchJobRunner) { r.now = now }
}

func WithRunnerActivity(p ActivityPublisher) RunnerOption {
	return func(r *BatchJobRunner) { r.hub = p }
}

func NewBatchJobRunner(db *gorm.DB, jobs *JobStore, creds CredentialSource, messenger Messenger, cfg RunnerConfig, logger *logrus.Logger, opts ...RunnerOption) *BatchJobRunner {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = time.Minute
	}
	r := &BatchJobRunner{
		db:        db,
		jobs:      jobs,
		creds:     creds,
		messenger: messenger,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunDue reclaims stale jobs, claims up to BatchSize due jobs and executes them
// sequentially. Per-job failures are recorded on the job and never abort the batch.
func (r *BatchJobRunner) RunDue(ctx context.Context) (DMRunSummary, error) {
	var summary DMRunSummary
	now := r.now().UTC()

	stale, err := r.jobs.ReclaimStale(ctx, r.cfg.StaleAfter, now)
	if err != nil {
		return summary, err
	}
	for _, sj := range stale {
		summary.Reclaimed++
		metrics.Inc(metrics.JobsReclaimed)
		r.logger.WithFields(logrus.Fields{"job_id": sj.Job.ID, "status": sj.Status}).Warn("reclaimed stale processing job")
		if sj.Status == models.JobFailed {
			r.resolveFailed(ctx, &sj.Job, errors.New("processing exceeded time budget"), now)
		}
	}

	claimed, err := r.jobs.ClaimDue(ctx, r.cfg.BatchSize, now)
	if err != nil {
		return summary, err
	}

	for i := range claimed {
		job := &claimed[i]
		if ctx.Err() != nil {
			// 超出执行时间预算，剩余任务交由 stale 回收
			r.logger.Warnf("run budget exhausted, %d claimed jobs left in processing", len(claimed)-i)
			break
		}

		summary.Processed++
		sendErr := r.execute(ctx, job)
		if errors.Is(sendErr, ErrCircuitOpen) {
			r.releaseRemaining(ctx, claimed[i:], now)
			summary.Processed--
			break
		}
		r.resolve(ctx, job, sendErr, &summary)
	}

	if summary.Processed > 0 || summary.Reclaimed > 0 {
		r.logger.WithFields(logrus.Fields{
			"processed": summary.Processed,
			"sent":      summary.Sent,
			"failed":    summary.Failed,
			"retried":   summary.Retried,
			"reclaimed": summary.Reclaimed,
		}).Info("pending DM batch finished")
	}
	return summary, nil
}

// execute dispatches on the payload type.
func (r *BatchJobRunner) execute(ctx context.Context, job *models.PendingJob) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return permanent(err)
	}
	switch p := payload.(type) {
	case models.SendDMPayload:
		return r.sendDM(ctx, job, p)
	default:
		return permanent(fmt.Errorf("no executor for job type %s", job.Type))
	}
}

func (r *BatchJobRunner) sendDM(ctx context.Context, job *models.PendingJob, p models.SendDMPayload) error {
	var rule models.AutomationRule
	if err := r.db.WithContext(ctx).First(&rule, p.RuleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return permanent(ErrRuleNotFound)
		}
		return err
	}
	if rule.Status != models.RuleActive {
		return permanent(fmt.Errorf("rule %d is %s", rule.ID, rule.Status))
	}

	pageID, token, err := r.creds.Credentials(ctx, p.ChannelID)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return permanent(err)
		}
		return err
	}

	_, err = r.messenger.SendDirectMessage(ctx, pageID, token, graph.DirectMessage{
		RecipientID:       p.RecipientID,
		CommentID:         p.CommentID,
		Text:              p.Message,
		Attachments:       p.Attachments,
		SkipParts:         p.PartsSent,
		ThreadRecipientID: p.ThreadRecipientID,
	})
	var partial *graph.PartialSendError
	if errors.As(err, &partial) && partial.Delivered > p.PartsSent {
		r.saveProgress(ctx, job, p, partial)
	}
	if err != nil {
		var apiErr *graph.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return permanent(err)
		}
		return err
	}
	return nil
}

// saveProgress records delivered parts on the job so a retry resumes after them.
func (r *BatchJobRunner) saveProgress(ctx context.Context, job *models.PendingJob, p models.SendDMPayload, partial *graph.PartialSendError) {
	p.PartsSent = partial.Delivered
	if partial.RecipientID != "" {
		p.ThreadRecipientID = partial.RecipientID
	}
	entry := r.logger.WithFields(logrus.Fields{"job_id": job.ID, "parts_sent": p.PartsSent})
	if err := r.jobs.SaveProgress(ctx, job.ID, p, r.now()); err != nil {
		// 进度未保存时重试会重复已送达的部分
		entry.Errorf("save DM progress: %v", err)
		return
	}
	if raw, err := models.EncodePayload(p); err == nil {
		job.Payload = raw
	}
	entry.Warn("automation DM partially delivered")
}

func (r *BatchJobRunner) resolve(ctx context.Context, job *models.PendingJob, sendErr error, summary *DMRunSummary) {
	now := r.now().UTC()
	entry := r.logger.WithFields(logrus.Fields{"job_id": job.ID, "type": job.Type})

	if sendErr == nil {
		if err := r.jobs.Complete(ctx, job.ID, now); err != nil {
			entry.Errorf("complete job: %v", err)
			return
		}
		summary.Sent++
		metrics.Inc(metrics.DMSent)
		r.resolveSent(ctx, job, now)
		entry.Info("automation DM sent")
		return
	}

	if IsPermanent(sendErr) {
		if err := r.jobs.Fail(ctx, job.ID, sendErr, now); err != nil {
			entry.Errorf("fail job: %v", err)
			return
		}
		summary.Failed++
		metrics.Inc(metrics.DMFailed)
		r.resolveFailed(ctx, job, sendErr, now)
		entry.Warnf("automation DM failed permanently: %v", sendErr)
		return
	}

	status, err := r.jobs.RetryOrFail(ctx, job.ID, sendErr, now)
	if err != nil {
		entry.Errorf("retry job: %v", err)
		return
	}
	if status == models.JobFailed {
		summary.Failed++
		metrics.Inc(metrics.DMFailed)
		r.resolveFailed(ctx, job, sendErr, now)
		entry.Warnf("automation DM failed after %d attempts: %v", job.MaxAttempts, sendErr)
		return
	}
	summary.Retried++
	metrics.Inc(metrics.DMRetried)
	r.noteRetry(ctx, job, sendErr, now)
	entry.Infof("automation DM will be retried: %v", sendErr)
}

func (r *BatchJobRunner) releaseRemaining(ctx context.Context, jobs []models.PendingJob, now time.Time) {
	next := now.Add(r.cfg.ReleaseDelay)
	for i := range jobs {
		if err := r.jobs.Release(ctx, jobs[i].ID, next, now); err != nil {
			r.logger.WithField("job_id", jobs[i].ID).Errorf("release job: %v", err)
		}
	}
	r.logger.Warnf("circuit breaker open, released %d jobs until %s", len(jobs), next.Format(time.RFC3339))
}

// sendPayload returns the DM payload of job, if it is one.
func sendPayload(job *models.PendingJob) (models.SendDMPayload, bool) {
	payload, err := job.DecodePayload()
	if err != nil {
		return models.SendDMPayload{}, false
	}
	p, ok := payload.(models.SendDMPayload)
	return p, ok
}

func (r *BatchJobRunner) resolveSent(ctx context.Context, job *models.PendingJob, now time.Time) {
	p, ok := sendPayload(job)
	if !ok {
		return
	}
	r.updateLog(ctx, p.LogID, map[string]interface{}{
		"dm_status":  models.DMSent,
		"sent_at":    now,
		"error":      "",
		"updated_at": now,
	})
	if err := incrementRuleStat(r.db.WithContext(ctx), p.RuleID, "stats_sent"); err != nil {
		r.logger.Errorf("%v", err)
	}
}

func (r *BatchJobRunner) resolveFailed(ctx context.Context, job *models.PendingJob, cause error, now time.Time) {
	p, ok := sendPayload(job)
	if !ok {
		return
	}
	r.updateLog(ctx, p.LogID, map[string]interface{}{
		"dm_status":  models.DMFailed,
		"error":      errString(cause),
		"updated_at": now,
	})
	if err := incrementRuleStat(r.db.WithContext(ctx), p.RuleID, "stats_failed"); err != nil {
		r.logger.Errorf("%v", err)
	}
}

func (r *BatchJobRunner) noteRetry(ctx context.Context, job *models.PendingJob, cause error, now time.Time) {
	if p, ok := sendPayload(job); ok {
		r.updateLog(ctx, p.LogID, map[string]interface{}{
			"error":      errString(cause),
			"updated_at": now,
		})
	}
}

func (r *BatchJobRunner) updateLog(ctx context.Context, logID uint, updates map[string]interface{}) {
	if logID == 0 {
		return
	}
	if err := r.db.WithContext(ctx).Model(&models.AutomationLog{}).Where("id = ?", logID).Updates(updates).Error; err != nil {
		r.logger.WithField("log_id", logID).Errorf("update automation log: %v", err)
		return
	}
	if r.hub == nil {
		return
	}
	var log models.AutomationLog
	if err := r.db.WithContext(ctx).First(&log, logID).Error; err == nil {
		publishLog(r.hub, log)
	}
}
