package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autodm/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotClaimed = errors.New("job is not in the expected state")
)

const defaultRetryBackoff = 30 * time.Second

// JobStore 持久化的延迟任务存储。状态机：
// pending -> processing -> completed | pending(retry) | failed
type JobStore struct {
	db          *gorm.DB
	maxAttempts int
	backoff     time.Duration
}

func NewJobStore(db *gorm.DB, maxAttempts int, backoff time.Duration) *JobStore {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &JobStore{db: db, maxAttempts: maxAttempts, backoff: backoff}
}

// WithTx returns a store bound to tx so job creation can share a transaction.
func (s *JobStore) WithTx(tx *gorm.DB) *JobStore {
	cp := *s
	cp.db = tx
	return &cp
}

// Create persists a pending job and returns its id.
func (s *JobStore) Create(ctx context.Context, payload models.JobPayload, executeAfter time.Time) (string, error) {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", err
	}
	job := &models.PendingJob{
		ID:           uuid.NewString(),
		Type:         payload.JobType(),
		Status:       models.JobPending,
		ExecuteAfter: executeAfter.UTC(),
		MaxAttempts:  s.maxAttempts,
		Payload:      raw,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return job.ID, nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*models.PendingJob, error) {
	var job models.PendingJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ClaimDue selects up to limit due pending jobs and claims each one with a
// conditional update. Jobs another runner claimed first are skipped.
func (s *JobStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.PendingJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()

	var candidates []models.PendingJob
	if err := s.db.WithContext(ctx).
		Where("status = ? AND execute_after <= ?", models.JobPending, now).
		Order("execute_after ASC").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}

	claimed := make([]models.PendingJob, 0, len(candidates))
	for i := range candidates {
		ok, err := s.claim(ctx, candidates[i].ID, now)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		candidates[i].Status = models.JobProcessing
		candidates[i].ClaimedAt = &now
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

// claim is the optimistic pending -> processing transition.
func (s *JobStore) claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PendingJob{}).
		Where("id = ? AND status = ?", id, models.JobPending).
		Updates(map[string]interface{}{
			"status":     models.JobProcessing,
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete transitions processing -> completed.
func (s *JobStore) Complete(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&models.PendingJob{}).
		Where("id = ? AND status = ?", id, models.JobProcessing).
		Updates(map[string]interface{}{
			"status":       models.JobCompleted,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotClaimed
	}
	return nil
}

// RetryOrFail records a failed attempt. Below MaxAttempts the job goes back
// to pending with linear backoff (backoff x attempts); otherwise it fails.
// It returns the resulting status.
func (s *JobStore) RetryOrFail(ctx context.Context, id string, cause error, now time.Time) (models.JobStatus, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobProcessing {
		return job.Status, ErrJobNotClaimed
	}

	now = now.UTC()
	attempts := job.Attempts + 1
	updates := map[string]interface{}{
		"attempts":   attempts,
		"last_error": errString(cause),
		"updated_at": now,
		"claimed_at": nil,
	}
	next := models.JobFailed
	if attempts < job.MaxAttempts {
		next = models.JobPending
		updates["execute_after"] = now.Add(s.backoff * time.Duration(attempts))
	}
	updates["status"] = next

	res := s.db.WithContext(ctx).Model(&models.PendingJob{}).
		Where("id = ? AND status = ? AND attempts = ?", id, models.JobProcessing, job.Attempts).
		Updates(updates)
	if res.Error != nil {
		return "", fmt.Errorf("retry job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrJobNotClaimed
	}
	return next, nil
}

// Fail marks a processing job failed without further retries.
func (s *JobStore) Fail(ctx context.Context, id string, cause error, now time.Time) error {
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&models.PendingJob{}).
		Where("id = ? AND status = ?", id, models.JobProcessing).
		Updates(map[string]interface{}{
			"status":     models.JobFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errString(cause),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("fail job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotClaimed
	}
	return nil
}

// SaveProgress rewrites the payload of a claimed job so a later attempt can
// resume where this one stopped.
func (s *JobStore) SaveProgress(ctx context.Context, id string, payload models.JobPayload, now time.Time) error {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.PendingJob{}).
		Where("id = ? AND status = ?", id, models.JobProcessing).
		Updates(map[string]interface{}{
			"payload":    raw,
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("save job %s progress: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotClaimed
	}
	return nil
}

// Release hands a claimed job back to pending without consuming an attempt.
func (s *JobStore) Release(ctx context.Context, id string, executeAfter, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.PendingJob{}).
		Where("id = ? AND status = ?", id, models.JobProcessing).
		Updates(map[string]interface{}{
			"status":        models.JobPending,
			"execute_after": executeAfter.UTC(),
			"claimed_at":    nil,
			"updated_at":    now.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("release job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotClaimed
	}
	return nil
}

// StaleJob is a processing job abandoned by a runner that never resolved it.
type StaleJob struct {
	Job    models.PendingJob
	Status models.JobStatus // status after reclaim
}

// ReclaimStale treats jobs stuck in processing since before now-olderThan as a
// failed attempt, moving them back to pending or to failed.
func (s *JobStore) ReclaimStale(ctx context.Context, olderThan time.Duration, now time.Time) ([]StaleJob, error) {
	if olderThan <= 0 {
		return nil, nil
	}
	cutoff := now.UTC().Add(-olderThan)
	var stuck []models.PendingJob
	if err := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", models.JobProcessing, cutoff).
		Find(&stuck).Error; err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}

	var out []StaleJob
	for _, job := range stuck {
		status, err := s.RetryOrFail(ctx, job.ID, errors.New("reclaimed: processing exceeded time budget"), now)
		if errors.Is(err, ErrJobNotClaimed) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, StaleJob{Job: job, Status: status})
	}
	return out, nil
}

// CountByStatus returns job counts keyed by status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.PendingJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
