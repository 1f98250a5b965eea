package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autodm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDMPayload(recipient string) models.SendDMPayload {
	return models.SendDMPayload{ChannelID: 1, RecipientID: recipient, Message: "hi", RuleID: 1}
}

func TestJobStore_CreateClaimComplete(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 30*time.Second)
	ctx := context.Background()

	dueID, err := store.Create(ctx, newDMPayload("u1"), testEpoch)
	require.NoError(t, err)
	_, err = store.Create(ctx, newDMPayload("u2"), testEpoch.Add(time.Hour))
	require.NoError(t, err)

	job := reloadJob(t, db, dueID)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, models.JobTypeSendDM, job.Type)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempts)

	claimed, err := store.ClaimDue(ctx, 10, testEpoch.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1, "only the due job should be claimed")
	assert.Equal(t, dueID, claimed[0].ID)
	assert.Equal(t, models.JobProcessing, claimed[0].Status)

	again, err := store.ClaimDue(ctx, 10, testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, again, "a processing job is never claimed twice")

	require.NoError(t, store.Complete(ctx, dueID, testEpoch.Add(2*time.Second)))
	job = reloadJob(t, db, dueID)
	assert.Equal(t, models.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	// terminal jobs are never mutated again
	assert.ErrorIs(t, store.Complete(ctx, dueID, testEpoch), ErrJobNotClaimed)
	_, err = store.RetryOrFail(ctx, dueID, errors.New("boom"), testEpoch)
	assert.ErrorIs(t, err, ErrJobNotClaimed)
	assert.ErrorIs(t, store.Fail(ctx, dueID, errors.New("boom"), testEpoch), ErrJobNotClaimed)
}

func TestJobStore_ClaimDueRespectsLimitAndOrder(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 0)
	ctx := context.Background()

	late, _ := store.Create(ctx, newDMPayload("late"), testEpoch.Add(-time.Minute))
	early, _ := store.Create(ctx, newDMPayload("early"), testEpoch.Add(-time.Hour))
	_, _ = store.Create(ctx, newDMPayload("mid"), testEpoch.Add(-30*time.Minute))

	claimed, err := store.ClaimDue(ctx, 2, testEpoch)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, early, claimed[0].ID)
	assert.NotEqual(t, late, claimed[1].ID)

	none, err := store.ClaimDue(ctx, 0, testEpoch)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJobStore_ConcurrentClaimsNeverOverlap(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 0)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := store.Create(ctx, newDMPayload("u"), testEpoch)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimDue(ctx, jobs, testEpoch)
			if err != nil {
				t.Errorf("ClaimDue: %v", err)
				return
			}
			mu.Lock()
			for _, j := range claimed {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equalf(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestJobStore_ClaimIsConditional(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 0)
	ctx := context.Background()

	id, _ := store.Create(ctx, newDMPayload("u"), testEpoch)
	first, err := store.claim(ctx, id, testEpoch)
	require.NoError(t, err)
	second, err := store.claim(ctx, id, testEpoch)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second, "second claimant must lose the conditional write")
}

func TestJobStore_RetryBackoffThenFail(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 30*time.Second)
	ctx := context.Background()

	id, _ := store.Create(ctx, newDMPayload("u"), testEpoch)
	now := testEpoch
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.ClaimDue(ctx, 1, now)
		require.NoError(t, err)
		require.Lenf(t, claimed, 1, "attempt %d should be claimable", attempt)

		status, err := store.RetryOrFail(ctx, id, errors.New("send failed"), now)
		require.NoError(t, err)

		job := reloadJob(t, db, id)
		assert.Equal(t, attempt, job.Attempts)
		assert.LessOrEqual(t, job.Attempts, job.MaxAttempts)
		assert.Equal(t, "send failed", job.LastError)
		if attempt < 3 {
			assert.Equal(t, models.JobPending, status)
			wantNext := now.Add(time.Duration(attempt) * 30 * time.Second)
			assert.True(t, job.ExecuteAfter.Equal(wantNext), "execute_after %v, want %v", job.ExecuteAfter, wantNext)
			now = wantNext
		} else {
			assert.Equal(t, models.JobFailed, status)
			assert.Equal(t, models.JobFailed, job.Status)
		}
	}

	claimed, err := store.ClaimDue(ctx, 10, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, claimed, "failed jobs are never reclaimed")

	reclaimed, err := store.ReclaimStale(ctx, time.Minute, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
	assert.Equal(t, 3, reloadJob(t, db, id).Attempts)
}

func TestJobStore_FailIsImmediate(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 0)
	ctx := context.Background()

	id, _ := store.Create(ctx, newDMPayload("u"), testEpoch)
	_, err := store.ClaimDue(ctx, 1, testEpoch)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, id, errors.New("rule deleted"), testEpoch))

	job := reloadJob(t, db, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "rule deleted", job.LastError)
}

func TestJobStore_ReclaimStale(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 2, 30*time.Second)
	ctx := context.Background()

	stuck, _ := store.Create(ctx, newDMPayload("stuck"), testEpoch)
	_, err := store.ClaimDue(ctx, 1, testEpoch)
	require.NoError(t, err)
	fresh, _ := store.Create(ctx, newDMPayload("fresh"), testEpoch.Add(10*time.Minute))
	_, err = store.ClaimDue(ctx, 1, testEpoch.Add(10*time.Minute))
	require.NoError(t, err)

	now := testEpoch.Add(20 * time.Minute)
	reclaimed, err := store.ReclaimStale(ctx, 15*time.Minute, now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, stuck, reclaimed[0].Job.ID)
	assert.Equal(t, models.JobPending, reclaimed[0].Status)

	job := reloadJob(t, db, stuck)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.ClaimedAt)
	assert.Equal(t, models.JobProcessing, reloadJob(t, db, fresh).Status)

	// second abandonment exhausts max_attempts=2
	_, err = store.ClaimDue(ctx, 1, now.Add(time.Minute))
	require.NoError(t, err)
	reclaimed, err = store.ReclaimStale(ctx, 15*time.Minute, now.Add(time.Hour))
	require.NoError(t, err)
	var stuckStatus models.JobStatus
	for _, r := range reclaimed {
		if r.Job.ID == stuck {
			stuckStatus = r.Status
		}
	}
	assert.Equal(t, models.JobFailed, stuckStatus)
	assert.Equal(t, 2, reloadJob(t, db, stuck).Attempts)
}

func TestJobStore_ReleaseKeepsAttempts(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 0)
	ctx := context.Background()

	id, _ := store.Create(ctx, newDMPayload("u"), testEpoch)
	_, err := store.ClaimDue(ctx, 1, testEpoch)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, id, testEpoch.Add(time.Minute), testEpoch))

	job := reloadJob(t, db, id)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.ErrorIs(t, store.Release(ctx, id, testEpoch, testEpoch), ErrJobNotClaimed)
}

func TestJobStore_CountByStatus(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 0)
	ctx := context.Background()

	_, _ = store.Create(ctx, newDMPayload("a"), testEpoch)
	_, _ = store.Create(ctx, newDMPayload("b"), testEpoch)
	_, err := store.ClaimDue(ctx, 1, testEpoch)
	require.NoError(t, err)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.JobPending])
	assert.Equal(t, int64(1), counts[models.JobProcessing])

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobStore_SaveProgressOnlyWhileClaimed(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewJobStore(db, 3, 30*time.Second)
	ctx := context.Background()

	id, err := store.Create(ctx, newDMPayload("u1"), testEpoch)
	require.NoError(t, err)

	progressed := newDMPayload("u1")
	progressed.PartsSent = 1
	progressed.ThreadRecipientID = "igsid-u1"
	assert.ErrorIs(t, store.SaveProgress(ctx, id, progressed, testEpoch), ErrJobNotClaimed, "pending jobs are not owned by a runner")

	_, err = store.ClaimDue(ctx, 1, testEpoch)
	require.NoError(t, err)
	require.NoError(t, store.SaveProgress(ctx, id, progressed, testEpoch))

	_, err = store.RetryOrFail(ctx, id, errors.New("attachment rejected"), testEpoch)
	require.NoError(t, err)
	reloaded := reloadJob(t, db, id)
	payload, err := reloaded.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, progressed, payload, "progress survives the retry")
}
