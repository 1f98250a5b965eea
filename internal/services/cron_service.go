package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// CronSummary is the JSON body returned by the scheduled trigger.
type CronSummary struct {
	PendingDMs    DMRunSummary   `json:"pendingDMs"`
	TokenRefresh  RefreshSummary `json:"tokenRefresh"`
	ExpiredTokens struct {
		Marked int64 `json:"marked"`
	} `json:"expiredTokens"`
	StaleJobs struct {
		Reclaimed int `json:"reclaimed"`
	} `json:"staleJobs"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
}

// CronService 定时任务入口：待发送私信批处理 + 令牌生命周期扫描
type CronService struct {
	runner JobRunner
	tokens *TokenLifecycleManager
	logger *logrus.Logger
	now    func() time.Time

	passTimeout time.Duration
	group       singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// CronOption configures a CronService.
type CronOption func(*CronService)

// WithPassTimeout bounds a single pass (default 5m).
func WithPassTimeout(d time.Duration) CronOption {
	return func(s *CronService) {
		if d > 0 {
			s.passTimeout = d
		}
	}
}

func NewCronService(runner JobRunner, tokens *TokenLifecycleManager, logger *logrus.Logger, opts ...CronOption) *CronService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &CronService{runner: runner, tokens: tokens, logger: logger, now: time.Now, passTimeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one scheduled pass. Overlapping calls within this process share
// the in-flight pass, so the pass ignores the caller's cancellation and keeps
// only its deadline, capped by the pass timeout. The DM batch and the token
// scan run concurrently and independently; the expiry pass follows the
// refresh pass.
func (s *CronService) Run(ctx context.Context) (*CronSummary, error) {
	timeout := s.passTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	v, err, shared := s.group.Do("automation", func() (interface{}, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return s.run(passCtx)
	})
	if shared {
		s.logger.Debug("scheduled pass already in flight, sharing result")
	}
	if err != nil {
		return nil, err
	}
	return v.(*CronSummary), nil
}

func (s *CronService) run(ctx context.Context) (*CronSummary, error) {
	start := s.now().UTC()
	summary := &CronSummary{StartedAt: start}

	// 两个子任务互不取消：私信批处理失败不影响令牌扫描
	var g errgroup.Group
	g.Go(func() error {
		res, err := s.runner.RunDue(ctx)
		if err != nil {
			return err
		}
		summary.PendingDMs = res
		summary.StaleJobs.Reclaimed = res.Reclaimed
		return nil
	})
	g.Go(func() error {
		refresh, err := s.tokens.RefreshExpiring(ctx, start)
		if err != nil {
			return err
		}
		summary.TokenRefresh = refresh
		marked, err := s.tokens.MarkExpired(ctx, s.now())
		if err != nil {
			return err
		}
		summary.ExpiredTokens.Marked = marked
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Errorf("scheduled automation pass failed: %v", err)
		return nil, err
	}

	summary.DurationMs = s.now().Sub(start).Milliseconds()
	s.logger.WithFields(logrus.Fields{
		"dm_processed":     summary.PendingDMs.Processed,
		"dm_sent":          summary.PendingDMs.Sent,
		"dm_failed":        summary.PendingDMs.Failed,
		"tokens_checked":   summary.TokenRefresh.Checked,
		"tokens_refreshed": summary.TokenRefresh.Refreshed,
		"tokens_expired":   summary.ExpiredTokens.Marked,
		"duration_ms":      summary.DurationMs,
	}).Info("scheduled automation pass finished")
	return summary, nil
}

// Start runs a pass every interval until Stop. Each pass is bounded by the
// interval so a hung send cannot overlap the next tick; Stop waits for it.
func (s *CronService) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger.Infof("embedded scheduler started, interval=%s", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				passCtx, passCancel := context.WithTimeout(ctx, interval)
				if _, err := s.Run(passCtx); err != nil {
					s.logger.Warnf("embedded scheduled pass: %v", err)
				}
				passCancel()
			}
		}
	}()
}

// Stop halts the embedded scheduler and waits for the running pass.
func (s *CronService) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
