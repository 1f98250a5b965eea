package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"autodm/pkg/graph"
)

// ErrCircuitOpen is returned without calling the platform while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open: platform sends paused")

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	MaxFailures     int
	ResetTimeout    time.Duration
	HalfOpenMaxReqs int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, ResetTimeout: 60 * time.Second, HalfOpenMaxReqs: 3}
}

// CircuitBreaker guards outbound platform calls. After MaxFailures consecutive
// failures it opens for ResetTimeout, then lets HalfOpenMaxReqs probes through.
type CircuitBreaker struct {
	cfg          BreakerConfig
	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenReqs int
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = def.HalfOpenMaxReqs
	}
	return &CircuitBreaker{cfg: cfg}
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailure) <= cb.cfg.ResetTimeout {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.halfOpenReqs = 1
		return true
	case BreakerHalfOpen:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMaxReqs {
			return false
		}
		cb.halfOpenReqs++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}

func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == BreakerHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.state = BreakerOpen
		cb.halfOpenReqs = 0
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats 熔断器统计信息
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":          cb.state.String(),
		"failure_count":  cb.failures,
		"last_fail_time": cb.lastFailure,
		"max_failures":   cb.cfg.MaxFailures,
		"reset_timeout":  cb.cfg.ResetTimeout.String(),
	}
}

// Messenger delivers a DM through the platform.
type Messenger interface {
	SendDirectMessage(ctx context.Context, pageID, token string, dm graph.DirectMessage) (*graph.SendMessageResponse, error)
}

// BreakerMessenger wraps a Messenger with a CircuitBreaker. Only transient
// platform failures count against the breaker.
type BreakerMessenger struct {
	next    Messenger
	breaker *CircuitBreaker
}

func NewBreakerMessenger(next Messenger, breaker *CircuitBreaker) *BreakerMessenger {
	return &BreakerMessenger{next: next, breaker: breaker}
}

func (m *BreakerMessenger) SendDirectMessage(ctx context.Context, pageID, token string, dm graph.DirectMessage) (*graph.SendMessageResponse, error) {
	if !m.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	resp, err := m.next.SendDirectMessage(ctx, pageID, token, dm)
	if err != nil {
		var apiErr *graph.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			// the platform answered; a rejected recipient says nothing about availability
			m.breaker.OnSuccess()
			return nil, err
		}
		m.breaker.OnFailure()
		return nil, err
	}
	m.breaker.OnSuccess()
	return resp, nil
}
