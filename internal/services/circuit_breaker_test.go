package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"autodm/pkg/graph"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 50 * time.Millisecond, HalfOpenMaxReqs: 1})

	if cb.State() != BreakerClosed {
		t.Fatalf("new breaker should be closed")
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("breaker should open after reaching max failures")
	}
	if cb.Allow() {
		t.Fatalf("open breaker should reject before reset timeout")
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected allow in half-open")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state should be half-open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatalf("half-open should only let one probe through")
	}

	cb.OnSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after success in half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 2, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxReqs: 2})
	cb.OnFailure()
	cb.OnFailure()
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected half-open probe")
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("failure in half-open should reopen, got %v", cb.State())
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

type scriptedMessenger struct {
	errs  []error
	calls int
}

func (m *scriptedMessenger) SendDirectMessage(ctx context.Context, pageID, token string, dm graph.DirectMessage) (*graph.SendMessageResponse, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	return &graph.SendMessageResponse{MessageID: "mid"}, nil
}

func TestBreakerMessenger_OpensOnTransientFailures(t *testing.T) {
	inner := &scriptedMessenger{errs: []error{
		&graph.APIError{StatusCode: http.StatusBadRequest, Message: "user unavailable"},
		errors.New("connection reset"),
		&graph.APIError{StatusCode: http.StatusServiceUnavailable},
	}}
	breaker := NewCircuitBreaker(BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	m := NewBreakerMessenger(inner, breaker)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.SendDirectMessage(ctx, "p", "t", graph.DirectMessage{RecipientID: "u", Text: "x"}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if breaker.State() != BreakerOpen {
		t.Fatalf("two transient failures should open the breaker, got %v", breaker.State())
	}
	if _, err := m.SendDirectMessage(ctx, "p", "t", graph.DirectMessage{RecipientID: "u", Text: "x"}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("open breaker must not reach the platform, calls=%d", inner.calls)
	}
}
