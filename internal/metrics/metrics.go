package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter names exported on /metrics (prefixed with autodm_ and suffixed _total).
const (
	WebhookEvents    = "webhook_events"
	WebhookRejected  = "webhook_rejected"
	CommentsMatched  = "comments_matched"
	DMQueued         = "dm_queued"
	DMDeduped        = "dm_deduped"
	DMSent           = "dm_sent"
	DMRetried        = "dm_retried"
	DMFailed         = "dm_failed"
	JobsReclaimed    = "jobs_reclaimed"
	TokensRefreshed  = "tokens_refreshed"
	TokenRefreshFail = "token_refresh_failed"
	TokensExpired    = "tokens_expired"
)

// counterSet is a small thread-safe named counter registry.
type counterSet struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func (s *counterSet) add(name string, n uint64) {
	s.mu.Lock()
	if s.counters == nil {
		s.counters = make(map[string]uint64)
	}
	s.counters[name] += n
	s.mu.Unlock()
}

func (s *counterSet) snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

var automation counterSet

// Inc increments the named automation counter by one.
func Inc(name string) { automation.add(name, 1) }

// Add increments the named automation counter by n.
func Add(name string, n int) {
	if n > 0 {
		automation.add(name, uint64(n))
	}
}

// Snapshot returns a copy of the automation counters.
func Snapshot() map[string]uint64 { return automation.snapshot() }

// Names returns the snapshot keys sorted, for stable exposition.
func Names(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	byPrefix counterSet
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.byPrefix.add(prefix, 1)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return atomic.LoadUint64(&rl.total), rl.byPrefix.snapshot()
}
