package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"autodm/internal/config"
	appmetrics "autodm/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket is a token bucket refilled continuously at ratePerSec.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter 每个客户端 IP 一个桶
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	prefix  string
	rpm     int
	burst   int
}

func newLimiter(prefix string, rpm, burst int) *limiter {
	return &limiter{buckets: make(map[string]*tokenBucket), prefix: prefix, rpm: rpm, burst: burst}
}

func (l *limiter) get(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.rpm, l.burst)
	l.buckets[key] = b
	return b
}

// RateLimitMiddleware applies per-path limits (first matching prefix wins) and
// falls back to the global limit. Drops are counted in the metrics registry.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	var paths []*limiter
	for _, p := range rl.Paths {
		if p.Enabled && p.RequestsPerMinute > 0 && p.Prefix != "" {
			paths = append(paths, newLimiter(p.Prefix, p.RequestsPerMinute, p.Burst))
		}
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter("global", rl.RequestsPerMinute, rl.Burst)
	}
	whitelisted := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelisted[ip] = struct{}{}
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if _, ok := whitelisted[key]; ok {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		l := global
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				l = pl
				break
			}
		}
		if l != nil && !l.get(key).allow() {
			appmetrics.IncRateLimitDrop(l.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
