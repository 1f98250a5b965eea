package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"autodm/internal/config"
	appmetrics "autodm/internal/metrics"

	"github.com/gin-gonic/gin"
)

func newLimitedRouter(rl config.RateLimitingConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(&config.Config{Security: config.SecurityConfig{RateLimiting: rl}}))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.POST("/webhooks/instagram", ok)
	r.GET("/api/automations/rules", ok)
	return r
}

func do(r http.Handler, method, path string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	r := newLimitedRouter(config.RateLimitingConfig{Enabled: false, RequestsPerMinute: 1, Burst: 1})
	for i := 0; i < 5; i++ {
		if code := do(r, http.MethodGet, "/api/automations/rules"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
}

func TestRateLimitMiddleware_GlobalBurst(t *testing.T) {
	r := newLimitedRouter(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 3})
	before, _ := appmetrics.RateLimitSnapshot()

	allowed := 0
	for i := 0; i < 6; i++ {
		if do(r, http.MethodGet, "/api/automations/rules") == http.StatusOK {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("expected 3 allowed requests, got %d", allowed)
	}
	after, _ := appmetrics.RateLimitSnapshot()
	if after-before != 3 {
		t.Errorf("expected 3 recorded drops, got %d", after-before)
	}
}

func TestRateLimitMiddleware_PathOverride(t *testing.T) {
	r := newLimitedRouter(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             1,
		Paths: []config.PathRateLimitConfig{
			{Enabled: true, Prefix: "/webhooks", RequestsPerMinute: 600, Burst: 50},
		},
	})
	_, beforeBy := appmetrics.RateLimitSnapshot()

	for i := 0; i < 20; i++ {
		if code := do(r, http.MethodPost, "/webhooks/instagram"); code != http.StatusOK {
			t.Fatalf("webhook request %d limited: %d", i, code)
		}
	}
	if do(r, http.MethodGet, "/api/automations/rules") != http.StatusOK {
		t.Fatal("first management request should pass")
	}
	if do(r, http.MethodGet, "/api/automations/rules") != http.StatusTooManyRequests {
		t.Fatal("second management request should hit the global limit")
	}
	_, by := appmetrics.RateLimitSnapshot()
	if by["/webhooks"] != beforeBy["/webhooks"] {
		t.Errorf("webhook path should not record drops")
	}
}

func TestRateLimitMiddleware_Whitelist(t *testing.T) {
	r := newLimitedRouter(config.RateLimitingConfig{
		Enabled: true, RequestsPerMinute: 1, Burst: 1, WhitelistIPs: []string{"10.0.0.1"},
	})
	for i := 0; i < 5; i++ {
		if code := do(r, http.MethodGet, "/api/automations/rules"); code != http.StatusOK {
			t.Fatalf("whitelisted ip limited on request %d", i)
		}
	}
}

func TestTokenBucket_Allow(t *testing.T) {
	b := newBucket(60, 10)
	for i := 0; i < 10; i++ {
		if !b.allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}
	if b.allow() {
		t.Error("bucket should be drained after burst")
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://ops.example.com"}}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("unexpected allow-origin %q", got)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin must not be echoed")
	}
}
