package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autodm/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func signHS256(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()
	enc := func(v interface{}) string {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(b)
	}
	head := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	body := enc(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(head + "." + body))
	return head + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newAuthRouter(cfg *config.Config, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.Use(extra...)
	r.GET("/test", func(c *gin.Context) {
		op, _ := c.Get("operator")
		c.JSON(http.StatusOK, gin.H{"operator": op})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{JWT: config.JWTConfig{Secret: "test-secret"}}
	r := newAuthRouter(cfg)
	now := time.Now().Unix()

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"missing authorization header", "", http.StatusUnauthorized},
		{"invalid bearer format", "Basic token-value", http.StatusUnauthorized},
		{"only bearer prefix", "Bearer ", http.StatusUnauthorized},
		{"malformed jwt", "Bearer not.a.valid.jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signHS256(t, "other", map[string]interface{}{"sub": "ops"}), http.StatusUnauthorized},
		{"expired", "Bearer " + signHS256(t, "test-secret", map[string]interface{}{"sub": "ops", "exp": now - 10}), http.StatusUnauthorized},
		{"not yet valid", "Bearer " + signHS256(t, "test-secret", map[string]interface{}{"sub": "ops", "nbf": now + 600}), http.StatusUnauthorized},
		{"valid", "Bearer " + signHS256(t, "test-secret", map[string]interface{}{"sub": "ops", "exp": now + 600}), http.StatusOK},
		{"lowercase scheme", "bearer " + signHS256(t, "test-secret", map[string]interface{}{"sub": "ops"}), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.JSONEq(t, `{"operator":"ops"}`, w.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_EmptySecretRejects(t *testing.T) {
	r := newAuthRouter(&config.Config{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "", map[string]interface{}{"sub": "ops"}))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	cfg := &config.Config{JWT: config.JWTConfig{Secret: "s"}}
	r := newAuthRouter(cfg, RequireRole("automation.write"))

	cases := map[string]struct {
		roles interface{}
		want  int
	}{
		"admin":         {[]string{"admin"}, http.StatusOK},
		"matching role": {"viewer, automation.write", http.StatusOK},
		"no roles":      {nil, http.StatusForbidden},
		"other role":    {[]string{"viewer"}, http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			claims := map[string]interface{}{"sub": "ops"}
			if tc.roles != nil {
				claims["roles"] = tc.roles
			}
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Authorization", "Bearer "+signHS256(t, "s", claims))
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestCronAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hit := func(secret, header string) int {
		r := gin.New()
		r.GET("/cron", CronAuth(secret), func(c *gin.Context) { c.Status(http.StatusOK) })
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/cron", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("cron-secret", "Bearer cron-secret"))
	assert.Equal(t, http.StatusUnauthorized, hit("cron-secret", "Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, hit("cron-secret", ""))
	assert.Equal(t, http.StatusUnauthorized, hit("cron-secret", "cron-secret"))
	assert.Equal(t, http.StatusUnauthorized, hit("", "Bearer "), "unset secret never authorizes")
}
