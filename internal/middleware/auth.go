package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"autodm/internal/config"

	"github.com/gin-gonic/gin"
)

// validateHS256JWT verifies an HS256 JWT and returns its payload claims.
// exp/nbf/iat are enforced when present.
func validateHS256JWT(token, secret string, now time.Time) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}
	headerB64, payloadB64, sigB64 := parts[0], parts[1], parts[2]

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, errors.New("invalid header encoding")
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.New("invalid header json")
	}
	if alg, _ := header["alg"].(string); alg != "HS256" {
		return nil, errors.New("unsupported alg")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errors.New("invalid signature encoding")
	}
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, errors.New("invalid signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, errors.New("invalid payload encoding")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, errors.New("invalid payload json")
	}

	nowSec := now.Unix()
	checks := []struct {
		key string
		ok  func(int64) bool
	}{
		{"nbf", func(sec int64) bool { return nowSec >= sec }},
		{"iat", func(sec int64) bool { return nowSec >= sec }},
		{"exp", func(sec int64) bool { return nowSec < sec }},
	}
	for _, chk := range checks {
		if v, ok := payload[chk.key].(float64); ok && !chk.ok(int64(v)) {
			return nil, errors.New("token time constraint failed: " + chk.key)
		}
	}
	return payload, nil
}

// AuthMiddleware enforces Authorization: Bearer <jwt> on operator routes.
// On success "operator" (sub) and "roles" are set on the gin.Context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing bearer token",
			})
			return
		}
		claims, err := validateHS256JWT(token, secret, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": err.Error(),
			})
			return
		}
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			c.Set("operator", sub)
		}
		if roles := normalizeStringList(claims["roles"]); len(roles) > 0 {
			c.Set("roles", roles)
		}
		c.Next()
	}
}

// RequireRole 要求 token 至少包含一个指定角色（admin 视为全部）
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		have, _ := c.Get("roles")
		list, _ := have.([]string)
		for _, r := range list {
			if r == "admin" {
				c.Next()
				return
			}
			for _, want := range roles {
				if r == want {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
		})
	}
}

// CronAuth protects the scheduled-pass endpoint with a shared bearer secret.
// An empty secret rejects every request.
func CronAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || secret == "" || !hmac.Equal([]byte(token), []byte(secret)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "invalid cron secret",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	ah := c.GetHeader("Authorization")
	if len(ah) < len("Bearer ") || !strings.EqualFold(ah[:len("Bearer ")], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(ah[len("Bearer "):])
	return token, token != ""
}

func normalizeStringList(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		var out []string
		for _, it := range t {
			if s, ok := it.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case string:
		var out []string
		for _, p := range strings.Split(t, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
