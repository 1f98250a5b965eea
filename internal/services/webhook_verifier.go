package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrVerifyTokenMismatch = errors.New("webhook verify token mismatch")
)

const signaturePrefix = "sha256="

// WebhookVerifier validates webhook authenticity and the subscription handshake.
type WebhookVerifier struct {
	appSecret   string
	verifyToken string
}

func NewWebhookVerifier(appSecret, verifyToken string) *WebhookVerifier {
	return &WebhookVerifier{appSecret: appSecret, verifyToken: verifyToken}
}

// Sign returns the X-Hub-Signature-256 value for body.
func (v *WebhookVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(v.appSecret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes HMAC-SHA256 over the raw body and compares it
// with the claimed header in constant time.
func (v *WebhookVerifier) VerifySignature(body []byte, header string) error {
	if v.appSecret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(v.Sign(body)), []byte(header)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyChallenge 处理订阅握手：mode=subscribe 且 token 匹配时回显 challenge
func (v *WebhookVerifier) VerifyChallenge(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || v.verifyToken == "" {
		return "", ErrVerifyTokenMismatch
	}
	if !hmac.Equal([]byte(token), []byte(v.verifyToken)) {
		return "", ErrVerifyTokenMismatch
	}
	return challenge, nil
}
