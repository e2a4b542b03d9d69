package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signer produces HMAC-SHA256 authentication headers for exchange requests.
// The signed message is "timestamp + method + path [+ body]"; the signature
// travels base64-encoded alongside the API key.
type Signer struct {
	apiKey string
	secret []byte
}

// NewSigner creates a Signer from the instance's API key pair.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{apiKey: apiKey, secret: []byte(secret)}
}

// Headers returns the auth headers for one request.
func (s *Signer) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"X-API-KEY":   s.apiKey,
		"X-TIMESTAMP": timestamp,
		"X-SIGNATURE": s.sign(timestamp, method, path, body),
	}
}

// sign computes the HMAC-SHA256 signature over timestamp+method+path+body.
func (s *Signer) sign(timestamp, method, path, body string) string {
	message := timestamp + method + path
	if body != "" {
		message += body
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
