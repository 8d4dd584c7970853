// Package hmacsha256 signs and verifies webhook bodies with HMAC-SHA256.
package hmacsha256

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix precedes the hex digest in the signature header value.
const Prefix = "sha256="

// Signer computes signatures with a shared secret.
type Signer struct {
	secret []byte
}

// New returns a Signer for secret.
func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns "sha256=<hex digest>" over the raw body.
func (s *Signer) Sign(body []byte) string {
	return Prefix + hex.EncodeToString(s.digest(body))
}

// Verify reports whether signature matches body. Comparison is constant time.
func (s *Signer) Verify(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, Prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, Prefix))
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.digest(body))
}

func (s *Signer) digest(body []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// Verify checks signature against body for secret.
func Verify(secret string, body []byte, signature string) bool {
	return New(secret).Verify(body, signature)
}
