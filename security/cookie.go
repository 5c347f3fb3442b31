package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// nonceEntropyBytes is the entropy of a session nonce (128 bits).
const nonceEntropyBytes = 16

// GenerateNonce generates a cryptographically random session nonce,
// hex-encoded. The function panics if the system's random number
// generator fails, which indicates a critical system-level failure.
func GenerateNonce() string {
	b := make([]byte, nonceEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// CookieSigner signs and verifies cookie values with HMAC-SHA256 so the
// server can detect tampering without a second lookup key. The signed
// form is "<value>.<base64url(mac)>".
type CookieSigner struct {
	secret []byte
}

// NewCookieSigner creates a signer from the configured secret.
func NewCookieSigner(secret string) *CookieSigner {
	return &CookieSigner{secret: []byte(secret)}
}

// Sign returns the signed cookie value for value.
func (s *CookieSigner) Sign(value string) string {
	return value + "." + base64.RawURLEncoding.EncodeToString(s.mac(value))
}

// Verify checks a signed cookie value and returns the embedded value.
// Verification is constant-time; any structural defect or MAC mismatch
// yields ok=false.
func (s *CookieSigner) Verify(signed string) (value string, ok bool) {
	idx := strings.LastIndexByte(signed, '.')
	if idx <= 0 || idx == len(signed)-1 {
		return "", false
	}

	value = signed[:idx]
	gotMAC, err := base64.RawURLEncoding.DecodeString(signed[idx+1:])
	if err != nil {
		return "", false
	}

	if subtle.ConstantTimeCompare(gotMAC, s.mac(value)) != 1 {
		return "", false
	}
	return value, true
}

func (s *CookieSigner) mac(value string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(value))
	return m.Sum(nil)
}
