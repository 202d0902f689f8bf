// Package signature signs webhook bodies with HMAC-SHA256 so receivers can
// authenticate the sender and detect tampering.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header carries the signature on every delivery.
const Header = "X-Signature"

const prefix = "sha256="

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HeaderValue formats a digest for the X-Signature header.
func HeaderValue(digest string) string {
	return prefix + digest
}

// Verify recomputes the digest over body and compares it in constant time.
// sig may be a bare hex digest or carry the "sha256=" prefix.
func Verify(secret string, body []byte, sig string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(sig, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
