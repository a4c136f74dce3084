package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the body signature on inbound webhooks.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// ErrInvalidSignature is returned for every verification failure so callers
// cannot tell a missing header from a malformed or mismatched one.
var ErrInvalidSignature = errors.New("invalid_signature")

// Verify checks header against HMAC-SHA256(secret, body) in constant time.
func Verify(body []byte, header string, secret []byte) error {
	if len(secret) == 0 {
		return ErrInvalidSignature
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil || len(provided) != sha256.Size {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign renders the header value for body. Used by the sandbox tooling and tests.
func Sign(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
