package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const signaturePrefix = "sha256="

// signatureLen is the length of a well-formed signature header value.
var signatureLen = len(signaturePrefix) + hex.EncodedLen(sha256.Size)

// Sign returns "sha256=" + hex(HMAC-SHA256(secret, body)).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature was produced by Sign over body with secret.
// A signature of the wrong length is rejected before any HMAC is computed.
func Verify(body []byte, signature, secret string) bool {
	if len(signature) != signatureLen {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}
