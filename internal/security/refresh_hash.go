package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// DigestToken returns the hex SHA-256 of a token, so sessions can hold the current refresh token
// without keeping the raw value.
func DigestToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenMatchesDigest compares token against a stored digest in constant time.
func TokenMatchesDigest(token, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(DigestToken(token)), []byte(digest)) == 1
}
