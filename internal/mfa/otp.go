// Package mfa generates and checks step-up codes: one-time codes delivered by sms or email,
// and authenticator-app (TOTP) codes.
package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
)

// CodeDigits is the length of every step-up code.
const CodeDigits = 6

// GenerateCode returns a uniformly random numeric code of CodeDigits digits.
func GenerateCode() (string, error) {
	max := big.NewInt(10)
	s := make([]byte, CodeDigits)
	for i := range s {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		s[i] = byte('0' + n.Int64())
	}
	return string(s), nil
}

// DigestCode returns the hex SHA-256 of code. Challenges store only the digest.
func DigestCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// CodeMatches compares code against a stored digest in constant time. An empty code never matches.
func CodeMatches(code, digest string) bool {
	if code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(DigestCode(code)), []byte(digest)) == 1
}
