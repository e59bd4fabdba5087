package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fingerprintSentinel stands in when neither user agent nor client IP is
// available, so an empty-input fingerprint is still a stable, comparable
// value rather than a hash of "".
const fingerprintSentinel = "unknown-client"

// Fingerprint computes the client fingerprint hash: SHA-256 over
// "userAgent|clientIP" with omitted components skipped.
func Fingerprint(userAgent, clientIP string) string {
	var parts []string
	if userAgent != "" {
		parts = append(parts, userAgent)
	}
	if clientIP != "" {
		parts = append(parts, clientIP)
	}
	input := strings.Join(parts, "|")
	if input == "" {
		input = fingerprintSentinel
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
