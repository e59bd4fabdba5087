package sessions

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrCSRFInvalid indicates a CSRF token failed validation (malformed, wrong
// MAC, or outside the max-age window).
var ErrCSRFInvalid = errors.New("sessions: invalid csrf token")

// CSRF issues and validates session-bound CSRF tokens of the form
// "hourBucket:hex" where hex is HMAC-SHA256(secret, "sessionID:hourBucket").
// Tokens from any hour bucket within MaxAge validate, so a token minted late
// in one bucket stays usable across the boundary.
type CSRF struct {
	secret []byte
	maxAge time.Duration
}

// DefaultCSRFMaxAge is the default validity window for issued tokens.
const DefaultCSRFMaxAge = 24 * time.Hour

// NewCSRF builds a CSRF issuer. maxAge <= 0 selects DefaultCSRFMaxAge.
func NewCSRF(secret []byte, maxAge time.Duration) *CSRF {
	if maxAge <= 0 {
		maxAge = DefaultCSRFMaxAge
	}
	return &CSRF{secret: secret, maxAge: maxAge}
}

// Issue mints a token bound to sessionID for the current hour bucket.
func (c *CSRF) Issue(sessionID string) string {
	bucket := time.Now().Unix() / 3600
	return fmt.Sprintf("%d:%s", bucket, c.mac(sessionID, bucket))
}

// Validate checks token against sessionID using a constant-time MAC
// comparison and the configured max-age window.
func (c *CSRF) Validate(sessionID, token string) error {
	bucketStr, macHex, ok := strings.Cut(token, ":")
	if !ok {
		return ErrCSRFInvalid
	}
	bucket, err := strconv.ParseInt(bucketStr, 10, 64)
	if err != nil {
		return ErrCSRFInvalid
	}

	now := time.Now().Unix()
	age := now - bucket*3600
	if age < -3600 || age > int64(c.maxAge/time.Second) {
		return fmt.Errorf("%w: outside validity window", ErrCSRFInvalid)
	}

	want := c.mac(sessionID, bucket)
	if !hmac.Equal([]byte(macHex), []byte(want)) {
		return ErrCSRFInvalid
	}
	return nil
}

func (c *CSRF) mac(sessionID string, bucket int64) string {
	h := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(h, "%s:%d", sessionID, bucket)
	return hex.EncodeToString(h.Sum(nil))
}
