package sessions

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// AuthorizationSession is the ephemeral record backing one in-flight login.
// It is single-use: once Used is set or ExpiresAt has passed, the session is
// unresolvable and is purged on the next lookup.
type AuthorizationSession struct {
	ID                    string    `json:"id"`
	PKCEVerifier          string    `json:"pkce_verifier"`
	CSRFState             string    `json:"csrf_state"`
	OIDCNonce             string    `json:"oidc_nonce"`
	ProviderID            string    `json:"provider_id"`
	ReturnTo              string    `json:"return_to"`
	ClientFingerprintHash string    `json:"client_fingerprint_hash"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
	Used                  bool      `json:"used"`
}

// UserSession is the persistent record for one authenticated browser context.
// Its ID is rotated on every token refresh and may be rotated on demand; the
// fingerprint hash must match on every validated access.
type UserSession struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	ProviderID            string    `json:"provider_id"`
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	ClientFingerprintHash string    `json:"client_fingerprint_hash"`
	CreatedAt             time.Time `json:"created_at"`
	LastAccessedAt        time.Time `json:"last_accessed_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// NewID returns a cryptographically random, unguessable identifier carrying
// 256 bits of entropy, base64url-encoded.
func NewID() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the process has no usable entropy
		// source; refusing to continue is the only safe behavior.
		panic("sessions: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
