package sessions

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound covers every unresolvable session: absent, expired,
	// already used, or corrupted in storage.
	ErrSessionNotFound = errors.New("sessions: session not found")

	// ErrStateMismatch indicates the callback's state parameter did not match
	// the stored CSRF state. The implicated session is destroyed.
	ErrStateMismatch = errors.New("sessions: state mismatch")

	// ErrFingerprintMismatch indicates the caller's client fingerprint did
	// not match the one bound to the session. The session is destroyed.
	ErrFingerprintMismatch = errors.New("sessions: fingerprint mismatch")
)

const (
	authKeyPrefix = "auth:"
	userKeyPrefix = "user:"

	// DefaultAuthSessionTTL bounds one in-flight login attempt.
	DefaultAuthSessionTTL = 600 * time.Second

	// DefaultUserSessionTTL bounds an authenticated browser context.
	DefaultUserSessionTTL = 7 * 24 * time.Hour
)

// Service owns the typed view of both session kinds and all mutation logic.
// The underlying Store sees only opaque JSON blobs.
type Service struct {
	store   Store
	authTTL time.Duration
	userTTL time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAuthSessionTTL overrides the authorization-session TTL.
func WithAuthSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.authTTL = ttl }
}

// WithUserSessionTTL overrides the user-session TTL.
func WithUserSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.userTTL = ttl }
}

// NewService builds a Service over the given store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		authTTL: DefaultAuthSessionTTL,
		userTTL: DefaultUserSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAuthorizationSession persists a new ephemeral login session. The
// caller supplies the flow material (PKCE verifier, state, nonce, provider,
// sanitized return-to, fingerprint); identity and timestamps are assigned
// here.
func (s *Service) CreateAuthorizationSession(ctx context.Context, as *AuthorizationSession) (*AuthorizationSession, error) {
	now := time.Now()
	as.ID = NewID()
	as.CreatedAt = now
	as.ExpiresAt = now.Add(s.authTTL)
	as.Used = false

	if err := s.put(ctx, authKeyPrefix+as.ID, as, s.authTTL); err != nil {
		return nil, err
	}
	return as, nil
}

// ConsumeAuthorizationSession resolves, validates, and single-use-marks the
// session for an arriving callback. State and fingerprint are compared in
// constant time; any mismatch destroys the session and fails — a mismatched
// callback is treated as adversarial, not retryable. The used flag is
// persisted before the caller performs any network call, so a replayed
// callback cannot resolve the session even if the first attempt later fails.
func (s *Service) ConsumeAuthorizationSession(ctx context.Context, id, state, fingerprintHash string) (*AuthorizationSession, error) {
	as, err := s.getAuthorizationSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(as.CSRFState), []byte(state)) != 1 {
		_ = s.store.Delete(ctx, authKeyPrefix+id)
		return nil, ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(as.ClientFingerprintHash), []byte(fingerprintHash)) != 1 {
		_ = s.store.Delete(ctx, authKeyPrefix+id)
		return nil, ErrFingerprintMismatch
	}

	as.Used = true
	if err := s.put(ctx, authKeyPrefix+id, as, time.Until(as.ExpiresAt)); err != nil {
		return nil, err
	}
	return as, nil
}

// DeleteAuthorizationSession removes the session; absence is not an error.
func (s *Service) DeleteAuthorizationSession(ctx context.Context, id string) error {
	return s.store.Delete(ctx, authKeyPrefix+id)
}

func (s *Service) getAuthorizationSession(ctx context.Context, id string) (*AuthorizationSession, error) {
	var as AuthorizationSession
	if err := s.get(ctx, authKeyPrefix+id, &as); err != nil {
		return nil, err
	}
	if as.Used || time.Now().After(as.ExpiresAt) {
		_ = s.store.Delete(ctx, authKeyPrefix+id)
		return nil, ErrSessionNotFound
	}
	return &as, nil
}

// CreateUserSession persists a new authenticated session, assigning identity
// and timestamps.
func (s *Service) CreateUserSession(ctx context.Context, us *UserSession) (*UserSession, error) {
	now := time.Now()
	us.ID = NewID()
	us.CreatedAt = now
	us.LastAccessedAt = now
	us.ExpiresAt = now.Add(s.userTTL)

	if err := s.put(ctx, userKeyPrefix+us.ID, us, s.userTTL); err != nil {
		return nil, err
	}
	return us, nil
}

// ValidateUserSession resolves the session, enforces the fingerprint binding
// and touches last_accessed_at. A fingerprint mismatch invalidates the
// session.
func (s *Service) ValidateUserSession(ctx context.Context, id, fingerprintHash string) (*UserSession, error) {
	us, err := s.getUserSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(us.ClientFingerprintHash), []byte(fingerprintHash)) != 1 {
		_ = s.store.Delete(ctx, userKeyPrefix+id)
		return nil, ErrFingerprintMismatch
	}

	us.LastAccessedAt = time.Now()
	if err := s.put(ctx, userKeyPrefix+id, us, time.Until(us.ExpiresAt)); err != nil {
		return nil, err
	}
	return us, nil
}

// RotateUserSession replaces the session's identifier: the record is stored
// under a fresh id with its remaining lifetime and the old id is deleted.
// The input record's token fields are persisted as-is, so callers update
// them before rotating.
func (s *Service) RotateUserSession(ctx context.Context, us *UserSession) (*UserSession, error) {
	oldID := us.ID
	us.ID = NewID()
	us.LastAccessedAt = time.Now()

	if err := s.put(ctx, userKeyPrefix+us.ID, us, time.Until(us.ExpiresAt)); err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, userKeyPrefix+oldID); err != nil {
		return nil, fmt.Errorf("delete rotated session: %w", err)
	}
	return us, nil
}

// LookupUserSession resolves a session without touching last_accessed_at or
// enforcing the fingerprint binding. Intended for logout paths that only
// need the record's provider linkage.
func (s *Service) LookupUserSession(ctx context.Context, id string) (*UserSession, error) {
	return s.getUserSession(ctx, id)
}

// DeleteUserSession removes the session; deleting an absent session is a
// no-op so logout stays idempotent.
func (s *Service) DeleteUserSession(ctx context.Context, id string) error {
	return s.store.Delete(ctx, userKeyPrefix+id)
}

func (s *Service) getUserSession(ctx context.Context, id string) (*UserSession, error) {
	var us UserSession
	if err := s.get(ctx, userKeyPrefix+id, &us); err != nil {
		return nil, err
	}
	if time.Now().After(us.ExpiresAt) {
		_ = s.store.Delete(ctx, userKeyPrefix+id)
		return nil, ErrSessionNotFound
	}
	return &us, nil
}

func (s *Service) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		// Remaining lifetime already elapsed.
		_ = s.store.Delete(ctx, key)
		return ErrSessionNotFound
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.store.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// get loads and decodes one record. A corrupted entry is proactively deleted
// and reported as absent.
func (s *Service) get(ctx context.Context, key string, v any) error {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if raw == nil {
		return ErrSessionNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		_ = s.store.Delete(ctx, key)
		return ErrSessionNotFound
	}
	return nil
}
