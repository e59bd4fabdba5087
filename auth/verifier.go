package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shelfworks/authcore/jwks"
)

// Decoded size caps applied before any signature work. Oversized tokens are
// rejected structurally rather than fed to the crypto layer.
const (
	maxHeaderBytes  = 8 << 10
	maxPayloadBytes = 64 << 10
)

// TrustedProvider describes one external issuer the verifier accepts.
type TrustedProvider struct {
	// Issuer is the trailing-slash-normalized issuer URL.
	Issuer   string
	ClientID string
	JWKSURL  string
	// Audiences, when set, is the accepted audience allow-list for this
	// provider. Empty means ClientID is the sole accepted audience.
	Audiences []string
	// UIDClaim optionally names the claim used to derive a stable uid.
	UIDClaim string
}

// TrustSource resolves a normalized issuer to its trust configuration.
// Implementations must be safe for concurrent use; the config registry backs
// this with a hot-reloadable provider set.
type TrustSource interface {
	TrustedProvider(issuer string) (*TrustedProvider, bool)
}

// NormalizeIssuer trims trailing slashes so issuer comparison is exact.
func NormalizeIssuer(iss string) string {
	return strings.TrimRight(iss, "/")
}

// Config controls verifier policy.
type Config struct {
	AllowedAlgorithms []string
	Leeway            time.Duration
	// DefaultAudiences is the audience allow-list applied when neither the
	// call site nor the provider supplies one.
	DefaultAudiences []string
	// UIDClaim is the default claim used to derive TokenClaims.UID.
	UIDClaim string
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgorithms: []string{"RS256"},
		Leeway:            60 * time.Second,
	}
}

// Verifier validates bearer tokens into normalized TokenClaims. It persists
// nothing: verification is a pure function of the token, the trust
// configuration and the resolved key material.
type Verifier struct {
	cfg      *Config
	resolver *jwks.Resolver
	trust    TrustSource
}

// NewVerifier constructs a Verifier. resolver may be nil only when every call
// supplies an internal key.
func NewVerifier(cfg *Config, resolver *jwks.Resolver, trust TrustSource) *Verifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.AllowedAlgorithms) == 0 {
		cfg.AllowedAlgorithms = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &Verifier{cfg: cfg, resolver: resolver, trust: trust}
}

type verifyOptions struct {
	expectedNonce string
	internalKey   any
	audiences     []string
}

// VerifyOption adjusts a single Verify call.
type VerifyOption func(*verifyOptions)

// WithExpectedNonce requires the token's nonce claim to equal the given
// value. Used for ID tokens bound to an in-flight login.
func WithExpectedNonce(nonce string) VerifyOption {
	return func(o *verifyOptions) { o.expectedNonce = nonce }
}

// WithInternalKey verifies against the supplied key material and skips the
// issuer trust lookup. Used for internally-issued tokens.
func WithInternalKey(key any) VerifyOption {
	return func(o *verifyOptions) { o.internalKey = key }
}

// WithAudiences overrides the accepted audience set for this call.
func WithAudiences(auds ...string) VerifyOption {
	return func(o *verifyOptions) { o.audiences = auds }
}

// Verify validates token and returns its normalized claims. Failures carry
// one of the package error kinds; key material failures surface as
// jwks.ErrKeyFetch.
func (v *Verifier) Verify(ctx context.Context, token string, opts ...VerifyOption) (*TokenClaims, error) {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	header, payload, err := decodeSegments(token)
	if err != nil {
		return nil, err
	}

	alg, _ := header["alg"].(string)
	if !contains(v.cfg.AllowedAlgorithms, alg) {
		return nil, fmt.Errorf("%w: %q", ErrDisallowedAlgorithm, alg)
	}

	external := o.internalKey == nil

	var provider *TrustedProvider
	var keyfn jwt.Keyfunc
	if external {
		iss, _ := payload["iss"].(string)
		if iss == "" {
			return nil, fmt.Errorf("%w: token has no issuer", ErrUnknownIssuer)
		}
		if v.trust == nil {
			return nil, fmt.Errorf("%w: no trusted providers configured", ErrUnknownIssuer)
		}
		p, ok := v.trust.TrustedProvider(NormalizeIssuer(iss))
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, iss)
		}
		provider = p

		set, err := v.resolver.GetKeys(ctx, provider.JWKSURL)
		if err != nil {
			return nil, err
		}
		keyfn, err = keyfuncFor(set, header)
		if err != nil {
			return nil, err
		}
	} else {
		key := o.internalKey
		keyfn = func(*jwt.Token) (any, error) { return key, nil }
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgorithms),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	if _, err := parser.Parse(token, keyfn); err != nil {
		return nil, mapParseError(err)
	}

	if err := v.checkAudience(payload, provider, o.audiences); err != nil {
		return nil, err
	}
	if err := v.checkTimes(payload); err != nil {
		return nil, err
	}
	if external {
		if err := checkNonce(payload, o.expectedNonce); err != nil {
			return nil, err
		}
		if err := checkAuthorizedParty(payload); err != nil {
			return nil, err
		}
	}

	if sub, _ := payload["sub"].(string); sub == "" {
		return nil, ErrMissingSubject
	}

	uidClaim := v.cfg.UIDClaim
	if provider != nil && provider.UIDClaim != "" {
		uidClaim = provider.UIDClaim
	}
	return FromPayload(payload, uidClaim), nil
}

// decodeSegments applies the structural prefilter and decodes the header and
// payload JSON objects.
func decodeSegments(token string) (header, payload map[string]any, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("%w: want 3 segments, got %d", ErrInvalidFormat, len(parts))
	}
	for i, seg := range parts {
		if seg == "" {
			return nil, nil, fmt.Errorf("%w: empty segment %d", ErrInvalidFormat, i)
		}
		if !isBase64URL(seg) {
			return nil, nil, fmt.Errorf("%w: segment %d outside base64url alphabet", ErrInvalidFormat, i)
		}
	}
	// Encoded length caps reject oversized input before decoding.
	if len(parts[0]) > maxHeaderBytes*4/3+4 {
		return nil, nil, fmt.Errorf("%w: header too large", ErrInvalidFormat)
	}
	if len(parts[1]) > maxPayloadBytes*4/3+4 {
		return nil, nil, fmt.Errorf("%w: payload too large", ErrInvalidFormat)
	}

	header, err = decodeJSONSegment(parts[0], maxHeaderBytes, "header")
	if err != nil {
		return nil, nil, err
	}
	payload, err = decodeJSONSegment(parts[1], maxPayloadBytes, "payload")
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

func decodeJSONSegment(seg string, maxBytes int, what string) (map[string]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not base64url", ErrInvalidFormat, what)
	}
	if len(raw) > maxBytes {
		return nil, fmt.Errorf("%w: %s too large", ErrInvalidFormat, what)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: %s not valid UTF-8", ErrInvalidFormat, what)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%w: %s not a JSON object", ErrInvalidFormat, what)
	}
	return m, nil
}

func isBase64URL(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// keyfuncFor builds a jwt.Keyfunc from a resolved key set. A kid header
// filters the set to the matching key only; without one the full set is
// offered to the verifier.
func keyfuncFor(set *jwks.KeySet, header map[string]any) (jwt.Keyfunc, error) {
	if kid, _ := header["kid"].(string); kid != "" {
		matched := set.Key(kid)
		if len(matched) == 0 {
			return nil, fmt.Errorf("%w: kid %q", ErrNoMatchingKey, kid)
		}
		key := matched[0].Key
		return func(*jwt.Token) (any, error) { return key, nil }, nil
	}
	all := jwt.VerificationKeySet{}
	for _, k := range set.Keys.Keys {
		all.Keys = append(all.Keys, k.Key)
	}
	return func(*jwt.Token) (any, error) { return all, nil }, nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return claimErr("exp", "token expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return claimErr("nbf", "token not yet valid")
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return claimErr("iat", "token issued in the future")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}

func (v *Verifier) checkAudience(payload map[string]any, provider *TrustedProvider, explicit []string) error {
	expected := explicit
	if len(expected) == 0 {
		expected = v.cfg.DefaultAudiences
	}
	if len(expected) == 0 && provider != nil {
		if len(provider.Audiences) > 0 {
			expected = provider.Audiences
		} else if provider.ClientID != "" {
			expected = []string{provider.ClientID}
		}
	}
	if len(expected) == 0 {
		return nil
	}
	aud := stringList(payload["aud"])
	for _, have := range aud {
		if contains(expected, have) {
			return nil
		}
	}
	return claimErr("aud", "audience %v not in allow-list", aud)
}

// checkTimes re-validates exp, nbf and iat with clock-skew tolerance. The
// signature library already checks these; this pass yields one explicit
// error per claim.
func (v *Verifier) checkTimes(payload map[string]any) error {
	now := time.Now()
	leeway := v.cfg.Leeway
	if t := numericDate(payload["exp"]); !t.IsZero() && now.After(t.Add(leeway)) {
		return claimErr("exp", "expired at %s", t.UTC().Format(time.RFC3339))
	}
	if t := numericDate(payload["nbf"]); !t.IsZero() && now.Before(t.Add(-leeway)) {
		return claimErr("nbf", "not valid before %s", t.UTC().Format(time.RFC3339))
	}
	if t := numericDate(payload["iat"]); !t.IsZero() && now.Before(t.Add(-leeway)) {
		return claimErr("iat", "issued at %s, in the future", t.UTC().Format(time.RFC3339))
	}
	return nil
}

func checkNonce(payload map[string]any, expected string) error {
	if expected == "" {
		return nil
	}
	if got, _ := payload["nonce"].(string); got != expected {
		return ErrNonceMismatch
	}
	return nil
}

// checkAuthorizedParty enforces the azp rules for OIDC ID tokens: when
// present, azp must equal a single-string audience or be a member of an
// audience list; when absent, a multi-entry audience list is an ambiguous
// authorized party and is rejected.
func checkAuthorizedParty(payload map[string]any) error {
	azp, _ := payload["azp"].(string)
	switch aud := payload["aud"].(type) {
	case string:
		if azp != "" && azp != aud {
			return fmt.Errorf("%w: azp %q != aud %q", ErrAuthorizedPartyInvalid, azp, aud)
		}
	case []any, []string:
		list := stringList(aud)
		if azp == "" {
			if len(list) > 1 {
				return fmt.Errorf("%w: multiple audiences with no azp", ErrAuthorizedPartyInvalid)
			}
			return nil
		}
		if !contains(list, azp) {
			return fmt.Errorf("%w: azp %q not in audience list", ErrAuthorizedPartyInvalid, azp)
		}
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
