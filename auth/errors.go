package auth

import (
	"errors"
	"fmt"
)

// Verification failures are typed so callers can branch on kind with
// errors.Is / errors.As. Key-fetch failures surface as jwks.ErrKeyFetch
// from the resolver and are passed through unwrapped.
var (
	// ErrInvalidFormat indicates the token failed the structural prefilter or
	// its header/payload could not be decoded into a JSON object.
	ErrInvalidFormat = errors.New("auth: invalid token format")

	// ErrDisallowedAlgorithm indicates the token's alg header is not in the
	// configured allow-list.
	ErrDisallowedAlgorithm = errors.New("auth: disallowed algorithm")

	// ErrUnknownIssuer indicates the token's iss claim matches no configured
	// trusted provider.
	ErrUnknownIssuer = errors.New("auth: unknown issuer")

	// ErrNoMatchingKey indicates the token's kid header matched no key in the
	// resolved key set.
	ErrNoMatchingKey = errors.New("auth: no matching key")

	// ErrSignatureInvalid indicates cryptographic verification failed.
	ErrSignatureInvalid = errors.New("auth: signature invalid")

	// ErrClaimInvalid is the sentinel wrapped by every ClaimError.
	ErrClaimInvalid = errors.New("auth: claim invalid")

	// ErrNonceMismatch indicates the ID token's nonce did not match the value
	// bound to the login attempt.
	ErrNonceMismatch = errors.New("auth: nonce mismatch")

	// ErrAuthorizedPartyInvalid indicates the azp claim is missing while the
	// audience is ambiguous, or names a party outside the audience.
	ErrAuthorizedPartyInvalid = errors.New("auth: authorized party invalid")

	// ErrMissingSubject indicates the token carries no sub claim.
	ErrMissingSubject = errors.New("auth: missing subject")
)

// ClaimError reports which registered claim failed validation.
type ClaimError struct {
	Claim string // "exp", "nbf", "iat", "aud", "iss"
	Err   error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("auth: invalid %q claim: %v", e.Claim, e.Err)
}

func (e *ClaimError) Unwrap() error { return ErrClaimInvalid }

func claimErr(claim string, format string, args ...any) *ClaimError {
	return &ClaimError{Claim: claim, Err: fmt.Errorf(format, args...)}
}
