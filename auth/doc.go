// Package auth verifies externally-issued and internally-issued JSON Web
// Tokens and normalizes them into a single TokenClaims view.
//
// The public surface intentionally stays small: a Verifier validates a bearer
// token string against a trust configuration and returns TokenClaims (or a
// typed error). The verifier persists nothing; it is a pure function of the
// token, the trust configuration, and the key material resolved through the
// jwks package.
//
// # Validation pipeline
//
// Verification proceeds in a deterministic order, each step with its own
// failure mode: structural prefilter (segment count, base64url alphabet,
// size caps), header/payload decoding, algorithm allow-list, trust-path
// selection (internal key vs. issuer lookup), key resolution with kid
// filtering, signature verification, clock-skew-tolerant exp/nbf/iat
// re-checks, OIDC nonce and authorized-party checks for external tokens, and
// a mandatory subject. Callers branch on the sentinel errors declared in
// errors.go via errors.Is, or unwrap a ClaimError via errors.As to learn
// which registered claim failed.
//
// # Claim normalization
//
// FromPayload maps registered and profile claims onto named TokenClaims
// fields, merges the scope/scp/scopes shapes into an ordered deduplicated
// scope set, collects roles from the provider-specific claim shapes
// (role, roles, groups, authorities, realm_access.roles, app_metadata.roles,
// and any claim whose name mentions roles), and retains everything else in
// CustomClaims. AllClaims always carries a raw copy of the input payload, so
// no claim is ever dropped.
//
// # Trust paths
//
// External tokens must carry an iss claim that, after trailing-slash
// normalization, matches a configured TrustedProvider exactly. Internal
// tokens supply their verification key per call via WithInternalKey and skip
// the issuer lookup entirely.
package auth
