package auth

import (
	"fmt"
	"strings"
	"time"
)

// TokenClaims is the normalized, immutable view of a verified token.
//
// Every claim present in the input payload lands either in a named field or
// in CustomClaims, never both and never dropped. AllClaims holds an untouched
// copy of the full payload for callers that need the raw shape back.
type TokenClaims struct {
	Issuer          string
	Subject         string
	Audience        []string
	AuthorizedParty string
	ExpiresAt       time.Time
	IssuedAt        time.Time
	NotBefore       time.Time
	Nonce           string
	JTI             string

	// UID is the stable principal identifier: the configured uid claim when
	// present, otherwise "issuer|subject".
	UID string

	// Scopes are merged from the scope / scp / scopes claim shapes,
	// deduplicated, first-seen order preserved.
	Scopes []string

	// Roles are merged from the provider-specific role claim shapes,
	// deduplicated.
	Roles []string

	Email      string
	Name       string
	GivenName  string
	FamilyName string

	// CustomClaims holds every claim not mapped to a named field.
	CustomClaims map[string]any

	// AllClaims is a raw copy of the input payload.
	AllClaims map[string]any
}

// HasScope reports whether the token carries the given scope.
func (c *TokenClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasRole reports whether the token carries the given role.
func (c *TokenClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// FromPayload normalizes a decoded JWT payload into TokenClaims. uidClaim
// names the claim used to derive UID; when empty or absent from the payload
// the UID falls back to "issuer|subject".
func FromPayload(payload map[string]any, uidClaim string) *TokenClaims {
	rest := make(map[string]any, len(payload))
	all := make(map[string]any, len(payload))
	for k, v := range payload {
		rest[k] = v
		all[k] = v
	}

	pop := func(name string) (any, bool) {
		v, ok := rest[name]
		if ok {
			delete(rest, name)
		}
		return v, ok
	}
	popString := func(name string) string {
		v, ok := pop(name)
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	popTime := func(name string) time.Time {
		v, ok := pop(name)
		if !ok {
			return time.Time{}
		}
		return numericDate(v)
	}

	tc := &TokenClaims{
		Issuer:          popString("iss"),
		Subject:         popString("sub"),
		AuthorizedParty: popString("azp"),
		Nonce:           popString("nonce"),
		JTI:             popString("jti"),
		Email:           popString("email"),
		Name:            popString("name"),
		GivenName:       popString("given_name"),
		FamilyName:      popString("family_name"),
		ExpiresAt:       popTime("exp"),
		IssuedAt:        popTime("iat"),
		NotBefore:       popTime("nbf"),
		AllClaims:       all,
	}

	if aud, ok := pop("aud"); ok {
		tc.Audience = stringList(aud)
	}

	tc.Scopes = extractMerged(rest, scopeRules)
	tc.Roles = extractMerged(rest, roleRules)

	// Any remaining claim whose name mentions roles is a provider-specific
	// role carrier.
	for name, v := range rest {
		if strings.Contains(strings.ToLower(name), "roles") {
			tc.Roles = appendDedup(tc.Roles, stringList(v)...)
			delete(rest, name)
		}
	}

	tc.UID = tc.Issuer + "|" + tc.Subject
	if uidClaim != "" {
		if v, ok := payload[uidClaim]; ok {
			if s, _ := v.(string); s != "" {
				tc.UID = s
			}
		}
	}

	tc.CustomClaims = rest
	return tc
}

// extractRule pulls values for one claim shape out of the remaining claims.
// Rules are applied in order; each contributes to a shared deduplicated set.
type extractRule struct {
	claim string
	// path selects a nested field ("realm_access" -> "roles"); empty for
	// top-level claims.
	path string
	// split treats a string value as a delimited list.
	split bool
}

var scopeRules = []extractRule{
	{claim: "scope", split: true},
	{claim: "scp", split: true},
	{claim: "scopes"},
}

var roleRules = []extractRule{
	{claim: "role"},
	{claim: "roles"},
	{claim: "groups"},
	{claim: "authorities"},
	{claim: "realm_access", path: "roles"},
	{claim: "app_metadata", path: "roles"},
}

func extractMerged(rest map[string]any, rules []extractRule) []string {
	var out []string
	for _, rule := range rules {
		v, ok := rest[rule.claim]
		if !ok {
			continue
		}
		if rule.path != "" {
			obj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			delete(rest, rule.claim)
			v, ok = obj[rule.path]
			if !ok {
				continue
			}
		} else {
			delete(rest, rule.claim)
		}
		if rule.split {
			if s, ok := v.(string); ok {
				out = appendDedup(out, strings.Fields(s)...)
				continue
			}
		}
		out = appendDedup(out, stringList(v)...)
	}
	return out
}

func appendDedup(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v == "" {
			continue
		}
		seen := false
		for _, have := range dst {
			if have == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}

// stringList coerces a claim value that may arrive as a string, []any or
// []string into a string slice.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// numericDate converts a JSON claim value into a time. JSON numbers decode as
// float64; string seconds are tolerated for sloppy providers.
func numericDate(v any) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	case string:
		var secs int64
		if _, err := fmt.Sscanf(t, "%d", &secs); err == nil {
			return time.Unix(secs, 0)
		}
	}
	return time.Time{}
}
