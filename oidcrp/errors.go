package oidcrp

import (
	"errors"
	"fmt"
)

// Failure tiers follow the session-security error model: protocol/security
// failures destroy the implicated ephemeral session and are never retried;
// transient infrastructure failures surface to the caller as 5xx material
// without corrupting session state; caller errors map straight to 400.
var (
	// ErrUnknownProvider indicates the login or callback referenced a
	// provider id that is not configured. Caller error.
	ErrUnknownProvider = errors.New("oidcrp: unknown provider")

	// ErrProviderDenied indicates the provider redirected back with an error
	// parameter (e.g. access_denied). Caller-visible, not retryable here.
	ErrProviderDenied = errors.New("oidcrp: provider denied authorization")

	// ErrTokenExchange indicates the provider's token endpoint rejected or
	// failed the code/refresh exchange. Transient infrastructure tier.
	ErrTokenExchange = errors.New("oidcrp: token exchange failed")

	// ErrDiscovery indicates provider metadata could not be resolved.
	// Transient infrastructure tier.
	ErrDiscovery = errors.New("oidcrp: provider discovery failed")

	// ErrNoClaimsAvailable indicates neither the ID token nor the userinfo
	// endpoint yielded usable claims.
	ErrNoClaimsAvailable = errors.New("oidcrp: no claims available")

	// ErrNoRefreshToken indicates a refresh was requested for a session that
	// holds no refresh token. The session is left untouched.
	ErrNoRefreshToken = errors.New("oidcrp: no refresh token stored")

	// ErrProvisioning indicates the user repository failed to create or
	// update the principal. Transient infrastructure tier.
	ErrProvisioning = errors.New("oidcrp: user provisioning failed")
)

// CallbackError carries the provider's error code and description from a
// failed authorization redirect.
type CallbackError struct {
	Code        string
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oidcrp: provider error %q", e.Code)
	}
	return fmt.Sprintf("oidcrp: provider error %q: %s", e.Code, e.Description)
}

func (e *CallbackError) Unwrap() error { return ErrProviderDenied }
