// Package oidcrp drives the OIDC Relying-Party side of login: authorization
// redirect with PKCE, callback validation, token exchange, claim retrieval,
// just-in-time user provisioning, and user-session establishment.
package oidcrp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/shelfworks/authcore/auth"
	"github.com/shelfworks/authcore/config"
	"github.com/shelfworks/authcore/sessions"
)

// UserProvisioner is the external user-repository collaborator. Provision is
// create-if-absent keyed by the claims' stable uid (issuer|subject unless
// the provider configures a uid claim); an existing match has its mutable
// profile fields refreshed. It returns the local user id.
type UserProvisioner interface {
	Provision(ctx context.Context, claims *auth.TokenClaims) (userID string, err error)
}

// Orchestrator wires the session service, token verifier, and provider
// registry into the login state machine. All network calls run under the
// caller's context with a bounded-timeout HTTP client and no lock held.
type Orchestrator struct {
	registry    *config.Registry
	verifier    *auth.Verifier
	svc         *sessions.Service
	users       UserProvisioner
	redirectURL string

	allowedReturnHosts []string
	httpClient         *http.Client
	log                *slog.Logger

	epMu    sync.Mutex
	epGroup singleflight.Group
	epCache map[string]*providerEndpoints
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAllowedReturnHosts sets the host allow-list for absolute return-to
// targets.
func WithAllowedReturnHosts(hosts ...string) Option {
	return func(o *Orchestrator) { o.allowedReturnHosts = hosts }
}

// WithHTTPClient overrides the client used for provider traffic.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = c }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New constructs an Orchestrator. redirectURL is this relying party's
// callback URL, registered with every provider.
func New(registry *config.Registry, verifier *auth.Verifier, svc *sessions.Service, users UserProvisioner, redirectURL string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		verifier:    verifier,
		svc:         svc,
		users:       users,
		redirectURL: redirectURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		log:         slog.Default(),
		epCache:     make(map[string]*providerEndpoints),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LoginRedirect is the result of InitiateLogin.
type LoginRedirect struct {
	// AuthURL is the provider authorization endpoint with all flow
	// parameters attached.
	AuthURL string
	// SessionID identifies the AuthorizationSession the boundary must carry
	// in a short-TTL cookie.
	SessionID string
}

// InitiateLogin starts one login attempt: it generates the PKCE pair, CSRF
// state and nonce, binds the caller's fingerprint, sanitizes returnTo, and
// persists the AuthorizationSession.
func (o *Orchestrator) InitiateLogin(ctx context.Context, providerID, returnTo string, rc RequestContext) (*LoginRedirect, error) {
	p, ok := o.registry.Provider(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	ep, err := o.endpoints(ctx, p)
	if err != nil {
		return nil, err
	}

	pkceVerifier := oauth2.GenerateVerifier()
	state := sessions.NewID()
	nonce := sessions.NewID()

	as, err := o.svc.CreateAuthorizationSession(ctx, &sessions.AuthorizationSession{
		PKCEVerifier:          pkceVerifier,
		CSRFState:             state,
		OIDCNonce:             nonce,
		ProviderID:            providerID,
		ReturnTo:              SanitizeReturnTo(returnTo, o.allowedReturnHosts),
		ClientFingerprintHash: FingerprintRequest(rc),
	})
	if err != nil {
		return nil, err
	}

	authURL := o.oauth2Config(p, ep).AuthCodeURL(state,
		oauth2.S256ChallengeOption(pkceVerifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)

	o.log.InfoContext(ctx, "login initiated",
		slog.String("provider", providerID),
		slog.String("return_to", as.ReturnTo))

	return &LoginRedirect{AuthURL: authURL, SessionID: as.ID}, nil
}

// CallbackResult is the outcome of a successful callback.
type CallbackResult struct {
	SessionID string
	UserID    string
	ReturnTo  string
}

// HandleCallback completes a login attempt. The AuthorizationSession is
// consumed — validated and marked used — before any network call, so a
// replayed callback cannot resolve it even if this attempt fails later.
// Partial failures never leave a live UserSession behind.
func (o *Orchestrator) HandleCallback(ctx context.Context, sessionID, state, code, providerErr string, rc RequestContext) (*CallbackResult, error) {
	if providerErr != "" {
		return nil, &CallbackError{Code: providerErr}
	}
	if code == "" {
		return nil, &CallbackError{Code: "invalid_request", Description: "missing authorization code"}
	}

	as, err := o.svc.ConsumeAuthorizationSession(ctx, sessionID, state, FingerprintRequest(rc))
	if err != nil {
		return nil, err
	}

	p, ok := o.registry.Provider(as.ProviderID)
	if !ok {
		// Provider was removed from configuration mid-flight.
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, as.ProviderID)
	}
	ep, err := o.endpoints(ctx, p)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.oauth2Config(p, ep).Exchange(ctx, code, oauth2.VerifierOption(as.PKCEVerifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	claims, err := o.obtainClaims(ctx, as, p, ep, tok)
	if err != nil {
		return nil, err
	}

	userID, err := o.users.Provision(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	us, err := o.svc.CreateUserSession(ctx, &sessions.UserSession{
		UserID:                userID,
		ProviderID:            as.ProviderID,
		AccessToken:           tok.AccessToken,
		RefreshToken:          tok.RefreshToken,
		AccessTokenExpiresAt:  tok.Expiry,
		ClientFingerprintHash: as.ClientFingerprintHash,
	})
	if err != nil {
		return nil, err
	}
	_ = o.svc.DeleteAuthorizationSession(ctx, as.ID)

	o.log.InfoContext(ctx, "login established",
		slog.String("provider", as.ProviderID),
		slog.String("user_id", userID))

	return &CallbackResult{SessionID: us.ID, UserID: userID, ReturnTo: as.ReturnTo}, nil
}

// obtainClaims prefers the ID token, verified against the session's nonce;
// when ID-token verification fails structurally it falls back to the
// userinfo endpoint if one is configured. Both failing yields a single
// ErrNoClaimsAvailable carrying both causes.
func (o *Orchestrator) obtainClaims(ctx context.Context, as *sessions.AuthorizationSession, p *config.Provider, ep *providerEndpoints, tok *oauth2.Token) (*auth.TokenClaims, error) {
	var idTokenErr error
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		claims, err := o.verifier.Verify(ctx, raw, auth.WithExpectedNonce(as.OIDCNonce))
		if err == nil {
			return claims, nil
		}
		idTokenErr = err
	} else {
		idTokenErr = errors.New("no id_token in token response")
	}

	if ep.userinfo == "" {
		return nil, fmt.Errorf("%w: id token: %v; no userinfo endpoint", ErrNoClaimsAvailable, idTokenErr)
	}

	payload, err := o.fetchUserinfo(ctx, ep.userinfo, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id token: %v; userinfo: %v", ErrNoClaimsAvailable, idTokenErr, err)
	}
	claims := auth.FromPayload(payload, p.UIDClaim)
	if claims.Issuer == "" {
		claims.Issuer = p.Issuer
		claims.UID = claims.Issuer + "|" + claims.Subject
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: userinfo carries no subject", ErrNoClaimsAvailable)
	}

	o.log.WarnContext(ctx, "id token rejected, claims taken from userinfo",
		slog.String("provider", p.ID),
		slog.String("id_token_error", idTokenErr.Error()))
	return claims, nil
}

// Logout deletes the user session. Absence is not an error, so logout stays
// idempotent. When the session's provider advertises an end-session
// endpoint, its URL is returned for RP-initiated provider logout.
func (o *Orchestrator) Logout(ctx context.Context, sessionID string) (endSessionURL string, err error) {
	us, err := o.svc.LookupUserSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return "", nil
		}
		return "", err
	}

	if p, ok := o.registry.Provider(us.ProviderID); ok {
		if ep, err := o.endpoints(ctx, p); err == nil && ep.endSession != "" {
			endSessionURL = ep.endSession
		}
	}

	if err := o.svc.DeleteUserSession(ctx, sessionID); err != nil {
		return "", err
	}
	return endSessionURL, nil
}

// RefreshUserSession exchanges the stored refresh token for fresh tokens and
// rotates the session id. A refresh failure deletes the session outright so
// no stale partial state survives; a session without a refresh token is left
// untouched and reported as ErrNoRefreshToken.
func (o *Orchestrator) RefreshUserSession(ctx context.Context, sessionID string, rc RequestContext) (*sessions.UserSession, error) {
	us, err := o.svc.ValidateUserSession(ctx, sessionID, FingerprintRequest(rc))
	if err != nil {
		return nil, err
	}
	if us.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	p, ok := o.registry.Provider(us.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, us.ProviderID)
	}
	ep, err := o.endpoints(ctx, p)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	src := o.oauth2Config(p, ep).TokenSource(ctx, &oauth2.Token{RefreshToken: us.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		_ = o.svc.DeleteUserSession(ctx, sessionID)
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	us.AccessToken = tok.AccessToken
	us.AccessTokenExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		us.RefreshToken = tok.RefreshToken
	}

	rotated, err := o.svc.RotateUserSession(ctx, us)
	if err != nil {
		return nil, err
	}

	o.log.InfoContext(ctx, "user session refreshed",
		slog.String("provider", us.ProviderID),
		slog.String("user_id", us.UserID))
	return rotated, nil
}

// BuildEndSessionRedirect appends post-logout parameters to a provider
// end-session URL.
func BuildEndSessionRedirect(endSessionURL, postLogoutRedirect string) string {
	if endSessionURL == "" {
		return ""
	}
	u, err := url.Parse(endSessionURL)
	if err != nil {
		return endSessionURL
	}
	if postLogoutRedirect != "" {
		q := u.Query()
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
