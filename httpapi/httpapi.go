// Package httpapi is the thin HTTP boundary over the authentication core:
// login initiation, OIDC callback, session introspection, logout and
// refresh, guarded by the sliding-window rate limiter. The flow logic lives
// in oidcrp; this package only adapts requests, cookies and status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/shelfworks/authcore/jwks"
	"github.com/shelfworks/authcore/oidcrp"
	"github.com/shelfworks/authcore/ratelimit"
	"github.com/shelfworks/authcore/sessions"
)

const (
	// AuthCookieName carries the AuthorizationSession id between /login and
	// /callback.
	AuthCookieName = "authcore_flow"
	// SessionCookieName carries the UserSession id.
	SessionCookieName = "authcore_session"
	// CSRFHeaderName carries the CSRF token on mutating requests.
	CSRFHeaderName = "X-Csrf-Token"
)

// Handler serves the authentication endpoints.
type Handler struct {
	orch    *oidcrp.Orchestrator
	svc     *sessions.Service
	csrf    *sessions.CSRF
	limiter *ratelimit.Limiter
	log     *slog.Logger

	// Secure=false is only for plain-HTTP development setups.
	secureCookies  bool
	userSessionTTL time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithInsecureCookies disables the Secure cookie attribute for local
// development over plain HTTP.
func WithInsecureCookies() Option {
	return func(h *Handler) { h.secureCookies = false }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithUserSessionCookieTTL sets the Max-Age of the session cookie.
func WithUserSessionCookieTTL(ttl time.Duration) Option {
	return func(h *Handler) { h.userSessionTTL = ttl }
}

// New builds the Handler. limiter may be nil to disable admission control
// (tests only).
func New(orch *oidcrp.Orchestrator, svc *sessions.Service, csrf *sessions.CSRF, limiter *ratelimit.Limiter, opts ...Option) *Handler {
	h := &Handler{
		orch:           orch,
		svc:            svc,
		csrf:           csrf,
		limiter:        limiter,
		log:            slog.Default(),
		secureCookies:  true,
		userSessionTTL: sessions.DefaultUserSessionTTL,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a mux with all endpoints mounted and middleware applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", h.handleLogin)
	mux.HandleFunc("GET /callback", h.handleCallback)
	mux.HandleFunc("GET /me", h.handleMe)
	mux.HandleFunc("POST /logout", h.handleLogout)
	mux.HandleFunc("POST /refresh", h.handleRefresh)
	return h.withRequestID(h.withRateLimit(mux))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		http.Error(w, "missing provider parameter", http.StatusBadRequest)
		return
	}
	returnTo := r.URL.Query().Get("redirect_uri")

	rc := oidcrp.StdRequest{R: r, W: w}
	red, err := h.orch.InitiateLogin(r.Context(), provider, returnTo, rc)
	if err != nil {
		h.writeFlowError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    red.SessionID,
		Path:     "/",
		MaxAge:   int(sessions.DefaultAuthSessionTTL / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, red.AuthURL, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	flowCookie, err := r.Cookie(AuthCookieName)
	if err != nil || flowCookie.Value == "" {
		http.Error(w, "no login in progress", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()

	rc := oidcrp.StdRequest{R: r, W: w}
	res, err := h.orch.HandleCallback(r.Context(), flowCookie.Value, q.Get("state"), q.Get("code"), q.Get("error"), rc)
	if err != nil {
		h.clearCookie(w, AuthCookieName)
		h.writeFlowError(w, r, err)
		return
	}

	h.clearCookie(w, AuthCookieName)
	h.setSessionCookie(w, res.SessionID)
	http.Redirect(w, r, res.ReturnTo, http.StatusFound)
}

type meResponse struct {
	Authenticated bool    `json:"authenticated"`
	User          *meUser `json:"user,omitempty"`
	CSRFToken     string  `json:"csrf_token,omitempty"`
}

type meUser struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

var jsonMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("application/json"),
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		http.Error(w, "only application/json is served", http.StatusNotAcceptable)
		return
	}

	resp := meResponse{}
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		rc := oidcrp.StdRequest{R: r, W: w}
		us, err := h.svc.ValidateUserSession(r.Context(), cookie.Value, oidcrp.FingerprintRequest(rc))
		if err == nil {
			resp.Authenticated = true
			resp.User = &meUser{ID: us.UserID, Provider: us.ProviderID}
			resp.CSRFToken = h.csrf.Issue(us.ID)
		} else if errors.Is(err, sessions.ErrFingerprintMismatch) {
			h.clearCookie(w, SessionCookieName)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type logoutResponse struct {
	EndSessionURL string `json:"end_session_url,omitempty"`
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		// Idempotent: logging out with no session succeeds.
		h.clearCookie(w, SessionCookieName)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.csrf.Validate(cookie.Value, r.Header.Get(CSRFHeaderName)); err != nil {
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return
	}

	endSession, err := h.orch.Logout(r.Context(), cookie.Value)
	if err != nil {
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}
	h.clearCookie(w, SessionCookieName)

	if endSession == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(logoutResponse{EndSessionURL: endSession})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	if err := h.csrf.Validate(cookie.Value, r.Header.Get(CSRFHeaderName)); err != nil {
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return
	}

	rc := oidcrp.StdRequest{R: r, W: w}
	us, err := h.orch.RefreshUserSession(r.Context(), cookie.Value, rc)
	if err != nil {
		// Only clear the cookie when the session itself is gone; transient
		// infrastructure failures and unrefreshable-but-live sessions must
		// leave it intact.
		switch {
		case errors.Is(err, sessions.ErrStoreUnavailable):
			http.Error(w, "session store unavailable", http.StatusBadGateway)
		case errors.Is(err, oidcrp.ErrDiscovery):
			http.Error(w, "identity provider unavailable", http.StatusBadGateway)
		case errors.Is(err, oidcrp.ErrNoRefreshToken):
			http.Error(w, "session cannot be refreshed", http.StatusUnauthorized)
		default:
			h.clearCookie(w, SessionCookieName)
			http.Error(w, "refresh failed", http.StatusUnauthorized)
		}
		return
	}

	h.setSessionCookie(w, us.ID)
	w.WriteHeader(http.StatusNoContent)
}

// writeFlowError maps the typed flow errors onto the three caller-facing
// tiers: 400 for caller/protocol failures, 5xx for transient downstream
// failures.
func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, oidcrp.ErrUnknownProvider),
		errors.Is(err, oidcrp.ErrProviderDenied),
		errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sessions.ErrStateMismatch),
		errors.Is(err, sessions.ErrFingerprintMismatch):
		h.log.WarnContext(r.Context(), "login rejected", slog.String("error", err.Error()))
		http.Error(w, "login request rejected", http.StatusBadRequest)
	case errors.Is(err, oidcrp.ErrDiscovery),
		errors.Is(err, jwks.ErrKeyFetch),
		errors.Is(err, sessions.ErrStoreUnavailable):
		h.log.ErrorContext(r.Context(), "provider unavailable", slog.String("error", err.Error()))
		http.Error(w, "identity provider unavailable", http.StatusBadGateway)
	default:
		h.log.ErrorContext(r.Context(), "login failed", slog.String("error", err.Error()))
		http.Error(w, "login failed", http.StatusInternalServerError)
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.userSessionTTL / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
