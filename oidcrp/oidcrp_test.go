package oidcrp_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/shelfworks/authcore/auth"
	"github.com/shelfworks/authcore/config"
	"github.com/shelfworks/authcore/jwks"
	"github.com/shelfworks/authcore/oidcrp"
	"github.com/shelfworks/authcore/sessions"
	"github.com/shelfworks/authcore/sessions/memorystore"
)

// fakeIDP is an httptest-backed identity provider with static endpoints:
// a JWKS document, a token endpoint, and an optional userinfo endpoint.
type fakeIDP struct {
	srv *httptest.Server
	pk  *rsa.PrivateKey

	mu            sync.Mutex
	nonce         string     // signed into the next id_token
	lastTokenForm url.Values // form of the most recent token request
	failRefresh   bool
	userinfoBody  map[string]any
}

const (
	idpClientID = "client-1"
	idpSubject  = "idp-user-1"
	idpKID      = "idp-key"
)

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	f := &fakeIDP{pk: pk}

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", f.handleJWKS)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/userinfo", f.handleUserinfo)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIDP) issuer() string { return f.srv.URL }

func (f *fakeIDP) setNonce(nonce string) {
	f.mu.Lock()
	f.nonce = nonce
	f.mu.Unlock()
}

func (f *fakeIDP) tokenForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTokenForm
}

func (f *fakeIDP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &f.pk.PublicKey, KeyID: idpKID, Algorithm: "RS256", Use: "sig"},
	}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (f *fakeIDP) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.lastTokenForm = r.PostForm
	nonce := f.nonce
	failRefresh := f.failRefresh
	f.mu.Unlock()

	grant := r.PostForm.Get("grant_type")
	if grant == "refresh_token" {
		if failRefresh {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		writeTokenResponse(w, map[string]any{
			"access_token":  "at-refreshed",
			"refresh_token": "rt-refreshed",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": f.issuer(),
		"sub": idpSubject,
		"aud": idpClientID,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = idpKID
	idToken, err := tok.SignedString(f.pk)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeTokenResponse(w, map[string]any{
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"id_token":      idToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func writeTokenResponse(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeIDP) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body := f.userinfoBody
	f.mu.Unlock()
	if body == nil {
		http.Error(w, "not configured", http.StatusNotFound)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "no token", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// recordingProvisioner remembers every provisioned principal.
type recordingProvisioner struct {
	mu     sync.Mutex
	claims []*auth.TokenClaims
}

func (p *recordingProvisioner) Provision(ctx context.Context, claims *auth.TokenClaims) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = append(p.claims, claims)
	return "local-" + claims.Subject, nil
}

func (p *recordingProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.claims)
}

// fakeRC is a minimal RequestContext for driving flows without HTTP.
type fakeRC struct {
	headers map[string]string
	remote  string
}

func (rc fakeRC) Header(name string) string { return rc.headers[name] }
func (rc fakeRC) Cookie(string) (string, bool) { return "", false }
func (rc fakeRC) SetCookie(*http.Cookie) {}
func (rc fakeRC) RemoteAddr() string { return rc.remote }

func browserRC() fakeRC {
	return fakeRC{
		headers: map[string]string{"User-Agent": "test-browser/1.0"},
		remote:  "10.0.0.1:52000",
	}
}

type testEnv struct {
	idp  *fakeIDP
	orch *oidcrp.Orchestrator
	svc  *sessions.Service
	prov *recordingProvisioner
}

func newTestEnv(t *testing.T, withUserinfo bool) *testEnv {
	t.Helper()
	idp := newFakeIDP(t)

	p := config.Provider{
		ID:                    "idp",
		Issuer:                idp.issuer(),
		ClientID:              idpClientID,
		Scopes:                []string{"openid", "profile"},
		JWKSURL:               idp.issuer() + "/jwks",
		AuthorizationEndpoint: idp.issuer() + "/authorize",
		TokenEndpoint:         idp.issuer() + "/token",
	}
	if withUserinfo {
		p.UserinfoEndpoint = idp.issuer() + "/userinfo"
	}
	registry := config.NewRegistry([]config.Provider{p})

	resolver, err := jwks.NewResolver()
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	verifier := auth.NewVerifier(auth.DefaultConfig(), resolver, registry)

	store, err := memorystore.New(128)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := sessions.NewService(store)

	prov := &recordingProvisioner{}
	orch := oidcrp.New(registry, verifier, svc, prov, "https://rp.example.com/callback",
		oidcrp.WithAllowedReturnHosts("app.example.com"))

	return &testEnv{idp: idp, orch: orch, svc: svc, prov: prov}
}

// initiate runs InitiateLogin and primes the fake provider with the flow's
// nonce, returning the redirect and its parsed query.
func (e *testEnv) initiate(t *testing.T, returnTo string) (*oidcrp.LoginRedirect, url.Values) {
	t.Helper()
	red, err := e.orch.InitiateLogin(context.Background(), "idp", returnTo, browserRC())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	u, err := url.Parse(red.AuthURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	e.idp.setNonce(q.Get("nonce"))
	return red, q
}

func TestLoginCallbackFlow(t *testing.T) {
	e := newTestEnv(t, false)
	ctx := context.Background()

	red, q := e.initiate(t, "/dashboard")
	if q.Get("client_id") != idpClientID {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("state") == "" || q.Get("nonce") == "" || q.Get("code_challenge") == "" {
		t.Fatalf("missing flow parameters in %v", q)
	}
	if q.Get("redirect_uri") != "https://rp.example.com/callback" {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}

	res, err := e.orch.HandleCallback(ctx, red.SessionID, q.Get("state"), "authcode-1", "", browserRC())
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if res.UserID != "local-"+idpSubject {
		t.Fatalf("user id = %q", res.UserID)
	}
	if res.ReturnTo != "/dashboard" {
		t.Fatalf("return to = %q", res.ReturnTo)
	}
	if res.SessionID == "" {
		t.Fatal("no user session id")
	}

	// The token request must carry the code and the PKCE verifier matching
	// the challenge from the authorization redirect.
	form := e.idp.tokenForm()
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "authcode-1" {
		t.Fatalf("token form = %v", form)
	}
	verifier := form.Get("code_verifier")
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != q.Get("code_challenge") {
		t.Fatal("code_verifier does not match code_challenge")
	}

	us, err := e.svc.ValidateUserSession(ctx, res.SessionID, sessions.Fingerprint("test-browser/1.0", "10.0.0.1"))
	if err != nil {
		t.Fatalf("validate user session: %v", err)
	}
	if us.AccessToken != "at-1" || us.RefreshToken != "rt-1" {
		t.Fatalf("tokens not stored: %+v", us)
	}
}

func TestHandleCallback_Replay(t *testing.T) {
	e := newTestEnv(t, false)
	ctx := context.Background()

	red, q := e.initiate(t, "/")
	if _, err := e.orch.HandleCallback(ctx, red.SessionID, q.Get("state"), "authcode-1", "", browserRC()); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if _, err := e.orch.HandleCallback(ctx, red.SessionID, q.Get("state"), "authcode-1", "", browserRC()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("replay: want ErrSessionNotFound, got %v", err)
	}
	if got := e.prov.count(); got != 1 {
		t.Fatalf("provisioned %d times, want 1", got)
	}
}

func TestHandleCallback_ProviderError(t *testing.T) {
	e := newTestEnv(t, false)

	red, q := e.initiate(t, "/")
	_, err := e.orch.HandleCallback(context.Background(), red.SessionID, q.Get("state"), "", "access_denied", browserRC())
	if !errors.Is(err, oidcrp.ErrProviderDenied) {
		t.Fatalf("want ErrProviderDenied, got %v", err)
	}
	var ce *oidcrp.CallbackError
	if !errors.As(err, &ce) || ce.Code != "access_denied" {
		t.Fatalf("want CallbackError access_denied, got %v", err)
	}
	if got := e.prov.count(); got != 0 {
		t.Fatalf("provisioned %d times, want 0", got)
	}
}

func TestHandleCallback_MissingCode(t *testing.T) {
	e := newTestEnv(t, false)

	red, q := e.initiate(t, "/")
	_, err := e.orch.HandleCallback(context.Background(), red.SessionID, q.Get("state"), "", "", browserRC())
	if !errors.Is(err, oidcrp.ErrProviderDenied) {
		t.Fatalf("want CallbackError, got %v", err)
	}
}

func TestHandleCallback_StateMismatchIsTerminal(t *testing.T) {
	e := newTestEnv(t, false)
	ctx := context.Background()

	red, q := e.initiate(t, "/")
	if _, err := e.orch.HandleCallback(ctx, red.SessionID, "forged-state", "authcode-1", "", browserRC()); !errors.Is(err, sessions.ErrStateMismatch) {
		t.Fatalf("want ErrStateMismatch, got %v", err)
	}
	if _, err := e.orch.HandleCallback(ctx, red.SessionID, q.Get("state"), "authcode-1", "", browserRC()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound after destruction, got %v", err)
	}
}

func TestHandleCallback_NonceMismatchNoUserinfo(t *testing.T) {
	e := newTestEnv(t, false)

	red, q := e.initiate(t, "/")
	e.idp.setNonce("not-the-flow-nonce")

	_, err := e.orch.HandleCallback(context.Background(), red.SessionID, q.Get("state"), "authcode-1", "", browserRC())
	if !errors.Is(err, oidcrp.ErrNoClaimsAvailable) {
		t.Fatalf("want ErrNoClaimsAvailable, got %v", err)
	}
	if got := e.prov.count(); got != 0 {
		t.Fatalf("provisioned %d times, want 0", got)
	}
}

func TestHandleCallback_UserinfoFallback(t *testing.T) {
	e := newTestEnv(t, true)
	e.idp.mu.Lock()
	e.idp.userinfoBody = map[string]any{"sub": "ui-user", "email": "ui@example.com"}
	e.idp.mu.Unlock()

	red, q := e.initiate(t, "/")
	e.idp.setNonce("not-the-flow-nonce") // force the id_token path to fail

	res, err := e.orch.HandleCallback(context.Background(), red.SessionID, q.Get("state"), "authcode-1", "", browserRC())
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if res.UserID != "local-ui-user" {
		t.Fatalf("user id = %q", res.UserID)
	}
}

func TestInitiateLogin_UnknownProvider(t *testing.T) {
	e := newTestEnv(t, false)

	_, err := e.orch.InitiateLogin(context.Background(), "nope", "/", browserRC())
	if !errors.Is(err, oidcrp.ErrUnknownProvider) {
		t.Fatalf("want ErrUnknownProvider, got %v", err)
	}
}

func TestInitiateLogin_SanitizesReturnTo(t *testing.T) {
	e := newTestEnv(t, false)
	ctx := context.Background()

	red, q := e.initiate(t, "https://evil.example.com/phish")
	res, err := e.orch.HandleCallback(ctx, red.SessionID, q.Get("state"), "authcode-1", "", browserRC())
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if res.ReturnTo != "/" {
		t.Fatalf("return to = %q, want /", res.ReturnTo)
	}
}

func seedUserSession(t *testing.T, e *testEnv, refreshToken string) *sessions.UserSession {
	t.Helper()
	us, err := e.svc.CreateUserSession(context.Background(), &sessions.UserSession{
		UserID:                "local-u1",
		ProviderID:            "idp",
		AccessToken:           "at-old",
		RefreshToken:          refreshToken,
		ClientFingerprintHash: sessions.Fingerprint("test-browser/1.0", "10.0.0.1"),
	})
	if err != nil {
		t.Fatalf("seed user session: %v", err)
	}
	return us
}

func TestRefreshUserSession_RotatesID(t *testing.T) {
	e := newTestEnv(t, false)
	ctx := context.Background()
	us := seedUserSession(t, e, "rt-1")

	rotated, err := e.orch.RefreshUserSession(ctx, us.ID, browserRC())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.ID == us.ID {
		t.Fatal("session id not rotated")
	}
	if rotated.AccessToken != "at-refreshed" || rotated.RefreshToken != "rt-refreshed" {
		t.Fatalf("tokens not updated: %+v", rotated)
	}
	if form := e.idp.tokenForm(); form.Get("grant_type") != "refresh_token" {
		t.Fatalf("token form = %v", form)
	}
	if _, err := e.svc.LookupUserSession(ctx, us.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("old session still resolvable: %v", err)
	}
}

func TestRefreshUserSession_NoRefreshToken(t *testing.T) {
	e := newTestEnv(t, false)
	ctx := context.Background()
	us := seedUserSession(t, e, "")

	if _, err := e.orch.RefreshUserSession(ctx, us.ID, browserRC()); !errors.Is(err, oidcrp.ErrNoRefreshToken) {
		t.Fatalf("want ErrNoRefreshToken, got %v", err)
	}
	// The session must be left untouched.
	if _, err := e.svc.LookupUserSession(ctx, us.ID); err != nil {
		t.Fatalf("session should survive: %v", err)
	}
}

func TestRefreshUserSession_FailureDeletesSession(t *testing.T) {
	e := newTestEnv(t, false)
	ctx := context.Background()
	us := seedUserSession(t, e, "rt-1")

	e.idp.mu.Lock()
	e.idp.failRefresh = true
	e.idp.mu.Unlock()

	if _, err := e.orch.RefreshUserSession(ctx, us.ID, browserRC()); !errors.Is(err, oidcrp.ErrTokenExchange) {
		t.Fatalf("want ErrTokenExchange, got %v", err)
	}
	if _, err := e.svc.LookupUserSession(ctx, us.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("failed-refresh session should be deleted, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t, false)
	ctx := context.Background()
	us := seedUserSession(t, e, "rt-1")

	if _, err := e.orch.Logout(ctx, us.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := e.svc.LookupUserSession(ctx, us.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("session should be gone, got %v", err)
	}

	// Logging out an unknown session is a no-op, not an error.
	if _, err := e.orch.Logout(ctx, "never-existed"); err != nil {
		t.Fatalf("idempotent logout: %v", err)
	}
}

func TestBuildEndSessionRedirect(t *testing.T) {
	got := oidcrp.BuildEndSessionRedirect("https://idp.example.com/logout", "https://app.example.com/")
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Get("post_logout_redirect_uri") != "https://app.example.com/" {
		t.Fatalf("redirect = %q", got)
	}
	if oidcrp.BuildEndSessionRedirect("", "x") != "" {
		t.Fatal("empty end-session URL should stay empty")
	}
}
