package oidcrp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shelfworks/authcore/config"
	"github.com/shelfworks/authcore/oidcrp"
	"github.com/shelfworks/authcore/sessions"
	"github.com/shelfworks/authcore/sessions/memorystore"
)

// discoveryIDP serves OIDC provider metadata from a well-known document, for
// flows where the provider configuration carries no static endpoints.
type discoveryIDP struct {
	srv   *httptest.Server
	hits  atomic.Int64
	fail  atomic.Bool
	delay time.Duration
	block chan struct{} // when non-nil, metadata requests wait on it
}

// newDiscoveryIDP starts the metadata server. configure runs before the
// server accepts traffic, so delay and block can be set without racing the
// handler.
func newDiscoveryIDP(t *testing.T, configure ...func(*discoveryIDP)) *discoveryIDP {
	t.Helper()
	d := &discoveryIDP{}
	for _, fn := range configure {
		fn(d)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", d.handleMetadata)
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *discoveryIDP) handleMetadata(w http.ResponseWriter, r *http.Request) {
	d.hits.Add(1)
	if d.block != nil {
		<-d.block
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail.Load() {
		http.Error(w, "metadata unavailable", http.StatusInternalServerError)
		return
	}
	base := "http://" + r.Host
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                 base,
		"authorization_endpoint": base + "/authorize",
		"token_endpoint":         base + "/token",
		"jwks_uri":               base + "/jwks",
		"userinfo_endpoint":      base + "/userinfo",
		"end_session_endpoint":   base + "/logout",
	})
}

func (d *discoveryIDP) provider(id string) config.Provider {
	return config.Provider{
		ID:       id,
		Issuer:   d.srv.URL,
		ClientID: idpClientID,
		Scopes:   []string{"openid"},
	}
}

func newDiscoveryOrch(t *testing.T, providers ...config.Provider) (*oidcrp.Orchestrator, *config.Registry, *sessions.Service) {
	t.Helper()
	registry := config.NewRegistry(providers)
	store, err := memorystore.New(128)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := sessions.NewService(store)
	orch := oidcrp.New(registry, nil, svc, nil, "https://rp.example.com/callback")
	return orch, registry, svc
}

func TestDiscovery_ResolvesAndCachesEndpoints(t *testing.T) {
	idp := newDiscoveryIDP(t)
	orch, registry, _ := newDiscoveryOrch(t, idp.provider("idp"))
	ctx := context.Background()

	red, err := orch.InitiateLogin(ctx, "idp", "", browserRC())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !strings.HasPrefix(red.AuthURL, idp.srv.URL+"/authorize") {
		t.Fatalf("auth url = %q", red.AuthURL)
	}

	// The discovered jwks_uri must be written back so the verifier can
	// resolve this issuer's keys.
	p, ok := registry.Provider("idp")
	if !ok {
		t.Fatal("provider vanished from registry")
	}
	if want := idp.srv.URL + "/jwks"; p.JWKSURL != want {
		t.Fatalf("registry jwks url = %q, want %q", p.JWKSURL, want)
	}

	if _, err := orch.InitiateLogin(ctx, "idp", "", browserRC()); err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	if got := idp.hits.Load(); got != 1 {
		t.Fatalf("metadata fetched %d times, want 1", got)
	}
}

func TestDiscovery_StaticEndpointsWinOverDiscovered(t *testing.T) {
	idp := newDiscoveryIDP(t)
	p := idp.provider("idp")
	p.EndSessionEndpoint = "https://sso.example.com/logout"
	orch, _, svc := newDiscoveryOrch(t, p)
	ctx := context.Background()

	us, err := svc.CreateUserSession(ctx, &sessions.UserSession{
		UserID:      "local-u1",
		ProviderID:  "idp",
		AccessToken: "at-1",
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	endSession, err := orch.Logout(ctx, us.ID)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if endSession != "https://sso.example.com/logout" {
		t.Fatalf("end-session url = %q, want configured override", endSession)
	}
}

func TestDiscovery_FailureSurfacesAndIsRetried(t *testing.T) {
	idp := newDiscoveryIDP(t)
	idp.fail.Store(true)
	orch, _, _ := newDiscoveryOrch(t, idp.provider("idp"))
	ctx := context.Background()

	if _, err := orch.InitiateLogin(ctx, "idp", "", browserRC()); !errors.Is(err, oidcrp.ErrDiscovery) {
		t.Fatalf("want ErrDiscovery, got %v", err)
	}

	// Failures must not be cached: once the provider recovers, the next
	// attempt re-runs discovery.
	idp.fail.Store(false)
	if _, err := orch.InitiateLogin(ctx, "idp", "", browserRC()); err != nil {
		t.Fatalf("initiate after recovery: %v", err)
	}
	if got := idp.hits.Load(); got != 2 {
		t.Fatalf("metadata fetched %d times, want 2", got)
	}
}

func TestDiscovery_ConcurrentLoginsShareOneFetch(t *testing.T) {
	idp := newDiscoveryIDP(t, func(d *discoveryIDP) { d.delay = 50 * time.Millisecond })
	orch, _, _ := newDiscoveryOrch(t, idp.provider("idp"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.InitiateLogin(context.Background(), "idp", "", browserRC())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("initiate: %v", err)
		}
	}
	if got := idp.hits.Load(); got != 1 {
		t.Fatalf("metadata fetched %d times, want 1", got)
	}
}

func TestDiscovery_SlowProviderDoesNotBlockOthers(t *testing.T) {
	slow := newDiscoveryIDP(t, func(d *discoveryIDP) { d.block = make(chan struct{}) })
	fast := newDiscoveryIDP(t)
	orch, _, _ := newDiscoveryOrch(t, slow.provider("slow"), fast.provider("fast"))

	slowDone := make(chan error, 1)
	go func() {
		_, err := orch.InitiateLogin(context.Background(), "slow", "", browserRC())
		slowDone <- err
	}()

	fastDone := make(chan error, 1)
	go func() {
		_, err := orch.InitiateLogin(context.Background(), "fast", "", browserRC())
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast provider login: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("login against a healthy provider stalled behind a hung discovery")
	}

	close(slow.block)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow provider login after release: %v", err)
	}
}
