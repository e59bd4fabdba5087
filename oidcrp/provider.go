package oidcrp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/shelfworks/authcore/config"
)

// providerEndpoints is the resolved endpoint set for one provider: either
// fully static from configuration or filled in via OIDC discovery.
type providerEndpoints struct {
	authorization string
	token         string
	userinfo      string
	endSession    string
	jwks          string
}

// endpoints resolves p's endpoint set, running discovery at most once per
// provider id. Discovered jwks_uri values are written back to the registry
// so the token verifier can resolve keys for this issuer.
func (o *Orchestrator) endpoints(ctx context.Context, p *config.Provider) (*providerEndpoints, error) {
	if p.AuthorizationEndpoint != "" && p.TokenEndpoint != "" && p.JWKSURL != "" {
		return &providerEndpoints{
			authorization: p.AuthorizationEndpoint,
			token:         p.TokenEndpoint,
			userinfo:      p.UserinfoEndpoint,
			endSession:    p.EndSessionEndpoint,
			jwks:          p.JWKSURL,
		}, nil
	}

	o.epMu.Lock()
	ep, ok := o.epCache[p.ID]
	o.epMu.Unlock()
	if ok {
		return ep, nil
	}

	// The lock only guards the cache map; discovery itself runs outside it so
	// a slow issuer never stalls unrelated providers. Concurrent misses for
	// the same provider collapse into one fetch.
	v, err, _ := o.epGroup.Do(p.ID, func() (any, error) {
		o.epMu.Lock()
		ep, ok := o.epCache[p.ID]
		o.epMu.Unlock()
		if ok {
			return ep, nil
		}

		ep, err := o.discover(ctx, p)
		if err != nil {
			return nil, err
		}

		o.epMu.Lock()
		o.epCache[p.ID] = ep
		o.epMu.Unlock()
		return ep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*providerEndpoints), nil
}

// discover runs OIDC discovery against p's issuer and applies any statically
// configured endpoint overrides on top of the advertised metadata.
func (o *Orchestrator) discover(ctx context.Context, p *config.Provider) (*providerEndpoints, error) {
	ctx = oidc.ClientContext(ctx, o.httpClient)
	provider, err := oidc.NewProvider(ctx, p.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	var meta struct {
		JWKSURI            string `json:"jwks_uri"`
		UserinfoEndpoint   string `json:"userinfo_endpoint"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata: %v", ErrDiscovery, err)
	}

	ep := &providerEndpoints{
		authorization: provider.Endpoint().AuthURL,
		token:         provider.Endpoint().TokenURL,
		userinfo:      meta.UserinfoEndpoint,
		endSession:    meta.EndSessionEndpoint,
		jwks:          meta.JWKSURI,
	}
	// Static values win over discovered ones.
	if p.UserinfoEndpoint != "" {
		ep.userinfo = p.UserinfoEndpoint
	}
	if p.EndSessionEndpoint != "" {
		ep.endSession = p.EndSessionEndpoint
	}
	if p.JWKSURL != "" {
		ep.jwks = p.JWKSURL
	} else if ep.jwks != "" {
		o.registry.SetJWKSURL(p.ID, ep.jwks)
	}
	return ep, nil
}

// oauth2Config builds the exchange configuration for one provider. A
// configured client secret selects basic authentication at the token
// endpoint via the library's auth-style probing.
func (o *Orchestrator) oauth2Config(p *config.Provider, ep *providerEndpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  o.redirectURL,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.authorization,
			TokenURL: ep.token,
		},
	}
}

// fetchUserinfo retrieves claims from the provider's userinfo endpoint with
// the given access token. Only JSON responses are accepted; JWT-signed
// userinfo is rejected.
func (o *Orchestrator) fetchUserinfo(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && mt == "application/jwt" {
		return nil, fmt.Errorf("signed userinfo responses are not supported")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil || claims == nil {
		return nil, fmt.Errorf("userinfo is not a JSON object")
	}
	return claims, nil
}
