// Package config loads the trust, provider and rate-limit configuration
// from a YAML file and exposes it as a hot-reloadable registry.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shelfworks/authcore/auth"
)

// Provider is one configured external identity provider.
type Provider struct {
	// ID is the short name used in login URLs ("p1", "corp-sso").
	ID string `yaml:"id"`
	// Issuer is the provider's issuer URL; stored trailing-slash-normalized.
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	// Audiences optionally widens the accepted audience set beyond ClientID.
	Audiences []string `yaml:"audiences"`
	// UIDClaim optionally names the claim used as the stable principal id.
	UIDClaim string `yaml:"uid_claim"`

	// Endpoints may be set statically; any left empty is filled via OIDC
	// discovery when the orchestrator first touches the provider.
	JWKSURL               string `yaml:"jwks_url"`
	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	UserinfoEndpoint      string `yaml:"userinfo_endpoint"`
	EndSessionEndpoint    string `yaml:"end_session_endpoint"`
}

// RateLimit configures the sliding-window guard.
type RateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Config is the full file shape.
type Config struct {
	// SessionSecret keys CSRF token HMACs. Required.
	SessionSecret string `yaml:"session_secret"`

	AllowedAlgorithms []string      `yaml:"allowed_algorithms"`
	ClockSkew         time.Duration `yaml:"clock_skew"`

	// AllowedReturnHosts is the allow-list for absolute return-to targets.
	AllowedReturnHosts []string `yaml:"allowed_return_hosts"`

	AuthSessionTTL time.Duration `yaml:"auth_session_ttl"`
	UserSessionTTL time.Duration `yaml:"user_session_ttl"`
	CSRFMaxAge     time.Duration `yaml:"csrf_max_age"`

	RateLimit RateLimit  `yaml:"rate_limit"`
	Providers []Provider `yaml:"providers"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SessionSecret == "" {
		return errors.New("config: session_secret is required")
	}
	seen := map[string]bool{}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("config: provider %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Issuer == "" {
			return fmt.Errorf("config: provider %q has no issuer", p.ID)
		}
		if p.ClientID == "" {
			return fmt.Errorf("config: provider %q has no client_id", p.ID)
		}
		p.Issuer = auth.NormalizeIssuer(p.Issuer)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.AllowedAlgorithms) == 0 {
		c.AllowedAlgorithms = []string{"RS256"}
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = 60 * time.Second
	}
	if c.AuthSessionTTL == 0 {
		c.AuthSessionTTL = 600 * time.Second
	}
	if c.UserSessionTTL == 0 {
		c.UserSessionTTL = 7 * 24 * time.Hour
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 60
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	for i := range c.Providers {
		if len(c.Providers[i].Scopes) == 0 {
			c.Providers[i].Scopes = []string{"openid", "profile", "email"}
		}
	}
}

// Registry holds the live provider set. It implements auth.TrustSource and
// can be swapped atomically by the reload watcher, so readers never see a
// partially-applied provider list.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Provider
	byIssuer map[string]*Provider
}

// NewRegistry builds a Registry from an initial provider set.
func NewRegistry(providers []Provider) *Registry {
	r := &Registry{}
	r.Replace(providers)
	return r
}

// Replace swaps in a new provider set.
func (r *Registry) Replace(providers []Provider) {
	byID := make(map[string]*Provider, len(providers))
	byIssuer := make(map[string]*Provider, len(providers))
	for i := range providers {
		p := providers[i]
		p.Issuer = auth.NormalizeIssuer(p.Issuer)
		byID[p.ID] = &p
		byIssuer[p.Issuer] = &p
	}
	r.mu.Lock()
	r.byID = byID
	r.byIssuer = byIssuer
	r.mu.Unlock()
}

// Provider returns a copy of the provider with the given short id. Handing
// out copies keeps readers race-free against SetJWKSURL writing back on the
// live entry.
func (r *Registry) Provider(id string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// TrustedProvider implements auth.TrustSource.
func (r *Registry) TrustedProvider(issuer string) (*auth.TrustedProvider, bool) {
	r.mu.RLock()
	p, ok := r.byIssuer[issuer]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &auth.TrustedProvider{
		Issuer:    p.Issuer,
		ClientID:  p.ClientID,
		JWKSURL:   p.JWKSURL,
		Audiences: p.Audiences,
		UIDClaim:  p.UIDClaim,
	}, true
}

// SetJWKSURL records a discovered jwks_uri on the live provider entry so the
// verifier can resolve keys without re-running discovery.
func (r *Registry) SetJWKSURL(id, jwksURL string) {
	r.mu.Lock()
	if p, ok := r.byID[id]; ok {
		p.JWKSURL = jwksURL
	}
	r.mu.Unlock()
}
