package sso

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/config"
	"github.com/platinummonkey/boxvault/pkg/observability"
)

// DefaultDiscoveryTimeout bounds each provider's discovery request
const DefaultDiscoveryTimeout = 10 * time.Second

// ProviderTag returns the token provider value for a registry name
func ProviderTag(name string) string {
	return auth.ProviderOIDCPrefix + name
}

// RegistryOptions configures Initialize
type RegistryOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// RedirectURL is the callback URL used when a provider does not set its own
	RedirectURL string
	Logger      *logrus.Logger
	Metrics     *observability.Metrics
}

// Registry is an immutable set of initialized providers
type Registry struct {
	providers map[string]*Provider
	disabled  map[string]bool
	client    *http.Client
}

// Initialize discovers every enabled provider concurrently and returns the
// resulting registry.
//
// Usage at startup and on provider file reloads:
//
//	handle := sso.NewRegistryHandle(sso.Initialize(ctx, cfgs, sso.RegistryOptions{
//	    Logger:      logger,
//	    HTTPClient:  client,
//	    RedirectURL: cfg.Server.PublicURL + cfg.OIDC.CallbackPath,
//	}))
//
// Each provider is discovered under its own timeout (opts.Timeout, or
// DefaultDiscoveryTimeout). A provider is left out of the registry when:
//   - it is disabled, in which case IsDisabled reports it
//   - client_id or issuer is missing
//   - discovery or its metadata fails
//
// Initialize never fails as a whole. An empty registry is a valid result and
// simply offers no external login.
func Initialize(ctx context.Context, configs []config.ProviderConfig, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	reg := &Registry{
		providers: make(map[string]*Provider),
		disabled:  make(map[string]bool),
		client:    client,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range configs {
		if !pc.Enabled {
			reg.disabled[pc.Name] = true
			logger.WithField("provider", pc.Name).Info("Provider disabled, skipping")
			continue
		}
		if pc.ClientID == "" || pc.Issuer == "" {
			logger.WithField("provider", pc.Name).Warn("Provider missing client_id or issuer, skipping")
			continue
		}

		g.Go(func() error {
			start := time.Now()
			p, err := discover(gctx, client, timeout, pc, opts.RedirectURL)
			if err != nil {
				opts.Metrics.ObserveDiscovery(pc.Name, "failure", time.Since(start))
				logger.WithError(err).WithFields(logrus.Fields{
					"provider": pc.Name,
					"issuer":   pc.Issuer,
				}).Error("Provider discovery failed, excluding from registry")
				return nil
			}
			opts.Metrics.ObserveDiscovery(pc.Name, "success", time.Since(start))

			mu.Lock()
			reg.providers[p.Name] = p
			mu.Unlock()
			return nil
		})
	}
	// Discovery goroutines never return errors
	_ = g.Wait()

	opts.Metrics.SetProviderCounts(len(reg.providers), len(configs)-len(reg.providers))
	logger.WithFields(logrus.Fields{
		"configured":  len(configs),
		"initialized": len(reg.providers),
	}).Info("Provider registry initialized")
	return reg
}

type discoveryExtras struct {
	EndSessionEndpoint            string   `json:"end_session_endpoint"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

func discover(ctx context.Context, client *http.Client, timeout time.Duration, pc config.ProviderConfig, defaultRedirect string) (*Provider, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op, err := oidc.NewProvider(oidc.ClientContext(dctx, client), pc.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	var extras discoveryExtras
	if err := op.Claims(&extras); err != nil {
		return nil, fmt.Errorf("discovery metadata: %w", err)
	}

	method := NormalizeAuthMethod(pc.TokenEndpointAuthMethod)
	endpoint := op.Endpoint()
	secret := pc.ClientSecret
	switch method {
	case AuthMethodPost:
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	case AuthMethodNone:
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		secret = ""
	default:
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	scopes := pc.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	redirect := pc.RedirectURL
	if redirect == "" {
		redirect = defaultRedirect
	}
	dnClaim := pc.SubjectDNClaim
	if dnClaim == "" {
		dnClaim = DefaultDNClaim
	}

	return &Provider{
		Name:        pc.Name,
		DisplayName: pc.DisplayName,
		Issuer:      pc.Issuer,
		AuthMethod:  method,
		OAuth2: oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: secret,
			Endpoint:     endpoint,
			RedirectURL:  redirect,
			Scopes:       scopes,
		},
		Verifier:              op.Verifier(&oidc.Config{ClientID: pc.ClientID}),
		EndSessionEndpoint:    extras.EndSessionEndpoint,
		PostLogoutRedirectURL: pc.PostLogoutRedirectURL,
		SupportsPKCE:          containsFold(extras.CodeChallengeMethodsSupported, "S256"),
		SubjectDNClaim:        dnClaim,
		UseUserInfo:           pc.UseUserInfo,
		oidc:                  op,
	}, nil
}

// NormalizeAuthMethod maps a configured token endpoint auth method onto
// basic, post or none. Unrecognized values mean basic.
func NormalizeAuthMethod(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "post", "client_secret_post":
		return AuthMethodPost
	case "none":
		return AuthMethodNone
	default:
		return AuthMethodBasic
	}
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// Get returns the named provider, or nil when it is not configured
func (r *Registry) Get(name string) *Provider {
	if r == nil {
		return nil
	}
	return r.providers[name]
}

// IsDisabled reports whether the provider is configured but switched off
func (r *Registry) IsDisabled(name string) bool {
	if r == nil {
		return false
	}
	return r.disabled[name]
}

// List returns the initialized providers sorted by name
func (r *Registry) List() []*Provider {
	if r == nil {
		return nil
	}
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of initialized providers
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.providers)
}

// HTTPClient is the client used for discovery and all later provider calls
func (r *Registry) HTTPClient() *http.Client {
	if r == nil || r.client == nil {
		return http.DefaultClient
	}
	return r.client
}

// RegistryHandle is the shared reference to the current registry. Replace
// swaps the whole registry so readers never see a partial one.
type RegistryHandle struct {
	current atomic.Pointer[Registry]
}

// NewRegistryHandle wraps an initial registry, which may be nil
func NewRegistryHandle(r *Registry) *RegistryHandle {
	h := &RegistryHandle{}
	if r != nil {
		h.current.Store(r)
	}
	return h
}

// Load returns the current registry. A nil registry behaves as empty.
func (h *RegistryHandle) Load() *Registry {
	return h.current.Load()
}

// Replace installs a new registry
func (h *RegistryHandle) Replace(r *Registry) {
	h.current.Store(r)
}
