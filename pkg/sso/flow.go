package sso

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/observability"
	"github.com/platinummonkey/boxvault/pkg/session"
)

const (
	flowSessionKey = "oidc_flow"

	// DefaultFlowTTL bounds the time between the two legs of a login
	DefaultFlowTTL = 10 * time.Minute

	// FallbackTokenExpiry applies when the provider sends no exp and no default is configured
	FallbackTokenExpiry = 30 * time.Minute
)

// UserProvisioner resolves a verified external identity to a local user
type UserProvisioner interface {
	Provision(ctx context.Context, providerTag string, profile *Profile) (*auth.User, error)
}

// OrgClaimsSource supplies the organization claims for a user's token
type OrgClaimsSource interface {
	Claims(ctx context.Context, userID int64) ([]auth.OrgClaim, error)
}

// FlowOptions wires a Flow
type FlowOptions struct {
	Sessions    session.Store
	Registry    *RegistryHandle
	Provisioner UserProvisioner
	Orgs        OrgClaimsSource
	// Issuer may be nil when the service runs without a signing secret
	Issuer *auth.TokenIssuer

	FrontendURL string
	FlowTTL     time.Duration
	// DefaultTokenExpiry is used when the ID token carries no exp; zero means unset
	DefaultTokenExpiry time.Duration
	ProviderTimeout    time.Duration

	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Flow runs the two legs of an external login and the logout leg
type Flow struct {
	sessions    session.Store
	registry    *RegistryHandle
	provisioner UserProvisioner
	orgs        OrgClaimsSource
	issuer      *auth.TokenIssuer

	frontendURL        string
	flowTTL            time.Duration
	defaultTokenExpiry time.Duration
	providerTimeout    time.Duration

	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewFlow creates a flow controller
func NewFlow(opts FlowOptions) *Flow {
	f := &Flow{
		sessions:           opts.Sessions,
		registry:           opts.Registry,
		provisioner:        opts.Provisioner,
		orgs:               opts.Orgs,
		issuer:             opts.Issuer,
		frontendURL:        strings.TrimRight(opts.FrontendURL, "/"),
		flowTTL:            opts.FlowTTL,
		defaultTokenExpiry: opts.DefaultTokenExpiry,
		providerTimeout:    opts.ProviderTimeout,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		now:                time.Now,
	}
	if f.flowTTL <= 0 {
		f.flowTTL = DefaultFlowTTL
	}
	if f.providerTimeout <= 0 {
		f.providerTimeout = DefaultDiscoveryTimeout
	}
	if f.logger == nil {
		f.logger = logrus.New()
	}
	if f.registry == nil {
		f.registry = NewRegistryHandle(nil)
	}
	return f
}

// flowData is the server-side record correlating the two legs
type flowData struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier,omitempty"`
	Provider  string    `json:"provider"`
	Redirect  string    `json:"redirect"`
	CreatedAt time.Time `json:"created_at"`
}

// CallbackParams are the query parameters returned by the provider
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// CallbackResult is a completed external login
type CallbackResult struct {
	Token    string
	Claims   *auth.Claims
	User     *auth.User
	Provider string
	Redirect string
}

// LogoutResult describes how the browser should finish logging out
type LogoutResult struct {
	// RedirectURL is the provider's end-session URL, empty for a local-only logout
	RedirectURL string
}

// Start begins a login with the named provider and returns the authorization URL
func (f *Flow) Start(ctx context.Context, sessionID, providerName, redirect string) (string, error) {
	log := f.logger.WithFields(logrus.Fields{"provider": providerName, "flow": "start"})

	reg := f.registry.Load()
	p := reg.Get(providerName)
	if p == nil {
		err := auth.ErrProviderNotFound
		if reg.IsDisabled(providerName) {
			err = auth.ErrProviderNotEnabled
		}
		return "", f.fail(log, providerName, "start", FlowIdle, err)
	}
	if sessionID == "" {
		return "", f.fail(log, providerName, "start", FlowIdle,
			fmt.Errorf("%w: no browser session", auth.ErrAuthURLGenerationFailed))
	}

	state, err := randomState()
	if err != nil {
		return "", f.fail(log, providerName, "start", FlowIdle,
			fmt.Errorf("%w: state: %v", auth.ErrAuthURLGenerationFailed, err))
	}

	data := flowData{
		State:     state,
		Provider:  p.Name,
		Redirect:  f.resolveRedirect(redirect),
		CreatedAt: f.now(),
	}
	var opts []oauth2.AuthCodeOption
	if p.SupportsPKCE {
		data.Verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(data.Verifier))
	}

	authURL, err := buildAuthURL(p, state, opts)
	if err != nil {
		return "", f.fail(log, providerName, "start", FlowIdle, err)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", f.fail(log, providerName, "start", FlowIdle,
			fmt.Errorf("%w: %v", auth.ErrAuthURLGenerationFailed, err))
	}
	if err := f.sessions.Set(ctx, sessionID, flowSessionKey, raw, f.flowTTL); err != nil {
		return "", f.fail(log, providerName, "start", FlowIdle,
			fmt.Errorf("%w: session store: %v", auth.ErrAuthURLGenerationFailed, err))
	}

	f.transition(log, FlowIdle, FlowAwaitingCallback)
	f.metrics.RecordOIDCFlow(p.Name, "start", "success")
	return authURL, nil
}

func buildAuthURL(p *Provider, state string, opts []oauth2.AuthCodeOption) (string, error) {
	if p.OAuth2.Endpoint.AuthURL == "" {
		return "", fmt.Errorf("%w: provider has no authorization endpoint", auth.ErrAuthURLGenerationFailed)
	}
	authURL := p.OAuth2.AuthCodeURL(state, opts...)
	u, err := url.Parse(authURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", auth.ErrAuthURLGenerationFailed, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: authorization endpoint is not absolute", auth.ErrAuthURLGenerationFailed)
	}
	return authURL, nil
}

// Callback completes a login started by Start in the same browser session.
//
// The stored flow must exist and its state must match params.State,
// otherwise ErrNoSessionData is returned and the flow is left in place. Once
// the state matches, the flow is removed from the session before anything
// else happens, so a callback can only be completed once.
//
// The code is exchanged with the PKCE verifier saved by Start and the
// id_token is verified against the provider's keys. The profile then goes
// through the Provisioner, and a local token carrying the provider tokens is
// issued. Failures are wrapped in the auth error sentinels; ErrorCode maps
// them to the redirect error codes.
func (f *Flow) Callback(ctx context.Context, sessionID string, params CallbackParams) (*CallbackResult, error) {
	log := f.logger.WithField("flow", "callback")

	data, err := f.loadFlow(ctx, sessionID)
	if err != nil {
		return nil, f.fail(log, "", "callback", FlowAwaitingCallback, err)
	}
	log = log.WithField("provider", data.Provider)

	if params.State == "" || subtle.ConstantTimeCompare([]byte(params.State), []byte(data.State)) != 1 {
		return nil, f.fail(log, data.Provider, "callback", FlowAwaitingCallback,
			fmt.Errorf("%w: state mismatch", auth.ErrNoSessionData))
	}
	if err := f.sessions.Destroy(ctx, sessionID, flowSessionKey); err != nil {
		log.WithError(err).Warn("Failed to clear login flow from session")
	}

	result, err := f.complete(ctx, data, params, log)
	if err != nil {
		return nil, f.fail(log, data.Provider, "callback", FlowAwaitingCallback, err)
	}

	f.transition(log.WithField("user_id", result.User.ID), FlowAwaitingCallback, FlowCompleted)
	f.metrics.RecordOIDCFlow(data.Provider, "callback", "success")
	f.metrics.RecordTokenIssued(result.Claims.Provider)
	return result, nil
}

func (f *Flow) loadFlow(ctx context.Context, sessionID string) (*flowData, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: no browser session", auth.ErrNoSessionData)
	}
	raw, err := f.sessions.Get(ctx, sessionID, flowSessionKey)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: no login in progress", auth.ErrNoSessionData)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: session store: %v", auth.ErrNoSessionData, err)
	}

	var data flowData
	if err := json.Unmarshal(raw, &data); err != nil || data.State == "" {
		return nil, fmt.Errorf("%w: corrupt flow record", auth.ErrNoSessionData)
	}
	return &data, nil
}

func (f *Flow) complete(ctx context.Context, data *flowData, params CallbackParams, log *logrus.Entry) (*CallbackResult, error) {
	if params.Error != "" {
		return nil, fmt.Errorf("%w: provider returned %s: %s", auth.ErrOIDCExchangeFailed, params.Error, params.ErrorDescription)
	}
	if params.Code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", auth.ErrOIDCExchangeFailed)
	}

	reg := f.registry.Load()
	p := reg.Get(data.Provider)
	if p == nil {
		return nil, fmt.Errorf("%w: provider %q no longer configured", auth.ErrOIDCExchangeFailed, data.Provider)
	}
	if f.issuer == nil {
		return nil, fmt.Errorf("%w: token issuer unavailable", auth.ErrConfiguration)
	}

	pctx, cancel := context.WithTimeout(ctx, f.providerTimeout)
	defer cancel()
	pctx = oidc.ClientContext(pctx, reg.HTTPClient())

	var opts []oauth2.AuthCodeOption
	if data.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(data.Verifier))
	}
	tok, err := p.OAuth2.Exchange(pctx, params.Code, opts...)
	if err != nil {
		return nil, exchangeError(err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", auth.ErrOIDCExchangeFailed)
	}
	idToken, err := p.Verifier.Verify(pctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token verification: %v", auth.ErrOIDCExchangeFailed, err)
	}

	claims := map[string]interface{}{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: id_token claims: %v", auth.ErrOIDCExchangeFailed, err)
	}
	if p.UseUserInfo {
		f.mergeUserInfo(pctx, p, tok, claims, log)
	}

	profile, err := profileFromClaims(claims, p.SubjectDNClaim)
	if err != nil {
		return nil, err
	}

	user, err := f.provisioner.Provision(ctx, p.Tag(), profile)
	if err != nil {
		return nil, err
	}

	orgClaims, err := f.orgs.Claims(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: organizations: %v", auth.ErrConfiguration, err)
	}

	oidcExpiry := tok.Expiry
	if oidcExpiry.IsZero() {
		oidcExpiry = idToken.Expiry
	}
	token, tokenClaims, err := f.issuer.Issue(auth.LocalPrincipal{User: user}, orgClaims, auth.IssueOptions{
		Provider:  p.Tag(),
		ExpiresIn: f.tokenExpiry(idToken.Expiry),
		OIDC: &auth.OIDCTokens{
			ExpiresAt:    oidcExpiry,
			RefreshToken: tok.RefreshToken,
			IDToken:      rawIDToken,
		},
	})
	if err != nil {
		return nil, err
	}

	return &CallbackResult{
		Token:    token,
		Claims:   tokenClaims,
		User:     user,
		Provider: p.Name,
		Redirect: data.Redirect,
	}, nil
}

func (f *Flow) mergeUserInfo(ctx context.Context, p *Provider, tok *oauth2.Token, claims map[string]interface{}, log *logrus.Entry) {
	if p.oidc == nil {
		return
	}
	info, err := p.oidc.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		log.WithError(err).Warn("Userinfo request failed, continuing with id_token claims")
		return
	}
	var extra map[string]interface{}
	if err := info.Claims(&extra); err != nil {
		log.WithError(err).Warn("Userinfo claims unreadable")
		return
	}
	for k, v := range extra {
		if _, exists := claims[k]; !exists {
			claims[k] = v
		}
	}
}

// tokenExpiry picks the local token lifetime: the ID token's exp, then the
// configured default, then FallbackTokenExpiry
func (f *Flow) tokenExpiry(exp time.Time) time.Duration {
	if !exp.IsZero() {
		if d := exp.Sub(f.now()); d > 0 {
			return d
		}
	}
	if f.defaultTokenExpiry > 0 {
		return f.defaultTokenExpiry
	}
	return FallbackTokenExpiry
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		return fmt.Errorf("%w: %s %s", auth.ErrOIDCExchangeFailed, re.ErrorCode, re.ErrorDescription)
	}
	return fmt.Errorf("%w: %v", auth.ErrOIDCExchangeFailed, err)
}

// Logout builds the provider end-session URL for a token from an external
// login. It never fails: anything unusable results in a local logout.
func (f *Flow) Logout(ctx context.Context, token, postLogoutRedirect string) LogoutResult {
	log := f.logger.WithField("flow", "logout")
	if f.issuer == nil || token == "" {
		return LogoutResult{}
	}

	claims, err := f.issuer.Parse(token)
	if err != nil {
		log.WithError(err).Debug("Logout token rejected, logging out locally")
		return LogoutResult{}
	}
	name, ok := claims.OIDCProviderName()
	if !ok || claims.OIDCIDToken == "" {
		return LogoutResult{}
	}
	log = log.WithField("provider", name)

	p := f.registry.Load().Get(name)
	if p == nil || p.EndSessionEndpoint == "" {
		log.Debug("Provider has no end-session endpoint, logging out locally")
		f.metrics.RecordOIDCFlow(name, "logout", "local")
		return LogoutResult{}
	}

	u, err := url.Parse(p.EndSessionEndpoint)
	if err != nil {
		log.WithError(err).Warn("Invalid end-session endpoint, logging out locally")
		f.metrics.RecordOIDCFlow(name, "logout", "local")
		return LogoutResult{}
	}
	q := u.Query()
	q.Set("id_token_hint", claims.OIDCIDToken)
	q.Set("client_id", p.OAuth2.ClientID)
	redirect := postLogoutRedirect
	if redirect == "" {
		redirect = p.PostLogoutRedirectURL
	}
	if redirect == "" {
		redirect = f.frontendURL
	}
	if redirect != "" {
		q.Set("post_logout_redirect_uri", redirect)
	}
	u.RawQuery = q.Encode()

	f.metrics.RecordOIDCFlow(name, "logout", "success")
	return LogoutResult{RedirectURL: u.String()}
}

// resolveRedirect keeps relative paths and same-origin URLs and replaces
// anything else with the frontend root
func (f *Flow) resolveRedirect(target string) string {
	home := f.frontendURL + "/"
	target = strings.TrimSpace(target)
	if target == "" {
		return home
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return f.frontendURL + target
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return home
	}
	base, err := url.Parse(f.frontendURL)
	if err != nil || !strings.EqualFold(u.Host, base.Host) {
		return home
	}
	return target
}

func (f *Flow) transition(log *logrus.Entry, from, to FlowState) {
	log.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info("OIDC flow state transition")
}

func (f *Flow) fail(log *logrus.Entry, provider, stage string, from FlowState, err error) error {
	log.WithError(err).WithFields(logrus.Fields{
		"from": from.String(),
		"to":   FlowFailed.String(),
	}).Warn("OIDC flow failed")
	if provider == "" {
		provider = "unknown"
	}
	f.metrics.RecordOIDCFlow(provider, stage, "failure")
	return err
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
