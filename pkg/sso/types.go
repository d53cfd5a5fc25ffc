package sso

import (
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Token endpoint authentication methods
const (
	AuthMethodBasic = "basic"
	AuthMethodPost  = "post"
	AuthMethodNone  = "none"
)

// Provider is an initialized external identity provider. Values are
// immutable once placed in a Registry.
type Provider struct {
	Name        string
	DisplayName string
	Issuer      string
	AuthMethod  string

	// OAuth2 carries the client id, secret, endpoints and redirect URL
	OAuth2   oauth2.Config
	Verifier *oidc.IDTokenVerifier

	EndSessionEndpoint    string
	PostLogoutRedirectURL string
	SupportsPKCE          bool
	SubjectDNClaim        string
	UseUserInfo           bool

	oidc *oidc.Provider
}

// Tag is the provider value carried in tokens and credentials
func (p *Provider) Tag() string {
	return ProviderTag(p.Name)
}

// Profile is the identity asserted by a provider after a successful exchange
type Profile struct {
	Subject       string
	Email         string
	EmailVerified bool
	Username      string
	Name          string
	Claims        map[string]interface{}
}

// FlowState is the state of one external login
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowAwaitingCallback
	FlowCompleted
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowAwaitingCallback:
		return "awaiting_callback"
	case FlowCompleted:
		return "completed"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}
