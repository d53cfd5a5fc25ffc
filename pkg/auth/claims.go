package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a session token
type Claims struct {
	jwt.RegisteredClaims

	UserID           int64      `json:"id"`
	Username         string     `json:"username,omitempty"`
	Email            string     `json:"email,omitempty"`
	ServiceAccountID *int64     `json:"service_account_id"`
	IsServiceAccount bool       `json:"is_service_account"`
	StayLoggedIn     bool       `json:"stay_logged_in"`
	Provider         string     `json:"provider"`
	Organizations    []OrgClaim `json:"organizations"`

	// Set only for external logins
	OIDCExpiresAt    *int64 `json:"oidc_expires_at,omitempty"`
	OIDCRefreshToken string `json:"oidc_refresh_token,omitempty"`
	OIDCIDToken      string `json:"oidc_id_token,omitempty"`
}

// OIDCTokens are the external provider tokens embedded in a session token
type OIDCTokens struct {
	ExpiresAt    time.Time
	RefreshToken string
	IDToken      string
}

// ClaimsFor maps a principal onto token claims. Expiry is left to the issuer.
func ClaimsFor(p Principal, orgs []OrgClaim, opts IssueOptions) *Claims {
	c := &Claims{
		StayLoggedIn:  opts.StayLoggedIn,
		Organizations: orgs,
	}
	if c.Organizations == nil {
		c.Organizations = []OrgClaim{}
	}

	switch p := p.(type) {
	case LocalPrincipal:
		c.UserID = p.User.ID
		c.Username = p.User.Username
		c.Email = p.User.Email
		c.Provider = opts.Provider
		if c.Provider == "" {
			c.Provider = p.User.AuthProvider
		}
		if c.Provider == "" {
			c.Provider = ProviderLocal
		}
	case ServiceAccountPrincipal:
		id := p.Account.ID
		c.UserID = p.Owner.ID
		c.Username = p.Account.Username
		c.Email = p.Owner.Email
		c.ServiceAccountID = &id
		c.IsServiceAccount = true
		c.Provider = ProviderServiceAccount
	}
	c.Subject = strconv.FormatInt(c.UserID, 10)

	if opts.OIDC != nil {
		c.SetOIDC(opts.OIDC)
	}
	return c
}

// Principal rebuilds the principal a token was issued for. Only the fields
// carried in the token are populated.
func (c *Claims) Principal() Principal {
	owner := &User{
		ID:           c.UserID,
		Username:     c.Username,
		Email:        c.Email,
		AuthProvider: c.Provider,
	}
	if c.IsServiceAccount && c.ServiceAccountID != nil {
		owner.Username = ""
		return ServiceAccountPrincipal{
			Account: &ServiceAccount{ID: *c.ServiceAccountID, Username: c.Username, UserID: c.UserID},
			Owner:   owner,
		}
	}
	return LocalPrincipal{User: owner}
}

// SetOIDC embeds external provider tokens
func (c *Claims) SetOIDC(t *OIDCTokens) {
	if !t.ExpiresAt.IsZero() {
		exp := t.ExpiresAt.Unix()
		c.OIDCExpiresAt = &exp
	}
	if t.RefreshToken != "" {
		c.OIDCRefreshToken = t.RefreshToken
	}
	if t.IDToken != "" {
		c.OIDCIDToken = t.IDToken
	}
}

// HasOIDC reports whether external provider tokens are embedded
func (c *Claims) HasOIDC() bool {
	return c.OIDCExpiresAt != nil || c.OIDCRefreshToken != "" || c.OIDCIDToken != ""
}

// OIDCProviderName returns the registry name from an "oidc-<name>" provider tag
func (c *Claims) OIDCProviderName() (string, bool) {
	if !strings.HasPrefix(c.Provider, ProviderOIDCPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(c.Provider, ProviderOIDCPrefix)
	return name, name != ""
}

// PrimaryOrganization returns the primary organization claim, if any
func (c *Claims) PrimaryOrganization() *OrgClaim {
	for i := range c.Organizations {
		if c.Organizations[i].IsPrimary {
			return &c.Organizations[i]
		}
	}
	return nil
}
