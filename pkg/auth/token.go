package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	// LongLivedExpiry is used for stay-logged-in tokens and as the fallback default
	LongLivedExpiry = 24 * time.Hour

	// OIDCRefreshLookahead is how close to expiry embedded provider tokens are refreshed
	OIDCRefreshLookahead = 5 * time.Minute
)

// OIDCRefresher refreshes embedded provider tokens against the provider's token endpoint
type OIDCRefresher interface {
	RefreshOIDC(ctx context.Context, providerName, refreshToken string) (*OIDCTokens, error)
}

// TokenConfig configures the issuer
type TokenConfig struct {
	Secret     string
	Expiration string // Go duration ("1h") or whole seconds ("3600")
	Issuer     string
}

// IssueOptions tune a single issuance
type IssueOptions struct {
	StayLoggedIn bool
	Provider     string
	ExpiresIn    time.Duration // overrides the configured expiry when positive
	OIDC         *OIDCTokens
}

// RefreshOptions override values carried over from the prior token
type RefreshOptions struct {
	StayLoggedIn  *bool
	Provider      string
	Organizations []OrgClaim
}

// TokenIssuer signs and verifies HS256 session tokens
type TokenIssuer struct {
	secret     []byte
	defaultTTL time.Duration
	issuer     string
	refresher  OIDCRefresher
	logger     *logrus.Logger
	now        func() time.Time
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(cfg TokenConfig, logger *logrus.Logger) (*TokenIssuer, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: jwt secret is required", ErrConfiguration)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &TokenIssuer{
		secret:     []byte(cfg.Secret),
		defaultTTL: ParseExpiration(cfg.Expiration),
		issuer:     cfg.Issuer,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SetRefresher installs the provider refresher used by Refresh
func (ti *TokenIssuer) SetRefresher(r OIDCRefresher) {
	ti.refresher = r
}

// DefaultTTL returns the configured expiry
func (ti *TokenIssuer) DefaultTTL() time.Duration {
	return ti.defaultTTL
}

// ParseExpiration parses a configured expiry. Unset, malformed or
// non-positive values fall back to LongLivedExpiry.
func ParseExpiration(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return LongLivedExpiry
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return LongLivedExpiry
		}
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return LongLivedExpiry
	}
	return d
}

// Issue builds and signs a token for p
func (ti *TokenIssuer) Issue(p Principal, orgs []OrgClaim, opts IssueOptions) (string, *Claims, error) {
	claims := ClaimsFor(p, orgs, opts)

	ttl := ti.defaultTTL
	switch {
	case opts.StayLoggedIn:
		ttl = LongLivedExpiry
	case opts.ExpiresIn > 0:
		ttl = opts.ExpiresIn
	}
	ti.stamp(claims, ttl)

	token, err := ti.Sign(claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// Sign signs claims as they are
func (ti *TokenIssuer) Sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token signature and expiry and returns its claims
func (ti *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return ti.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(ti.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Refresh reissues a token from verified prior claims.
//
// Usage from the refresh endpoint, after Parse has verified the bearer token:
//
//	memberships, _ := resolver.Resolve(ctx, prior.UserID)
//	token, next, err := issuer.Refresh(ctx, prior, auth.RefreshOptions{
//	    StayLoggedIn:  req.StayLoggedIn,
//	    Organizations: orgs.ToClaims(memberships),
//	})
//
// Subject, user id and roles carry over from prior. Values set in opts
// replace the prior ones, and the expiry restarts from now: LongLivedExpiry
// with stay-logged-in, the configured expiration otherwise.
//
// Service account tokens are never refreshed and get ErrRefreshNotAllowed.
// Embedded provider tokens within OIDCRefreshLookahead of expiry are
// refreshed first through the installed OIDCRefresher. A provider failure
// keeps the old values and the local token is still reissued.
func (ti *TokenIssuer) Refresh(ctx context.Context, prior *Claims, opts RefreshOptions) (string, *Claims, error) {
	if prior.IsServiceAccount {
		return "", nil, ErrRefreshNotAllowed
	}

	next := *prior
	next.RegisteredClaims = jwt.RegisteredClaims{Subject: prior.Subject}
	if opts.StayLoggedIn != nil {
		next.StayLoggedIn = *opts.StayLoggedIn
	}
	if opts.Provider != "" {
		next.Provider = opts.Provider
	}
	if next.Provider == "" {
		next.Provider = ProviderLocal
	}
	if opts.Organizations != nil {
		next.Organizations = opts.Organizations
	}

	if ti.needsOIDCRefresh(&next) {
		ti.refreshOIDC(ctx, &next)
	}

	ttl := ti.defaultTTL
	if next.StayLoggedIn {
		ttl = LongLivedExpiry
	}
	ti.stamp(&next, ttl)

	token, err := ti.Sign(&next)
	if err != nil {
		return "", nil, err
	}
	return token, &next, nil
}

func (ti *TokenIssuer) needsOIDCRefresh(c *Claims) bool {
	if c.OIDCExpiresAt == nil || c.OIDCRefreshToken == "" {
		return false
	}
	expiresAt := time.Unix(*c.OIDCExpiresAt, 0)
	return expiresAt.Before(ti.now().Add(OIDCRefreshLookahead))
}

func (ti *TokenIssuer) refreshOIDC(ctx context.Context, c *Claims) {
	providerName, ok := c.OIDCProviderName()
	if !ok || ti.refresher == nil {
		return
	}

	fresh, err := ti.refresher.RefreshOIDC(ctx, providerName, c.OIDCRefreshToken)
	if err != nil {
		ti.logger.WithFields(logrus.Fields{
			"provider": providerName,
			"user_id":  c.UserID,
		}).WithError(err).Warn("OIDC token refresh failed, keeping existing provider tokens")
		return
	}
	c.SetOIDC(fresh)
}

func (ti *TokenIssuer) stamp(c *Claims, ttl time.Duration) {
	now := ti.now()
	c.Issuer = ti.issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	c.NotBefore = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
}
