package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/observability"
)

// Refresher renews embedded provider tokens with the provider's token endpoint
type Refresher struct {
	registry *RegistryHandle
	timeout  time.Duration
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

var _ auth.OIDCRefresher = (*Refresher)(nil)

// NewRefresher creates a refresher bound to the registry handle
func NewRefresher(registry *RegistryHandle, timeout time.Duration, logger *logrus.Logger, metrics *observability.Metrics) *Refresher {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Refresher{registry: registry, timeout: timeout, logger: logger, metrics: metrics}
}

// RefreshOIDC exchanges a refresh token for new provider tokens. A provider
// that omits a new refresh token keeps the old one valid.
func (r *Refresher) RefreshOIDC(ctx context.Context, providerName, refreshToken string) (*auth.OIDCTokens, error) {
	reg := r.registry.Load()
	p := reg.Get(providerName)
	if p == nil {
		return nil, auth.ErrProviderNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, reg.HTTPClient())

	// An empty access token forces the source to hit the token endpoint
	tok, err := p.OAuth2.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		r.metrics.RecordOIDCRefresh(providerName, "failure")
		return nil, fmt.Errorf("refresh with %s: %w", providerName, exchangeError(err))
	}

	out := &auth.OIDCTokens{
		ExpiresAt:    tok.Expiry,
		RefreshToken: tok.RefreshToken,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = idToken
	}

	r.metrics.RecordOIDCRefresh(providerName, "success")
	r.logger.WithField("provider", providerName).Debug("Refreshed provider tokens")
	return out, nil
}
