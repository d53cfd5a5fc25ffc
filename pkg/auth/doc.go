// Package auth authenticates BoxVault identities and issues session tokens.
//
// # Principals
//
// Authenticator.Authenticate resolves an (identifier, secret) pair to a
// Principal: either a LocalPrincipal (username + bcrypt password) or a
// ServiceAccountPrincipal (service account username + token). A service
// account past its expiry fails with ErrServiceAccountExpired, never
// ErrNotFound.
//
// # Session tokens
//
// TokenIssuer signs HS256 JWTs carrying Claims:
//
//	issuer, _ := auth.NewTokenIssuer(auth.TokenConfig{Secret: secret, Expiration: "1h"}, logger)
//	token, claims, err := issuer.Issue(principal, orgClaims, auth.IssueOptions{StayLoggedIn: true})
//
// Service account tokens carry the owner id as subject, the account id in
// service_account_id and the provider tag "service_account". They cannot be
// refreshed.
//
// Tokens from external logins embed the provider's expiry and refresh token.
// Refresh asks the configured OIDCRefresher for new provider tokens when the
// embedded ones expire within OIDCRefreshLookahead.
package auth
