// Package contextkeys holds every context key shared across packages.
//
// Values are stored untyped here so this package stays free of imports;
// the owning package exposes the typed accessor (middleware.ClaimsFromContext).
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ClaimsKey contains *auth.Claims.
	// Set by: middleware.Authenticator (pkg/middleware/auth.go)
	ClaimsKey Key = "claims"

	// OrgKey contains the *auth.OrgClaim a request acts on.
	// Set by: middleware.OrgScope (pkg/middleware/org.go)
	OrgKey Key = "organization"

	// RequestIDKey contains the request id string.
	// Set by: httputil.RequestIDMiddleware
	RequestIDKey Key = "request_id"
)

// WithClaims stores verified token claims
func WithClaims(ctx context.Context, claims interface{}) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetClaims returns whatever WithClaims stored, or nil
func GetClaims(ctx context.Context) interface{} {
	return ctx.Value(ClaimsKey)
}

// WithOrg stores the organization a request is scoped to
func WithOrg(ctx context.Context, org interface{}) context.Context {
	return context.WithValue(ctx, OrgKey, org)
}

// GetOrg returns whatever WithOrg stored, or nil
func GetOrg(ctx context.Context) interface{} {
	return ctx.Value(OrgKey)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request id, or "" when none is set
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
