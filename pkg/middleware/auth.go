package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/contextkeys"
	"github.com/platinummonkey/boxvault/pkg/httputil"
)

// TokenParser verifies a session token. *auth.TokenIssuer satisfies it.
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	parser   TokenParser
	optional bool // If true, allow requests without a token
	logger   *logrus.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(parser TokenParser, optional bool, logger *logrus.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuthMiddleware{
		parser:   parser,
		optional: optional,
		logger:   logger,
	}
}

// Handler wraps an HTTP handler with bearer token verification
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := httputil.BearerToken(r)
		if token == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		if m.parser == nil {
			httputil.WriteInternalError(w, "authentication is not configured")
			return
		}

		claims, err := m.parser.Parse(token)
		if err != nil {
			m.logger.WithField("request_id", contextkeys.GetRequestID(r.Context())).
				WithError(err).Debug("Rejected bearer token")
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(contextkeys.WithClaims(r.Context(), claims)))
	})
}

// ClaimsFromRequest returns the verified claims, or nil for anonymous requests
func ClaimsFromRequest(r *http.Request) *auth.Claims {
	claims, _ := contextkeys.GetClaims(r.Context()).(*auth.Claims)
	return claims
}

// RequireUser rejects service account tokens
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromRequest(r)
		if claims == nil {
			httputil.WriteForbidden(w, "authentication required")
			return
		}
		if claims.IsServiceAccount {
			httputil.WriteForbidden(w, "service accounts cannot perform this action")
			return
		}
		next.ServeHTTP(w, r)
	})
}
