// Package middleware provides the HTTP middleware that guards authenticated routes.
//
// AuthMiddleware verifies the bearer session token and stores its claims in
// the request context:
//
//	authn := middleware.NewAuthMiddleware(issuer, false, logger)
//	router.Handle("/auth/me", authn.Handler(meHandler))
//
// OrgScope narrows a request to one organization from the token claims and
// enforces a minimum membership role:
//
//	r.Handle("/orgs/{org}/invitations",
//		authn.Handler(middleware.OrgScope(auth.RoleModerator)(createInvitation)))
package middleware
