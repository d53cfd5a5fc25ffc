// Package api wires the BoxVault authentication HTTP surface onto a
// gorilla/mux router.
//
// Local endpoints:
//
//	POST /auth/signin                 password or service-account login
//	POST /auth/signup                 create a user and its organization
//	POST /auth/refresh-token          reissue a session token
//	GET  /auth/me                     echo the caller's token claims
//	POST /auth/primary-organization   switch the primary organization
//	POST /orgs/{org}/invitations      invite an email into an organization
//
// External login endpoints are registered by package sso. Domain errors are
// mapped to statuses by statusFor; clients only see short messages.
package api
