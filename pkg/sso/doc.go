// Package sso implements external login over OpenID Connect.
//
// A Registry holds the providers discovered at startup; RegistryHandle lets
// the process swap in a freshly initialized registry when the providers file
// changes. Flow runs the authorization code exchange with PKCE, keeping the
// state between the two legs in a session.Store. Provisioner maps the
// verified identity onto a local user:
//
//  1. an existing credential for (provider, subject)
//  2. an existing user with the same email, which gets the credential linked
//  3. a new user, placed by pending invitation, domain mapping or the
//     configured fallback action (create_org, require_invite, deny_access)
//
// Browser-facing failures never surface error text; the handlers redirect to
// the login page with a short error= code from ErrorCode.
package sso
