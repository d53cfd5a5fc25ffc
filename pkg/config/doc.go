// Package config loads BoxVault configuration from BOXVAULT_* environment
// variables and an optional YAML file of OIDC providers.
//
// Load never aborts the process. Problems such as an unreadable providers
// file or a missing JWT secret are reported through LoadResult.Degraded and
// LoadResult.Err; endpoints that depend on the missing piece answer with an
// error while the rest of the service keeps running.
//
// Providers file example:
//
//	providers:
//	  - name: corp
//	    display_name: Corp SSO
//	    enabled: true
//	    issuer: https://sso.corp.example.com
//	    client_id: boxvault
//	    client_secret: ${CORP_CLIENT_SECRET}
//	    token_endpoint_auth_method: client_secret_post
package config
