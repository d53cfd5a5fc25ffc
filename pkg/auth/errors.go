package auth

import "errors"

// Authentication and provisioning failures. Handlers translate these into
// HTTP statuses or redirect error codes.
var (
	ErrNotFound                = errors.New("identity not found")
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrServiceAccountExpired   = errors.New("service account expired")
	ErrAccountInactive         = errors.New("account is suspended")
	ErrRefreshNotAllowed       = errors.New("service account tokens cannot be refreshed")
	ErrInvalidToken            = errors.New("invalid or expired token")
	ErrProviderNotFound        = errors.New("identity provider not configured")
	ErrProviderNotEnabled      = errors.New("identity provider not enabled")
	ErrAuthURLGenerationFailed = errors.New("failed to generate authorization url")
	ErrNoSessionData           = errors.New("no session data for login flow")
	ErrOIDCExchangeFailed      = errors.New("oidc code exchange failed")
	ErrSubjectResolutionFailed = errors.New("could not resolve subject from identity claims")
	ErrAccessDenied            = errors.New("access denied")
	ErrUnknownPolicy           = errors.New("unknown provisioning fallback policy")
	ErrUserCreationFailed      = errors.New("user creation failed")
	ErrConfiguration           = errors.New("configuration error")
)
