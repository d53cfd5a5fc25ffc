package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/orgs"
)

// statusFor maps a domain error to an HTTP status and a message safe to show
// to the client
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid password"
	case errors.Is(err, auth.ErrServiceAccountExpired):
		return http.StatusUnauthorized, "Service account has expired"
	case errors.Is(err, auth.ErrAccountInactive):
		return http.StatusForbidden, "Account is suspended"
	case errors.Is(err, auth.ErrRefreshNotAllowed):
		return http.StatusForbidden, "Service account tokens cannot be refreshed"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusForbidden, "Invalid or expired token"
	case errors.Is(err, auth.ErrAccessDenied):
		return http.StatusForbidden, "Access denied"
	case errors.Is(err, ErrUserExists):
		return http.StatusBadRequest, "Username or email is already in use"
	case errors.Is(err, ErrInvalidInvite):
		return http.StatusBadRequest, "Invitation is invalid or has expired"
	case errors.Is(err, ErrInviteMismatch):
		return http.StatusBadRequest, "Invitation was issued for a different email"
	case errors.Is(err, ErrOrgNameTaken):
		return http.StatusBadRequest, "Organization name is already in use"
	case errors.Is(err, ErrInvalidSignup):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orgs.ErrOrgNotFound):
		return http.StatusNotFound, "Organization not found"
	case errors.Is(err, orgs.ErrNotMember):
		return http.StatusForbidden, "Not a member of this organization"
	case errors.Is(err, orgs.ErrInvalidInvitationRole):
		return http.StatusBadRequest, "Invitation role must be user or moderator"
	case errors.Is(err, auth.ErrUserCreationFailed):
		return http.StatusInternalServerError, "Failed to create user"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
