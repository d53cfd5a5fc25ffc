package orgs

import (
	"time"

	"github.com/platinummonkey/boxvault/pkg/auth"
)

// AccessMode controls how users join an organization
type AccessMode string

const (
	AccessModePrivate       AccessMode = "private"
	AccessModeInviteOnly    AccessMode = "invite_only"
	AccessModeRequestToJoin AccessMode = "request_to_join"
)

// Organization is a tenant boundary
type Organization struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	AccessMode AccessMode `json:"access_mode"`
	Suspended  bool       `json:"suspended"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Membership joins a user to an organization with a role
type Membership struct {
	UserID           int64     `json:"user_id"`
	OrganizationID   int64     `json:"organization_id"`
	OrganizationName string    `json:"organization_name"`
	Role             auth.Role `json:"role"`
	IsPrimary        bool      `json:"is_primary"`
	JoinedAt         time.Time `json:"joined_at"`

	// Legacy is set when the entry was derived from users.primary_organization_id
	// because the user has no membership rows.
	Legacy bool `json:"legacy,omitempty"`
}

// Invitation is a single-use token granting membership in an organization
type Invitation struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	Token          string    `json:"-"`
	Expires        time.Time `json:"expires"`
	OrganizationID int64     `json:"organization_id"`
	Role           auth.Role `json:"role"`
	Accepted       bool      `json:"accepted"`
	Expired        bool      `json:"expired"`
	CreatedAt      time.Time `json:"created_at"`
}

// Usable reports whether the invitation can still be consumed at now
func (i *Invitation) Usable(now time.Time) bool {
	return !i.Accepted && !i.Expired && i.Expires.After(now)
}
