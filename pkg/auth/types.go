package auth

import "time"

// Role is both the global role name and the per-organization membership role
type Role string

const (
	RoleUser      Role = "user"      // Default member
	RoleModerator Role = "moderator" // Can manage members and invitations
	RoleAdmin     Role = "admin"     // Full access
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// Provider tags carried in session tokens
const (
	ProviderLocal          = "local"
	ProviderServiceAccount = "service_account"
	ProviderOIDCPrefix     = "oidc-"
)

// User is a human identity
type User struct {
	ID                    int64     `json:"id"`
	Username              string    `json:"username"`
	Email                 string    `json:"email,omitempty"`
	EmailVerified         bool      `json:"email_verified"`
	PasswordHash          string    `json:"-"`
	ExternalSubject       string    `json:"external_subject,omitempty"`
	AuthProvider          string    `json:"auth_provider,omitempty"`
	Suspended             bool      `json:"suspended"`
	PrimaryOrganizationID *int64    `json:"primary_organization_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// ServiceAccount is a machine identity owned by a user
type ServiceAccount struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Token          string    `json:"-"`
	Description    string    `json:"description,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	UserID         int64     `json:"user_id"`
	OrganizationID *int64    `json:"organization_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the account can no longer authenticate at now
func (sa *ServiceAccount) Expired(now time.Time) bool {
	return now.After(sa.ExpiresAt)
}

// Credential links a user to one external (provider, subject) pair
type Credential struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Provider  string    `json:"provider"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleRecord is a row of the global roles table
type RoleRecord struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// OrgClaim is one organization entry carried in a session token
type OrgClaim struct {
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	IsPrimary bool   `json:"is_primary"`
}
