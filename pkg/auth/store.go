package auth

import "context"

// Lookups return storage.ErrNotFound when nothing matches and
// storage.ErrDuplicate when an insert hits a unique constraint.

// UserStore persists users
type UserStore interface {
	FindUserByID(ctx context.Context, id int64) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	LinkExternalIdentity(ctx context.Context, userID int64, provider, subject string) error
}

// CredentialStore persists external identity links
type CredentialStore interface {
	FindCredential(ctx context.Context, provider, subject string) (*Credential, error)
	CreateCredential(ctx context.Context, cred *Credential) error
}

// ServiceAccountStore looks up machine identities
type ServiceAccountStore interface {
	FindServiceAccount(ctx context.Context, username, token string) (*ServiceAccount, error)
}

// RoleStore manages global role assignments
type RoleStore interface {
	FindRoleByName(ctx context.Context, name string) (*RoleRecord, error)
	AssignRole(ctx context.Context, userID, roleID int64) error
	RolesForUser(ctx context.Context, userID int64) ([]string, error)
}
