package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/boxvault/pkg/storage"
)

// Authenticator verifies password and service-account credentials
type Authenticator struct {
	users    UserStore
	accounts ServiceAccountStore
	now      func() time.Time
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(users UserStore, accounts ServiceAccountStore) *Authenticator {
	return &Authenticator{
		users:    users,
		accounts: accounts,
		now:      time.Now,
	}
}

// Authenticate resolves (identifier, secret) to a principal.
//
// A local user is tried first. Only when no user carries the identifier is
// the pair looked up as a service account username and token.
func (a *Authenticator) Authenticate(ctx context.Context, identifier, secret string) (Principal, error) {
	user, err := a.users.FindUserByUsername(ctx, identifier)
	switch {
	case err == nil:
		if err := VerifyPassword(user.PasswordHash, secret); err != nil {
			return nil, err
		}
		if user.Suspended {
			return nil, ErrAccountInactive
		}
		return LocalPrincipal{User: user}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: find user: %v", ErrConfiguration, err)
	}

	account, err := a.accounts.FindServiceAccount(ctx, identifier, secret)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find service account: %v", ErrConfiguration, err)
	}
	if account.Expired(a.now()) {
		return nil, ErrServiceAccountExpired
	}

	owner, err := a.users.FindUserByID(ctx, account.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find service account owner: %v", ErrConfiguration, err)
	}
	if owner.Suspended {
		return nil, ErrAccountInactive
	}

	return ServiceAccountPrincipal{Account: account, Owner: owner}, nil
}
