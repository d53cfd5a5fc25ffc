package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/orgs"
	"github.com/platinummonkey/boxvault/pkg/storage"
)

// memDirectory is an in-memory stand-in for the postgres stores
type memDirectory struct {
	mu sync.Mutex

	users       map[int64]*auth.User
	accounts    []*auth.ServiceAccount
	roles       map[string]*auth.RoleRecord
	userRoles   map[int64][]string
	orgs        map[int64]*orgs.Organization
	memberships map[int64][]orgs.Membership
	invitations map[string]*orgs.Invitation
	nextID      int64

	resolveErr    error
	createUserErr error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		users: map[int64]*auth.User{},
		roles: map[string]*auth.RoleRecord{
			"user":      {ID: 1, Name: "user"},
			"moderator": {ID: 2, Name: "moderator"},
			"admin":     {ID: 3, Name: "admin"},
		},
		userRoles:   map[int64][]string{},
		orgs:        map[int64]*orgs.Organization{},
		memberships: map[int64][]orgs.Membership{},
		invitations: map[string]*orgs.Invitation{},
		nextID:      10,
	}
}

func (d *memDirectory) id() int64 {
	d.nextID++
	return d.nextID
}

func (d *memDirectory) addUser(username, email, password string) *auth.User {
	u := &auth.User{Username: username, Email: email, AuthProvider: auth.ProviderLocal}
	if password != "" {
		hash, err := auth.HashPassword(password)
		if err != nil {
			panic(err)
		}
		u.PasswordHash = hash
	}
	if err := d.CreateUser(context.Background(), u); err != nil {
		panic(err)
	}
	return u
}

func (d *memDirectory) addOrg(name string) *orgs.Organization {
	o, err := d.Create(context.Background(), name, orgs.AccessModePrivate)
	if err != nil {
		panic(err)
	}
	return o
}

// UserStore

func (d *memDirectory) FindUserByID(_ context.Context, id int64) (*auth.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return nil, storage.ErrNotFound
}

func (d *memDirectory) FindUserByUsername(_ context.Context, username string) (*auth.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (d *memDirectory) FindUserByEmail(_ context.Context, email string) (*auth.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (d *memDirectory) CreateUser(_ context.Context, user *auth.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Username == user.Username {
			return storage.ErrDuplicate
		}
	}
	user.ID = d.id()
	d.users[user.ID] = user
	return nil
}

func (d *memDirectory) LinkExternalIdentity(context.Context, int64, string, string) error { return nil }

func (d *memDirectory) CreateUserCounted(ctx context.Context, user *auth.User) (int64, error) {
	d.mu.Lock()
	existing := int64(len(d.users))
	err := d.createUserErr
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := d.CreateUser(ctx, user); err != nil {
		return 0, err
	}
	return existing, nil
}

func (d *memDirectory) userCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

// ServiceAccountStore

func (d *memDirectory) FindServiceAccount(_ context.Context, username, token string) (*auth.ServiceAccount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sa := range d.accounts {
		if sa.Username == username && sa.Token == token {
			return sa, nil
		}
	}
	return nil, storage.ErrNotFound
}

// RoleStore

func (d *memDirectory) FindRoleByName(_ context.Context, name string) (*auth.RoleRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.roles[name]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

func (d *memDirectory) AssignRole(_ context.Context, userID, roleID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, r := range d.roles {
		if r.ID == roleID {
			d.userRoles[userID] = append(d.userRoles[userID], name)
		}
	}
	return nil
}

func (d *memDirectory) RolesForUser(_ context.Context, userID int64) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.userRoles[userID]...), nil
}

// Organizations

func (d *memDirectory) GetByName(_ context.Context, name string) (*orgs.Organization, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.orgs {
		if o.Name == name {
			return o, nil
		}
	}
	return nil, orgs.ErrOrgNotFound
}

func (d *memDirectory) GetByID(_ context.Context, id int64) (*orgs.Organization, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.orgs[id]; ok {
		return o, nil
	}
	return nil, orgs.ErrOrgNotFound
}

func (d *memDirectory) Create(_ context.Context, name string, mode orgs.AccessMode) (*orgs.Organization, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.orgs {
		if o.Name == name {
			return nil, orgs.ErrOrgExists
		}
	}
	o := &orgs.Organization{ID: d.id(), Name: name, AccessMode: mode}
	d.orgs[o.ID] = o
	return o, nil
}

// Memberships

func (d *memDirectory) Resolve(_ context.Context, userID int64) ([]orgs.Membership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolveErr != nil {
		return nil, d.resolveErr
	}
	out := []orgs.Membership{}
	for _, m := range d.memberships[userID] {
		m.OrganizationName = d.orgs[m.OrganizationID].Name
		if m.IsPrimary {
			out = append([]orgs.Membership{m}, out...)
		} else {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *memDirectory) AddMember(_ context.Context, userID, orgID int64, role auth.Role, primary bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if primary {
		for i := range d.memberships[userID] {
			d.memberships[userID][i].IsPrimary = false
		}
	}
	d.memberships[userID] = append(d.memberships[userID], orgs.Membership{
		UserID: userID, OrganizationID: orgID, Role: role, IsPrimary: primary, JoinedAt: time.Now(),
	})
	return nil
}

func (d *memDirectory) SetPrimary(_ context.Context, userID, orgID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	found := false
	for _, m := range d.memberships[userID] {
		if m.OrganizationID == orgID {
			found = true
		}
	}
	if !found {
		return orgs.ErrNotMember
	}
	for i := range d.memberships[userID] {
		d.memberships[userID][i].IsPrimary = d.memberships[userID][i].OrganizationID == orgID
	}
	return nil
}

// Invitations

func (d *memDirectory) addInvitation(email string, orgID int64, role auth.Role, expires time.Time) *orgs.Invitation {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv := &orgs.Invitation{ID: d.id(), Email: email, Token: "tok-" + email, OrganizationID: orgID, Role: role, Expires: expires}
	d.invitations[inv.Token] = inv
	return inv
}

func (d *memDirectory) ResolveForSignup(_ context.Context, token string) (*orgs.Invitation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.invitations[token]
	if !ok || inv.Accepted || inv.Expired {
		return nil, orgs.ErrInvitationNotFoundOrExpired
	}
	if !inv.Expires.After(time.Now()) {
		inv.Expired = true
		return nil, orgs.ErrInvitationExpired
	}
	return inv, nil
}

func (d *memDirectory) Accept(_ context.Context, token string) (*orgs.Invitation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.invitations[token]
	if !ok || !inv.Usable(time.Now()) {
		return nil, orgs.ErrInvitationNotFoundOrExpired
	}
	inv.Accepted = true
	return inv, nil
}

type invitationFunc func(ctx context.Context, email string, orgID int64, role auth.Role, ttl time.Duration) (*orgs.Invitation, error)

func (f invitationFunc) Create(ctx context.Context, email string, orgID int64, role auth.Role, ttl time.Duration) (*orgs.Invitation, error) {
	return f(ctx, email, orgID, role, ttl)
}

// createInvitation mirrors InvitationResolver.Create
func (d *memDirectory) createInvitation(_ context.Context, email string, orgID int64, role auth.Role, ttl time.Duration) (*orgs.Invitation, error) {
	if role == "" {
		role = auth.RoleUser
	}
	if role != auth.RoleUser && role != auth.RoleModerator {
		return nil, orgs.ErrInvalidInvitationRole
	}
	return d.addInvitation(email, orgID, role, time.Now().Add(ttl)), nil
}
