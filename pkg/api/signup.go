package api

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/orgs"
	"github.com/platinummonkey/boxvault/pkg/storage"
)

// Signup failures reported as 400
var (
	ErrInvalidSignup  = errors.New("invalid signup request")
	ErrUserExists     = errors.New("username or email already in use")
	ErrInvalidInvite  = errors.New("invitation is invalid or has expired")
	ErrInviteMismatch = errors.New("invitation was issued for a different email")
	ErrOrgNameTaken   = errors.New("organization name already in use")
)

// SignupUsers is the user store view signup needs
type SignupUsers interface {
	FindUserByUsername(ctx context.Context, username string) (*auth.User, error)
	FindUserByEmail(ctx context.Context, email string) (*auth.User, error)
	// CreateUserCounted inserts the user and returns how many users existed
	// before it, decided atomically with the insert
	CreateUserCounted(ctx context.Context, user *auth.User) (int64, error)
}

// SignupOrgs creates and joins organizations
type SignupOrgs interface {
	Create(ctx context.Context, name string, mode orgs.AccessMode) (*orgs.Organization, error)
	GetByName(ctx context.Context, name string) (*orgs.Organization, error)
	GetByID(ctx context.Context, id int64) (*orgs.Organization, error)
}

// SignupMemberships writes membership rows
type SignupMemberships interface {
	AddMember(ctx context.Context, userID, orgID int64, role auth.Role, primary bool) error
}

// SignupInvitations validates and consumes invitations
type SignupInvitations interface {
	ResolveForSignup(ctx context.Context, token string) (*orgs.Invitation, error)
	Accept(ctx context.Context, token string) (*orgs.Invitation, error)
}

// SignupRequest is the body of POST /auth/signup
type SignupRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	InvitationToken string `json:"invitationToken,omitempty"`
	Organization    string `json:"organization,omitempty"`
}

// SignupResult describes a created account
type SignupResult struct {
	User         *auth.User
	Organization *orgs.Organization
	OrgRole      auth.Role
	Roles        []string
}

// SignupService creates local accounts
type SignupService struct {
	users       SignupUsers
	roles       auth.RoleStore
	orgs        SignupOrgs
	memberships SignupMemberships
	invitations SignupInvitations
	logger      *logrus.Logger
}

// NewSignupService creates a signup service
func NewSignupService(users SignupUsers, roles auth.RoleStore, orgDir SignupOrgs, memberships SignupMemberships, invitations SignupInvitations, logger *logrus.Logger) *SignupService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SignupService{
		users:       users,
		roles:       roles,
		orgs:        orgDir,
		memberships: memberships,
		invitations: invitations,
		logger:      logger,
	}
}

// Signup creates a user. The first user of an instance is granted the admin
// and moderator roles; everyone else gets user. With an invitation the user
// joins the inviting organization, otherwise a new organization is created
// with the user as its admin.
func (s *SignupService) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	req.Organization = strings.TrimSpace(req.Organization)
	if err := validateSignup(req); err != nil {
		return nil, err
	}

	if err := s.ensureAvailable(ctx, req); err != nil {
		return nil, err
	}

	var invitation *orgs.Invitation
	if req.InvitationToken != "" {
		inv, err := s.invitations.ResolveForSignup(ctx, req.InvitationToken)
		if err != nil {
			if errors.Is(err, orgs.ErrInvitationExpired) || errors.Is(err, orgs.ErrInvitationNotFoundOrExpired) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
			}
			return nil, fmt.Errorf("%w: invitation lookup: %v", auth.ErrConfiguration, err)
		}
		if !strings.EqualFold(inv.Email, req.Email) {
			return nil, ErrInviteMismatch
		}
		invitation = inv
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignup, err)
	}

	user := &auth.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		AuthProvider: auth.ProviderLocal,
	}
	existing, err := s.users.CreateUserCounted(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("%w: %v", auth.ErrUserCreationFailed, err)
	}
	log := s.logger.WithField("user_id", user.ID)

	result := &SignupResult{User: user}
	if existing == 0 {
		result.Roles = s.assignRoles(ctx, user.ID, log, auth.RoleAdmin, auth.RoleModerator)
	} else {
		result.Roles = s.assignRoles(ctx, user.ID, log, auth.RoleUser)
	}

	// The invitation is consumed only once the user exists. Losing the
	// accept to expiry or another consumer falls back to a new organization.
	if invitation != nil {
		accepted, err := s.invitations.Accept(ctx, invitation.Token)
		if err != nil {
			log.WithError(err).Warn("Invitation could not be consumed, creating a new organization")
			invitation = nil
			req.Organization = ""
		} else {
			invitation = accepted
		}
	}

	if invitation != nil {
		org, err := s.orgs.GetByID(ctx, invitation.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("%w: invitation organization: %v", auth.ErrUserCreationFailed, err)
		}
		role := invitation.Role
		if role == "" {
			role = auth.RoleUser
		}
		if err := s.memberships.AddMember(ctx, user.ID, org.ID, role, true); err != nil {
			return nil, fmt.Errorf("%w: membership: %v", auth.ErrUserCreationFailed, err)
		}
		result.Organization, result.OrgRole = org, role
	} else {
		org, err := s.createOrg(ctx, req.Organization)
		if err != nil {
			return nil, err
		}
		if err := s.memberships.AddMember(ctx, user.ID, org.ID, auth.RoleAdmin, true); err != nil {
			return nil, fmt.Errorf("%w: membership: %v", auth.ErrUserCreationFailed, err)
		}
		result.Organization, result.OrgRole = org, auth.RoleAdmin
	}
	orgID := result.Organization.ID
	user.PrimaryOrganizationID = &orgID

	log.WithFields(logrus.Fields{
		"organization": result.Organization.Name,
		"first_user":   existing == 0,
		"invited":      invitation != nil,
	}).Info("User signed up")
	return result, nil
}

func validateSignup(req SignupRequest) error {
	if req.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidSignup)
	}
	if req.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidSignup)
	}
	if req.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidSignup)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return fmt.Errorf("%w: email is invalid", ErrInvalidSignup)
	}
	return nil
}

func (s *SignupService) ensureAvailable(ctx context.Context, req SignupRequest) error {
	if _, err := s.users.FindUserByUsername(ctx, req.Username); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: find user: %v", auth.ErrConfiguration, err)
	}
	if _, err := s.users.FindUserByEmail(ctx, req.Email); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: find user: %v", auth.ErrConfiguration, err)
	}
	if req.Organization == "" || req.InvitationToken != "" {
		return nil
	}
	if _, err := s.orgs.GetByName(ctx, req.Organization); err == nil {
		return ErrOrgNameTaken
	} else if !errors.Is(err, orgs.ErrOrgNotFound) {
		return fmt.Errorf("%w: find organization: %v", auth.ErrConfiguration, err)
	}
	return nil
}

func (s *SignupService) assignRoles(ctx context.Context, userID int64, log *logrus.Entry, roles ...auth.Role) []string {
	assigned := make([]string, 0, len(roles))
	for _, name := range roles {
		role, err := s.roles.FindRoleByName(ctx, string(name))
		if err != nil {
			log.WithError(err).WithField("role", name).Warn("Role not found, skipping assignment")
			continue
		}
		if err := s.roles.AssignRole(ctx, userID, role.ID); err != nil {
			log.WithError(err).WithField("role", name).Warn("Failed to assign role")
			continue
		}
		assigned = append(assigned, role.Name)
	}
	return assigned
}

// createOrg uses the requested name, or a random code when none was given
func (s *SignupService) createOrg(ctx context.Context, name string) (*orgs.Organization, error) {
	if name != "" {
		org, err := s.orgs.Create(ctx, name, orgs.AccessModePrivate)
		if errors.Is(err, orgs.ErrOrgExists) {
			return nil, ErrOrgNameTaken
		}
		if err != nil {
			return nil, fmt.Errorf("%w: organization: %v", auth.ErrUserCreationFailed, err)
		}
		return org, nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		code, err := orgs.RandomCode()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", auth.ErrUserCreationFailed, err)
		}
		org, err := s.orgs.Create(ctx, code, orgs.AccessModePrivate)
		if err == nil {
			return org, nil
		}
		if !errors.Is(err, orgs.ErrOrgExists) {
			return nil, fmt.Errorf("%w: organization: %v", auth.ErrUserCreationFailed, err)
		}
	}
	return nil, fmt.Errorf("%w: no free organization name", auth.ErrUserCreationFailed)
}
