package sso

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/config"
	"github.com/platinummonkey/boxvault/pkg/observability"
	"github.com/platinummonkey/boxvault/pkg/orgs"
	"github.com/platinummonkey/boxvault/pkg/storage"
)

// OrgDirectory finds and creates organizations
type OrgDirectory interface {
	GetByName(ctx context.Context, name string) (*orgs.Organization, error)
	Create(ctx context.Context, name string, mode orgs.AccessMode) (*orgs.Organization, error)
}

// MembershipWriter assigns organization memberships
type MembershipWriter interface {
	AddMember(ctx context.Context, userID, orgID int64, role auth.Role, primary bool) error
	HasPrimary(ctx context.Context, userID int64) (bool, error)
}

// InvitationConsumer finds and consumes pending invitations
type InvitationConsumer interface {
	FindPendingForEmail(ctx context.Context, email string) (*orgs.Invitation, error)
	Accept(ctx context.Context, token string) (*orgs.Invitation, error)
}

// Provisioning outcomes, used as metric labels
const (
	BranchExistingCredential = "existing_credential"
	BranchLinkedEmail        = "linked_email"
	BranchInvitation         = "invitation"
	BranchDomainMapping      = "domain_mapping"
	BranchCreateOrg          = "create_org"
	BranchDenied             = "denied"
	BranchUnknownPolicy      = "unknown_policy"
	BranchFailed             = "failed"
)

// ProvisionerDeps are the stores the provisioner works against
type ProvisionerDeps struct {
	Users       auth.UserStore
	Credentials auth.CredentialStore
	Roles       auth.RoleStore
	Orgs        OrgDirectory
	Memberships MembershipWriter
	Invitations InvitationConsumer
}

// Provisioner resolves an external identity to a local user, creating the
// user and its organization when policy allows.
type Provisioner struct {
	deps    ProvisionerDeps
	policy  config.ProvisioningConfig
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewProvisioner creates a provisioner
func NewProvisioner(deps ProvisionerDeps, policy config.ProvisioningConfig, logger *logrus.Logger, metrics *observability.Metrics) *Provisioner {
	if logger == nil {
		logger = logrus.New()
	}
	if policy.DefaultRole == "" {
		policy.DefaultRole = string(auth.RoleUser)
	}
	return &Provisioner{deps: deps, policy: policy, logger: logger, metrics: metrics}
}

// orgTarget is the outcome of organization determination
type orgTarget struct {
	orgID  int64
	role   auth.Role
	source string

	// mappedDomain is set when a domain mapping matched but its organization does not exist
	mappedDomain string

	// invitationToken names a pending invitation that has not been accepted yet
	invitationToken string
}

func (t orgTarget) found() bool { return t.orgID != 0 }

// Provision returns the local user for (providerTag, profile.Subject).
//
// The user is resolved in this order:
//   - an existing credential for the provider and subject
//   - an existing user with the same email, which gets the credential linked
//   - a new user, when the provisioning policy allows it
//
// A new user joins the organization of a pending invitation for its email,
// then a domain-mapped organization, and otherwise whatever the fallback
// action decides. The invitation is accepted only after the user row exists.
//
// Suspended users get ErrAccountInactive. Credential linking is best effort
// and never fails a login.
func (p *Provisioner) Provision(ctx context.Context, providerTag string, profile *Profile) (*auth.User, error) {
	log := p.logger.WithFields(logrus.Fields{
		"provider": providerTag,
		"subject":  profile.Subject,
	})

	cred, err := p.deps.Credentials.FindCredential(ctx, providerTag, profile.Subject)
	switch {
	case err == nil:
		return p.existingCredential(ctx, cred, profile, log)
	case !errors.Is(err, storage.ErrNotFound):
		p.metrics.RecordProvisioning(BranchFailed)
		return nil, fmt.Errorf("%w: credential lookup: %v", auth.ErrConfiguration, err)
	}

	if profile.Email != "" {
		user, err := p.deps.Users.FindUserByEmail(ctx, profile.Email)
		switch {
		case err == nil:
			return p.linkEmail(ctx, user, providerTag, profile, log)
		case !errors.Is(err, storage.ErrNotFound):
			p.metrics.RecordProvisioning(BranchFailed)
			return nil, fmt.Errorf("%w: user lookup: %v", auth.ErrConfiguration, err)
		}
	}

	return p.createUser(ctx, providerTag, profile, log)
}

func (p *Provisioner) existingCredential(ctx context.Context, cred *auth.Credential, profile *Profile, log *logrus.Entry) (*auth.User, error) {
	user, err := p.deps.Users.FindUserByID(ctx, cred.UserID)
	if err != nil {
		p.metrics.RecordProvisioning(BranchFailed)
		return nil, fmt.Errorf("%w: credential owner %d: %v", auth.ErrConfiguration, cred.UserID, err)
	}
	if user.Suspended {
		p.metrics.RecordProvisioning(BranchDenied)
		return nil, auth.ErrAccountInactive
	}

	p.ensurePrimary(ctx, user, profile, log)
	p.metrics.RecordProvisioning(BranchExistingCredential)
	return user, nil
}

func (p *Provisioner) linkEmail(ctx context.Context, user *auth.User, providerTag string, profile *Profile, log *logrus.Entry) (*auth.User, error) {
	if user.Suspended {
		p.metrics.RecordProvisioning(BranchDenied)
		return nil, auth.ErrAccountInactive
	}

	// Linking is best effort: the login proceeds even if it fails
	p.link(ctx, user.ID, providerTag, profile, log)
	if err := p.deps.Users.LinkExternalIdentity(ctx, user.ID, providerTag, profile.Subject); err != nil {
		log.WithError(err).WithField("user_id", user.ID).Warn("Failed to stamp external identity on user")
	} else {
		user.AuthProvider = providerTag
		user.ExternalSubject = profile.Subject
	}

	p.ensurePrimary(ctx, user, profile, log)
	p.metrics.RecordProvisioning(BranchLinkedEmail)
	return user, nil
}

func (p *Provisioner) link(ctx context.Context, userID int64, providerTag string, profile *Profile, log *logrus.Entry) {
	err := p.deps.Credentials.CreateCredential(ctx, &auth.Credential{
		UserID:   userID,
		Provider: providerTag,
		Subject:  profile.Subject,
		Email:    profile.Email,
	})
	if err == nil {
		return
	}
	entry := log.WithError(err).WithField("user_id", userID)
	if profile.Email == "" {
		// Without an email the next login cannot find this user again
		entry.Error("Failed to link external credential for user without email")
		return
	}
	entry.Warn("Failed to link external credential")
}

// ensurePrimary gives an existing user a primary organization when one can
// be determined. Only the create_org fallback creates a new organization for
// an existing user; other fallbacks leave the user without one.
func (p *Provisioner) ensurePrimary(ctx context.Context, user *auth.User, profile *Profile, log *logrus.Entry) {
	if user.PrimaryOrganizationID != nil {
		return
	}
	has, err := p.deps.Memberships.HasPrimary(ctx, user.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to check primary organization")
		return
	}
	if has {
		return
	}

	target := p.claimInvitation(ctx, p.determineOrg(ctx, profile, log), profile, log)
	if !target.found() {
		if p.policy.FallbackAction != config.FallbackCreateOrg {
			log.WithField("user_id", user.ID).Info("No primary organization determined for existing user")
			return
		}
		org, err := p.createOrg(ctx, target.mappedDomain)
		if err != nil {
			log.WithError(err).Warn("Failed to create organization for existing user")
			return
		}
		target = orgTarget{orgID: org.ID, role: auth.RoleAdmin, source: BranchCreateOrg}
	}

	if err := p.deps.Memberships.AddMember(ctx, user.ID, target.orgID, target.role, true); err != nil {
		log.WithError(err).WithField("organization_id", target.orgID).Warn("Failed to assign primary organization")
		return
	}
	orgID := target.orgID
	user.PrimaryOrganizationID = &orgID
}

func (p *Provisioner) createUser(ctx context.Context, providerTag string, profile *Profile, log *logrus.Entry) (*auth.User, error) {
	if !p.policy.Enabled {
		p.metrics.RecordProvisioning(BranchDenied)
		return nil, fmt.Errorf("%w: provisioning disabled", auth.ErrAccessDenied)
	}

	target := p.determineOrg(ctx, profile, log)
	branch := target.source
	if !target.found() {
		switch p.policy.FallbackAction {
		case config.FallbackCreateOrg:
			branch = BranchCreateOrg
		case config.FallbackRequireInvite:
			p.metrics.RecordProvisioning(BranchDenied)
			return nil, fmt.Errorf("%w: invitation required", auth.ErrAccessDenied)
		case config.FallbackDenyAccess:
			p.metrics.RecordProvisioning(BranchDenied)
			return nil, fmt.Errorf("%w: provisioning policy denies access", auth.ErrAccessDenied)
		default:
			p.metrics.RecordProvisioning(BranchUnknownPolicy)
			return nil, fmt.Errorf("%w: %q", auth.ErrUnknownPolicy, p.policy.FallbackAction)
		}
	}

	username, err := p.uniqueUsername(ctx, profile)
	if err != nil {
		p.metrics.RecordProvisioning(BranchFailed)
		return nil, fmt.Errorf("%w: %v", auth.ErrUserCreationFailed, err)
	}

	user := &auth.User{
		Username:        username,
		Email:           profile.Email,
		EmailVerified:   profile.EmailVerified,
		ExternalSubject: profile.Subject,
		AuthProvider:    providerTag,
	}
	if err := p.deps.Users.CreateUser(ctx, user); err != nil {
		p.metrics.RecordProvisioning(BranchFailed)
		return nil, fmt.Errorf("%w: %v", auth.ErrUserCreationFailed, err)
	}
	log = log.WithField("user_id", user.ID)
	p.link(ctx, user.ID, providerTag, profile, log)

	// The invitation is accepted only once the user exists, so a failed
	// insert leaves it usable for the next attempt.
	if target.invitationToken != "" {
		target = p.claimInvitation(ctx, target, profile, log)
		if target.found() {
			branch = target.source
		} else if p.policy.FallbackAction == config.FallbackCreateOrg {
			branch = BranchCreateOrg
		}
	}

	if !target.found() && p.policy.FallbackAction != config.FallbackCreateOrg {
		log.Warn("Invitation was consumed elsewhere, user created without an organization")
		p.assignDefaultRole(ctx, user.ID, log)
		p.metrics.RecordProvisioning(branch)
		return user, nil
	}

	if !target.found() {
		org, err := p.createOrg(ctx, target.mappedDomain)
		if err != nil {
			p.metrics.RecordProvisioning(BranchFailed)
			return nil, fmt.Errorf("%w: %v", auth.ErrUserCreationFailed, err)
		}
		target = orgTarget{orgID: org.ID, role: auth.RoleAdmin, source: BranchCreateOrg}
	}

	if err := p.deps.Memberships.AddMember(ctx, user.ID, target.orgID, target.role, true); err != nil {
		p.metrics.RecordProvisioning(BranchFailed)
		return nil, fmt.Errorf("%w: membership: %v", auth.ErrUserCreationFailed, err)
	}
	orgID := target.orgID
	user.PrimaryOrganizationID = &orgID

	p.assignDefaultRole(ctx, user.ID, log)

	log.WithFields(logrus.Fields{
		"organization_id": orgID,
		"branch":          branch,
	}).Info("Provisioned user from external identity")
	p.metrics.RecordProvisioning(branch)
	return user, nil
}

// determineOrg tries a pending invitation, then the domain mapping. A pending
// invitation is only looked up here; claimInvitation consumes it.
func (p *Provisioner) determineOrg(ctx context.Context, profile *Profile, log *logrus.Entry) orgTarget {
	if profile.Email == "" {
		return orgTarget{}
	}

	if p.deps.Invitations != nil {
		inv, err := p.deps.Invitations.FindPendingForEmail(ctx, profile.Email)
		switch {
		case err == nil:
			return orgTarget{
				orgID:           inv.OrganizationID,
				role:            invitationRole(inv),
				source:          BranchInvitation,
				invitationToken: inv.Token,
			}
		case !errors.Is(err, orgs.ErrInvitationNotFoundOrExpired):
			log.WithError(err).Warn("Failed to look up pending invitation")
		}
	}

	return p.mappedOrg(ctx, profile, log)
}

// claimInvitation accepts the invitation a target was built from. If it was
// consumed or expired in the meantime the domain mapping decides instead.
func (p *Provisioner) claimInvitation(ctx context.Context, target orgTarget, profile *Profile, log *logrus.Entry) orgTarget {
	if target.invitationToken == "" {
		return target
	}
	accepted, err := p.deps.Invitations.Accept(ctx, target.invitationToken)
	if err != nil {
		log.WithError(err).Info("Pending invitation could not be consumed")
		return p.mappedOrg(ctx, profile, log)
	}
	return orgTarget{orgID: accepted.OrganizationID, role: invitationRole(accepted), source: BranchInvitation}
}

func invitationRole(inv *orgs.Invitation) auth.Role {
	if inv.Role == "" {
		return auth.RoleUser
	}
	return inv.Role
}

func (p *Provisioner) mappedOrg(ctx context.Context, profile *Profile, log *logrus.Entry) orgTarget {
	if !p.policy.DomainMappingEnabled || profile.Email == "" {
		return orgTarget{}
	}
	domain := EmailDomain(profile.Email)
	orgName, ok := ParseDomainMap(p.policy.DomainMappings).Lookup(domain)
	if !ok {
		return orgTarget{}
	}
	org, err := p.deps.Orgs.GetByName(ctx, orgName)
	if err != nil {
		if !errors.Is(err, orgs.ErrOrgNotFound) {
			log.WithError(err).Warn("Failed to look up mapped organization")
		}
		return orgTarget{mappedDomain: domain}
	}
	return orgTarget{orgID: org.ID, role: p.memberRole(), source: BranchDomainMapping}
}

// memberRole is the organization role for domain-mapped members
func (p *Provisioner) memberRole() auth.Role {
	role := auth.Role(p.policy.DefaultRole)
	if role == auth.RoleUser || role == auth.RoleModerator {
		return role
	}
	return auth.RoleUser
}

// createOrg names the organization after the mapped domain when there is
// one and it is free, otherwise after a random code.
func (p *Provisioner) createOrg(ctx context.Context, domain string) (*orgs.Organization, error) {
	if domain != "" {
		org, err := p.deps.Orgs.Create(ctx, domain, orgs.AccessModePrivate)
		if err == nil {
			return org, nil
		}
		if !errors.Is(err, orgs.ErrOrgExists) {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		code, err := orgs.RandomCode()
		if err != nil {
			return nil, err
		}
		org, err := p.deps.Orgs.Create(ctx, code, orgs.AccessModePrivate)
		if err == nil {
			return org, nil
		}
		if !errors.Is(err, orgs.ErrOrgExists) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Provisioner) assignDefaultRole(ctx context.Context, userID int64, log *logrus.Entry) {
	role, err := p.deps.Roles.FindRoleByName(ctx, p.policy.DefaultRole)
	if err != nil {
		log.WithError(err).WithField("role", p.policy.DefaultRole).Warn("Default role not found, skipping role assignment")
		return
	}
	if err := p.deps.Roles.AssignRole(ctx, userID, role.ID); err != nil {
		log.WithError(err).WithField("role", role.Name).Warn("Failed to assign default role")
	}
}

// uniqueUsername derives a username from the profile, suffixing a random
// code when it is taken
func (p *Provisioner) uniqueUsername(ctx context.Context, profile *Profile) (string, error) {
	base := strings.TrimSpace(profile.Username)
	if base == "" && profile.Email != "" {
		base, _, _ = strings.Cut(profile.Email, "@")
	}
	if base == "" {
		base = profile.Subject
	}

	candidate := base
	for attempt := 0; attempt < 5; attempt++ {
		_, err := p.deps.Users.FindUserByUsername(ctx, candidate)
		if errors.Is(err, storage.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		code, err := orgs.RandomCode()
		if err != nil {
			return "", err
		}
		candidate = base + "-" + code
	}
	return "", fmt.Errorf("could not find a free username for %q", base)
}
