package orgs

import "errors"

var (
	ErrOrgNotFound                 = errors.New("organization not found")
	ErrOrgExists                   = errors.New("organization already exists")
	ErrNotMember                   = errors.New("user is not a member of the organization")
	ErrInvitationNotFoundOrExpired = errors.New("invitation not found or expired")
	ErrInvitationExpired           = errors.New("invitation has expired")
	ErrInvalidInvitationRole       = errors.New("invitations may only grant user or moderator")
)
