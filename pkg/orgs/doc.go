// Package orgs manages organizations, memberships and invitations.
//
// MembershipResolver is the only writer of user_orgs.is_primary. SetPrimary
// and AddMember(primary=true) lock the user's rows, clear every primary flag
// and set exactly one, all inside a single transaction, and mirror the
// result into users.primary_organization_id.
//
// InvitationResolver tokens are single use: Accept is a conditional update,
// so concurrent acceptances of one token succeed at most once. Invitations
// whose expiry has passed are flagged expired either when presented at
// signup or by the Sweeper.
package orgs
