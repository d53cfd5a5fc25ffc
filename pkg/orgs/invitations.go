package orgs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/boxvault/pkg/auth"
)

// InvitationResolver validates, consumes and expires invitations
type InvitationResolver struct {
	db  *sql.DB
	now func() time.Time
}

// NewInvitationResolver creates a new InvitationResolver
func NewInvitationResolver(db *sql.DB) *InvitationResolver {
	return &InvitationResolver{db: db, now: time.Now}
}

const invitationColumns = `id, email, token, expires, organization_id, role, accepted, expired, created_at`

func scanInvitation(row interface{ Scan(...interface{}) error }) (*Invitation, error) {
	inv := &Invitation{}
	err := row.Scan(&inv.ID, &inv.Email, &inv.Token, &inv.Expires, &inv.OrganizationID,
		&inv.Role, &inv.Accepted, &inv.Expired, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvitationNotFoundOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

func (r *InvitationResolver) get(ctx context.Context, token string) (*Invitation, error) {
	if token == "" {
		return nil, ErrInvitationNotFoundOrExpired
	}
	return scanInvitation(r.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE token = $1`, token))
}

// Create issues a new invitation valid for ttl
func (r *InvitationResolver) Create(ctx context.Context, email string, orgID int64, role auth.Role, ttl time.Duration) (*Invitation, error) {
	if role == "" {
		role = auth.RoleUser
	}
	if role != auth.RoleUser && role != auth.RoleModerator {
		return nil, ErrInvalidInvitationRole
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	inv := &Invitation{
		Email:          strings.TrimSpace(email),
		Token:          token,
		Expires:        r.now().Add(ttl).UTC(),
		OrganizationID: orgID,
		Role:           role,
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO invitations (email, token, expires, organization_id, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, inv.Email, inv.Token, inv.Expires, inv.OrganizationID, inv.Role).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}
	return inv, nil
}

// Validate returns the invitation only if it is unaccepted, not flagged
// expired and not past its expiry
func (r *InvitationResolver) Validate(ctx context.Context, token string) (*Invitation, error) {
	inv, err := r.get(ctx, token)
	if err != nil {
		return nil, err
	}
	if !inv.Usable(r.now()) {
		return nil, ErrInvitationNotFoundOrExpired
	}
	return inv, nil
}

// ResolveForSignup validates an invitation presented at signup. An invitation
// past its expiry is flagged expired before ErrInvitationExpired is returned.
func (r *InvitationResolver) ResolveForSignup(ctx context.Context, token string) (*Invitation, error) {
	inv, err := r.get(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Accepted || inv.Expired {
		return nil, ErrInvitationNotFoundOrExpired
	}
	if !inv.Expires.After(r.now()) {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE invitations SET expired = true WHERE id = $1 AND accepted = false`, inv.ID); err != nil {
			return nil, fmt.Errorf("failed to flag invitation expired: %w", err)
		}
		return nil, ErrInvitationExpired
	}
	return inv, nil
}

// Accept consumes an invitation. Only one of several concurrent callers
// succeeds; the rest get ErrInvitationNotFoundOrExpired.
func (r *InvitationResolver) Accept(ctx context.Context, token string) (*Invitation, error) {
	inv, err := scanInvitation(r.db.QueryRowContext(ctx, `
		UPDATE invitations
		SET accepted = true
		WHERE token = $1 AND accepted = false AND expired = false AND expires > $2
		RETURNING `+invitationColumns, token, r.now().UTC()))
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// FindPendingForEmail returns the newest usable invitation addressed to email
func (r *InvitationResolver) FindPendingForEmail(ctx context.Context, email string) (*Invitation, error) {
	if email == "" {
		return nil, ErrInvitationNotFoundOrExpired
	}
	return scanInvitation(r.db.QueryRowContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE LOWER(email) = LOWER($1) AND accepted = false AND expired = false AND expires > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, email, r.now().UTC()))
}

// ExpireStale flags every overdue, unaccepted invitation and returns how many changed
func (r *InvitationResolver) ExpireStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE invitations
		SET expired = true
		WHERE accepted = false AND expired = false AND expires <= $1
	`, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire invitations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
