package orgs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/boxvault/pkg/auth"
)

// MembershipResolver computes a user's organizations and owns the
// single-primary invariant
type MembershipResolver struct {
	db *sql.DB
}

// NewMembershipResolver creates a new MembershipResolver
func NewMembershipResolver(db *sql.DB) *MembershipResolver {
	return &MembershipResolver{db: db}
}

// Resolve lists a user's memberships, primary first, then by join time.
//
// Users without membership rows fall back to the organization referenced by
// users.primary_organization_id; that entry is marked Legacy. A user with
// neither resolves to an empty list.
func (r *MembershipResolver) Resolve(ctx context.Context, userID int64) ([]Membership, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT uo.organization_id, o.name, uo.role, uo.is_primary, uo.joined_at
		FROM user_orgs uo
		JOIN organizations o ON o.id = uo.organization_id
		WHERE uo.user_id = $1
		ORDER BY uo.is_primary DESC, uo.joined_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	memberships := []Membership{}
	for rows.Next() {
		m := Membership{UserID: userID}
		if err := rows.Scan(&m.OrganizationID, &m.OrganizationName, &m.Role, &m.IsPrimary, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	if len(memberships) > 0 {
		return memberships, nil
	}

	return r.resolveLegacy(ctx, userID)
}

func (r *MembershipResolver) resolveLegacy(ctx context.Context, userID int64) ([]Membership, error) {
	m := Membership{UserID: userID, Role: auth.RoleUser, IsPrimary: true, Legacy: true}
	err := r.db.QueryRowContext(ctx, `
		SELECT o.id, o.name, u.created_at
		FROM users u
		JOIN organizations o ON o.id = u.primary_organization_id
		WHERE u.id = $1
	`, userID).Scan(&m.OrganizationID, &m.OrganizationName, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return []Membership{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve legacy primary organization: %w", err)
	}
	return []Membership{m}, nil
}

// Claims resolves memberships into token claims
func (r *MembershipResolver) Claims(ctx context.Context, userID int64) ([]auth.OrgClaim, error) {
	memberships, err := r.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ToClaims(memberships), nil
}

// ToClaims converts memberships into token claims, preserving order
func ToClaims(memberships []Membership) []auth.OrgClaim {
	claims := make([]auth.OrgClaim, 0, len(memberships))
	for _, m := range memberships {
		claims = append(claims, auth.OrgClaim{
			Name:      m.OrganizationName,
			Role:      m.Role,
			IsPrimary: m.IsPrimary,
		})
	}
	return claims
}

// HasPrimary reports whether the user has a primary membership row
func (r *MembershipResolver) HasPrimary(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_orgs WHERE user_id = $1 AND is_primary)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check primary organization: %w", err)
	}
	return exists, nil
}

// SetPrimary makes orgID the user's only primary organization.
// The clear and set run in one transaction; a failure changes nothing.
func (r *MembershipResolver) SetPrimary(ctx context.Context, userID, orgID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := setPrimaryTx(ctx, tx, userID, orgID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AddMember adds a membership. With primary set, the new row also becomes
// the user's primary organization in the same transaction.
func (r *MembershipResolver) AddMember(ctx context.Context, userID, orgID int64, role auth.Role, primary bool) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_orgs (user_id, organization_id, role, is_primary)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (user_id, organization_id) DO NOTHING
	`, userID, orgID, role)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	if primary {
		if err := setPrimaryTx(ctx, tx, userID, orgID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func setPrimaryTx(ctx context.Context, tx *sql.Tx, userID, orgID int64) error {
	// Lock every membership row of the user so concurrent reassignments serialize
	rows, err := tx.QueryContext(ctx,
		`SELECT organization_id FROM user_orgs WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return fmt.Errorf("failed to lock memberships: %w", err)
	}
	member := false
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan membership: %w", err)
		}
		if id == orgID {
			member = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read memberships: %w", err)
	}
	rows.Close()
	if !member {
		return ErrNotMember
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_orgs SET is_primary = false WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear primary organization: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE user_orgs SET is_primary = true WHERE user_id = $1 AND organization_id = $2`, userID, orgID)
	if err != nil {
		return fmt.Errorf("failed to set primary organization: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("failed to set primary organization: expected 1 row, got %d", n)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET primary_organization_id = $1 WHERE id = $2`, orgID, userID); err != nil {
		return fmt.Errorf("failed to update user primary organization: %w", err)
	}
	return nil
}
