package orgs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockResolver(t *testing.T) (*MembershipResolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMembershipResolver(db), mock
}

var membershipColumns = []string{"organization_id", "name", "role", "is_primary", "joined_at"}

func TestResolve_Ordered(t *testing.T) {
	r, mock := newMockResolver(t)
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)

	rows := sqlmock.NewRows(membershipColumns).
		AddRow(2, "globex", "admin", true, late).
		AddRow(1, "acme", "user", false, early).
		AddRow(3, "initech", "moderator", false, late)
	mock.ExpectQuery(`SELECT uo.organization_id, o.name, uo.role, uo.is_primary, uo.joined_at\s+FROM user_orgs uo(.+)ORDER BY uo.is_primary DESC, uo.joined_at ASC`).
		WithArgs(int64(10)).
		WillReturnRows(rows)

	memberships, err := r.Resolve(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, memberships, 3)
	assert.Equal(t, "globex", memberships[0].OrganizationName)
	assert.True(t, memberships[0].IsPrimary)
	assert.Equal(t, auth.RoleAdmin, memberships[0].Role)
	assert.Equal(t, "acme", memberships[1].OrganizationName)
	assert.False(t, memberships[1].Legacy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_LegacyFallback(t *testing.T) {
	r, mock := newMockResolver(t)
	created := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM user_orgs uo`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(membershipColumns))
	mock.ExpectQuery(`SELECT o.id, o.name, u.created_at\s+FROM users u\s+JOIN organizations o ON o.id = u.primary_organization_id`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).AddRow(5, "legacy-org", created))

	memberships, err := r.Resolve(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.True(t, memberships[0].Legacy)
	assert.True(t, memberships[0].IsPrimary)
	assert.Equal(t, int64(5), memberships[0].OrganizationID)
	assert.Equal(t, auth.RoleUser, memberships[0].Role)

	claims := ToClaims(memberships)
	assert.Equal(t, []auth.OrgClaim{{Name: "legacy-org", Role: auth.RoleUser, IsPrimary: true}}, claims)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_NoOrganizations(t *testing.T) {
	r, mock := newMockResolver(t)

	mock.ExpectQuery(`SELECT (.+) FROM user_orgs uo`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(membershipColumns))
	mock.ExpectQuery(`SELECT o.id, o.name, u.created_at`).
		WithArgs(int64(10)).
		WillReturnError(sql.ErrNoRows)

	claims, err := r.Claims(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Empty(t, claims)
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectPrimarySwap(mock sqlmock.Sqlmock, userID, orgID int64, memberOf ...int64) {
	rows := sqlmock.NewRows([]string{"organization_id"})
	for _, id := range memberOf {
		rows.AddRow(id)
	}
	mock.ExpectQuery(`SELECT organization_id FROM user_orgs WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE user_orgs SET is_primary = false WHERE user_id = \$1`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, int64(len(memberOf))))
	mock.ExpectExec(`UPDATE user_orgs SET is_primary = true WHERE user_id = \$1 AND organization_id = \$2`).
		WithArgs(userID, orgID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET primary_organization_id = \$1 WHERE id = \$2`).
		WithArgs(orgID, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSetPrimary_Sequential(t *testing.T) {
	r, mock := newMockResolver(t)
	ctx := context.Background()

	mock.ExpectBegin()
	expectPrimarySwap(mock, 10, 1, 1, 2)
	mock.ExpectCommit()

	mock.ExpectBegin()
	expectPrimarySwap(mock, 10, 2, 1, 2)
	mock.ExpectCommit()

	require.NoError(t, r.SetPrimary(ctx, 10, 1))
	require.NoError(t, r.SetPrimary(ctx, 10, 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPrimary_NotMemberRollsBack(t *testing.T) {
	r, mock := newMockResolver(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT organization_id FROM user_orgs WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(1))
	mock.ExpectRollback()

	err := r.SetPrimary(context.Background(), 10, 99)
	assert.ErrorIs(t, err, ErrNotMember)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPrimary_RowErrorIsNotMembership(t *testing.T) {
	r, mock := newMockResolver(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT organization_id FROM user_orgs WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).
			AddRow(1).
			AddRow(2).
			RowError(0, errors.New("connection reset")))
	mock.ExpectRollback()

	err := r.SetPrimary(context.Background(), 10, 2)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotMember)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPrimary_FailurePartwayRollsBack(t *testing.T) {
	r, mock := newMockResolver(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT organization_id FROM user_orgs WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(1).AddRow(2))
	mock.ExpectExec(`UPDATE user_orgs SET is_primary = false`).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE user_orgs SET is_primary = true`).
		WithArgs(int64(10), int64(2)).
		WillReturnError(errors.New("serialization failure"))
	mock.ExpectRollback()

	err := r.SetPrimary(context.Background(), 10, 2)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMember(t *testing.T) {
	r, mock := newMockResolver(t)
	ctx := context.Background()

	t.Run("non primary", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO user_orgs`).
			WithArgs(int64(10), int64(3), auth.RoleModerator).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, r.AddMember(ctx, 10, 3, auth.RoleModerator, false))
	})

	t.Run("primary", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO user_orgs`).
			WithArgs(int64(10), int64(4), auth.RoleAdmin).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectPrimarySwap(mock, 10, 4, 3, 4)
		mock.ExpectCommit()

		require.NoError(t, r.AddMember(ctx, 10, 4, auth.RoleAdmin, true))
	})

	t.Run("invalid role", func(t *testing.T) {
		assert.Error(t, r.AddMember(ctx, 10, 4, auth.Role("owner"), false))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPrimary(t *testing.T) {
	r, mock := newMockResolver(t)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := r.HasPrimary(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
