//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/boxvault/pkg/audit"
	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/orgs"
	"github.com/platinummonkey/boxvault/pkg/storage"
	"github.com/platinummonkey/boxvault/pkg/storage/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("boxvault_test"),
		tcpostgres.WithUsername("boxvault"),
		tcpostgres.WithPassword("boxvault_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.Open(ctx, postgres.ConnectionConfig{URL: connStr, MaxConns: 10, Timeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgres.RunMigrations(ctx, db, nil))
	// Applying twice is a no-op
	require.NoError(t, postgres.RunMigrations(ctx, db, nil))
	return db
}

func TestIntegration_IdentityStore(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	store := postgres.NewStore(db)

	user := &auth.User{Username: "alice", Email: "Alice@Example.com", PasswordHash: "hash"}
	require.NoError(t, store.CreateUser(ctx, user))
	assert.ErrorIs(t, store.CreateUser(ctx, &auth.User{Username: "alice"}), storage.ErrDuplicate)

	found, err := store.FindUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	cred := &auth.Credential{UserID: user.ID, Provider: "oidc-corp", Subject: "sub-1"}
	require.NoError(t, store.CreateCredential(ctx, cred))
	assert.ErrorIs(t, store.CreateCredential(ctx, &auth.Credential{UserID: user.ID, Provider: "oidc-corp", Subject: "sub-1"}), storage.ErrDuplicate)

	role, err := store.FindRoleByName(ctx, "admin")
	require.NoError(t, err)
	require.NoError(t, store.AssignRole(ctx, user.ID, role.ID))
	require.NoError(t, store.AssignRole(ctx, user.ID, role.ID))
	roles, err := store.RolesForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, roles)

	sa := &auth.ServiceAccount{Username: "ci-bot", Token: "tok", UserID: user.ID, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.CreateServiceAccount(ctx, sa))
	gotSA, err := store.FindServiceAccount(ctx, "ci-bot", "tok")
	require.NoError(t, err)
	assert.Equal(t, sa.ID, gotSA.ID)
}

func TestIntegration_SinglePrimary(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	store := postgres.NewStore(db)
	orgService := orgs.NewService(db)
	members := orgs.NewMembershipResolver(db)

	user := &auth.User{Username: "bob"}
	require.NoError(t, store.CreateUser(ctx, user))

	orgA, err := orgService.Create(ctx, "org-a", orgs.AccessModePrivate)
	require.NoError(t, err)
	orgB, err := orgService.Create(ctx, "org-b", orgs.AccessModePrivate)
	require.NoError(t, err)

	require.NoError(t, members.AddMember(ctx, user.ID, orgA.ID, auth.RoleUser, true))
	require.NoError(t, members.AddMember(ctx, user.ID, orgB.ID, auth.RoleUser, false))

	require.NoError(t, members.SetPrimary(ctx, user.ID, orgA.ID))
	require.NoError(t, members.SetPrimary(ctx, user.ID, orgB.ID))

	var primaries int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_orgs WHERE user_id = $1 AND is_primary`, user.ID).Scan(&primaries))
	assert.Equal(t, 1, primaries)

	resolved, err := members.Resolve(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, "org-b", resolved[0].OrganizationName)
	assert.True(t, resolved[0].IsPrimary)

	reloaded, err := store.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.PrimaryOrganizationID)
	assert.Equal(t, orgB.ID, *reloaded.PrimaryOrganizationID)

	// Concurrent reassignments still leave exactly one primary
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		target := orgA.ID
		if i%2 == 0 {
			target = orgB.ID
		}
		wg.Add(1)
		go func(orgID int64) {
			defer wg.Done()
			_ = members.SetPrimary(ctx, user.ID, orgID)
		}(target)
	}
	wg.Wait()

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_orgs WHERE user_id = $1 AND is_primary`, user.ID).Scan(&primaries))
	assert.Equal(t, 1, primaries)
}

func TestIntegration_InvitationSingleUse(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	orgService := orgs.NewService(db)
	invitations := orgs.NewInvitationResolver(db)

	org, err := orgService.Create(ctx, "org-y", orgs.AccessModeInviteOnly)
	require.NoError(t, err)

	inv, err := invitations.Create(ctx, "new@example.com", org.ID, auth.RoleUser, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := invitations.Accept(ctx, inv.Token); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)

	stale, err := invitations.Create(ctx, "late@example.com", org.ID, auth.RoleUser, -time.Hour)
	require.NoError(t, err)
	_, err = invitations.ResolveForSignup(ctx, stale.Token)
	assert.ErrorIs(t, err, orgs.ErrInvitationExpired)

	var expired bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT expired FROM invitations WHERE id = $1`, stale.ID).Scan(&expired))
	assert.True(t, expired)
}

func TestIntegration_AuditEvents(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	store := audit.NewStore(db)

	userID := int64(11)
	require.NoError(t, store.Record(ctx, &auth.AuditEvent{Action: auth.ActionSignin, Status: auth.StatusSuccess, UserID: &userID, Subject: "alice"}))
	require.NoError(t, store.Record(ctx, &auth.AuditEvent{Action: auth.ActionRefresh, Status: auth.StatusDenied, UserID: &userID, Error: auth.ErrInvalidToken}))
	require.NoError(t, store.Record(ctx, &auth.AuditEvent{Action: auth.ActionSignin, Status: auth.StatusFailure, Subject: "mallory"}))

	mine, err := store.Search(ctx, audit.Filter{UserID: &userID})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	signins, err := store.Search(ctx, audit.Filter{Actions: []string{auth.ActionSignin}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, signins, 1)
	assert.Equal(t, "mallory", signins[0].Subject)
}
