package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the identity schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations and users",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					access_mode VARCHAR(32) NOT NULL DEFAULT 'private',
					suspended BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255),
					email_verified BOOLEAN NOT NULL DEFAULT FALSE,
					password_hash TEXT,
					external_subject VARCHAR(512),
					auth_provider VARCHAR(128),
					suspended BOOLEAN NOT NULL DEFAULT FALSE,
					primary_organization_id BIGINT REFERENCES organizations(id) ON DELETE SET NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_lower ON users (LOWER(email));
			`,
		},
		{
			Version:     2,
			Description: "Create memberships",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_orgs (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					role VARCHAR(32) NOT NULL DEFAULT 'user',
					is_primary BOOLEAN NOT NULL DEFAULT FALSE,
					joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, organization_id)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_user_orgs_single_primary
					ON user_orgs (user_id) WHERE is_primary;
			`,
		},
		{
			Version:     3,
			Description: "Create credentials and service accounts",
			SQL: `
				CREATE TABLE IF NOT EXISTS credentials (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					provider VARCHAR(128) NOT NULL,
					subject VARCHAR(512) NOT NULL,
					email VARCHAR(255),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (provider, subject)
				);

				CREATE TABLE IF NOT EXISTS service_accounts (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					token VARCHAR(255) NOT NULL,
					description TEXT,
					expires_at TIMESTAMPTZ NOT NULL,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					organization_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     4,
			Description: "Create invitations",
			SQL: `
				CREATE TABLE IF NOT EXISTS invitations (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(255) NOT NULL,
					token VARCHAR(128) NOT NULL UNIQUE,
					expires TIMESTAMPTZ NOT NULL,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					role VARCHAR(32) NOT NULL DEFAULT 'user',
					accepted BOOLEAN NOT NULL DEFAULT FALSE,
					expired BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_invitations_email_pending
					ON invitations (LOWER(email)) WHERE NOT accepted AND NOT expired;
			`,
		},
		{
			Version:     5,
			Description: "Create global roles",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(64) NOT NULL UNIQUE
				);

				CREATE TABLE IF NOT EXISTS user_roles (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, role_id)
				);

				INSERT INTO roles (name) VALUES ('user'), ('moderator'), ('admin')
				ON CONFLICT (name) DO NOTHING;
			`,
		},
		{
			Version:     6,
			Description: "Create auth audit events",
			SQL: `
				CREATE TABLE IF NOT EXISTS auth_audit_events (
					id BIGSERIAL PRIMARY KEY,
					action VARCHAR(64) NOT NULL,
					status VARCHAR(16) NOT NULL,
					user_id BIGINT,
					subject VARCHAR(255),
					provider VARCHAR(128),
					ip_address VARCHAR(255),
					user_agent TEXT,
					error_message TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_auth_audit_events_user
					ON auth_audit_events (user_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_auth_audit_events_action
					ON auth_audit_events (action, created_at DESC);
			`,
		},
	}
}

// RunMigrations executes all pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applied migration")
	}

	return nil
}
