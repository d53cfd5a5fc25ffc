package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/storage"
)

// Store implements the identity stores on PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

const userColumns = `id, username, email, email_verified, password_hash, external_subject,
		       auth_provider, suspended, primary_organization_id, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	user := &auth.User{}
	var email, passwordHash, subject, provider sql.NullString
	var primaryOrg sql.NullInt64
	err := row.Scan(&user.ID, &user.Username, &email, &user.EmailVerified, &passwordHash,
		&subject, &provider, &user.Suspended, &primaryOrg, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	user.Email = email.String
	user.PasswordHash = passwordHash.String
	user.ExternalSubject = subject.String
	user.AuthProvider = provider.String
	if primaryOrg.Valid {
		id := primaryOrg.Int64
		user.PrimaryOrganizationID = &id
	}
	return user, nil
}

// FindUserByID retrieves a user by id
func (s *Store) FindUserByID(ctx context.Context, id int64) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, err
}

// FindUserByUsername retrieves a user by username
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	user, err := scanUser(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, err
}

// FindUserByEmail retrieves a user by email, ignoring case
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	if email == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1) LIMIT 1`, email)
	user, err := scanUser(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, err
}

// CreateUser inserts a user and fills in its id and creation time
func (s *Store) CreateUser(ctx context.Context, user *auth.User) error {
	return insertUser(ctx, s.db, user)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertUser(ctx context.Context, q rowQuerier, user *auth.User) error {
	query := `
		INSERT INTO users (username, email, email_verified, password_hash, external_subject,
		                   auth_provider, suspended, primary_organization_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := q.QueryRowContext(ctx, query,
		user.Username, nullString(user.Email), user.EmailVerified, nullString(user.PasswordHash),
		nullString(user.ExternalSubject), nullString(user.AuthProvider), user.Suspended,
		user.PrimaryOrganizationID,
	).Scan(&user.ID, &user.CreatedAt)
	if IsUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// LinkExternalIdentity stamps the external provider and subject onto a user
func (s *Store) LinkExternalIdentity(ctx context.Context, userID int64, provider, subject string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET auth_provider = $1, external_subject = $2 WHERE id = $3`,
		provider, subject, userID)
	if err != nil {
		return fmt.Errorf("failed to link external identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateUserCounted inserts a user and returns how many users existed before
// it. The users table is locked in SHARE ROW EXCLUSIVE mode for the count and
// insert, so two concurrent callers never both observe an empty table.
func (s *Store) CreateUserCounted(ctx context.Context, user *auth.User) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE users IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return 0, fmt.Errorf("failed to lock users: %w", err)
	}
	var existing int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&existing); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	if err := insertUser(ctx, tx, user); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit user: %w", err)
	}
	return existing, nil
}

// FindCredential retrieves the credential for a (provider, subject) pair
func (s *Store) FindCredential(ctx context.Context, provider, subject string) (*auth.Credential, error) {
	cred := &auth.Credential{}
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, subject, email, created_at
		FROM credentials
		WHERE provider = $1 AND subject = $2
	`, provider, subject).Scan(&cred.ID, &cred.UserID, &cred.Provider, &cred.Subject, &email, &cred.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	cred.Email = email.String
	return cred, nil
}

// CreateCredential links an external identity to a user
func (s *Store) CreateCredential(ctx context.Context, cred *auth.Credential) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO credentials (user_id, provider, subject, email)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, cred.UserID, cred.Provider, cred.Subject, nullString(cred.Email)).Scan(&cred.ID, &cred.CreatedAt)
	if IsUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// FindServiceAccount retrieves a service account by username and token.
// Expiry is checked by the caller.
func (s *Store) FindServiceAccount(ctx context.Context, username, token string) (*auth.ServiceAccount, error) {
	sa := &auth.ServiceAccount{}
	var description sql.NullString
	var orgID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, token, description, expires_at, user_id, organization_id, created_at
		FROM service_accounts
		WHERE username = $1 AND token = $2
	`, username, token).Scan(&sa.ID, &sa.Username, &sa.Token, &description, &sa.ExpiresAt,
		&sa.UserID, &orgID, &sa.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service account: %w", err)
	}
	sa.Description = description.String
	if orgID.Valid {
		id := orgID.Int64
		sa.OrganizationID = &id
	}
	return sa, nil
}

// CreateServiceAccount inserts a service account
func (s *Store) CreateServiceAccount(ctx context.Context, sa *auth.ServiceAccount) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO service_accounts (username, token, description, expires_at, user_id, organization_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, sa.Username, sa.Token, nullString(sa.Description), sa.ExpiresAt.UTC(), sa.UserID, sa.OrganizationID).
		Scan(&sa.ID, &sa.CreatedAt)
	if IsUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create service account: %w", err)
	}
	return nil
}

// FindRoleByName retrieves a global role
func (s *Store) FindRoleByName(ctx context.Context, name string) (*auth.RoleRecord, error) {
	role := &auth.RoleRecord{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM roles WHERE name = $1`, name).Scan(&role.ID, &role.Name)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// AssignRole grants a global role; granting twice is a no-op
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RolesForUser lists the global role names held by a user
func (s *Store) RolesForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ auth.UserStore           = (*Store)(nil)
	_ auth.CredentialStore     = (*Store)(nil)
	_ auth.ServiceAccountStore = (*Store)(nil)
	_ auth.RoleStore           = (*Store)(nil)
)
