package orgs

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/platinummonkey/boxvault/pkg/storage/postgres"
)

// Service looks up and creates organizations
type Service struct {
	db *sql.DB
}

// NewService creates a new Service
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

const orgColumns = `id, name, access_mode, suspended, created_at`

func scanOrganization(row interface{ Scan(...interface{}) error }) (*Organization, error) {
	org := &Organization{}
	err := row.Scan(&org.ID, &org.Name, &org.AccessMode, &org.Suspended, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// GetByName retrieves an organization by its unique name
func (s *Service) GetByName(ctx context.Context, name string) (*Organization, error) {
	return scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE name = $1`, name))
}

// GetByID retrieves an organization by id
func (s *Service) GetByID(ctx context.Context, id int64) (*Organization, error) {
	return scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
}

// Create inserts a new organization
func (s *Service) Create(ctx context.Context, name string, mode AccessMode) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("organization name is required")
	}
	if mode == "" {
		mode = AccessModePrivate
	}

	org := &Organization{Name: name, AccessMode: mode}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name, access_mode)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, org.Name, org.AccessMode).Scan(&org.ID, &org.CreatedAt)
	if postgres.IsUniqueViolation(err) {
		return nil, ErrOrgExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}
	return org, nil
}

// RandomCode returns six lowercase hex characters, used to name
// organizations created without an explicit name
func RandomCode() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
