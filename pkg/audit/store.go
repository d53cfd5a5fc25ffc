package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/boxvault/pkg/auth"
)

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

// Filter narrows a Search
type Filter struct {
	UserID  *int64
	Actions []string
	Status  string
	Since   *time.Time
	Limit   int
}

// Store reads and writes audit events in PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts one event
func (s *Store) Record(ctx context.Context, event *auth.AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errMsg sql.NullString
	if event.Error != nil {
		errMsg = sql.NullString{String: event.Error.Error(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_audit_events (
			action, status, user_id, subject, provider,
			ip_address, user_agent, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		event.Action, event.Status, event.UserID, nullString(event.Subject), nullString(event.Provider),
		nullString(event.IPAddress), nullString(event.UserAgent), errMsg, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Search returns matching events, newest first
func (s *Store) Search(ctx context.Context, filter Filter) ([]*auth.AuditEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != nil {
		where = append(where, "user_id = "+arg(*filter.UserID))
	}
	if len(filter.Actions) > 0 {
		where = append(where, "action = ANY("+arg(pq.Array(filter.Actions))+")")
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= "+arg(*filter.Since))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	query := `
		SELECT action, status, user_id, subject, provider,
		       ip_address, user_agent, error_message, created_at
		FROM auth_audit_events`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY created_at DESC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := []*auth.AuditEvent{}
	for rows.Next() {
		var (
			event                                auth.AuditEvent
			userID                               sql.NullInt64
			subject, provider, ip, agent, errMsg sql.NullString
		)
		if err := rows.Scan(&event.Action, &event.Status, &userID, &subject, &provider,
			&ip, &agent, &errMsg, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if userID.Valid {
			id := userID.Int64
			event.UserID = &id
		}
		event.Subject = subject.String
		event.Provider = provider.String
		event.IPAddress = ip.String
		event.UserAgent = agent.String
		if errMsg.Valid {
			event.Error = errors.New(errMsg.String)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
