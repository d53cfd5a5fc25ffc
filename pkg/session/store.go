// Package session stores short-lived, browser-bound values such as the
// state of an in-flight external login.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = errors.New("session value not found")

// Store is a key-value store partitioned by browser session id
type Store interface {
	Get(ctx context.Context, sessionID, key string) ([]byte, error)
	Set(ctx context.Context, sessionID, key string, value []byte, ttl time.Duration) error
	Destroy(ctx context.Context, sessionID, key string) error
}
