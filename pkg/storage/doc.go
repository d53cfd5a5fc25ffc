// Package storage holds the error values shared by every persistence
// backend. The PostgreSQL implementation of the identity stores lives in
// storage/postgres; the store interfaces themselves are declared next to
// their consumers in package auth.
package storage
