// Package store implements the MailStore persistence contract the
// session layer depends on, and a concrete SQLite-backed reference
// implementation. The four-operation interface is exactly what spec.md
// names; the schema and transaction shape are grounded on the original
// Rust PgMailDB (hosts/users/bodies/messages, Argon2id password hashes,
// recipients resolved by username inside one transaction), translated
// from Postgres/Diesel to SQLite/database-sql.
package store

import "errors"

// ErrUserNotFound and ErrUserAuthError are the two distinguished login
// failure outcomes the MailStore contract names; a nil error is the
// third (success).
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUserAuthError = errors.New("authentication failed")
	ErrNotConnected  = errors.New("store: not connected")
)

// MailStore is the persistence contract the session layer consumes.
// spec.md scopes this to exactly four operations; this implementation
// adds no fifth.
type MailStore interface {
	// Connect opens the backing store using connStr (an opaque DSN).
	Connect(connStr string) error
	// Disconnect releases any resources Connect acquired. Safe to call
	// on a store that was never connected.
	Disconnect() error
	// Login verifies user's password against the stored hash, scoped to
	// the host configured at construction. Returns ErrUserNotFound,
	// ErrUserAuthError, or nil.
	Login(user, pass string) error
	// InsertMultiple stores one message body referenced by one message
	// row per recipient, transactionally: any recipient that does not
	// resolve to a locally known user rolls the whole batch back.
	InsertMultiple(recipients []string, subject, body string) error
}
