package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
	id INTEGER PRIMARY KEY,
	name TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	host_id INTEGER NOT NULL REFERENCES hosts(id),
	username TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	UNIQUE(host_id, username)
);
CREATE TABLE IF NOT EXISTS bodies (
	id INTEGER PRIMARY KEY,
	body BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	body_id INTEGER NOT NULL REFERENCES bodies(id),
	recipient TEXT NOT NULL,
	subject TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLiteStore is the reference MailStore implementation: one SQLite
// database holding hosts, users, message bodies, and messages. The
// original's PgMailDB fixes the host name independently of the
// connection string (PgMailDB::new("localhost", ...) then
// connect(conn_str)); SQLiteStore mirrors that two-part shape — the
// host name comes from configuration, the DSN from Connect's argument.
type SQLiteStore struct {
	hostName string
	hostID   int64
	db       *sql.DB
}

// New returns a SQLiteStore scoped to hostName. Connect must be called
// before any other operation.
func New(hostName string) *SQLiteStore {
	return &SQLiteStore{hostName: hostName}
}

// Connect opens dsn (a sqlite3 DSN, e.g. "file:/var/lib/smtpd/mail.db")
// and ensures the schema and the configured host row exist.
func (s *SQLiteStore) Connect(dsn string) error {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("apply schema: %w", err)
	}
	s.db = db
	if err := s.ensureHost(); err != nil {
		db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Disconnect closes the database handle. Safe to call on an unconnected
// store.
func (s *SQLiteStore) Disconnect() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) ensureHost() error {
	row := s.db.QueryRow(`SELECT id FROM hosts WHERE name = ?`, s.hostName)
	if err := row.Scan(&s.hostID); err == nil {
		return nil
	}
	res, err := s.db.Exec(`INSERT INTO hosts(name) VALUES (?)`, s.hostName)
	if err != nil {
		return fmt.Errorf("insert host: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("host id: %w", err)
	}
	s.hostID = id
	return nil
}

// Login resolves user against the host's user table and verifies pass
// against the stored Argon2id hash.
func (s *SQLiteStore) Login(user, pass string) error {
	if s.db == nil {
		return ErrNotConnected
	}
	var storedHash string
	row := s.db.QueryRow(
		`SELECT password_hash FROM users WHERE host_id = ? AND username = ?`,
		s.hostID, user,
	)
	if err := row.Scan(&storedHash); err != nil {
		return ErrUserNotFound
	}
	ok, err := verifyPassword(pass, storedHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return ErrUserAuthError
	}
	return nil
}

// CreateUser provisions a user row with an Argon2id-hashed password. It
// is not part of the MailStore interface (REGISTER is state-only per
// spec.md's Open Question) but is exercised by tests and available for
// out-of-band provisioning.
func (s *SQLiteStore) CreateUser(username, password string) error {
	if s.db == nil {
		return ErrNotConnected
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO users(host_id, username, password_hash) VALUES (?, ?, ?)`,
		s.hostID, username, hash,
	)
	return err
}

// InsertMultiple stores body once and one message row per recipient,
// inside a single transaction. A recipient that does not resolve to a
// user on this host rolls the whole batch back, mirroring the
// original's per-recipient lookup inside one diesel::transaction.
func (s *SQLiteStore) InsertMultiple(recipients []string, subject, body string) error {
	if s.db == nil {
		return ErrNotConnected
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for _, recipient := range recipients {
		var exists int
		if err := tx.QueryRow(
			`SELECT 1 FROM users WHERE host_id = ? AND username = ?`,
			s.hostID, recipient,
		).Scan(&exists); err != nil {
			return fmt.Errorf("recipient %q not found: %w", recipient, err)
		}
	}

	res, err := tx.Exec(`INSERT INTO bodies(body) VALUES (?)`, body)
	if err != nil {
		return fmt.Errorf("insert body: %w", err)
	}
	bodyID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("body id: %w", err)
	}

	now := time.Now().Unix()
	for _, recipient := range recipients {
		if _, err := tx.Exec(
			`INSERT INTO messages(body_id, recipient, subject, created_at) VALUES (?, ?, ?, ?)`,
			bodyID, recipient, subject, now,
		); err != nil {
			return fmt.Errorf("insert message for %q: %w", recipient, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}
