package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on cluster_invals(node_id, seq)
const currentSchemaVersion = 1

// IDType selects how fragment and node ids are generated. It is fixed for
// the lifetime of a backing store.
type IDType string

const (
	// IDTypeVarchar uses UUIDv7 strings.
	IDTypeVarchar IDType = "varchar"
	// IDTypeSequence uses an int64 server-side sequence.
	IDTypeSequence IDType = "sequence"
)

// Valid reports whether t is a known id type.
func (t IDType) Valid() bool {
	return t == IDTypeVarchar || t == IDTypeSequence
}

// DB is a handle on one SQLite backing store shared by all Mappers of a
// process.
type DB struct {
	db     *sql.DB
	path   string
	idType IDType
}

// Option configures Open.
type Option func(*DB)

// WithIDType sets the id type. Default: IDTypeVarchar.
func WithIDType(t IDType) Option {
	return func(d *DB) {
		d.idType = t
	}
}

// WithMaxOpenConns bounds the pool. Every live Mapper connection holds one
// slot, so the bound must cover all subsystems. Default: unbounded.
func WithMaxOpenConns(n int) Option {
	return func(d *DB) {
		d.db.SetMaxOpenConns(n)
	}
}

// Open creates or opens a SQLite database at the given path and applies
// the schema and migrations.
//
// This function is idempotent - safe to call multiple times, and safe for
// several processes sharing one file.
func Open(path string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &DB{db: db, path: path, idType: IDTypeVarchar}
	for _, opt := range opts {
		opt(d)
	}
	if !d.idType.Valid() {
		db.Close()
		return nil, fmt.Errorf("invalid id type %q", d.idType)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return d, nil
}

// dsn builds the connection string. Settings in the DSN apply to every
// connection the pool opens, unlike a one-off PRAGMA.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the connection pool. Mappers must be closed first.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// IDType returns the configured id type.
func (d *DB) IDType() IDType {
	return d.idType
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// SQL returns the underlying sql.DB for direct queries.
// Use with caution - prefer Mapper methods when available.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// NewMapper creates a Mapper bound to this DB. The Mapper holds no
// connection until OpenConnection or Acquire is called.
func (d *DB) NewMapper(name string, opts ...MapperOption) *Mapper {
	m := &Mapper{name: name, db: d}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes the invalidation log by target node so polls do not
// scan entries addressed to other nodes.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_cluster_invals_node
		ON cluster_invals(node_id, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (d *DB) verifyPragma(ctx context.Context, name, expected string) error {
	var value string
	if err := d.db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
