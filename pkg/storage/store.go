package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Store owns one agent's database. All writes go through transactions on a
// pool capped at one writer connection, which keeps SQLite happy under
// concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database for an agent under root. The path is
// <root>/<sha256(did)[:16]>/db.sqlite so DIDs never leak into directory
// listings.
func Open(root, agentDID string, logger *slog.Logger) (*Store, error) {
	hash := sha256.Sum256([]byte(agentDID))
	dir := filepath.Join(root, hex.EncodeToString(hash[:8]))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "create agent dir")
	}
	return openPath(filepath.Join(dir, "db.sqlite"), logger)
}

// OpenInMemory opens a throwaway database, used by tests.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	return openPath(":memory:", logger)
}

func openPath(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindStorage, err, "open database")
	}
	// A single writer connection serializes all writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// schemaVersion is bumped for every forward-only migration appended below.
const schemaVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`); err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "create schema_version")
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return taperr.Wrap(taperr.KindStorage, err, "read schema version")
	}
	if current > schemaVersion {
		return taperr.New(taperr.KindStorage, "database schema %d is newer than supported %d", current, schemaVersion)
	}
	if current == schemaVersion {
		return nil
	}

	if current < 1 {
		if err := s.migrateV1(ctx); err != nil {
			return err
		}
	}

	if current == 0 {
		_, err = s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE schema_version SET version = ?`, schemaVersion)
	}
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "record schema version")
	}
	s.logger.Info("storage: migrated", "from", current, "to", schemaVersion)
	return nil
}

func (s *Store) migrateV1(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS received (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		raw_message TEXT NOT NULL,
		raw_hash TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_identifier TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		processed_message_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_received_hash ON received (raw_hash);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		from_did TEXT,
		to_did TEXT,
		thread_id TEXT,
		parent_thread_id TEXT,
		direction TEXT NOT NULL,
		message_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (message_id, direction)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_type TEXT NOT NULL,
		reference_id TEXT NOT NULL UNIQUE,
		from_did TEXT,
		to_did TEXT,
		thread_id TEXT,
		message_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		message_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transaction_agents (
		transaction_id TEXT NOT NULL,
		agent_did TEXT NOT NULL,
		role TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (transaction_id, agent_did)
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		message_text TEXT NOT NULL,
		recipient_did TEXT NOT NULL,
		delivery_url TEXT,
		delivery_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_http_status INTEGER,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		delivered_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries (status);

	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL,
		agent_did TEXT NOT NULL,
		decision_type TEXT NOT NULL,
		context TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		resolution TEXT,
		detail TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions (status);
	CREATE INDEX IF NOT EXISTS idx_decisions_tx ON decisions (transaction_id);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		agent_did TEXT NOT NULL,
		schema_type TEXT NOT NULL,
		given_name TEXT,
		family_name TEXT,
		display_name TEXT,
		legal_name TEXT,
		lei_code TEXT,
		mcc_code TEXT,
		address_country TEXT,
		profile TEXT NOT NULL,
		ivms101_data TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customer_identifiers (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers (id),
		identifier_type TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customer_relationships (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers (id),
		relationship_type TEXT NOT NULL,
		related_identifier TEXT NOT NULL,
		proof TEXT,
		confirmed_at DATETIME,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "migrate to v1")
	}
	return nil
}

// withTx runs fn inside a database transaction.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return taperr.Wrap(taperr.KindStorage, err, "commit tx")
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func hashRaw(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DB exposes the underlying handle for callers that must compose multiple
// operations in one transaction.
func (s *Store) DB() *sql.DB { return s.db }
