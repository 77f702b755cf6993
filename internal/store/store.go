// Package store persists licensing state in SQLite: customers, device
// bindings, activation attempt counters and the token revocation list.
// All access goes through parameterized queries with bounded timeouts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aiprivatesearch/licensord/internal/licensing"
	_ "modernc.org/sqlite"
)

// DefaultOpTimeout bounds every store operation so a wedged database
// surfaces a retryable failure instead of hanging the request.
const DefaultOpTimeout = 5 * time.Second

// Config configures the SQLite store.
type Config struct {
	DataDir   string        // Directory for licensing.db
	OpTimeout time.Duration // Per-operation timeout (default: DefaultOpTimeout)
}

// Store is the SQLite-backed licensing store.
type Store struct {
	db        *sql.DB
	dbPath    string
	opTimeout time.Duration
	now       func() time.Time
}

// Open opens (creating if needed) the licensing database.
func Open(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "licensing.db")

	// Open database with pragmas in DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open licensing database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}

	s := &Store{
		db:        db,
		dbPath:    dbPath,
		opTimeout: timeout,
		now:       time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		email_verified INTEGER NOT NULL DEFAULT 0,
		tier INTEGER NOT NULL DEFAULT 1,
		license_status TEXT NOT NULL DEFAULT 'trial',
		trial_started_at INTEGER,
		expires_at INTEGER,
		grace_period_ends INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		hw_hash TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT 'Unknown Device',
		status TEXT NOT NULL DEFAULT 'active',
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		FOREIGN KEY (customer_id) REFERENCES customers(id) ON DELETE CASCADE
	);

	-- One active binding per (customer, hardware). Partial so revoked
	-- rows keep their history without blocking re-activation.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_active_hw
		ON devices(customer_id, hw_hash) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS activation_attempts (
		email TEXT NOT NULL,
		hw_hash TEXT NOT NULL,
		origin TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		window_started_at INTEGER NOT NULL,
		last_attempt_at INTEGER NOT NULL,
		last_success INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (email, hw_hash, origin)
	);

	CREATE TABLE IF NOT EXISTS revocations (
		token_hash TEXT PRIMARY KEY,
		customer_id TEXT,
		reason TEXT NOT NULL,
		revoked_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_customer ON devices(customer_id, status);
	CREATE INDEX IF NOT EXISTS idx_customers_status_expiry ON customers(license_status, expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// opContext derives a bounded context for a single store operation.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// wrapErr maps infrastructure failures onto the retryable
// ErrStoreUnavailable sentinel; everything else passes through.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isBusy(err) {
		return fmt.Errorf("%w: %s: %v", licensing.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
