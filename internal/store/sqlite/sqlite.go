// Package sqlite is the embedded Record Store, backed by SQLite through the
// ncruces/go-sqlite3 driver.
//
// Layout:
//   - blocks:      one row per block, unique index on block_number
//   - operations:  one row per operation; seq orders rows by insertion,
//     id is the globally unique identifier exchanged with the peer
//   - tombstones:  deletions not yet exchanged
//   - sync_state:  the sync cursor
//
// The database runs in WAL mode so readers never wait on the writer. Writes
// are serialized in-process and open their transaction with BEGIN IMMEDIATE.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/store"
)

var _ store.Store = (*Store)(nil)
var _ store.CursorStore = (*Store)(nil)

// Store is the SQLite Record Store.
type Store struct {
	conn *sql.DB
	path string
	now  func() time.Time
	log  *zap.Logger

	writeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// Open opens (creating if needed) the database at path and initializes the
// schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := sqlite.Open(".blocktrack/blocktrack.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=journal_mode(wal)"+
		"&_pragma=synchronous(normal)", path)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		now:  time.Now,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.InitSchemaContext(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.log.Debug("opened local store", zap.String("path", path))
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying connection pool.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchemaContext creates the tables and indexes. It is idempotent.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		block_number TEXT NOT NULL,
		model_type TEXT NOT NULL,
		modem_type TEXT NOT NULL DEFAULT '',
		execution_type TEXT NOT NULL DEFAULT '',
		block_type TEXT NOT NULL DEFAULT '',
		mac_address TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		server_version INTEGER NOT NULL DEFAULT 1
	);

	-- block_id has no foreign key; CheckConsistency reports orphans.
	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		block_id TEXT NOT NULL,
		name TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL,
		executor TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		error_description TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		server_version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		kind TEXT NOT NULL,  -- block, operation
		id TEXT NOT NULL,
		block_id TEXT NOT NULL DEFAULT '',
		server_version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_number ON blocks(block_number);
	CREATE INDEX IF NOT EXISTS idx_blocks_operator ON blocks(operator);
	CREATE INDEX IF NOT EXISTS idx_blocks_sync_status ON blocks(sync_status);
	CREATE INDEX IF NOT EXISTS idx_blocks_updated_at ON blocks(updated_at);

	CREATE INDEX IF NOT EXISTS idx_operations_block ON operations(block_id);
	CREATE INDEX IF NOT EXISTS idx_operations_timestamp ON operations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_operations_sync_status ON operations(sync_status);
	CREATE INDEX IF NOT EXISTS idx_operations_updated_at ON operations(updated_at);

	CREATE INDEX IF NOT EXISTS idx_tombstones_block ON tombstones(block_id);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// readTx runs fn in a read-only transaction so that multi-query reads see
// one snapshot.
func (s *Store) readTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return store.Wrap(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return store.Wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Wrap(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// writeTx runs fn in a write transaction. Nothing fn wrote survives an
// error.
func (s *Store) writeTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return store.Wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Wrap(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}
