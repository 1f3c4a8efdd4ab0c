// Package store is the durable datastore for the attribution pipeline.
// SQLite with WAL mode; a single writer connection avoids SQLITE_BUSY under
// the one-worker-per-category locking discipline. All mutating operations
// run inside explicit transactions so a failed registration never leaves
// partial state behind.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added report_id column on attribution for fake-report sentinels
// 2 - Added attribution context columns on the aggregate debug budget ledger
const currentSchemaVersion = 2

// Store provides durable storage for registrations, sources, triggers,
// reports and rate-limit ledgers.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path, applying
// pragmas and migrations. Idempotent.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY from within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DAO exposes the data-access operations over a querier that is either the
// raw connection or an open transaction.
type DAO struct {
	q querier
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DAO returns a non-transactional accessor. Reads that do not need a
// consistent snapshot can use it directly.
func (s *Store) DAO() *DAO {
	return &DAO{q: s.db}
}

// RunInTransaction executes fn inside a transaction. The transaction is the
// unit of atomicity for a processed registration: any error rolls back every
// write fn made.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, dao *DAO) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &DAO{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RunInTransactionWithResult is RunInTransaction for callers that produce a
// value alongside the writes.
func RunInTransactionWithResult[T any](
	ctx context.Context,
	s *Store,
	fn func(ctx context.Context, dao *DAO) (T, error),
) (T, error) {
	var zero T
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := fn(ctx, &DAO{q: tx})
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
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
		version = 1
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
		version = 2
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 backfills the report_id column for databases created before
// fake-report sentinel attributions carried one. New databases get the
// column from schema.sql.
func migrateToV1(db *sql.DB) error {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('attribution') WHERE name = 'report_id'
	`).Scan(&count)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE attribution ADD COLUMN report_id TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

// migrateToV2 adds the attribution context columns on the aggregate debug
// budget ledger for databases created before they were persisted. New
// databases get the columns from schema.sql.
func migrateToV2(db *sql.DB) error {
	columns := []struct {
		name string
		def  string
	}{
		{"top_level_site_type", "INTEGER NOT NULL DEFAULT 0"},
		{"registrant_app", "TEXT NOT NULL DEFAULT ''"},
		{"source_id", "TEXT NOT NULL DEFAULT ''"},
		{"trigger_id", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, col := range columns {
		var count int
		err := db.QueryRow(`
			SELECT COUNT(*) FROM pragma_table_info('aggregate_debug_report_budget') WHERE name = ?
		`, col.name).Scan(&count)
		if err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if count == 0 {
			stmt := fmt.Sprintf("ALTER TABLE aggregate_debug_report_budget ADD COLUMN %s %s", col.name, col.def)
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate to v2: %w", err)
			}
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value. Used for
// testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
