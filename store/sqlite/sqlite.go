// Package sqlite provides a SQLite implementation of the signal log and
// lifecycle journal.
//
// # Calling Conventions
//
// The store is a pure data access layer. Methods execute against s.conn,
// which is either the underlying *sql.DB (autocommit) or a *sql.Tx when
// called on the store handed to a RunInTransaction callback:
//
//	err := st.RunInTransaction(ctx, func(tx store.Store) error {
//	    if _, err := tx.AppendLifecycle(ctx, rec); err != nil {
//	        return err // triggers rollback
//	    }
//	    _, err := tx.PruneSignals(ctx, cutoff) // commits if nil
//	    return err
//	})
//
// The database is opened in WAL mode so the signal log can be read by
// `hipd log` while the daemon appends to it.
//
// # Prepared Statements
//
// Every query is prepared once at open time. RunInTransaction binds the
// master statements to the transaction with tx.StmtContext; the masters
// stay valid for the lifetime of the connection.
//
// # Drivers
//
// modernc.org/sqlite is used by default. Building with the cgo_sqlite
// tag switches to github.com/mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/frobware/go-hip/store"
)

// timeLayout is a fixed width UTC layout so stored timestamps sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

//go:embed schema.sql
var schemaSQL string

// dbConn abstracts *sql.DB and *sql.Tx for query execution.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteStore implements store.Store using SQLite.
type sqliteStore struct {
	db     *sql.DB // original connection, used for BeginTx
	conn   dbConn  // active connection (db or tx)
	logger *slog.Logger

	// Signal log
	stmtAppendSignal *sql.Stmt
	stmtGetSignal    *sql.Stmt
	stmtListSignals  *sql.Stmt
	stmtPruneSignals *sql.Stmt

	// Lifecycle journal
	stmtAppendLifecycle *sql.Stmt
	stmtListLifecycle   *sql.Stmt
}

var _ store.Store = (*sqliteStore)(nil)

// New opens (creating if needed) a SQLite store at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store/sqlite", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"busy_timeout", "5000"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database", "path", dbPath)
	return s, nil
}

// NewInMemory creates an in-memory SQLite store for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store/sqlite", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened in-memory database")
	return s, nil
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*sqliteStore, error) {
	s := &sqliteStore{db: db, conn: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		s.closeStatements()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

// Close closes all prepared statements and the database connection.
func (s *sqliteStore) Close() error {
	s.closeStatements()
	return s.db.Close()
}

// closeStatements closes all prepared statements. Close errors are
// ignored because the database is about to be closed.
func (s *sqliteStore) closeStatements() {
	for _, stmt := range []*sql.Stmt{
		s.stmtAppendSignal,
		s.stmtGetSignal,
		s.stmtListSignals,
		s.stmtPruneSignals,
		s.stmtAppendLifecycle,
		s.stmtListLifecycle,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// prepareStatements prepares all SQL statements for reuse.
func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	if err := s.prepareSignalStatements(ctx); err != nil {
		return err
	}
	return s.prepareLifecycleStatements(ctx)
}

// RunInTransaction executes fn within a database transaction. If fn
// returns nil the transaction commits, otherwise it rolls back.
func (s *sqliteStore) RunInTransaction(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStore := &sqliteStore{
		db:                  s.db,
		conn:                tx,
		logger:              s.logger,
		stmtAppendSignal:    tx.StmtContext(ctx, s.stmtAppendSignal),
		stmtGetSignal:       tx.StmtContext(ctx, s.stmtGetSignal),
		stmtListSignals:     tx.StmtContext(ctx, s.stmtListSignals),
		stmtPruneSignals:    tx.StmtContext(ctx, s.stmtPruneSignals),
		stmtAppendLifecycle: tx.StmtContext(ctx, s.stmtAppendLifecycle),
		stmtListLifecycle:   tx.StmtContext(ctx, s.stmtListLifecycle),
	}

	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
