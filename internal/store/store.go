// Package store implements the embedded SQLite storage layer.
//
// Concurrency discipline:
//   - All write statements (INSERT/UPDATE/DELETE/CREATE/DROP/ALTER/REPLACE)
//     are serialized through one process-wide write mutex and committed
//     before the mutex is released.
//   - Reads share the database/sql connection pool without the mutex.
//
// The database runs in WAL mode with a configurable busy timeout (default 5s)
// and synchronous=NORMAL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrIntegrity marks constraint violations. Integrity failures are fatal for
// the offending operation and must not be retried.
var ErrIntegrity = errors.New("integrity violation")

// Store is the embedded relational store.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger

	// Serializes all writers so concurrent goroutines never race each
	// other for the SQLite write lock.
	writeMu sync.Mutex
}

// Open initializes the database at path and applies pending migrations.
// busyTimeoutMS <= 0 falls back to 5000.
func Open(path string, poolSize, busyTimeoutMS int, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	// DSN pragmas apply to every pooled connection. busy_timeout makes
	// concurrent writers retry instead of failing immediately;
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if poolSize <= 0 {
		poolSize = 5
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, path: path, log: log.Named("store")}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info("database initialized", zap.String("path", path), zap.Int("pool_size", poolSize))
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for read-only query helpers.
func (s *Store) DB() *sql.DB {
	return s.db
}

var writePrefixes = []string{"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "REPLACE"}

func isWriteStatement(query string) bool {
	first := strings.ToUpper(strings.Fields(strings.TrimSpace(query))[0])
	for _, p := range writePrefixes {
		if first == p {
			return true
		}
	}
	return false
}

// Execute runs a single statement. Writes acquire the write mutex; reads go
// straight to the pool.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if isWriteStatement(query) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	return res, nil
}

// ExecuteMany runs the statement once per row inside a single transaction,
// holding the write mutex for the whole batch.
func (s *Store) ExecuteMany(ctx context.Context, query string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return wrapSQLiteErr(err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			tx.Rollback()
			return wrapSQLiteErr(err)
		}
	}

	return tx.Commit()
}

// FetchOne returns a single row.
func (s *Store) FetchOne(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// FetchAll returns the result rows; the caller must Close them.
func (s *Store) FetchAll(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	return rows, nil
}

// Insert builds and executes an INSERT for the given column map and returns
// the new rowid.
func (s *Store) Insert(ctx context.Context, table string, cols map[string]any) (int64, error) {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = "?"
		args[i] = cols[name]
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "),
	)

	res, err := s.Execute(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Update builds and executes an UPDATE, returning the affected row count.
func (s *Store) Update(ctx context.Context, table string, set map[string]any, where string, whereArgs ...any) (int64, error) {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	assigns := make([]string, len(names))
	args := make([]any, 0, len(names)+len(whereArgs))
	for i, name := range names {
		assigns[i] = name + " = ?"
		args = append(args, set[name])
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(assigns, ", "), where)

	res, err := s.Execute(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes matching rows and returns the affected count.
func (s *Store) Delete(ctx context.Context, table, where string, whereArgs ...any) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	res, err := s.Execute(ctx, query, whereArgs...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Transaction runs fn inside a write transaction. Commit on nil return,
// rollback otherwise. The write mutex is held for the duration.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrapSQLiteErr(err)
	}
	return tx.Commit()
}

// Vacuum reclaims disk space. Best-effort; failures are logged, not returned.
func (s *Store) Vacuum(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.log.Warn("vacuum failed", zap.Error(err))
	}
}

// Stats describes the database state.
type Stats struct {
	Path          string
	SizeBytes     int64
	SchemaVersion int
	Tables        map[string]int64
}

// GetStats reports database size, schema version and per-table row counts.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	st := Stats{Path: s.path, Tables: make(map[string]int64)}

	if fi, err := os.Stat(s.path); err == nil {
		st.SizeBytes = fi.Size()
	}

	if err := s.FetchOne(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&st.SchemaVersion); err != nil {
		return st, fmt.Errorf("failed to read schema version: %w", err)
	}

	rows, err := s.FetchAll(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return st, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return st, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	for _, name := range names {
		var count int64
		if err := s.FetchOne(ctx, "SELECT COUNT(*) FROM "+name).Scan(&count); err != nil {
			continue
		}
		st.Tables[name] = count
	}
	return st, nil
}

func wrapSQLiteErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return err
}
