package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// migrations maps schema version to the DDL that produces it. Migrations are
// forward-only; each runs in its own transaction together with the
// schema_version bookkeeping row.
var migrations = map[int]string{
	1: `
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			user_input TEXT NOT NULL,
			assistant_response TEXT NOT NULL,
			model_used TEXT,
			processing_time_ms REAL,
			intent_type TEXT,
			metadata TEXT DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS memory_short_term (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			role TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS memory_long_term (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id TEXT UNIQUE NOT NULL,
			content TEXT NOT NULL,
			category TEXT,
			importance INTEGER DEFAULT 5,
			embedding BLOB,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			access_count INTEGER DEFAULT 0,
			last_accessed DATETIME,
			metadata TEXT DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS extensions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			version TEXT NOT NULL,
			file_path TEXT NOT NULL,
			extension_type TEXT DEFAULT 'user',
			status TEXT DEFAULT 'active',
			description TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_loaded DATETIME,
			execution_count INTEGER DEFAULT 0,
			error_count INTEGER DEFAULT 0,
			avg_execution_ms REAL DEFAULT 0,
			metadata TEXT DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS telemetry_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL,
			metric_type TEXT DEFAULT 'gauge',
			tags TEXT DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS telemetry_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			error_type TEXT NOT NULL,
			error_code TEXT,
			error_message TEXT,
			stack_trace TEXT,
			context TEXT DEFAULT '{}',
			resolved INTEGER DEFAULT 0,
			resolved_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			level TEXT NOT NULL,
			logger_name TEXT,
			message TEXT NOT NULL,
			context TEXT DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS benchmarks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			component TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL,
			unit TEXT,
			metadata TEXT DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_timestamp ON conversations(timestamp);
		CREATE INDEX IF NOT EXISTS idx_memory_short_session ON memory_short_term(session_id);
		CREATE INDEX IF NOT EXISTS idx_memory_long_category ON memory_long_term(category);
		CREATE INDEX IF NOT EXISTS idx_memory_long_importance ON memory_long_term(importance);
		CREATE INDEX IF NOT EXISTS idx_extensions_status ON extensions(status);
		CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry_metrics(timestamp);
		CREATE INDEX IF NOT EXISTS idx_telemetry_name ON telemetry_metrics(metric_name);
		CREATE INDEX IF NOT EXISTS idx_errors_timestamp ON telemetry_errors(timestamp);
		CREATE INDEX IF NOT EXISTS idx_errors_type ON telemetry_errors(error_type);
		CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
		CREATE INDEX IF NOT EXISTS idx_benchmarks_session ON benchmarks(session_id);
		CREATE INDEX IF NOT EXISTS idx_benchmarks_component ON benchmarks(component);
	`,
	2: `
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			content,
			content_rowid='id'
		);

		CREATE TRIGGER IF NOT EXISTS memory_fts_insert
		AFTER INSERT ON memory_long_term BEGIN
			INSERT INTO memory_fts(rowid, content) VALUES (new.id, new.content);
		END;

		CREATE TRIGGER IF NOT EXISTS memory_fts_delete
		AFTER DELETE ON memory_long_term BEGIN
			DELETE FROM memory_fts WHERE rowid = old.id;
		END;

		CREATE TRIGGER IF NOT EXISTS memory_fts_update
		AFTER UPDATE ON memory_long_term BEGIN
			DELETE FROM memory_fts WHERE rowid = old.id;
			INSERT INTO memory_fts(rowid, content) VALUES (new.id, new.content);
		END;
	`,
	3: `
		CREATE TABLE IF NOT EXISTS personality_fragments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fragment_id TEXT UNIQUE NOT NULL,
			content TEXT NOT NULL,
			fragment_type TEXT NOT NULL DEFAULT 'inferred',
			category TEXT,
			confidence REAL DEFAULT 1.0,
			status TEXT NOT NULL DEFAULT 'pending',
			source TEXT,
			version INTEGER DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			approved_at DATETIME,
			metadata TEXT DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS personality_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fragment_id TEXT NOT NULL,
			action TEXT NOT NULL,
			old_content TEXT,
			new_content TEXT,
			old_status TEXT,
			new_status TEXT,
			confidence REAL,
			reason TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_personality_status ON personality_fragments(status);
		CREATE INDEX IF NOT EXISTS idx_personality_type ON personality_fragments(fragment_type);
		CREATE INDEX IF NOT EXISTS idx_personality_category ON personality_fragments(category);
		CREATE INDEX IF NOT EXISTS idx_personality_confidence ON personality_fragments(confidence);
		CREATE INDEX IF NOT EXISTS idx_personality_audit_fragment ON personality_audit(fragment_id);
		CREATE INDEX IF NOT EXISTS idx_personality_audit_timestamp ON personality_audit(timestamp);
	`,
}

// migrate applies all migrations above the current schema version, each in
// its own transaction so a failure leaves the database at the last good
// version.
func (s *Store) migrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	versions := make([]int, 0, len(migrations))
	for v := range migrations {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, v := range versions {
		if v <= current {
			continue
		}

		s.log.Info("applying migration", zap.Int("version", v))

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback()
			// The FTS5 index is an optional accelerator; drivers built
			// without the fts5 module still get a working database.
			if isMissingFTS5(err) {
				s.log.Warn("fts5 module unavailable, skipping full-text index", zap.Int("version", v))
				if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
					return fmt.Errorf("migration v%d bookkeeping failed: %w", v, err)
				}
				continue
			}
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d bookkeeping failed: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration v%d commit failed: %w", v, err)
		}
	}

	return nil
}

// isMissingFTS5 reports whether a migration failed only because the SQLite
// driver was built without the fts5 module.
func isMissingFTS5(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such module: fts5")
}
