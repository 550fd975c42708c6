// Package database opens the bot's SQLite database and owns its schema.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite settings.
type Config struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// DefaultConfig returns the default database settings.
func DefaultConfig() Config {
	return Config{
		Path:        "conversations.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// DB wraps the SQLite connection.
type DB struct {
	*sql.DB
	Config Config
}

// Open opens or creates the database and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{DB: sqlDB, Config: cfg}
	if err := db.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// ---------- Migrations ----------

// migrations are applied in order. Never edit a released entry; append.
var migrations = []string{
	// 1: conversation history
	`CREATE TABLE IF NOT EXISTS conversations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL,
		chat_id    INTEGER NOT NULL,
		message_id INTEGER NOT NULL DEFAULT 0,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_session
		ON conversations(user_id, chat_id, timestamp);`,

	// 2: one row per platform message
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_message
		ON conversations(user_id, chat_id, message_id, role)
		WHERE message_id != 0;`,

	// 3: security gate rejections
	`CREATE TABLE IF NOT EXISTS security_audit (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		command    TEXT NOT NULL,
		allowed    INTEGER NOT NULL,
		check_name TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_security_audit_created
		ON security_audit(created_at);`,
}

// SchemaVersion is the version reached after all migrations.
func SchemaVersion() int { return len(migrations) }

// CurrentVersion returns the applied schema version.
func (db *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every migration newer than the current version, each in
// its own transaction.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := db.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

// Status reports connection pool stats and the SQLite version.
func (db *DB) Status(ctx context.Context) map[string]any {
	stats := db.Stats()

	version := "unknown"
	_ = db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version)

	schema, _ := db.CurrentVersion(ctx)
	return map[string]any{
		"path":           db.Config.Path,
		"sqlite_version": version,
		"schema_version": schema,
		"open_conns":     stats.OpenConnections,
		"in_use":         stats.InUse,
		"idle":           stats.Idle,
	}
}
