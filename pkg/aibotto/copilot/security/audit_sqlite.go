// Package security – audit_sqlite.go persists rejected commands to the
// security_audit table so operators can review what the LLM tried to run.
package security

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// AuditRecord is one row of the security_audit table.
type AuditRecord struct {
	Command   string
	Allowed   bool
	Check     string
	Reason    string
	CreatedAt time.Time
}

// SQLiteAuditLog writes gate rejections to SQLite. Allowed commands are only
// logged, not stored.
type SQLiteAuditLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAuditLog creates an audit log on an open database. The schema is
// owned by the database package migrations.
func NewSQLiteAuditLog(db *sql.DB, logger *slog.Logger) *SQLiteAuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteAuditLog{db: db, logger: logger.With("component", "security_audit")}
}

// RecordDecision implements AuditSink.
func (a *SQLiteAuditLog) RecordDecision(ctx context.Context, command string, d Decision) error {
	if d.Allowed {
		return nil
	}
	if len(command) > 500 {
		command = command[:500] + "...[truncated]"
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO security_audit (command, allowed, check_name, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		command, 0, d.Check, d.Message, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// Recent returns the newest n records, newest first.
func (a *SQLiteAuditLog) Recent(ctx context.Context, n int) ([]AuditRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT command, allowed, check_name, reason, created_at
		FROM security_audit
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec     AuditRecord
			allowed int
			created string
		)
		if err := rows.Scan(&rec.Command, &allowed, &rec.Check, &rec.Reason, &created); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.Allowed = allowed != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records older than maxAge and returns how many were removed.
func (a *SQLiteAuditLog) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)
	res, err := a.db.ExecContext(ctx, "DELETE FROM security_audit WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning audit records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		a.logger.Info("security audit pruned", "removed", n)
	}
	return n, nil
}
