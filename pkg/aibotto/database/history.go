package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Message is one stored conversation turn.
type Message struct {
	ID        int64
	UserID    int64
	ChatID    int64
	MessageID int64
	Role      string
	Content   string
	Timestamp time.Time
}

// HistoryStore reads and writes conversation history.
type HistoryStore struct {
	db     *DB
	logger *slog.Logger
}

// NewHistoryStore creates a store on an open database.
func NewHistoryStore(db *DB, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{db: db, logger: logger.With("component", "history")}
}

// SaveMessage appends a message. Saving the same non-zero platform message
// id twice for a role is a no-op.
func (s *HistoryStore) SaveMessage(ctx context.Context, userID, chatID, messageID int64, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (user_id, chat_id, message_id, role, content)
		VALUES (?, ?, ?, ?, ?)`,
		userID, chatID, messageID, role, content,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetHistory returns up to limit of the newest messages in chronological
// order.
func (s *HistoryStore) GetHistory(ctx context.Context, userID, chatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, message_id, role, content, timestamp
		FROM conversations
		WHERE user_id = ? AND chat_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		userID, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChatID, &m.MessageID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearHistory deletes every message of a conversation and returns how
// many rows were removed.
func (s *HistoryStore) ClearHistory(ctx context.Context, userID, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM conversations WHERE user_id = ? AND chat_id = ?", userID, chatID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("conversation history cleared", "user_id", userID, "chat_id", chatID, "removed", n)
	return n, nil
}

// ReplaceWithSummary swaps a conversation's history for a single system
// message, atomically.
func (s *HistoryStore) ReplaceWithSummary(ctx context.Context, userID, chatID int64, summary string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM conversations WHERE user_id = ? AND chat_id = ?", userID, chatID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (user_id, chat_id, message_id, role, content)
		VALUES (?, ?, 0, 'system', ?)`, userID, chatID, summary); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summary replace: %w", err)
	}

	s.logger.Info("conversation replaced with summary", "user_id", userID, "chat_id", chatID)
	return nil
}

// CountMessages returns the number of stored messages in a conversation.
func (s *HistoryStore) CountMessages(ctx context.Context, userID, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations WHERE user_id = ? AND chat_id = ?", userID, chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// PruneOlderThan deletes messages older than maxAge across all
// conversations.
func (s *HistoryStore) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("old conversation messages pruned", "removed", n)
	}
	return n, nil
}
