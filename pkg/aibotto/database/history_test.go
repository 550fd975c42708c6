package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "aibotto-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := Open(context.Background(), Config{Path: filepath.Join(tmpDir, "nested", "test.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_Migrates(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	version, err := db.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != SchemaVersion() {
		t.Errorf("version = %d, want %d", version, SchemaVersion())
	}

	// Running again is a no-op.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if v, _ := db.CurrentVersion(ctx); v != SchemaVersion() {
		t.Errorf("version after re-migrate = %d", v)
	}

	for _, table := range []string{"conversations", "security_audit"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	status := db.Status(ctx)
	if status["schema_version"] != SchemaVersion() {
		t.Errorf("status schema_version = %v", status["schema_version"])
	}
}

func TestHistoryStore_GetHistoryOrderAndLimit(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(openTestDB(t), nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		if err := store.SaveMessage(ctx, 1, 10, int64(i), role, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
	// Another conversation must not leak in.
	if err := store.SaveMessage(ctx, 2, 10, 1, "user", "other"); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.GetHistory(ctx, 1, 10, 3)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	want := []string{"m3", "m4", "m5"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp not scanned")
	}

	if msgs, _ := store.GetHistory(ctx, 1, 10, 0); len(msgs) != 0 {
		t.Errorf("limit 0 returned %d messages", len(msgs))
	}
}

func TestHistoryStore_SaveIdempotentOnMessageID(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(openTestDB(t), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.SaveMessage(ctx, 1, 1, 42, "user", "hello"); err != nil {
			t.Fatal(err)
		}
	}
	// The reply to the same platform message is a different row.
	if err := store.SaveMessage(ctx, 1, 1, 42, "assistant", "hi"); err != nil {
		t.Fatal(err)
	}
	// message_id 0 is never deduplicated.
	for i := 0; i < 2; i++ {
		if err := store.SaveMessage(ctx, 1, 1, 0, "user", "api"); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.CountMessages(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
}

func TestHistoryStore_ClearHistory(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(openTestDB(t), nil)
	ctx := context.Background()

	_ = store.SaveMessage(ctx, 1, 1, 1, "user", "a")
	_ = store.SaveMessage(ctx, 1, 1, 2, "user", "b")
	_ = store.SaveMessage(ctx, 1, 2, 3, "user", "c")

	removed, err := store.ClearHistory(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if n, _ := store.CountMessages(ctx, 1, 1); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
	if n, _ := store.CountMessages(ctx, 1, 2); n != 1 {
		t.Errorf("other chat count = %d, want 1", n)
	}
}

func TestHistoryStore_ReplaceWithSummary(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(openTestDB(t), nil)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_ = store.SaveMessage(ctx, 7, 7, int64(i), "user", "x")
	}
	if err := store.ReplaceWithSummary(ctx, 7, 7, "summary text"); err != nil {
		t.Fatalf("ReplaceWithSummary: %v", err)
	}

	msgs, err := store.GetHistory(ctx, 7, 7, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "summary text" || msgs[0].MessageID != 0 {
		t.Errorf("unexpected summary row: %+v", msgs[0])
	}
}

func TestHistoryStore_PruneOlderThan(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewHistoryStore(db, nil)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO conversations (user_id, chat_id, message_id, role, content, timestamp)
		VALUES (1, 1, 0, 'user', 'ancient', '2000-01-01 00:00:00')`)
	if err != nil {
		t.Fatal(err)
	}
	_ = store.SaveMessage(ctx, 1, 1, 5, "user", "fresh")

	n, err := store.PruneOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	msgs, _ := store.GetHistory(ctx, 1, 1, 10)
	if len(msgs) != 1 || msgs[0].Content != "fresh" {
		t.Errorf("remaining = %+v", msgs)
	}
}
