package sessions

import (
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_GetOrCreateIsIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)

	first, err := s.GetOrCreate("c1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := s.GetOrCreate("c1")
	if err != nil {
		t.Fatalf("GetOrCreate (second): %v", err)
	}
	if first.CreatedAt != second.CreatedAt {
		t.Errorf("CreatedAt changed across calls: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestSQLiteStore_AppendAndLoadMessagesPreservesOrder(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.AppendMessage("c1", Message{Role: "user", Content: "one"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.AppendMessage("c1", Message{Role: "assistant", Content: "two"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.LoadMessages("c1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "one" || msgs[1].Content != "two" {
		t.Fatalf("msgs = %+v, want [one two] in order", msgs)
	}

	c, err := s.Get("c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", c.MessageCount)
	}
}

func TestSQLiteStore_AddUsageAccumulates(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.AddUsage("c1", TokenUsage{Input: 10, Output: 5}); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if err := s.AddUsage("c1", TokenUsage{Input: 3, Output: 7}); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}

	c, err := s.Get("c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.TokenUsage.Input != 13 || c.TokenUsage.Output != 12 {
		t.Fatalf("TokenUsage = %+v, want {13 12}", c.TokenUsage)
	}
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.Get("missing"); err == nil {
		t.Fatal("expected error for unknown conversation")
	}
}
