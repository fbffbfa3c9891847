package sessions

import (
	"errors"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie/internal/storage/dirstore"
)

func TestGetOrCreateRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())

	c, err := store.GetOrCreate("conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if c.ID != "conv-1" {
		t.Errorf("ID = %q, want conv-1", c.ID)
	}

	got, err := store.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("Get ID = %q, want %q", got.ID, c.ID)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store := NewFileStore(t.TempDir())

	first, err := store.GetOrCreate("conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	second, err := store.GetOrCreate("conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate (again): %v", err)
	}

	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("CreatedAt changed across calls: %v != %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewFileStore(t.TempDir())

	_, err := store.Get("does-not-exist")
	if err == nil {
		t.Fatal("expected error for missing conversation")
	}
	if !errors.Is(err, dirstore.ErrNotFound) {
		t.Errorf("Get error = %v, want wrapped dirstore.ErrNotFound", err)
	}
}

func TestAppendAndLoadMessages(t *testing.T) {
	store := NewFileStore(t.TempDir())

	msgs := []Message{
		{Role: "user", Content: "hello", Ts: time.Now()},
		{Role: "assistant", Content: "hi there", Ts: time.Now()},
		{Role: "user", Content: "how are you?", Ts: time.Now()},
		{Role: "assistant", Content: "I'm fine", Ts: time.Now()},
		{Role: "user", Content: "bye", Ts: time.Now()},
	}

	for _, m := range msgs {
		if err := store.AppendMessage("conv-1", m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	loaded, err := store.LoadMessages("conv-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}

	if len(loaded) != len(msgs) {
		t.Fatalf("loaded %d messages, want %d", len(loaded), len(msgs))
	}

	for i, m := range loaded {
		if m.Role != msgs[i].Role {
			t.Errorf("msg[%d].Role = %q, want %q", i, m.Role, msgs[i].Role)
		}
		if m.Content != msgs[i].Content {
			t.Errorf("msg[%d].Content = %q, want %q", i, m.Content, msgs[i].Content)
		}
	}

	got, err := store.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", got.MessageCount)
	}
}

func TestLoadMessagesEmpty(t *testing.T) {
	store := NewFileStore(t.TempDir())

	if _, err := store.GetOrCreate("conv-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	msgs, err := store.LoadMessages("conv-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected 0 messages, got %d", len(msgs))
	}
}

func TestLoadMessagesUnknownConversation(t *testing.T) {
	store := NewFileStore(t.TempDir())

	msgs, err := store.LoadMessages("never-created")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected 0 messages for unknown conversation, got %d", len(msgs))
	}
}

func TestAddUsageAccumulates(t *testing.T) {
	store := NewFileStore(t.TempDir())

	if err := store.AddUsage("conv-1", TokenUsage{Input: 10, Output: 5}); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if err := store.AddUsage("conv-1", TokenUsage{Input: 3, Output: 7}); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}

	c, err := store.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.TokenUsage.Input != 13 || c.TokenUsage.Output != 12 {
		t.Errorf("TokenUsage = %+v, want {13 12}", c.TokenUsage)
	}
}
