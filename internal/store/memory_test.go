package store

import (
	"context"
	"errors"
	"testing"
)

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

func int64Ptr(v int64) *int64 { return &v }

func newTestMemory() *Memory {
	return NewMemory(
		User{ID: 1, Username: "alice", FullName: "Alice A", Role: "master", Active: true},
		User{ID: 2, Username: "bob", FullName: "Bob B", Role: "padrao", Active: true},
		User{ID: 3, Username: "carol", Role: "padrao", Active: true},
	)
}

// TestMemoryInsertMessage verifies ids are assigned in order and sender names
// are resolved from the directory.
func TestMemoryInsertMessage(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	first, err := m.InsertMessage(ctx, NewMessage{Content: "hi", SenderID: 1})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	second, err := m.InsertMessage(ctx, NewMessage{Content: "yo", SenderID: 2, ReceiverID: int64Ptr(1), MessageType: "emoji"})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if first.SenderName != "Alice A" || first.SenderUsername != "alice" {
		t.Errorf("unexpected sender names %q/%q", first.SenderName, first.SenderUsername)
	}
	if first.MessageType != "text" {
		t.Errorf("expected default message type text, got %q", first.MessageType)
	}
	if second.MessageType != "emoji" || !second.IsPrivate() {
		t.Errorf("unexpected second message %+v", second)
	}
	if first.Reactions == nil {
		t.Error("reactions must be an empty list, not nil")
	}
}

// TestMemoryInsertUnknownSender verifies the name hints seed the directory.
func TestMemoryInsertUnknownSender(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	msg, err := m.InsertMessage(ctx, NewMessage{Content: "hello", SenderID: 9, SenderName: "Nine", SenderUsername: "nine"})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if msg.SenderName != "Nine" {
		t.Errorf("expected sender name Nine, got %q", msg.SenderName)
	}
	name, err := m.DisplayName(ctx, 9)
	if err != nil || name != "Nine" {
		t.Errorf("DisplayName() = %q, %v", name, err)
	}
}

// TestMemoryFailInserts verifies the persistence failure switch.
func TestMemoryFailInserts(t *testing.T) {
	m := newTestMemory()
	m.FailInserts(true)
	if _, err := m.InsertMessage(context.Background(), NewMessage{Content: "x", SenderID: 1}); err == nil {
		t.Fatal("expected insert to fail")
	}
}

// TestMemoryRecentMessagesVisibility verifies private messages only reach
// their participants and ordering is oldest first.
func TestMemoryRecentMessagesVisibility(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	mustInsert := func(msg NewMessage) {
		t.Helper()
		if _, err := m.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage() error = %v", err)
		}
	}
	mustInsert(NewMessage{Content: "public-1", SenderID: 1})
	mustInsert(NewMessage{Content: "private-1-2", SenderID: 1, ReceiverID: int64Ptr(2)})
	mustInsert(NewMessage{Content: "public-2", SenderID: 2})

	tests := []struct {
		name   string
		userID int64
		limit  int
		want   []string
	}{
		{name: "sender sees private", userID: 1, limit: 10, want: []string{"public-1", "private-1-2", "public-2"}},
		{name: "receiver sees private", userID: 2, limit: 10, want: []string{"public-1", "private-1-2", "public-2"}},
		{name: "outsider does not", userID: 3, limit: 10, want: []string{"public-1", "public-2"}},
		{name: "limit keeps newest", userID: 3, limit: 1, want: []string{"public-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.RecentMessages(ctx, tt.userID, tt.limit)
			if err != nil {
				t.Fatalf("RecentMessages() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d messages, got %d", len(tt.want), len(got))
			}
			for i, content := range tt.want {
				if got[i].Content != content {
					t.Errorf("message[%d]: expected %q, got %q", i, content, got[i].Content)
				}
			}
		})
	}
}

// TestMemoryUpdateAndDeletePermissions verifies only the sender edits and the
// sender or an admin deletes.
func TestMemoryUpdateAndDeletePermissions(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	msg, _ := m.InsertMessage(ctx, NewMessage{Content: "draft", SenderID: 2})

	if _, err := m.UpdateMessage(ctx, msg.ID, 1, "hijack"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	updated, err := m.UpdateMessage(ctx, msg.ID, 2, "final")
	if err != nil {
		t.Fatalf("UpdateMessage() error = %v", err)
	}
	if updated.Content != "final" || !updated.IsEdited || updated.UpdatedAt == nil {
		t.Errorf("unexpected updated message %+v", updated)
	}

	if _, err := m.DeleteMessage(ctx, msg.ID, 3, false); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := m.DeleteMessage(ctx, msg.ID, 1, true); err != nil {
		t.Errorf("admin delete failed: %v", err)
	}
	if _, err := m.GetMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := m.UpdateMessage(ctx, 999, 1, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestMemoryToggleReaction verifies a second toggle removes the reaction and
// counts aggregate per emoji.
func TestMemoryToggleReaction(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	msg, _ := m.InsertMessage(ctx, NewMessage{Content: "react to me", SenderID: 1})

	res, err := m.ToggleReaction(ctx, msg.ID, 2, "👍")
	if err != nil {
		t.Fatalf("ToggleReaction() error = %v", err)
	}
	if res.Action != ReactionAdded {
		t.Errorf("expected added, got %s", res.Action)
	}
	res, _ = m.ToggleReaction(ctx, msg.ID, 3, "👍")
	if len(res.Reactions) != 1 || res.Reactions[0].Count != 2 {
		t.Fatalf("expected one emoji with count 2, got %+v", res.Reactions)
	}
	if res.Reactions[0].Users[1] != "carol" {
		t.Errorf("expected username fallback carol, got %q", res.Reactions[0].Users[1])
	}

	res, _ = m.ToggleReaction(ctx, msg.ID, 2, "👍")
	if res.Action != ReactionRemoved || res.Reactions[0].Count != 1 {
		t.Errorf("expected removal leaving count 1, got %s %+v", res.Action, res.Reactions)
	}

	if _, err := m.ToggleReaction(ctx, 404, 1, "👍"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestMemorySetOnline verifies online flags are tracked per user.
func TestMemorySetOnline(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	_ = m.SetOnline(ctx, 2, true)
	_ = m.SetOnline(ctx, 1, true)
	_ = m.SetOnline(ctx, 42, true)
	_ = m.SetOnline(ctx, 1, false)

	got := m.OnlineUsers()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("expected only user 2 online, got %v", got)
	}
}
