package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureUserUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureUser(ctx, 1, "alice", "Alice"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := s.EnsureUser(ctx, 1, "alice2", "Alice"); err != nil {
		t.Fatalf("ensure user again: %v", err)
	}

	var username string
	if err := s.db.QueryRowContext(ctx, "SELECT username FROM users WHERE id = 1").Scan(&username); err != nil {
		t.Fatalf("read user: %v", err)
	}
	if username != "alice2" {
		t.Fatalf("username = %q, want alice2", username)
	}
}

func TestActiveBackendLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureUser(ctx, 7, "bob", "Bob"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	if _, _, err := s.GetActiveBackend(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh user active backend err = %v, want ErrNotFound", err)
	}

	if err := s.SetActiveBackend(ctx, 7, "builtin", "gpt-4o"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	kind, ref, err := s.GetActiveBackend(ctx, 7)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if kind != "builtin" || ref != "gpt-4o" {
		t.Fatalf("active = %s/%s, want builtin/gpt-4o", kind, ref)
	}

	// Another write replaces the previous selection outright.
	if err := s.SetActiveBackend(ctx, 7, "custom", "42"); err != nil {
		t.Fatalf("set active again: %v", err)
	}
	kind, ref, err = s.GetActiveBackend(ctx, 7)
	if err != nil {
		t.Fatalf("get active again: %v", err)
	}
	if kind != "custom" || ref != "42" {
		t.Fatalf("active = %s/%s, want custom/42", kind, ref)
	}

	if err := s.SetActiveBackend(ctx, 999, "builtin", "gpt-4o"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set active for unknown user err = %v, want ErrNotFound", err)
	}
}

func TestBackendConfigCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertBackendConfig(ctx, BackendConfig{
		UserID: 1, Label: "work", Endpoint: "https://api.example.com/v1", Model: "m-1", EncSecret: "{}",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("insert returned id 0")
	}

	if _, err := s.InsertBackendConfig(ctx, BackendConfig{
		UserID: 1, Label: "work", Endpoint: "https://other.example.com", Model: "m-2", EncSecret: "{}",
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate label err = %v, want ErrConflict", err)
	}

	// Same label under a different user is fine.
	if _, err := s.InsertBackendConfig(ctx, BackendConfig{
		UserID: 2, Label: "work", Endpoint: "https://api.example.com/v1", Model: "m-1", EncSecret: "{}",
	}); err != nil {
		t.Fatalf("insert for other user: %v", err)
	}

	got, err := s.GetBackendConfigByID(ctx, 1, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Label != "work" || got.Model != "m-1" {
		t.Fatalf("got %+v", got)
	}

	if _, err := s.GetBackendConfigByID(ctx, 2, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get by id across users err = %v, want ErrNotFound", err)
	}

	byLabel, err := s.GetBackendConfigByLabel(ctx, 1, "work")
	if err != nil {
		t.Fatalf("get by label: %v", err)
	}
	if byLabel.ID != id {
		t.Fatalf("get by label id = %d, want %d", byLabel.ID, id)
	}

	list, err := s.ListBackendConfigs(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list len = %d, want 1", len(list))
	}

	if err := s.DeleteBackendConfig(ctx, 1, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteBackendConfig(ctx, 1, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete again err = %v, want ErrNotFound", err)
	}
}

func TestBanUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	banned, err := s.GetBan(ctx, 5, GlobalScope)
	if err != nil {
		t.Fatalf("get ban: %v", err)
	}
	if banned {
		t.Fatal("unknown user reported banned")
	}

	for i := 0; i < 2; i++ {
		if err := s.SetBan(ctx, 5, GlobalScope, true); err != nil {
			t.Fatalf("set ban #%d: %v", i, err)
		}
	}
	banned, err = s.GetBan(ctx, 5, GlobalScope)
	if err != nil {
		t.Fatalf("get ban after set: %v", err)
	}
	if !banned {
		t.Fatal("user not banned after SetBan")
	}

	// Chat scope is tracked independently of global scope.
	banned, err = s.GetBan(ctx, 5, 100)
	if err != nil {
		t.Fatalf("get chat ban: %v", err)
	}
	if banned {
		t.Fatal("chat scope inherited global ban row")
	}

	if err := s.SetBan(ctx, 5, GlobalScope, false); err != nil {
		t.Fatalf("unban: %v", err)
	}
	banned, err = s.GetBan(ctx, 5, GlobalScope)
	if err != nil {
		t.Fatalf("get ban after unban: %v", err)
	}
	if banned {
		t.Fatal("user still banned after unban")
	}
}

func TestAppendMessageTrimsWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const window = 6

	for i := 0; i < 10; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		err := s.AppendMessage(ctx, Message{
			UserID: 1, ChatID: 2, Role: role, Content: string(rune('a' + i)),
		}, window)
		if err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}

	msgs, err := s.ListWindow(ctx, 1, 2, window)
	if err != nil {
		t.Fatalf("list window: %v", err)
	}
	if len(msgs) != window {
		t.Fatalf("window len = %d, want %d", len(msgs), window)
	}
	// Oldest survivor is message index 4 ("e"), order is chronological.
	if msgs[0].Content != "e" || msgs[len(msgs)-1].Content != "j" {
		t.Fatalf("window spans %q..%q, want e..j", msgs[0].Content, msgs[len(msgs)-1].Content)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE user_id = 1 AND chat_id = 2").Scan(&total); err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != window {
		t.Fatalf("stored rows = %d, want %d", total, window)
	}
}

func TestAppendMessageDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := Message{UserID: 1, ChatID: 2, Role: RoleUser, Content: "hi", DedupeKey: "k1"}
	if err := s.AppendMessage(ctx, m, 20); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendMessage(ctx, m, 20); err != nil {
		t.Fatalf("append retry: %v", err)
	}

	msgs, err := s.ListWindow(ctx, 1, 2, 20)
	if err != nil {
		t.Fatalf("list window: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("window len = %d, want 1", len(msgs))
	}

	// Messages without a dedupe key never collide with each other.
	plain := Message{UserID: 1, ChatID: 2, Role: RoleAssistant, Content: "hello"}
	if err := s.AppendMessage(ctx, plain, 20); err != nil {
		t.Fatalf("append plain: %v", err)
	}
	if err := s.AppendMessage(ctx, plain, 20); err != nil {
		t.Fatalf("append plain again: %v", err)
	}
	msgs, err = s.ListWindow(ctx, 1, 2, 20)
	if err != nil {
		t.Fatalf("list window: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("window len = %d, want 3", len(msgs))
	}
}

func TestClearConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := s.AppendMessage(ctx, Message{UserID: 1, ChatID: 2, Role: RoleUser, Content: "x"}, 20); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendMessage(ctx, Message{UserID: 1, ChatID: 3, Role: RoleUser, Content: "other chat"}, 20); err != nil {
		t.Fatalf("append other chat: %v", err)
	}

	if err := s.ClearConversation(ctx, 1, 2); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.ClearConversation(ctx, 1, 2); err != nil {
		t.Fatalf("clear again: %v", err)
	}

	msgs, err := s.ListWindow(ctx, 1, 2, 20)
	if err != nil {
		t.Fatalf("list window: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("window len = %d after clear, want 0", len(msgs))
	}

	other, err := s.ListWindow(ctx, 1, 3, 20)
	if err != nil {
		t.Fatalf("list other window: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("other chat lost messages, len = %d", len(other))
	}
}
