package convo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"modelgate/internal/session"
	"modelgate/internal/storage"
)

func newTestStore(t *testing.T, window int) *Store {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := session.NewCache(rdb, session.Config{HistoryTTL: time.Minute})
	return NewStore(db, cache, window, zerolog.Nop())
}

func TestAppendAndHistoryOrder(t *testing.T) {
	s := newTestStore(t, 20)
	ctx := context.Background()

	pairs := []struct{ role, content string }{
		{storage.RoleUser, "q1"},
		{storage.RoleAssistant, "a1"},
		{storage.RoleUser, "q2"},
		{storage.RoleAssistant, "a2"},
	}
	for _, p := range pairs {
		if err := s.Append(ctx, 1, 2, p.role, p.content, NewDedupeKey()); err != nil {
			t.Fatalf("append %q: %v", p.content, err)
		}
	}

	msgs, err := s.History(ctx, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("history len = %d, want 4", len(msgs))
	}
	for i, p := range pairs {
		if msgs[i].Role != p.role || msgs[i].Content != p.content {
			t.Fatalf("msg %d = %s/%q, want %s/%q", i, msgs[i].Role, msgs[i].Content, p.role, p.content)
		}
	}
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	const window = 20
	s := newTestStore(t, window)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if err := s.Append(ctx, 1, 2, storage.RoleUser, fmt.Sprintf("q%d", i), ""); err != nil {
			t.Fatalf("append user %d: %v", i, err)
		}
		if err := s.Append(ctx, 1, 2, storage.RoleAssistant, fmt.Sprintf("a%d", i), ""); err != nil {
			t.Fatalf("append assistant %d: %v", i, err)
		}
	}

	msgs, err := s.History(ctx, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != window {
		t.Fatalf("history len = %d, want %d", len(msgs), window)
	}
	// 50 turns written, so the window starts at turn 30 which is q15.
	if msgs[0].Content != "q15" {
		t.Fatalf("oldest surviving turn = %q, want q15", msgs[0].Content)
	}
	if msgs[window-1].Content != "a24" {
		t.Fatalf("newest turn = %q, want a24", msgs[window-1].Content)
	}
}

func TestAppendDedupeKeySuppressesRedelivery(t *testing.T) {
	s := newTestStore(t, 20)
	ctx := context.Background()

	key := NewDedupeKey()
	for i := 0; i < 2; i++ {
		if err := s.Append(ctx, 1, 2, storage.RoleUser, "hello", key); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}

	msgs, err := s.History(ctx, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("history len = %d, want 1", len(msgs))
	}
}

func TestHistoryReadAfterWrite(t *testing.T) {
	s := newTestStore(t, 20)
	ctx := context.Background()

	if err := s.Append(ctx, 1, 2, storage.RoleUser, "first", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Warm the cache, then write again; the stale snapshot must not serve.
	if _, err := s.History(ctx, 1, 2); err != nil {
		t.Fatalf("history: %v", err)
	}
	if err := s.Append(ctx, 1, 2, storage.RoleAssistant, "second", ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := s.History(ctx, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "second" {
		t.Fatalf("history = %+v, want two turns ending with second", msgs)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := newTestStore(t, 20)
	ctx := context.Background()

	if err := s.Append(ctx, 1, 2, storage.RoleUser, "hello", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Clear(ctx, 1, 2); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.Clear(ctx, 1, 2); err != nil {
		t.Fatalf("clear again: %v", err)
	}

	msgs, err := s.History(ctx, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("history len = %d after clear, want 0", len(msgs))
	}
}

func TestLockSerializesSameConversation(t *testing.T) {
	s := newTestStore(t, 20)

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock(1, 2)
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxActive)
	}
}

func TestLockIndependentConversationsDoNotBlock(t *testing.T) {
	s := newTestStore(t, 20)

	unlockA := s.Lock(1, 2)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := s.Lock(1, 3)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent conversation lock blocked")
	}
}
