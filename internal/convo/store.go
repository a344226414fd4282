// Package convo persists conversation turns with a bounded FIFO window and
// serializes writers per conversation.
package convo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"modelgate/internal/session"
	"modelgate/internal/storage"
)

type Store struct {
	store  *storage.Store
	cache  *session.Cache
	locks  *lockTable
	window int
	log    zerolog.Logger
}

func NewStore(store *storage.Store, cache *session.Cache, window int, log zerolog.Logger) *Store {
	if window <= 0 {
		window = 20
	}
	return &Store{
		store:  store,
		cache:  cache,
		locks:  newLockTable(),
		window: window,
		log:    log,
	}
}

func (s *Store) Window() int { return s.window }

// Lock serializes the append-complete-append sequence for one conversation.
// The returned func releases the lock.
func (s *Store) Lock(userID, chatID int64) func() {
	return s.locks.acquire(lockKey{userID: userID, chatID: chatID})
}

// NewDedupeKey tags a turn so a redelivered append stays single.
func NewDedupeKey() string {
	return uuid.NewString()
}

// Append stores one turn, trims the window and drops the cached snapshot.
func (s *Store) Append(ctx context.Context, userID, chatID int64, role, content, dedupeKey string) error {
	err := s.store.AppendMessage(ctx, storage.Message{
		UserID:    userID,
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		DedupeKey: dedupeKey,
	}, s.window)
	if err != nil {
		return err
	}
	if err := s.cache.InvalidateHistory(ctx, userID, chatID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Int64("chat_id", chatID).Msg("history cache invalidate failed")
	}
	return nil
}

// History returns the newest window turns in chronological order, reading
// through the cache. Store reads retry briefly since they are idempotent.
func (s *Store) History(ctx context.Context, userID, chatID int64) ([]storage.Message, error) {
	if cached, ok, err := s.cache.GetHistory(ctx, userID, chatID); err == nil && ok {
		out := make([]storage.Message, 0, len(cached))
		for _, m := range cached {
			out = append(out, storage.Message{UserID: userID, ChatID: chatID, Role: m.Role, Content: m.Content})
		}
		return out, nil
	} else if err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Int64("chat_id", chatID).Msg("history cache read failed")
	}

	var msgs []storage.Message
	backoff := retry.WithMaxRetries(2, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		msgs, err = s.store.ListWindow(ctx, userID, chatID, s.window)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cached := make([]session.CachedMessage, 0, len(msgs))
	for _, m := range msgs {
		cached = append(cached, session.CachedMessage{Role: m.Role, Content: m.Content})
	}
	if err := s.cache.SetHistory(ctx, userID, chatID, cached); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Int64("chat_id", chatID).Msg("history cache write failed")
	}
	return msgs, nil
}

// Clear wipes the conversation. Clearing an empty conversation is a no-op.
func (s *Store) Clear(ctx context.Context, userID, chatID int64) error {
	if err := s.store.ClearConversation(ctx, userID, chatID); err != nil {
		return err
	}
	if err := s.cache.InvalidateHistory(ctx, userID, chatID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Int64("chat_id", chatID).Msg("history cache invalidate failed")
	}
	return nil
}
