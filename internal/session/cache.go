// Package session holds the short-lived Redis state that sits in front of
// the relational store: conversation window snapshots, active backend
// selections, ban verdicts, per-user rate counters and update dedupe marks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type CachedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	HistoryTTL       time.Duration
	ActiveBackendTTL time.Duration
	BanTTL           time.Duration
}

type Cache struct {
	redis *redis.Client
	cfg   Config
}

func NewCache(rdb *redis.Client, cfg Config) *Cache {
	return &Cache{redis: rdb, cfg: cfg}
}

func historyKey(userID, chatID int64) string {
	return fmt.Sprintf("modelgate:history:%d:%d", userID, chatID)
}

func activeBackendKey(userID int64) string {
	return fmt.Sprintf("modelgate:active:%d", userID)
}

func banKey(userID, chatScope int64) string {
	return fmt.Sprintf("modelgate:ban:%d:%d", userID, chatScope)
}

// GetHistory returns the cached window and whether the cache held one.
// A miss is not an error.
func (c *Cache) GetHistory(ctx context.Context, userID, chatID int64) ([]CachedMessage, bool, error) {
	raw, err := c.redis.Get(ctx, historyKey(userID, chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("history cache get: %w", err)
	}
	var msgs []CachedMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		// A corrupt entry is treated as a miss; the store is authoritative.
		return nil, false, nil
	}
	return msgs, true, nil
}

func (c *Cache) SetHistory(ctx context.Context, userID, chatID int64, msgs []CachedMessage) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("history cache marshal: %w", err)
	}
	if err := c.redis.Set(ctx, historyKey(userID, chatID), raw, c.cfg.HistoryTTL).Err(); err != nil {
		return fmt.Errorf("history cache set: %w", err)
	}
	return nil
}

func (c *Cache) InvalidateHistory(ctx context.Context, userID, chatID int64) error {
	if err := c.redis.Del(ctx, historyKey(userID, chatID)).Err(); err != nil {
		return fmt.Errorf("history cache del: %w", err)
	}
	return nil
}

func (c *Cache) GetActiveBackend(ctx context.Context, userID int64) (kind, ref string, ok bool, err error) {
	raw, err := c.redis.Get(ctx, activeBackendKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("active backend cache get: %w", err)
	}
	var v struct {
		Kind string `json:"kind"`
		Ref  string `json:"ref"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", "", false, nil
	}
	return v.Kind, v.Ref, true, nil
}

func (c *Cache) SetActiveBackend(ctx context.Context, userID int64, kind, ref string) error {
	raw, err := json.Marshal(struct {
		Kind string `json:"kind"`
		Ref  string `json:"ref"`
	}{kind, ref})
	if err != nil {
		return fmt.Errorf("active backend cache marshal: %w", err)
	}
	if err := c.redis.Set(ctx, activeBackendKey(userID), raw, c.cfg.ActiveBackendTTL).Err(); err != nil {
		return fmt.Errorf("active backend cache set: %w", err)
	}
	return nil
}

func (c *Cache) InvalidateActiveBackend(ctx context.Context, userID int64) error {
	if err := c.redis.Del(ctx, activeBackendKey(userID)).Err(); err != nil {
		return fmt.Errorf("active backend cache del: %w", err)
	}
	return nil
}

func (c *Cache) GetBan(ctx context.Context, userID, chatScope int64) (banned, ok bool, err error) {
	raw, err := c.redis.Get(ctx, banKey(userID, chatScope)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("ban cache get: %w", err)
	}
	return raw == "1", true, nil
}

func (c *Cache) SetBan(ctx context.Context, userID, chatScope int64, banned bool) error {
	v := "0"
	if banned {
		v = "1"
	}
	if err := c.redis.Set(ctx, banKey(userID, chatScope), v, c.cfg.BanTTL).Err(); err != nil {
		return fmt.Errorf("ban cache set: %w", err)
	}
	return nil
}

func (c *Cache) InvalidateBan(ctx context.Context, userID, chatScope int64) error {
	if err := c.redis.Del(ctx, banKey(userID, chatScope)).Err(); err != nil {
		return fmt.Errorf("ban cache del: %w", err)
	}
	return nil
}
