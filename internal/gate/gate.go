// Package gate decides whether a user may reach the completion pipeline.
// Admins come from process configuration and are immutable at runtime;
// bans are per user, either global or scoped to one chat.
package gate

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"modelgate/internal/session"
	"modelgate/internal/storage"
)

var (
	// ErrForbidden is returned when a non-admin calls a moderation
	// operation.
	ErrForbidden = errors.New("forbidden")
	// ErrTargetAdmin is returned when the ban target is an admin.
	ErrTargetAdmin = errors.New("target is an admin")
)

type Decision int

const (
	Allow Decision = iota
	DeniedGlobal
	DeniedChat
)

type Gate struct {
	admins map[int64]bool
	store  *storage.Store
	cache  *session.Cache
	log    zerolog.Logger
}

func New(adminIDs []int64, store *storage.Store, cache *session.Cache, log zerolog.Logger) *Gate {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Gate{admins: admins, store: store, cache: cache, log: log}
}

func (g *Gate) IsAdmin(userID int64) bool {
	return g.admins[userID]
}

// Authorize checks the global scope first, then the chat scope. Admins
// are always allowed.
func (g *Gate) Authorize(ctx context.Context, userID, chatID int64) (Decision, error) {
	if g.admins[userID] {
		return Allow, nil
	}

	banned, err := g.banned(ctx, userID, storage.GlobalScope)
	if err != nil {
		return Allow, err
	}
	if banned {
		return DeniedGlobal, nil
	}

	if chatID != storage.GlobalScope {
		banned, err = g.banned(ctx, userID, chatID)
		if err != nil {
			return Allow, err
		}
		if banned {
			return DeniedChat, nil
		}
	}

	return Allow, nil
}

// Ban records a ban for chatScope; storage.GlobalScope bans everywhere.
// Repeating a ban is a no-op.
func (g *Gate) Ban(ctx context.Context, actorID, targetID, chatScope int64) error {
	return g.setBan(ctx, actorID, targetID, chatScope, true)
}

func (g *Gate) Unban(ctx context.Context, actorID, targetID, chatScope int64) error {
	return g.setBan(ctx, actorID, targetID, chatScope, false)
}

func (g *Gate) setBan(ctx context.Context, actorID, targetID, chatScope int64, banned bool) error {
	if !g.admins[actorID] {
		return ErrForbidden
	}
	if g.admins[targetID] {
		return ErrTargetAdmin
	}
	if err := g.store.SetBan(ctx, targetID, chatScope, banned); err != nil {
		return err
	}
	if err := g.cache.InvalidateBan(ctx, targetID, chatScope); err != nil {
		g.log.Warn().Err(err).Int64("user_id", targetID).Int64("chat_scope", chatScope).Msg("ban cache invalidate failed")
	}
	g.log.Info().
		Int64("actor_id", actorID).
		Int64("target_id", targetID).
		Int64("chat_scope", chatScope).
		Bool("banned", banned).
		Msg("ban record updated")
	return nil
}

func (g *Gate) banned(ctx context.Context, userID, chatScope int64) (bool, error) {
	if banned, ok, err := g.cache.GetBan(ctx, userID, chatScope); err == nil && ok {
		return banned, nil
	} else if err != nil {
		g.log.Warn().Err(err).Int64("user_id", userID).Msg("ban cache read failed")
	}

	banned, err := g.store.GetBan(ctx, userID, chatScope)
	if err != nil {
		return false, err
	}
	if err := g.cache.SetBan(ctx, userID, chatScope, banned); err != nil {
		g.log.Warn().Err(err).Int64("user_id", userID).Msg("ban cache write failed")
	}
	return banned, nil
}
