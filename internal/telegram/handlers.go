package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"modelgate/internal/backend"
	"modelgate/internal/gate"
	"modelgate/internal/storage"
	"modelgate/internal/vault"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.Join([]string{
		"Send me a message and I answer with the active model.",
		"",
		"Commands:",
		"/model - show active and available models",
		"/model <name> - switch model",
		"/setapi - register your own endpoint (private chat)",
		"/listapi - list your endpoints",
		"/delapi <label> - delete an endpoint",
		"/testapi <label> - probe an endpoint",
		"/clear - wipe this conversation",
		"/cancel - abort the /setapi wizard",
		"Admin:",
		"/ban <id|reply> [global]",
		"/unban <id|reply> [global]",
	}, "\n")
	return s.reply(ctx, b, text)
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	s.ensureUser(ctx)
	return s.help(b, ctx)
}

func (s *Service) model(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	if !s.accessAllowed(ctx) {
		return nil
	}
	s.ensureUser(ctx)
	uid := userID(ctx)

	ref := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if ref == "" {
		return s.showModels(b, ctx, uid)
	}

	cfg, err := s.backends.SetActive(context.Background(), uid, ref)
	if errors.Is(err, backend.ErrUnknownBackend) {
		return s.reply(ctx, b, "Unknown model or endpoint label. See /model.")
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("set active backend failed")
		return s.reply(ctx, b, "Failed to switch model.")
	}
	return s.reply(ctx, b, "Active model: "+cfg.Describe())
}

func (s *Service) showModels(b *gotgbot.Bot, ctx *ext.Context, uid int64) error {
	active, err := s.backends.ResolveActive(context.Background(), uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("resolve active backend failed")
		return s.reply(ctx, b, "Failed to read model settings.")
	}

	lines := []string{"Active: " + active.Describe(), "", "Built-in models:"}
	for _, m := range backend.Builtins() {
		lines = append(lines, fmt.Sprintf("- %s (%s)", m.Name, m.Model))
	}

	customs, err := s.backends.ListCustom(context.Background(), uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("list custom backends failed")
	} else if len(customs) > 0 {
		lines = append(lines, "", "Your endpoints:")
		for _, c := range customs {
			lines = append(lines, fmt.Sprintf("- %s (%s)", c.Label, c.Model))
		}
	}
	lines = append(lines, "", "Switch with /model <name>.")
	return s.reply(ctx, b, strings.Join(lines, "\n"))
}

func (s *Service) setAPI(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return s.reply(ctx, b, "Run /setapi in a private chat with me; it will ask for a secret.")
	}
	if !s.accessAllowed(ctx) {
		return nil
	}
	s.ensureUser(ctx)

	state := setAPIWizardState{Step: stepLabel}
	if err := s.wizard.Set(context.Background(), userID(ctx), state); err != nil {
		s.logger.Error().Err(err).Msg("wizard start failed")
		return s.reply(ctx, b, "Failed to start setup. Try again.")
	}
	return s.reply(ctx, b, "Endpoint setup started. Send a short label for it (example: work). /cancel aborts.")
}

func (s *Service) listAPI(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	if !s.accessAllowed(ctx) {
		return nil
	}
	s.ensureUser(ctx)

	customs, err := s.backends.ListCustom(context.Background(), userID(ctx))
	if err != nil {
		s.logger.Error().Err(err).Msg("list custom backends failed")
		return s.reply(ctx, b, "Failed to list endpoints.")
	}
	if len(customs) == 0 {
		return s.reply(ctx, b, "No endpoints registered. Use /setapi.")
	}
	lines := []string{"Your endpoints:"}
	for _, c := range customs {
		lines = append(lines, fmt.Sprintf("- %s: %s (%s)", c.Label, c.Endpoint, c.Model))
	}
	return s.reply(ctx, b, strings.Join(lines, "\n"))
}

func (s *Service) delAPI(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	if !s.accessAllowed(ctx) {
		return nil
	}
	label := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if label == "" {
		return s.reply(ctx, b, "Usage: /delapi <label>")
	}

	err := s.backends.DeleteCustom(context.Background(), userID(ctx), label)
	if errors.Is(err, backend.ErrUnknownBackend) {
		return s.reply(ctx, b, "No endpoint with that label.")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("delete custom backend failed")
		return s.reply(ctx, b, "Failed to delete endpoint.")
	}
	return s.reply(ctx, b, "Endpoint deleted.")
}

func (s *Service) testAPI(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	if !s.accessAllowed(ctx) {
		return nil
	}
	label := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if label == "" {
		return s.reply(ctx, b, "Usage: /testapi <label>")
	}

	err := s.backends.TestConnection(context.Background(), userID(ctx), label)
	switch {
	case err == nil:
		return s.reply(ctx, b, "Endpoint answered. Looks good.")
	case errors.Is(err, backend.ErrUnknownBackend):
		return s.reply(ctx, b, "No endpoint with that label.")
	case errors.Is(err, vault.ErrDecrypt):
		return s.reply(ctx, b, "Stored secret can no longer be read. Delete the endpoint and register it again with /setapi.")
	default:
		return s.reply(ctx, b, "Endpoint check failed: "+userFacingError(err))
	}
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), userID(ctx)); err != nil {
		return s.reply(ctx, b, "Failed to cancel setup right now.")
	}
	return s.reply(ctx, b, "Setup canceled.")
}

func (s *Service) clear(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if !s.accessAllowed(ctx) {
		return nil
	}
	s.ensureUser(ctx)

	uid, chatID := userID(ctx), ctx.EffectiveChat.Id
	unlock := s.convo.Lock(uid, chatID)
	defer unlock()

	if err := s.convo.Clear(context.Background(), uid, chatID); err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Int64("chat_id", chatID).Msg("clear conversation failed")
		return s.reply(ctx, b, "Failed to clear the conversation.")
	}
	return s.reply(ctx, b, "Conversation cleared.")
}

func (s *Service) ban(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.moderate(b, ctx, true)
}

func (s *Service) unban(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.moderate(b, ctx, false)
}

func (s *Service) moderate(b *gotgbot.Bot, ctx *ext.Context, banned bool) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	actor := userID(ctx)
	if !s.gate.IsAdmin(actor) {
		return s.reply(ctx, b, "Only bot admins can do that.")
	}

	target, global, err := moderationTarget(ctx)
	if err != nil {
		if banned {
			return s.reply(ctx, b, "Usage: /ban <user_id|reply to a message> [global]")
		}
		return s.reply(ctx, b, "Usage: /unban <user_id|reply to a message> [global]")
	}

	scope := ctx.EffectiveChat.Id
	if global || ctx.EffectiveChat.Type == "private" {
		scope = storage.GlobalScope
	}

	var op func(context.Context, int64, int64, int64) error
	verb := "unbanned"
	if banned {
		op = s.gate.Ban
		verb = "banned"
	} else {
		op = s.gate.Unban
	}

	err = op(context.Background(), actor, target, scope)
	switch {
	case errors.Is(err, gate.ErrTargetAdmin):
		return s.reply(ctx, b, "That user is a bot admin.")
	case errors.Is(err, gate.ErrForbidden):
		return s.reply(ctx, b, "Only bot admins can do that.")
	case err != nil:
		s.logger.Error().Err(err).Int64("target_id", target).Msg("moderation update failed")
		return s.reply(ctx, b, "Failed to update ban state.")
	}

	where := "in this chat"
	if scope == storage.GlobalScope {
		where = "everywhere"
	}
	return s.reply(ctx, b, fmt.Sprintf("User %d %s %s.", target, verb, where))
}

// moderationTarget reads the target user from a replied-to message or from
// the first argument, plus an optional trailing "global".
func moderationTarget(ctx *ext.Context) (target int64, global bool, err error) {
	rest := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	first, second := splitFirstWord(rest)

	if reply := ctx.EffectiveMessage.ReplyToMessage; reply != nil && reply.From != nil {
		target = reply.From.Id
		global = strings.EqualFold(first, "global")
		return target, global, nil
	}

	if first == "" {
		return 0, false, fmt.Errorf("missing target")
	}
	target, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad target %q", first)
	}
	return target, strings.EqualFold(second, "global"), nil
}

func (s *Service) accessAllowed(ctx *ext.Context) bool {
	if s.accessMode != "private" {
		return true
	}
	return s.gate.IsAdmin(userID(ctx))
}

func (s *Service) allowRate(chatID, uid int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if uid == 0 || s.rateLimiter == nil {
		return true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(context.Background(), chatID, uid, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	s.metrics.RateLimitedTotal.Inc()
	_ = s.reply(ctx, b, "Rate limit exceeded. Try again after "+resetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
