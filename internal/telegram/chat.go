package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"modelgate/internal/backend"
	"modelgate/internal/gate"
	"modelgate/internal/providers"
	"modelgate/internal/storage"
	"modelgate/internal/vault"
)

const (
	maxReplyRunes     = 4000
	completionTimeout = 2 * time.Minute
)

func (s *Service) onText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	private := ctx.EffectiveChat.Type == "private"
	if private {
		state, err := s.wizard.Get(context.Background(), userID(ctx))
		if err != nil {
			s.logger.Error().Err(err).Msg("wizard load failed")
			return s.reply(ctx, b, "Setup state error. Start again with /setapi.")
		}
		if state != nil {
			return s.wizardStep(b, ctx, state, text)
		}
	} else {
		var ok bool
		text, ok = s.addressedText(b, ctx, text)
		if !ok {
			return nil
		}
	}

	if !s.accessAllowed(ctx) {
		return nil
	}
	return s.chat(b, ctx, text)
}

// addressedText reports whether a group message is for the bot, either by
// @mention or by replying to one of its messages, and strips the mention.
func (s *Service) addressedText(b *gotgbot.Bot, ctx *ext.Context, text string) (string, bool) {
	username := s.botUsername
	if username == "" {
		username = b.User.Username
	}
	mention := "@" + username

	if username != "" && strings.Contains(text, mention) {
		return strings.TrimSpace(strings.ReplaceAll(text, mention, "")), true
	}
	if reply := ctx.EffectiveMessage.ReplyToMessage; reply != nil && reply.From != nil && reply.From.Id == b.User.Id {
		return text, true
	}
	return "", false
}

func (s *Service) chat(b *gotgbot.Bot, ctx *ext.Context, text string) error {
	uid, chatID := userID(ctx), ctx.EffectiveChat.Id

	if !s.allowRate(chatID, uid, b, ctx) {
		return nil
	}
	s.ensureUser(ctx)

	decision, err := s.gate.Authorize(context.Background(), uid, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("authorize failed")
		return s.reply(ctx, b, "Something went wrong. Try again.")
	}
	switch decision {
	case gate.DeniedGlobal:
		// Globally banned users get silence.
		s.metrics.DeniedTotal.Inc()
		return nil
	case gate.DeniedChat:
		s.metrics.DeniedTotal.Inc()
		return s.reply(ctx, b, "You cannot use the assistant in this chat.")
	}

	cfg, err := s.backends.ResolveActive(context.Background(), uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("resolve active backend failed")
		return s.reply(ctx, b, "Failed to read model settings.")
	}

	unlock := s.convo.Lock(uid, chatID)
	defer unlock()

	// Deterministic per telegram message, so a redelivered update cannot
	// append the turn twice.
	userKey := fmt.Sprintf("tg:%d:%d:u", chatID, ctx.EffectiveMessage.MessageId)
	if err := s.convo.Append(context.Background(), uid, chatID, storage.RoleUser, text, userKey); err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("append user turn failed")
		return s.reply(ctx, b, "Failed to record your message. Try again.")
	}

	history, err := s.convo.History(context.Background(), uid, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("load history failed")
		return s.reply(ctx, b, "Failed to load the conversation. Try again.")
	}
	msgs := make([]providers.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	resp, err := s.dispatcher.Complete(reqCtx, cfg, msgs)
	if err != nil {
		s.metrics.CompletionErrors.Inc()
		if errors.Is(err, vault.ErrDecrypt) {
			return s.reply(ctx, b, "Your endpoint's stored secret can no longer be read. Register it again with /setapi.")
		}
		if reqCtx.Err() != nil {
			return s.reply(ctx, b, "The model took too long to answer. Try again.")
		}
		return s.reply(ctx, b, userFacingError(err))
	}
	// A reply that lands after the deadline is stale; drop it rather than
	// answer a question the user already gave up on.
	if reqCtx.Err() != nil {
		return nil
	}

	assistantKey := fmt.Sprintf("tg:%d:%d:a", chatID, ctx.EffectiveMessage.MessageId)
	if err := s.convo.Append(context.Background(), uid, chatID, storage.RoleAssistant, resp.Text, assistantKey); err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("append assistant turn failed")
	}

	s.metrics.CompletionsTotal.Inc()
	return s.reply(ctx, b, truncateRunes(resp.Text, maxReplyRunes))
}

func (s *Service) wizardStep(b *gotgbot.Bot, ctx *ext.Context, state *setAPIWizardState, text string) error {
	uid := userID(ctx)

	switch state.Step {
	case stepLabel:
		if len(text) > 32 || strings.ContainsAny(text, " \t\n") {
			return s.reply(ctx, b, "Labels are one word, 32 characters max. Try again.")
		}
		state.Label = text
		state.Step = stepEndpoint
		if err := s.wizard.Set(context.Background(), uid, *state); err != nil {
			return s.reply(ctx, b, "Failed to save setup state.")
		}
		return s.reply(ctx, b, "Send the endpoint base URL (example: https://api.example.com/v1). It must speak the OpenAI chat completions format.")

	case stepEndpoint:
		if u, err := url.Parse(text); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return s.reply(ctx, b, "That does not look like an http(s) URL. Try again.")
		}
		state.Endpoint = text
		state.Step = stepModel
		if err := s.wizard.Set(context.Background(), uid, *state); err != nil {
			return s.reply(ctx, b, "Failed to save setup state.")
		}
		return s.reply(ctx, b, "Send the model name the endpoint expects.")

	case stepModel:
		state.Model = text
		state.Step = stepSecret
		if err := s.wizard.Set(context.Background(), uid, *state); err != nil {
			return s.reply(ctx, b, "Failed to save setup state.")
		}
		return s.reply(ctx, b, "Send the API key. I will delete your message and store the key encrypted.")

	case stepSecret:
		// Get the plaintext key out of the chat history, best effort.
		_, _ = b.DeleteMessage(ctx.EffectiveChat.Id, ctx.EffectiveMessage.MessageId, nil)

		if err := s.backends.ProbeCandidate(context.Background(), state.Endpoint, text, state.Model); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", uid).Msg("endpoint probe failed during setup")
			return s.reply(ctx, b, "The endpoint did not answer a test request: "+userFacingError(err)+"\nSend another API key, or /cancel.")
		}

		api, err := s.backends.RegisterCustom(context.Background(), uid, state.Label, state.Endpoint, state.Model, text)
		switch {
		case errors.Is(err, backend.ErrLabelTaken):
			_ = s.wizard.Clear(context.Background(), uid)
			return s.reply(ctx, b, "That label is already taken. Start again with /setapi.")
		case err != nil:
			s.logger.Error().Err(err).Int64("user_id", uid).Msg("register custom backend failed")
			return s.reply(ctx, b, "Failed to save the endpoint. Start again with /setapi.")
		}

		_ = s.wizard.Clear(context.Background(), uid)
		return s.reply(ctx, b, fmt.Sprintf("Endpoint %q saved and verified. Activate it with /model %s.", api.Label, api.Label))
	}

	return nil
}

func userFacingError(err error) string {
	switch providers.KindOf(err) {
	case providers.KindAuthFailed:
		return "The backend rejected its credentials."
	case providers.KindBadResponse:
		return "The backend returned an unusable response."
	default:
		return "The model is unavailable right now. Try again shortly."
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
