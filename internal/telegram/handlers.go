package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"hyprflux/internal/catalog"
	"hyprflux/internal/queue"
	"hyprflux/internal/request"
	"hyprflux/internal/schema"
	"hyprflux/internal/session"
	"hyprflux/internal/storage"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.replyWithMarkup(ctx, b, helpText(), kindKeyboard())
}

func (s *Service) switchKind(kind catalog.Kind) func(b *gotgbot.Bot, ctx *ext.Context) error {
	return func(b *gotgbot.Bot, ctx *ext.Context) error {
		owner, ok := ownerOf(ctx)
		if !ok {
			return nil
		}
		return s.activate(b, ctx, owner, kind, false)
	}
}

// activate makes kind the user's generator and shows its form.
func (s *Service) activate(b *gotgbot.Bot, ctx *ext.Context, owner string, kind catalog.Kind, edit bool) error {
	bg := context.Background()
	if err := s.active.Set(bg, owner, kind); err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("failed to store active generator")
		return s.reply(ctx, b, "Failed to switch generator right now.")
	}
	sess, err := s.session(bg, owner, kind)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("open session failed")
		return s.reply(ctx, b, "Failed to open generator.")
	}
	if edit {
		return s.editOrReplyCallback(ctx, b, formText(sess), formKeyboard())
	}
	return s.replyWithMarkup(ctx, b, formText(sess), formKeyboard())
}

func (s *Service) models(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok {
		return nil
	}
	sess, err := s.current(context.Background(), owner)
	if err != nil {
		return s.reply(ctx, b, "Failed to open generator.")
	}
	return s.replyWithMarkup(ctx, b, modelsText(sess), s.modelsKeyboard(sess))
}

func (s *Service) set(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok || ctx.EffectiveMessage == nil {
		return nil
	}
	field, value := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	if field == "" || value == "" {
		return s.reply(ctx, b, "Usage: /set <field> <value>")
	}
	bg := context.Background()
	sess, err := s.current(bg, owner)
	if err != nil {
		return s.reply(ctx, b, "Failed to open generator.")
	}
	if field != "model" && field != "prompt" {
		f, known := sess.Entry().Field(field)
		if !known {
			return s.reply(ctx, b, fmt.Sprintf("%s has no field %q. See /show.", sess.Model(), field))
		}
		if f.Kind == catalog.FieldFile && !strings.HasPrefix(value, "http") {
			return s.reply(ctx, b, fmt.Sprintf("Send a file with caption %q, or a URL.", field))
		}
	}
	if err := sess.Set(bg, field, value); err != nil {
		if errors.Is(err, catalog.ErrModelNotFound) {
			return s.reply(ctx, b, fmt.Sprintf("Unknown %s model %q. See /models.", sess.Kind(), value))
		}
		s.logger.Error().Err(err).Str("field", field).Msg("set field failed")
		return s.reply(ctx, b, "Failed to update the form.")
	}
	return s.replyWithMarkup(ctx, b, formText(sess), formKeyboard())
}

func (s *Service) unset(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok || ctx.EffectiveMessage == nil {
		return nil
	}
	field := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if field == "" || field == "model" {
		return s.reply(ctx, b, "Usage: /unset <field>")
	}
	bg := context.Background()
	sess, err := s.current(bg, owner)
	if err != nil {
		return s.reply(ctx, b, "Failed to open generator.")
	}
	if f, known := sess.Entry().Field(field); known && f.Kind == catalog.FieldFile {
		sess.ClearUpload(bg, field)
	} else if err := sess.Set(bg, field, nil); err != nil {
		return s.reply(ctx, b, "Failed to update the form.")
	}
	return s.replyWithMarkup(ctx, b, formText(sess), formKeyboard())
}

func (s *Service) show(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok {
		return nil
	}
	sess, err := s.current(context.Background(), owner)
	if err != nil {
		return s.reply(ctx, b, "Failed to open generator.")
	}
	return s.replyWithMarkup(ctx, b, formText(sess), formKeyboard())
}

func (s *Service) reset(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok {
		return nil
	}
	bg := context.Background()
	sess, err := s.current(bg, owner)
	if err != nil {
		return s.reply(ctx, b, "Failed to open generator.")
	}
	if err := sess.Reset(bg); err != nil {
		return s.reply(ctx, b, "Failed to reset the form.")
	}
	return s.replyWithMarkup(ctx, b, formText(sess), formKeyboard())
}

func (s *Service) gen(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok || ctx.EffectiveMessage == nil {
		return nil
	}
	return s.enqueue(b, ctx, owner, strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())))
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}
	owner, ok := ownerOf(ctx)
	if !ok {
		return nil
	}
	return s.enqueue(b, ctx, owner, text)
}

// enqueue checks the active form like a submit would and queues it for the
// worker. A non-empty prompt replaces the form's prompt first.
func (s *Service) enqueue(b *gotgbot.Bot, ctx *ext.Context, owner, prompt string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	bg := context.Background()
	sess, err := s.current(bg, owner)
	if err != nil {
		return s.reply(ctx, b, "Failed to open generator.")
	}
	if prompt != "" {
		if err := sess.Set(bg, "prompt", prompt); err != nil {
			return s.reply(ctx, b, "Failed to update the prompt.")
		}
	}
	values, err := sess.Prepare(bg)
	if err != nil {
		return s.reply(ctx, b, userError(err))
	}
	if !s.allowRate(owner, b, ctx) {
		return nil
	}

	job := queue.GenerateJob{
		ChatID: ctx.EffectiveChat.Id,
		UserID: userID(ctx),
		Owner:  owner,
		Kind:   sess.Kind(),
		Values: values,
	}
	if ctx.CallbackQuery == nil && ctx.EffectiveMessage != nil {
		job.MessageID = ctx.EffectiveMessage.MessageId
	}
	if _, err := s.queue.Enqueue(bg, job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue generation")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	return s.reply(ctx, b, fmt.Sprintf("Accepted. Generating %s with %s.", sess.Kind(), values.Model()))
}

func (s *Service) apiKey(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok || ctx.EffectiveMessage == nil {
		return nil
	}
	key := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if key == "" {
		return s.reply(ctx, b, "Usage: /apikey <key>, or /apikey - to remove it")
	}
	if key == "-" {
		key = ""
	}
	// the key should not stay in the chat log
	if _, err := ctx.EffectiveMessage.Delete(b, nil); err != nil {
		s.logger.Debug().Err(err).Msg("failed to delete api key message")
	}
	if err := s.deps.Settings.SetAPIKey(context.Background(), owner, key); err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("store api key failed")
		return s.reply(ctx, b, "Failed to store the API key.")
	}
	_ = s.audit(owner, "api_key", map[string]any{"cleared": key == ""})
	if key == "" {
		return s.reply(ctx, b, "API key removed.")
	}
	return s.reply(ctx, b, "API key saved.")
}

func (s *Service) allowRate(owner string, b *gotgbot.Bot, ctx *ext.Context) bool {
	if s.rateLimiter == nil {
		return true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(context.Background(), owner, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	_ = s.reply(ctx, b, "Rate limit exceeded. Try again after "+resetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) audit(owner, action string, meta map[string]any) error {
	if s.store == nil {
		return nil
	}
	b, _ := json.Marshal(meta)
	return s.store.LogAction(context.Background(), storage.AuditEntry{
		Owner:    owner,
		Action:   action,
		MetaJSON: string(b),
	})
}

// userError turns a pre-submit failure into a chat message.
func userError(err error) string {
	var verr *schema.ValidationError
	var missing *request.MissingFieldError
	switch {
	case errors.Is(err, session.ErrMissingAPIKey):
		return "API Key is required. Set it with /apikey <key>."
	case errors.Is(err, session.ErrUploadPending):
		return strings.TrimPrefix(err.Error(), session.ErrUploadPending.Error()+": ")
	case errors.As(err, &verr), errors.As(err, &missing):
		return err.Error()
	case errors.Is(err, request.ErrMissingModel), errors.Is(err, catalog.ErrModelNotFound):
		return "Select a model first. See /models."
	}
	return "Generation failed: " + err.Error()
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
	idx := strings.IndexAny(s, " \n")
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
