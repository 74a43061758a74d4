package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"hyprflux/internal/catalog"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	owner, ok := ownerOf(ctx)
	if !ok {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	s.answerCallback(b, ctx, "", false)
	bg := context.Background()

	switch {
	case strings.HasPrefix(data, cbKind):
		kind, err := catalog.ParseKind(strings.TrimPrefix(data, cbKind))
		if err != nil {
			s.answerCallback(b, ctx, "Unknown generator.", true)
			return nil
		}
		return s.activate(b, ctx, owner, kind, true)

	case strings.HasPrefix(data, cbModel):
		sess, err := s.current(bg, owner)
		if err != nil {
			return s.reply(ctx, b, "Failed to open generator.")
		}
		id := strings.TrimPrefix(data, cbModel)
		if err := sess.Set(bg, "model", id); err != nil {
			if errors.Is(err, catalog.ErrModelNotFound) {
				s.answerCallback(b, ctx, fmt.Sprintf("%s is not a %s model.", id, sess.Kind()), true)
				return nil
			}
			return s.reply(ctx, b, "Failed to switch model.")
		}
		return s.editOrReplyCallback(ctx, b, formText(sess), formKeyboard())

	case data == cbModels:
		sess, err := s.current(bg, owner)
		if err != nil {
			return s.reply(ctx, b, "Failed to open generator.")
		}
		return s.editOrReplyCallback(ctx, b, modelsText(sess), s.modelsKeyboard(sess))

	case data == cbShow:
		sess, err := s.current(bg, owner)
		if err != nil {
			return s.reply(ctx, b, "Failed to open generator.")
		}
		return s.editOrReplyCallback(ctx, b, formText(sess), formKeyboard())

	case data == cbReset:
		sess, err := s.current(bg, owner)
		if err != nil {
			return s.reply(ctx, b, "Failed to open generator.")
		}
		if err := sess.Reset(bg); err != nil {
			return s.reply(ctx, b, "Failed to reset the form.")
		}
		return s.editOrReplyCallback(ctx, b, formText(sess), formKeyboard())

	case data == cbGenerate:
		return s.enqueue(b, ctx, owner, "")

	case strings.HasPrefix(data, cbHistory):
		page, err := strconv.Atoi(strings.TrimPrefix(data, cbHistory))
		if err != nil || page < 1 {
			page = 1
		}
		return s.showHistory(b, ctx, owner, page, true)

	case data == cbClearAsk:
		return s.editOrReplyCallback(ctx, b, "Delete the whole history? This cannot be undone.", clearKeyboard())

	case data == cbClearYes:
		text := s.clearHistory(owner)
		return s.editOrReplyCallback(ctx, b, text, nil)

	case data == cbClearNo:
		return s.showHistory(b, ctx, owner, 1, true)

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}
