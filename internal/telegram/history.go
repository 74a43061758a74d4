package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"hyprflux/internal/media"
	"hyprflux/internal/storage"
)

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok || ctx.EffectiveMessage == nil {
		return nil
	}
	page, err := strconv.Atoi(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())))
	if err != nil || page < 1 {
		page = 1
	}
	return s.showHistory(b, ctx, owner, page, false)
}

func (s *Service) showHistory(b *gotgbot.Bot, ctx *ext.Context, owner string, page int, edit bool) error {
	p, err := s.store.ListMedia(context.Background(), owner, page, historyLimit)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("list history failed")
		return s.reply(ctx, b, "Failed to load history.")
	}
	if edit {
		return s.editOrReplyCallback(ctx, b, historyText(p), historyKeyboard(p))
	}
	return s.replyWithMarkup(ctx, b, historyText(p), historyKeyboard(p))
}

// load switches the record's generator to the settings it was made with.
func (s *Service) load(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok || ctx.EffectiveMessage == nil {
		return nil
	}
	ts := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if ts == "" {
		return s.reply(ctx, b, "Usage: /load <timestamp>")
	}
	bg := context.Background()
	rec, err := s.store.GetMedia(bg, owner, ts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "No history item with that timestamp.")
		}
		s.logger.Error().Err(err).Str("timestamp", ts).Msg("get media failed")
		return s.reply(ctx, b, "Failed to read history.")
	}

	sess, err := s.session(bg, owner, rec.Kind)
	if err != nil {
		return s.reply(ctx, b, "Failed to open generator.")
	}
	if err := sess.LoadSettings(bg, rec.Settings); err != nil {
		return s.reply(ctx, b, err.Error())
	}
	if err := s.active.Set(bg, owner, rec.Kind); err != nil {
		s.logger.Warn().Err(err).Str("owner", owner).Msg("failed to store active generator")
	}
	return s.replyWithMarkup(ctx, b, formText(sess), formKeyboard())
}

func (s *Service) deleteRecord(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok || ctx.EffectiveMessage == nil {
		return nil
	}
	ts := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if ts == "" {
		return s.reply(ctx, b, "Usage: /delete <timestamp>")
	}
	if err := s.store.DeleteMedia(context.Background(), owner, ts); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "No history item with that timestamp.")
		}
		s.logger.Error().Err(err).Str("timestamp", ts).Msg("delete media failed")
		return s.reply(ctx, b, "Failed to delete the item.")
	}
	_ = s.audit(owner, "media_delete", map[string]any{"timestamp": ts})
	return s.reply(ctx, b, "Deleted.")
}

func (s *Service) clear(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.replyWithMarkup(ctx, b, "Delete the whole history? This cannot be undone.", clearKeyboard())
}

func (s *Service) clearHistory(owner string) string {
	if err := s.store.ClearAll(context.Background(), owner); err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("clear history failed")
		return "Failed to clear history."
	}
	_ = s.audit(owner, "media_clear", map[string]any{})
	return "History cleared."
}

func (s *Service) export(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := ownerOf(ctx)
	if !ok || ctx.EffectiveChat == nil {
		return nil
	}
	now := s.now()
	bundle, err := s.store.ExportBundle(context.Background(), owner, now)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("export failed")
		return s.reply(ctx, b, "Failed to export history.")
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return s.reply(ctx, b, "Failed to export history.")
	}

	doc := gotgbot.InputFileByReader(media.ExportFileName(now), bytes.NewReader(data))
	if _, err := b.SendDocument(ctx.EffectiveChat.Id, doc, &gotgbot.SendDocumentOpts{
		Caption: strconv.Itoa(len(bundle.Media)) + " items",
	}); err != nil {
		return err
	}
	_ = s.audit(owner, "media_export", map[string]any{"items": len(bundle.Media)})
	return nil
}

// importBundle restores an exported history file. Items whose timestamp is
// already present are skipped.
func (s *Service) importBundle(ctx context.Context, owner string, data []byte) (string, error) {
	bundle, err := media.ParseBundle(data)
	if err != nil {
		return "", err
	}
	added, err := s.store.ImportMedia(ctx, owner, bundle.Media)
	if err != nil {
		return "", err
	}
	_ = s.audit(owner, "media_import", map[string]any{"items": len(bundle.Media), "added": added})
	return "Import processed: " + strconv.Itoa(added) + " new items (duplicates were skipped).", nil
}
