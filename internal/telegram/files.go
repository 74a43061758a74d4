package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"hyprflux/internal/catalog"
	"hyprflux/internal/session"
)

const importCaption = "import"

// attachment is the file carried by a message.
type attachment struct {
	id   string
	name string
	size int64
}

func attachmentOf(msg *gotgbot.Message) (attachment, bool) {
	switch {
	case len(msg.Photo) > 0:
		// sizes are ordered small to large
		p := msg.Photo[len(msg.Photo)-1]
		return attachment{id: p.FileId, name: p.FileUniqueId + ".jpg", size: p.FileSize}, true
	case msg.Video != nil:
		name := msg.Video.FileName
		if name == "" {
			name = msg.Video.FileUniqueId + ".mp4"
		}
		return attachment{id: msg.Video.FileId, name: name, size: msg.Video.FileSize}, true
	case msg.Document != nil:
		name := msg.Document.FileName
		if name == "" {
			name = msg.Document.FileUniqueId
		}
		return attachment{id: msg.Document.FileId, name: name, size: msg.Document.FileSize}, true
	}
	return attachment{}, false
}

// onFile uploads a photo, video or document to the file field named by the
// caption, or imports a history export captioned "import".
func (s *Service) onFile(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	owner, ok := ownerOf(ctx)
	if !ok || msg == nil {
		return nil
	}
	att, ok := attachmentOf(msg)
	if !ok {
		return nil
	}
	caption := strings.TrimSpace(msg.Caption)
	if caption == "" {
		return s.reply(ctx, b, "Add the name of a file field as caption, for example image_prompt. See /show.")
	}
	if att.size > s.maxDownload {
		return s.reply(ctx, b, fmt.Sprintf("File is too large (limit %d MB).", s.maxDownload>>20))
	}

	bg := context.Background()
	if strings.EqualFold(caption, importCaption) {
		data, err := s.fetch(bg, b, att)
		if err != nil {
			s.logger.Error().Err(err).Msg("download import file failed")
			return s.reply(ctx, b, "Failed to download the file.")
		}
		text, err := s.importBundle(bg, owner, data)
		if err != nil {
			return s.reply(ctx, b, "Import failed: "+err.Error())
		}
		return s.reply(ctx, b, text)
	}

	sess, err := s.current(bg, owner)
	if err != nil {
		return s.reply(ctx, b, "Failed to open generator.")
	}
	field := caption
	if f, known := sess.Entry().Field(field); !known || f.Kind != catalog.FieldFile {
		return s.reply(ctx, b, fmt.Sprintf("%s has no file field %q. See /show.", sess.Model(), field))
	}
	data, err := s.fetch(bg, b, att)
	if err != nil {
		s.logger.Error().Err(err).Str("field", field).Msg("download upload failed")
		return s.reply(ctx, b, "Failed to download the file.")
	}
	if err := sess.Upload(bg, field, session.File{Name: att.name, Data: data}); err != nil {
		return s.reply(ctx, b, err.Error())
	}
	return s.replyWithMarkup(ctx, b, formText(sess), formKeyboard())
}

// fetch downloads a file from Telegram's file storage.
func (s *Service) fetch(ctx context.Context, b *gotgbot.Bot, att attachment) ([]byte, error) {
	f, err := b.GetFileWithContext(ctx, att.id, nil)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	resp, err := s.download.R().SetContext(ctx).Get(f.URL(b, nil))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode())
	}
	if int64(len(resp.Body())) > s.maxDownload {
		return nil, fmt.Errorf("download file: larger than %d bytes", s.maxDownload)
	}
	return resp.Body(), nil
}
