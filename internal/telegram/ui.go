package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"hyprflux/internal/catalog"
	"hyprflux/internal/session"
	"hyprflux/internal/storage"
)

const (
	cbPrefix = "hf:"

	cbKind       = cbPrefix + "kind:"
	cbModel      = cbPrefix + "model:"
	cbModels     = cbPrefix + "models"
	cbShow       = cbPrefix + "show"
	cbGenerate   = cbPrefix + "gen"
	cbReset      = cbPrefix + "reset"
	cbHistory    = cbPrefix + "history:"
	cbClearAsk   = cbPrefix + "clear"
	cbClearYes   = cbPrefix + "clear_yes"
	cbClearNo    = cbPrefix + "clear_no"
	historyLimit = 10
	// Telegram rejects messages above 4096 characters.
	maxMessage = 4000
)

func helpText() string {
	return strings.Join([]string{
		"HyprFlux generates images and videos with the HyprLab API.",
		"",
		"Generator:",
		"/image, /video - switch generator",
		"/models - pick a model",
		"/show - current form",
		"/set <field> <value> - change a field",
		"/unset <field> - clear a field",
		"/reset - back to model defaults",
		"/gen [prompt] - generate (plain text works too in private chat)",
		"Send a photo or video with a field name as caption to upload it.",
		"",
		"History:",
		"/history [page]",
		"/load <timestamp> - reuse the settings of a record",
		"/delete <timestamp>",
		"/clear",
		"/export - download history as JSON",
		"Send an exported JSON file with caption import to restore it.",
		"",
		"/apikey <key> - your HyprLab API key",
	}, "\n")
}

func kindKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Image generator", CallbackData: cbKind + string(catalog.KindImage)},
			{Text: "Video generator", CallbackData: cbKind + string(catalog.KindVideo)},
		},
	}}
}

// formText lists the fields of the selected model with their values.
func formText(sess *session.Session) string {
	entry := sess.Entry()
	values := sess.Values()
	uploadErrs := sess.UploadErrors()

	lines := []string{fmt.Sprintf("%s generator: %s", strings.ToUpper(string(sess.Kind())[:1])+string(sess.Kind())[1:], sess.Model())}
	if entry != nil && entry.Config != nil && entry.Config.Description != "" {
		lines = append(lines, entry.Config.Description)
	}
	lines = append(lines, "")
	if entry != nil {
		for _, f := range entry.Fields {
			if f.Name == "model" {
				continue
			}
			line := fmt.Sprintf("%s: %s", f.Name, valueText(values[f.Name]))
			if f.Required {
				line += " *"
			}
			if hint := fieldHint(f); hint != "" {
				line += "  (" + hint + ")"
			}
			lines = append(lines, line)
			if msg, ok := uploadErrs[f.Name]; ok {
				lines = append(lines, "  ! "+msg)
			}
		}
	}
	return truncate(strings.Join(lines, "\n"))
}

func fieldHint(f catalog.Field) string {
	switch f.Kind {
	case catalog.FieldSelect:
		opts := make([]string, 0, len(f.Options))
		for _, o := range f.Options {
			opts = append(opts, valueText(o))
		}
		return strings.Join(opts, " | ")
	case catalog.FieldNumber, catalog.FieldRange:
		switch {
		case f.Min != nil && f.Max != nil:
			return fmt.Sprintf("%s..%s", valueText(*f.Min), valueText(*f.Max))
		case f.Min != nil:
			return ">= " + valueText(*f.Min)
		case f.Max != nil:
			return "<= " + valueText(*f.Max)
		}
	case catalog.FieldCheckbox:
		return "true | false"
	case catalog.FieldFile:
		return "send a file"
	}
	return ""
}

func valueText(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		if t == "" {
			return "-"
		}
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		return "[" + strings.Join(t, ", ") + "]"
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, valueText(item))
		}
		return "[" + strings.Join(items, ", ") + "]"
	}
	return fmt.Sprint(v)
}

func formKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Generate", CallbackData: cbGenerate},
			{Text: "Models", CallbackData: cbModels},
		},
		{
			{Text: "Reset", CallbackData: cbReset},
			{Text: "History", CallbackData: cbHistory + "1"},
		},
	}}
}

func modelsText(sess *session.Session) string {
	return fmt.Sprintf("Pick a %s model. Current: %s", sess.Kind(), sess.Model())
}

// modelsKeyboard shows one button per model of the session's kind, grouped
// by family.
func (s *Service) modelsKeyboard(sess *session.Session) *gotgbot.InlineKeyboardMarkup {
	rows := [][]gotgbot.InlineKeyboardButton{}
	row := []gotgbot.InlineKeyboardButton{}
	var family string
	for _, e := range s.deps.Catalog.Models(sess.Kind()) {
		if e.Family != nil && e.Family.ID != family && len(row) > 0 {
			rows = append(rows, row)
			row = nil
		}
		if e.Family != nil {
			family = e.Family.ID
		}
		text := e.ID
		if e.ID == sess.Model() {
			text = "• " + text
		}
		row = append(row, gotgbot.InlineKeyboardButton{Text: text, CallbackData: cbModel + e.ID})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	other := catalog.KindVideo
	if sess.Kind() == catalog.KindVideo {
		other = catalog.KindImage
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{
		{Text: "Back to form", CallbackData: cbShow},
		{Text: "Switch to " + string(other), CallbackData: cbKind + string(other)},
	})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// historyText renders one page of history summaries.
func historyText(p storage.Page) string {
	if p.Total == 0 {
		return "History is empty."
	}
	lines := []string{fmt.Sprintf("History: %d items, page %d of %d", p.Total, p.Page, p.Pages())}
	for _, item := range p.Items {
		prompt := []rune(item.Prompt)
		if len(prompt) > 60 {
			prompt = append(prompt[:57], []rune("...")...)
		}
		lines = append(lines, fmt.Sprintf("%s  %s  %s\n  %s", item.Timestamp, item.Kind, item.Model, string(prompt)))
	}
	lines = append(lines, "", "Use /load <timestamp> or /delete <timestamp>.")
	return truncate(strings.Join(lines, "\n"))
}

func historyKeyboard(p storage.Page) *gotgbot.InlineKeyboardMarkup {
	nav := []gotgbot.InlineKeyboardButton{}
	if p.Page > 1 {
		nav = append(nav, gotgbot.InlineKeyboardButton{Text: "Previous", CallbackData: cbHistory + strconv.Itoa(p.Page-1)})
	}
	if p.Page < p.Pages() {
		nav = append(nav, gotgbot.InlineKeyboardButton{Text: "Next", CallbackData: cbHistory + strconv.Itoa(p.Page+1)})
	}
	rows := [][]gotgbot.InlineKeyboardButton{}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	if p.Total > 0 {
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Clear history", CallbackData: cbClearAsk}})
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func clearKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Yes, delete everything", CallbackData: cbClearYes},
			{Text: "Cancel", CallbackData: cbClearNo},
		},
	}}
}

func truncate(text string) string {
	r := []rune(text)
	if len(r) <= maxMessage {
		return text
	}
	return string(r[:maxMessage-3]) + "..."
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
