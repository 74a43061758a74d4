package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"hyprflux/internal/metrics"
	"hyprflux/internal/queue"
)

// Processor counts and dedupes updates before dispatching them. With
// AllowedUsers set, updates from anyone else are dropped.
type Processor struct {
	Base         ext.BaseProcessor
	Dedupe       *queue.UpdateDeduplicator
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	AllowedUsers map[int64]bool
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if len(p.AllowedUsers) > 0 && (ctx.EffectiveUser == nil || !p.AllowedUsers[ctx.EffectiveUser.Id]) {
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), ctx.UpdateId)
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}
