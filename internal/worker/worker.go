package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"hyprflux/internal/catalog"
	"hyprflux/internal/generate"
	"hyprflux/internal/media"
	"hyprflux/internal/metrics"
	"hyprflux/internal/queue"
	"hyprflux/internal/schema"
	"hyprflux/internal/session"
)

// Sender delivers job results to a chat.
type Sender interface {
	Text(ctx context.Context, chatID, replyTo int64, text string) error
	Photo(ctx context.Context, chatID, replyTo int64, photo gotgbot.InputFileOrString, caption string) error
	Video(ctx context.Context, chatID, replyTo int64, videoURL, caption string) error
}

type Worker struct {
	queue       *queue.StreamQueue
	sender      Sender
	deps        session.Deps
	reclaimIdle time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// Config wires a Worker. ReclaimIdle is how long a job may stay unacked
// before Start takes it over from its consumer.
type Config struct {
	Bot         *gotgbot.Bot
	Sender      Sender
	Queue       *queue.StreamQueue
	Session     session.Deps
	ReclaimIdle time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	sender := cfg.Sender
	if sender == nil {
		sender = BotSender{Bot: cfg.Bot}
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = m
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 15 * time.Minute
	}
	return &Worker{
		queue:       cfg.Queue,
		sender:      sender,
		deps:        cfg.Session,
		reclaimIdle: cfg.ReclaimIdle,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

// Start consumes jobs with concurrency slots until ctx ends. Jobs another
// consumer left unacked for longer than the reclaim idle time are taken over
// first.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	stale, err := w.queue.Reclaim(ctx, w.reclaimIdle, int64(concurrency)*4)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to reclaim stale jobs")
	}
	if len(stale) > 0 {
		w.logger.Info().Int("jobs", len(stale)).Msg("reclaimed stale jobs")
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int, backlog []queue.Message) {
			defer wg.Done()
			log := w.logger.With().Int("slot", slot).Logger()
			for _, msg := range backlog {
				w.handle(ctx, log, msg)
			}
			w.consumeLoop(ctx, log)
		}(i, share(stale, i, concurrency))
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// share returns the messages of slot when msgs are dealt round robin.
func share(msgs []queue.Message, slot, slots int) []queue.Message {
	var out []queue.Message
	for i := slot; i < len(msgs); i += slots {
		out = append(out, msgs[i])
	}
	return out
}

func (w *Worker) consumeLoop(ctx context.Context, log zerolog.Logger) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// handle runs one delivered message and acks it. Failed and malformed jobs
// are dropped after logging; failures were already reported to the chat.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := msg.Err
	if err == nil {
		err = w.processJob(ctx, msg.Job)
	}
	w.metrics.Job(err)
	if err != nil {
		log.Error().Err(err).Str("msg_id", msg.ID).Str("job_id", msg.Job.JobID).Str("kind", string(msg.Job.Kind)).Msg("job failed")
	}
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
	}
}

// processJob runs one queued generation and replies with the result. A
// generation failure is reported to the chat and returned.
func (w *Worker) processJob(ctx context.Context, job queue.GenerateJob) error {
	log := w.logger.With().Str("job_id", job.JobID).Str("owner", job.Owner).Str("model", job.Values.Model()).Logger()
	deps := w.deps
	deps.Logger = log

	var announce sync.Once
	onStatus := func(st generate.Status) {
		if st.State != generate.Polling {
			return
		}
		// one progress note per job, when polling starts
		announce.Do(func() {
			if err := w.sender.Text(ctx, job.ChatID, job.MessageID, st.Message); err != nil {
				log.Warn().Err(err).Msg("failed to send progress")
			}
		})
	}

	rec, err := session.Generate(ctx, deps, job.Owner, job.Kind, job.Values, onStatus)
	if err != nil {
		if sendErr := w.sender.Text(ctx, job.ChatID, job.MessageID, failureText(job.Kind, err)); sendErr != nil {
			log.Error().Err(sendErr).Msg("failed to send error reply")
		}
		return err
	}

	if err := w.deliver(ctx, job, rec); err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, job queue.GenerateJob, rec media.Record) error {
	caption := Caption(rec)
	if rec.Kind == catalog.KindVideo {
		return w.sender.Video(ctx, job.ChatID, job.MessageID, rec.VideoURL, caption)
	}
	photo, err := photoInput(rec)
	if err != nil {
		return err
	}
	return w.sender.Photo(ctx, job.ChatID, job.MessageID, photo, caption)
}

// photoInput turns stored image data (a URL or raw base64) into a Telegram upload.
func photoInput(rec media.Record) (gotgbot.InputFileOrString, error) {
	if rec.ImageURL() {
		return gotgbot.InputFileByURL(rec.ImageData), nil
	}
	raw, err := base64.StdEncoding.DecodeString(rec.ImageData)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return gotgbot.InputFileByReader("image.png", bytes.NewReader(raw)), nil
}

// Caption summarizes a record under the delivered media.
func Caption(rec media.Record) string {
	text := fmt.Sprintf("%s\n%s · %s", rec.Prompt, rec.Model(), rec.Timestamp)
	if rec.RevisedPrompt != "" {
		text += "\nRevised: " + rec.RevisedPrompt
	}
	if r := []rune(text); len(r) > 1024 {
		text = string(r[:1021]) + "..."
	}
	return text
}

func failureText(kind catalog.Kind, err error) string {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		return err.Error()
	case errors.Is(err, session.ErrMissingAPIKey):
		return "API Key is required. Set it with /apikey <key>."
	case errors.Is(err, generate.ErrStopped):
		return "Generation stopped."
	}
	if kind == catalog.KindVideo {
		return "Video generation failed: " + err.Error()
	}
	return "Image generation failed: " + err.Error()
}

// BotSender sends through the Telegram Bot API.
type BotSender struct {
	Bot *gotgbot.Bot
}

func replyTo(id int64) *gotgbot.ReplyParameters {
	if id <= 0 {
		return nil
	}
	return &gotgbot.ReplyParameters{MessageId: id, AllowSendingWithoutReply: true}
}

func (s BotSender) Text(ctx context.Context, chatID, reply int64, text string) error {
	_, err := s.Bot.SendMessageWithContext(ctx, chatID, text, &gotgbot.SendMessageOpts{ReplyParameters: replyTo(reply)})
	return err
}

func (s BotSender) Photo(ctx context.Context, chatID, reply int64, photo gotgbot.InputFileOrString, caption string) error {
	_, err := s.Bot.SendPhotoWithContext(ctx, chatID, photo, &gotgbot.SendPhotoOpts{Caption: caption, ReplyParameters: replyTo(reply)})
	return err
}

func (s BotSender) Video(ctx context.Context, chatID, reply int64, videoURL, caption string) error {
	_, err := s.Bot.SendVideoWithContext(ctx, chatID, gotgbot.InputFileByURL(videoURL), &gotgbot.SendVideoOpts{Caption: caption, ReplyParameters: replyTo(reply)})
	return err
}
