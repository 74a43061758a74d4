package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hyprflux/internal/config"
	"hyprflux/internal/metrics"
	"hyprflux/internal/queue"
	"hyprflux/internal/session"
	"hyprflux/internal/telegram"
	"hyprflux/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram bot and the generation worker",
	Long: `Runs the Telegram front end (webhook, or long polling with DEV_POLLING=true)
and the worker that executes queued generations. APP_MODE=WEBHOOK or WORKER
runs only one side. Health and prometheus metrics are served on
WEBHOOK_LISTEN_ADDR.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if err := cfg.Serve(); err != nil {
		return err
	}
	log.Info().
		Str("mode", cfg.AppMode).
		Bool("dev_polling", cfg.DevPolling).
		Int("allowed_users", len(cfg.AllowedUserIDs)).
		Msg("starting hyprflux")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	bot, err := gotgbot.NewBot(cfg.BotToken, nil)
	if err != nil {
		return fmt.Errorf("create telegram bot: %s", sanitizeTelegramErr(err, cfg.BotToken))
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	s := &server{
		app:   a,
		bot:   bot,
		m:     metrics.Global(),
		deps:  a.deps(),
		queue: queue.NewStreamQueue(a.redis, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock),
		errCh: make(chan error, 4),
	}

	polling := cfg.DevPolling && cfg.AppMode != config.ModeWorker
	frontEnd := polling || cfg.AppMode == config.ModeWebhook || cfg.AppMode == config.ModeAll
	var webhook *webhookRoute
	if frontEnd {
		if webhook, err = s.startFrontEnd(polling); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           s.mux(webhook),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Webhook.WebhookTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.Webhook.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		s.startWorker(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-s.errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if s.updater != nil {
		if err := s.updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
	return runErr
}

// server holds what the serve command's components share.
type server struct {
	app     *app
	bot     *gotgbot.Bot
	m       *metrics.Metrics
	deps    session.Deps
	queue   *queue.StreamQueue
	updater *ext.Updater
	errCh   chan error
}

type webhookRoute struct {
	path    string
	handler http.HandlerFunc
}

func (s *server) logTelegramErr(err error) {
	log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.BotToken))
}

// startFrontEnd registers the chat handlers and starts long polling, or
// registers the webhook and returns its route for the http server.
func (s *server) startFrontEnd(polling bool) (*webhookRoute, error) {
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: s.logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:       queue.NewUpdateDeduplicator(s.app.redis, cfg.Redis.UpdateTTL),
			Metrics:      s.m,
			Logger:       log.Logger,
			AllowedUsers: cfg.AllowedUsers(),
		},
	})
	telegram.NewService(telegram.Config{
		Store:       s.app.store,
		Queue:       s.queue,
		RateLimiter: queue.NewRateLimiter(s.app.redis, cfg.Rate.PerHour, time.Hour),
		Redis:       s.app.redis,
		Session:     s.deps,
		Logger:      log.Logger.With().Str("component", "telegram").Logger(),
		Metrics:     s.m,
		ActiveTTL:   cfg.Redis.ActiveTTL,
	}).Register(dispatcher)
	s.updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: s.logTelegramErr})

	if polling {
		err := s.updater.StartPolling(s.bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout:     50,
				RequestOpts: &gotgbot.RequestOpts{Timeout: 60 * time.Second},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("start polling: %s", sanitizeTelegramErr(err, cfg.BotToken))
		}
		log.Info().Msg("polling mode started")
		return nil, nil
	}

	path := cfg.Webhook.SecretPath
	if path == "" {
		path = "telegram"
	}
	if err := s.updater.AddWebhook(s.bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
		return nil, fmt.Errorf("configure webhook handler: %w", err)
	}
	url := strings.TrimSuffix(cfg.Webhook.PublicURL, "/") + "/" + path
	if _, err := s.bot.SetWebhook(url, &gotgbot.SetWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
		return nil, fmt.Errorf("set telegram webhook: %s", sanitizeTelegramErr(err, cfg.BotToken))
	}
	log.Info().Str("webhook_url", url).Msg("webhook registered")
	return &webhookRoute{path: "/" + path, handler: s.updater.GetHandlerFunc("/")}, nil
}

// mux serves health, metrics and, when set, the telegram webhook.
func (s *server) mux(webhook *webhookRoute) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if err := s.app.redis.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	if webhook != nil {
		mux.HandleFunc(webhook.path, webhook.handler)
	}
	return mux
}

func (s *server) startWorker(ctx context.Context) {
	w := worker.New(worker.Config{
		Bot:         s.bot,
		Queue:       s.queue,
		Session:     s.deps,
		ReclaimIdle: cfg.Worker.ReclaimIdle,
		Logger:      log.Logger.With().Str("component", "worker").Logger(),
		Metrics:     s.m,
	})
	go func() {
		if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			s.errCh <- fmt.Errorf("worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
}

// sanitizeTelegramErr removes the bot token from errors that embed request
// URLs.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
