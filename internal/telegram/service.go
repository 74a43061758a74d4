package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hyprflux/internal/catalog"
	"hyprflux/internal/metrics"
	"hyprflux/internal/queue"
	"hyprflux/internal/session"
	"hyprflux/internal/settings"
	"hyprflux/internal/storage"
)

// Service is the chat front end: one generator session per user and media
// kind, generation handed to the worker through the job stream.
type Service struct {
	store       *storage.Store
	queue       *queue.StreamQueue
	rateLimiter *queue.RateLimiter
	active      *activeStore
	deps        session.Deps
	download    *resty.Client
	maxDownload int64
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session.Session
}

type Config struct {
	Store       *storage.Store
	Queue       *queue.StreamQueue
	RateLimiter *queue.RateLimiter
	Redis       *redis.Client
	Session     session.Deps
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	ActiveTTL   time.Duration
	// MaxDownload caps the size of files fetched from Telegram.
	MaxDownload int64
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = 30 * 24 * time.Hour
	}
	if cfg.MaxDownload <= 0 {
		cfg.MaxDownload = 20 << 20
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = m
	}
	if cfg.Session.Settings == nil {
		cfg.Session.Settings = settings.NewMemoryStore()
	}
	if cfg.Session.History == nil && cfg.Store != nil {
		cfg.Session.History = cfg.Store
	}
	return &Service{
		store:       cfg.Store,
		queue:       cfg.Queue,
		rateLimiter: cfg.RateLimiter,
		active:      newActiveStore(cfg.Redis, cfg.ActiveTTL),
		deps:        cfg.Session,
		download:    resty.New().SetTimeout(60 * time.Second),
		maxDownload: cfg.MaxDownload,
		logger:      cfg.Logger,
		metrics:     m,
		sessions:    map[string]*session.Session{},
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("image", s.switchKind(catalog.KindImage)))
	d.AddHandler(handlers.NewCommand("video", s.switchKind(catalog.KindVideo)))
	d.AddHandler(handlers.NewCommand("models", s.models))
	d.AddHandler(handlers.NewCommand("set", s.set))
	d.AddHandler(handlers.NewCommand("unset", s.unset))
	d.AddHandler(handlers.NewCommand("show", s.show))
	d.AddHandler(handlers.NewCommand("reset", s.reset))
	d.AddHandler(handlers.NewCommand("gen", s.gen))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCommand("load", s.load))
	d.AddHandler(handlers.NewCommand("delete", s.deleteRecord))
	d.AddHandler(handlers.NewCommand("clear", s.clear))
	d.AddHandler(handlers.NewCommand("export", s.export))
	d.AddHandler(handlers.NewCommand("apikey", s.apiKey))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return len(msg.Photo) > 0 || msg.Video != nil || msg.Document != nil
	}, s.onFile))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func ownerOf(ctx *ext.Context) (string, bool) {
	if ctx.EffectiveUser == nil {
		return "", false
	}
	return strconv.FormatInt(ctx.EffectiveUser.Id, 10), true
}

// session returns the cached generator session of owner for kind, opening
// it from the settings store on first use.
func (s *Service) session(ctx context.Context, owner string, kind catalog.Kind) (*session.Session, error) {
	key := owner + "|" + string(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}
	sess, err := session.Open(ctx, s.deps, owner, kind)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.sessions[key] = sess
	return sess, nil
}

// current returns the session of the user's active generator.
func (s *Service) current(ctx context.Context, owner string) (*session.Session, error) {
	kind, err := s.active.Get(ctx, owner)
	if err != nil {
		s.logger.Warn().Err(err).Str("owner", owner).Msg("failed to read active generator")
		kind = catalog.KindImage
	}
	return s.session(ctx, owner, kind)
}
