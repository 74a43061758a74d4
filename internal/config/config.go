package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	ModeAll     = "ALL"
	ModeWebhook = "WEBHOOK"
	ModeWorker  = "WORKER"
)

var (
	ErrMissingBotToken    = errors.New("BOT_TOKEN is required")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrMissingRedis       = errors.New("REDIS_ADDR is required")
	ErrMissingWebhookURL  = errors.New("WEBHOOK_URL is required in webhook mode")
)

type Config struct {
	AppMode        string  `env:"APP_MODE" envDefault:"ALL"`
	BotToken       string  `env:"BOT_TOKEN"`
	DevPolling     bool    `env:"DEV_POLLING" envDefault:"false"`
	AllowedUserIDs []int64 `env:"ALLOWED_USER_IDS" envSeparator:","`

	API     APIConfig
	Webhook WebhookConfig
	Redis   RedisConfig
	DB      DBConfig
	Worker  WorkerConfig
	Rate    RateConfig
	Log     LogConfig
	Crypto  CryptoConfig `env:"-"`
}

// APIConfig points at the generation API. APIKey is the fallback key used
// when an owner has not stored one.
type APIConfig struct {
	BaseURL      string        `env:"HYPRLAB_BASE_URL" envDefault:"https://api.hyprlab.io"`
	APIKey       string        `env:"HYPRLAB_API_KEY"`
	Timeout      time.Duration `env:"HYPRLAB_TIMEOUT" envDefault:"120s"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
}

type WebhookConfig struct {
	ListenAddr     string        `env:"WEBHOOK_LISTEN_ADDR" envDefault:":8080"`
	PublicURL      string        `env:"WEBHOOK_URL"`
	SecretPath     string        `env:"WEBHOOK_SECRET_PATH" envDefault:"telegram"`
	SecretToken    string        `env:"WEBHOOK_SECRET_TOKEN"`
	HealthPath     string        `env:"HEALTH_PATH" envDefault:"/healthz"`
	MetricsPath    string        `env:"METRICS_PATH" envDefault:"/metrics"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"8s"`
}

type RedisConfig struct {
	Addr        string        `env:"REDIS_ADDR"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	QueueStream string        `env:"QUEUE_STREAM" envDefault:"hyprflux:jobs"`
	QueueGroup  string        `env:"QUEUE_GROUP" envDefault:"hyprflux-workers"`
	QueueBlock  time.Duration `env:"QUEUE_BLOCK" envDefault:"5s"`
	UpdateTTL   time.Duration `env:"UPDATE_DEDUPE_TTL" envDefault:"6h"`
	ActiveTTL   time.Duration `env:"ACTIVE_GENERATOR_TTL" envDefault:"720h"`
}

type DBConfig struct {
	Driver      string `env:"DB_DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DB_DSN" envDefault:"file:hyprflux.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type WorkerConfig struct {
	Concurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	ConsumerName string        `env:"WORKER_CONSUMER_NAME"`
	ReclaimIdle  time.Duration `env:"WORKER_RECLAIM_IDLE" envDefault:"15m"`
}

type RateConfig struct {
	PerHour int64 `env:"RATE_LIMIT_PER_HOUR" envDefault:"30"`
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the environment. Master keys are optional here; Serve checks
// what the bot needs.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.AppMode = strings.ToUpper(strings.TrimSpace(cfg.AppMode))
	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Webhook.SecretPath = strings.Trim(cfg.Webhook.SecretPath, "/")
	if cfg.Worker.ConsumerName == "" {
		cfg.Worker.ConsumerName = hostnameOr("worker")
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	switch cfg.AppMode {
	case ModeAll, ModeWebhook, ModeWorker:
	default:
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}

	cc, err := loadCryptoConfig(os.Environ())
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc
	return cfg, nil
}

// Serve reports what is missing to run the bot and its worker.
func (c *Config) Serve() error {
	if c.BotToken == "" {
		return ErrMissingBotToken
	}
	if c.DB.DSN == "" {
		return ErrMissingDatabaseDSN
	}
	if c.Redis.Addr == "" {
		return ErrMissingRedis
	}
	if len(c.Crypto.Keys) == 0 {
		return ErrMissingMasterKey
	}
	if !c.DevPolling && c.AppMode != ModeWorker && c.Webhook.PublicURL == "" {
		return ErrMissingWebhookURL
	}
	return nil
}

// AllowedUsers returns the user allow list as a set, nil when everyone may
// use the bot.
func (c *Config) AllowedUsers() map[int64]bool {
	if len(c.AllowedUserIDs) == 0 {
		return nil
	}
	out := make(map[int64]bool, len(c.AllowedUserIDs))
	for _, id := range c.AllowedUserIDs {
		out[id] = true
	}
	return out
}

// loadCryptoConfig collects master keys from MASTER_KEYS_JSON,
// MASTER_KEY_<ID>_B64 and MASTER_KEY_B64.
func loadCryptoConfig(environ []string) (CryptoConfig, error) {
	vars := map[string]string{}
	for _, e := range environ {
		k, v, ok := strings.Cut(e, "=")
		if ok {
			vars[k] = strings.TrimSpace(v)
		}
	}

	keysB64 := map[string]string{}
	if raw := vars["MASTER_KEYS_JSON"]; raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}
	for k, v := range vars {
		if k == "MASTER_KEY_B64" || !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := vars["MASTER_KEY_CURRENT_ID"]
	if single := vars["MASTER_KEY_B64"]; single != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = single
	}
	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required with %d keys", len(keys))
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}
	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
