package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"hyprflux/internal/catalog"
	"hyprflux/internal/crypto"
	"hyprflux/internal/hyprlab"
	"hyprflux/internal/metrics"
	"hyprflux/internal/schema"
	"hyprflux/internal/session"
	"hyprflux/internal/settings"
	"hyprflux/internal/storage"
)

// app holds what every command opens: the catalog, the history store and,
// when configured, redis.
type app struct {
	catalog *catalog.Catalog
	schemas *schema.Registry
	store   *storage.Store
	redis   *redis.Client
	sealer  *crypto.Sealer
}

// openApp loads the catalog and opens the history store. Redis is optional
// for local commands and only opened when REDIS_ADDR is set.
func openApp(ctx context.Context, needRedis bool) (*app, error) {
	c, err := catalog.Embedded()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	sc, err := schema.Embedded()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	if missing := sc.Missing(catalogIDs(c)); len(missing) > 0 {
		log.Warn().Strs("models", missing).Msg("models without validation schema")
	}

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	a := &app{catalog: c, schemas: sc, store: store}

	if cfg.Redis.Addr == "" {
		if needRedis {
			a.Close()
			return nil, fmt.Errorf("redis is required: set REDIS_ADDR")
		}
		return a, nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if len(cfg.Crypto.Keys) > 0 {
		if a.sealer, err = crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys); err != nil {
			a.Close()
			return nil, fmt.Errorf("init sealer: %w", err)
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// settingsStore keeps settings in redis when both redis and a master key are
// configured, in memory otherwise.
func (a *app) settingsStore() settings.Store {
	if a.redis != nil && a.sealer != nil {
		return settings.NewRedisStore(settings.RedisConfig{
			Redis:  a.redis,
			Sealer: a.sealer,
			Logger: log.Logger.With().Str("component", "settings").Logger(),
		})
	}
	return settings.NewMemoryStore()
}

func (a *app) deps() session.Deps {
	return session.Deps{
		Catalog:  a.catalog,
		Schemas:  a.schemas,
		Settings: a.settingsStore(),
		History:  a.store,
		Client: hyprlab.New(hyprlab.Config{
			BaseURL: cfg.API.BaseURL,
			APIKey:  cfg.API.APIKey,
			Timeout: cfg.API.Timeout,
			Logger:  log.Logger.With().Str("component", "hyprlab").Logger(),
		}),
		PollInterval: cfg.API.PollInterval,
		Logger:       log.Logger,
		Metrics:      metrics.Global(),
	}
}

func catalogIDs(c *catalog.Catalog) []string {
	var ids []string
	for _, kind := range []catalog.Kind{catalog.KindImage, catalog.KindVideo} {
		for _, e := range c.Models(kind) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}
