package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hyprflux/internal/catalog"
	"hyprflux/internal/crypto"
	"hyprflux/internal/form"
)

// RedisStore keeps one hash per owner. The API key is sealed when a Sealer
// is configured.
type RedisStore struct {
	redis  *redis.Client
	sealer *crypto.Sealer
	logger zerolog.Logger
}

type RedisConfig struct {
	Redis  *redis.Client
	Sealer *crypto.Sealer
	Logger zerolog.Logger
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	return &RedisStore{redis: cfg.Redis, sealer: cfg.Sealer, logger: cfg.Logger}
}

func (s *RedisStore) key(owner string) string {
	return fmt.Sprintf("hyprflux:settings:%s", owner)
}

const apiKeyField = "api_key"

func lastModelField(kind catalog.Kind) string { return "last_model:" + string(kind) }
func formField(model string) string           { return "form:" + model }

func (s *RedisStore) get(ctx context.Context, owner, field string) (string, error) {
	raw, err := s.redis.HGet(ctx, s.key(owner), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", field, err)
	}
	return raw, nil
}

func (s *RedisStore) set(ctx context.Context, owner, field, value string) error {
	if err := s.redis.HSet(ctx, s.key(owner), field, value).Err(); err != nil {
		return fmt.Errorf("write %s: %w", field, err)
	}
	return nil
}

func (s *RedisStore) APIKey(ctx context.Context, owner string) (string, error) {
	raw, err := s.get(ctx, owner, apiKeyField)
	if err != nil || raw == "" || s.sealer == nil {
		return raw, err
	}
	key, stale, err := s.sealer.Open(owner, raw)
	if err != nil {
		return "", fmt.Errorf("open api key: %w", err)
	}
	if stale {
		if err := s.SetAPIKey(ctx, owner, key); err != nil {
			s.logger.Warn().Err(err).Str("owner", owner).Msg("failed to reseal api key")
		}
	}
	return key, nil
}

func (s *RedisStore) SetAPIKey(ctx context.Context, owner, key string) error {
	if key == "" {
		if err := s.redis.HDel(ctx, s.key(owner), apiKeyField).Err(); err != nil {
			return fmt.Errorf("delete api key: %w", err)
		}
		return nil
	}
	value := key
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(owner, key)
		if err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		value = sealed
	}
	return s.set(ctx, owner, apiKeyField, value)
}

func (s *RedisStore) LastModel(ctx context.Context, owner string, kind catalog.Kind) (string, error) {
	return s.get(ctx, owner, lastModelField(kind))
}

func (s *RedisStore) SetLastModel(ctx context.Context, owner string, kind catalog.Kind, model string) error {
	return s.set(ctx, owner, lastModelField(kind), model)
}

func (s *RedisStore) FormValues(ctx context.Context, owner, model string) (form.Values, error) {
	raw, err := s.get(ctx, owner, formField(model))
	if err != nil || raw == "" {
		return nil, err
	}
	var v form.Values
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode form values of %s: %w", model, err)
	}
	return v, nil
}

func (s *RedisStore) SaveFormValues(ctx context.Context, owner, model string, values form.Values) error {
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode form values: %w", err)
	}
	return s.set(ctx, owner, formField(model), string(b))
}
