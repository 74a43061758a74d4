package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hyprflux/internal/catalog"
)

// activeStore remembers which generator (image or video) a user works with.
type activeStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newActiveStore(rdb *redis.Client, ttl time.Duration) *activeStore {
	return &activeStore{redis: rdb, ttl: ttl}
}

func (a *activeStore) key(owner string) string {
	return fmt.Sprintf("hyprflux:active:%s", owner)
}

func (a *activeStore) Set(ctx context.Context, owner string, kind catalog.Kind) error {
	return a.redis.Set(ctx, a.key(owner), string(kind), a.ttl).Err()
}

// Get returns the active kind, image when none was chosen.
func (a *activeStore) Get(ctx context.Context, owner string) (catalog.Kind, error) {
	raw, err := a.redis.Get(ctx, a.key(owner)).Result()
	if errors.Is(err, redis.Nil) {
		return catalog.KindImage, nil
	}
	if err != nil {
		return catalog.KindImage, err
	}
	kind, err := catalog.ParseKind(raw)
	if err != nil {
		return catalog.KindImage, nil
	}
	return kind, nil
}
