package settings

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyprflux/internal/catalog"
	"hyprflux/internal/crypto"
	"hyprflux/internal/form"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testSealer(t *testing.T, current string) *crypto.Sealer {
	t.Helper()
	keys := map[string][]byte{
		"k1": make([]byte, 32),
		"k2": append(make([]byte, 31), 1),
	}
	s, err := crypto.NewSealer(current, keys)
	require.NoError(t, err)
	return s
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	key, err := s.APIKey(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, s.SetAPIKey(ctx, "u1", "sk-1"))
	key, err = s.APIKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", key)
	require.NoError(t, s.SetAPIKey(ctx, "u1", ""))
	key, err = s.APIKey(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, s.SetLastModel(ctx, "u1", catalog.KindImage, "dall-e-3"))
	require.NoError(t, s.SetLastModel(ctx, "u1", catalog.KindVideo, "kling-v2.6"))
	m, err := s.LastModel(ctx, "u1", catalog.KindImage)
	require.NoError(t, err)
	assert.Equal(t, "dall-e-3", m)
	m, err = s.LastModel(ctx, "u2", catalog.KindImage)
	require.NoError(t, err)
	assert.Empty(t, m)

	v, err := s.FormValues(ctx, "u1", "dall-e-3")
	require.NoError(t, err)
	assert.Nil(t, v)

	values := form.Values{"model": "dall-e-3", "prompt": "a cat", "n": 1.0, "hd": true}
	require.NoError(t, s.SaveFormValues(ctx, "u1", "dall-e-3", values))
	values["prompt"] = "changed after save"
	v, err = s.FormValues(ctx, "u1", "dall-e-3")
	require.NoError(t, err)
	assert.Equal(t, form.Values{"model": "dall-e-3", "prompt": "a cat", "n": 1.0, "hd": true}, v)

	require.NoError(t, s.SaveFormValues(ctx, "u1", "dall-e-3", form.Values{"model": "dall-e-3"}))
	v, err = s.FormValues(ctx, "u1", "dall-e-3")
	require.NoError(t, err)
	assert.Equal(t, form.Values{"model": "dall-e-3"}, v)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	_, rdb := newRedis(t)
	exerciseStore(t, NewRedisStore(RedisConfig{Redis: rdb, Sealer: testSealer(t, "k1")}))
}

func TestRedisStorePlainWithoutSealer(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisStore(RedisConfig{Redis: rdb})
	require.NoError(t, s.SetAPIKey(context.Background(), "u1", "sk-plain"))
	assert.Equal(t, "sk-plain", mr.HGet("hyprflux:settings:u1", "api_key"))
}

func TestRedisStoreSealsAndReseals(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	old := NewRedisStore(RedisConfig{Redis: rdb, Sealer: testSealer(t, "k1")})
	require.NoError(t, old.SetAPIKey(ctx, "u1", "sk-secret"))
	stored := mr.HGet("hyprflux:settings:u1", "api_key")
	assert.NotContains(t, stored, "sk-secret")
	assert.Contains(t, stored, `"kid":"k1"`)

	rotated := NewRedisStore(RedisConfig{Redis: rdb, Sealer: testSealer(t, "k2")})
	key, err := rotated.APIKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", key)
	assert.Contains(t, mr.HGet("hyprflux:settings:u1", "api_key"), `"kid":"k2"`)
}
