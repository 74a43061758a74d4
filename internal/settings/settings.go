package settings

import (
	"context"
	"sync"

	"hyprflux/internal/catalog"
	"hyprflux/internal/form"
)

// Store keeps what a user had set up between sessions: the API key, the last
// selected model per media kind and the form values per model. Every write
// replaces the previous value. Reads of unset entries return zero values.
type Store interface {
	APIKey(ctx context.Context, owner string) (string, error)
	SetAPIKey(ctx context.Context, owner, key string) error
	LastModel(ctx context.Context, owner string, kind catalog.Kind) (string, error)
	SetLastModel(ctx context.Context, owner string, kind catalog.Kind, model string) error
	FormValues(ctx context.Context, owner, model string) (form.Values, error)
	SaveFormValues(ctx context.Context, owner, model string, values form.Values) error
}

type MemoryStore struct {
	mu      sync.Mutex
	apiKeys map[string]string
	last    map[string]string
	values  map[string]form.Values
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apiKeys: map[string]string{},
		last:    map[string]string{},
		values:  map[string]form.Values{},
	}
}

func (m *MemoryStore) APIKey(_ context.Context, owner string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiKeys[owner], nil
}

func (m *MemoryStore) SetAPIKey(_ context.Context, owner, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		delete(m.apiKeys, owner)
		return nil
	}
	m.apiKeys[owner] = key
	return nil
}

func (m *MemoryStore) LastModel(_ context.Context, owner string, kind catalog.Kind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[owner+"\x00"+string(kind)], nil
}

func (m *MemoryStore) SetLastModel(_ context.Context, owner string, kind catalog.Kind, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[owner+"\x00"+string(kind)] = model
	return nil
}

func (m *MemoryStore) FormValues(_ context.Context, owner, model string) (form.Values, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[owner+"\x00"+model]
	if !ok {
		return nil, nil
	}
	return v.Clone(), nil
}

func (m *MemoryStore) SaveFormValues(_ context.Context, owner, model string, values form.Values) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[owner+"\x00"+model] = values.Clone()
	return nil
}
