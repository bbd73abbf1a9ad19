package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sgd/backend/internal/core"
)

// MemoryStore is the in-process Client used by tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	signer  *Signer
}

type memObject struct {
	data        []byte
	contentType string
	storedAt    time.Time
}

// NewMemoryStore creates an empty store with a local signer.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		signer:  NewSigner("https://assets.local", "dev-signing-secret"),
	}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = memObject{data: cp, contentType: contentType, storedAt: time.Now()}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, core.Errorf(core.KindStorage, "object not found: %s", key)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

func (m *MemoryStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[srcKey]
	if !ok {
		return core.Errorf(core.KindStorage, "object not found: %s", srcKey)
	}
	m.objects[dstKey] = obj
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) SignedURL(key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", core.Errorf(core.KindStorage, "object not found: %s", key)
	}
	return m.signer.Sign(key, expiry), nil
}

// Keys lists stored keys with the given prefix. Test helper.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys
}
