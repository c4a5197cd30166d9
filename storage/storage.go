// Package storage defines the pluggable key/value persistence used by the
// SDK to keep the last known flags, ETag and session id between runs.
//
// The SDK only ever stores a handful of small named blobs, so a Store needs
// nothing more than get, save and delete. Implementations must be safe for
// concurrent use; the SDK never writes the same key concurrently.
//
// Backends live in sub-packages:
//
//	storage/filestore   one file per key on local disk
//	storage/redisstore  Redis
//	storage/pgstore     PostgreSQL
//	storage/sqlitestore SQLite
package storage

import (
	"context"
	"errors"
	"maps"
	"sync"
)

// Names of the blobs persisted by the SDK.
const (
	KeyFlags     = "flags"
	KeySessionID = "sessionId"
	KeyETag      = "etag"
)

// DefaultPrefix namespaces SDK keys when no prefix is configured.
const DefaultPrefix = "flagz"

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("storage: store is closed")

// Store is a minimal asynchronous key/value store.
type Store interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Save stores value under key, replacing any previous value.
	Save(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key joins prefix and name into a storage key.
func Key(prefix, name string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":" + name
}

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Keys returns a copy of the stored data, for tests and debugging.
func (m *Memory) Keys() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data)
}
