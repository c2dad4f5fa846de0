// Package storage provides the key/value backends the chat list is persisted
// to. Each backend stores opaque text records under string keys; the chat
// store keeps the whole list under a single well-known key.
package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("key not found")

// Backend stores text records by key.
type Backend interface {
	// Load returns ErrNotFound when nothing is stored under key.
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Close() error
}

const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open returns the backend for kind. path is the directory for file storage
// and the database file for sqlite; it is ignored for memory.
func Open(kind string, path string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindMemory:
		return NewMemoryBackend(), nil
	case KindFile, "":
		return NewFileBackend(path)
	case KindSQLite:
		return NewSQLiteBackend(path)
	default:
		return nil, errors.Errorf("unknown storage backend %q", kind)
	}
}

type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[string][]byte{}}
}

func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
