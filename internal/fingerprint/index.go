// Package fingerprint records which conversation hashes the knowledge store
// has already accepted.
package fingerprint

import (
	"context"
	"fmt"
	"sync"
)

// Index maps a content hash to "already delivered". Record must only be
// called after the store confirmed the write; recording a present hash is a
// no-op. Implementations are safe for concurrent use.
type Index interface {
	Exists(ctx context.Context, hash string) (bool, error)
	Record(ctx context.Context, hash string) error
	Close() error
}

// Counter is implemented by indexes that can report their size.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Config selects and addresses an index backend.
type Config struct {
	Driver string // memory, sqlite, mysql, postgres
	DSN    string
}

// Open returns the index backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Index, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "mysql":
		return OpenGorm(cfg.Driver, cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("fingerprint: unknown driver %q", cfg.Driver)
	}
}

// Memory is a process-local index. It does not survive restarts; the store's
// own duplicate check (409) still prevents duplicate records.
type Memory struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

func (m *Memory) Exists(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[hash]
	return ok, nil
}

func (m *Memory) Record(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[hash] = struct{}{}
	return nil
}

func (m *Memory) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.seen)), nil
}

func (m *Memory) Close() error { return nil }
