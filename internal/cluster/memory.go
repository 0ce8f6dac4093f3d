package cluster

import (
	"context"
	"sync"
)

// Memory is an in-process State used for single-node operation and tests.
// Upsert is serialized by a single mutex rather than an optimistic retry
// loop, since there is no concurrent writer to race against in-process.
type Memory struct {
	mu        sync.Mutex
	providers map[string]Provider
	watch     func(name string)
	servers   []string
}

// NewMemory constructs an empty in-process cluster state store.
func NewMemory() *Memory {
	return &Memory{providers: make(map[string]Provider)}
}

func (m *Memory) Get(_ context.Context, name string) (Provider, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[name]
	return p, ok, nil
}

func (m *Memory) Upsert(_ context.Context, name string, fn UpsertFunc) (Provider, Provider, error) {
	m.mu.Lock()
	current, exists := m.providers[name]
	next, ok := fn(current, exists)
	if !ok {
		m.mu.Unlock()
		return current, current, nil
	}
	m.providers[name] = next
	watch := m.watch
	m.mu.Unlock()

	if watch != nil {
		watch(name)
	}
	return next, current, nil
}

func (m *Memory) Watch(fn func(name string)) error {
	m.mu.Lock()
	m.watch = fn
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemoteServers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.servers))
	copy(out, m.servers)
	return out, nil
}

// SetRemoteServers lets tests control RemoteServers' return value.
func (m *Memory) SetRemoteServers(servers []string) {
	m.mu.Lock()
	m.servers = servers
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }
