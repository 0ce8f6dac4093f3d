package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Storage used for single-node operation and tests.
// It never calls the registered watch callback itself (there is no other
// process to observe); tests that need to exercise the changefeed path call
// TriggerWatch directly.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	watch   func(name, version string)
}

// NewMemory constructs an empty in-process store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Get(_ context.Context, name string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return rec, ok, nil
}

func (m *Memory) Set(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records[rec.Name] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) Watch(fn func(name, version string)) error {
	m.mu.Lock()
	m.watch = fn
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// TriggerWatch simulates a remote write notification, for tests exercising
// RecordHandler's changefeed merge path without a real NATS cluster.
func (m *Memory) TriggerWatch(name, version string) {
	m.mu.RLock()
	fn := m.watch
	m.mu.RUnlock()
	if fn != nil {
		fn(name, version)
	}
}
