package socket

import (
	"sync"
	"sync/atomic"
)

// NumShards partitions the socket directory to reduce lock contention under
// high connection churn. Adapted from the teacher's HubOptimized sharding
// (pkg/websocket/hub_optimized.go in the original teacher repo), generalized
// from "all connected clients" to a stable-uuid keyed directory used to
// resolve the socket<->subscription cyclic reference without holding
// pointers past a close (spec.md design note, §9).
const (
	NumShards = 64
	shardMask = NumShards - 1
)

type shard struct {
	mu      sync.RWMutex
	sockets map[string]Socket
}

// Registry is the process-wide directory of live sockets, keyed by UUID.
type Registry struct {
	shards [NumShards]*shard
	count  int64
}

// NewRegistry creates an empty socket directory.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sockets: make(map[string]Socket)}
	}
	return r
}

func (r *Registry) shardIndex(uuid string) int {
	var h uint32
	for i := 0; i < len(uuid); i++ {
		h = h*31 + uint32(uuid[i])
	}
	return int(h & shardMask)
}

// Add registers a socket under its UUID. Registering the same UUID twice
// overwrites the previous entry; callers are responsible for generating
// collision-resistant UUIDs (pkg/transport uses google/uuid).
func (r *Registry) Add(s Socket) {
	sh := r.shards[r.shardIndex(s.UUID())]
	sh.mu.Lock()
	_, existed := sh.sockets[s.UUID()]
	sh.sockets[s.UUID()] = s
	sh.mu.Unlock()
	if !existed {
		atomic.AddInt64(&r.count, 1)
	}
}

// Remove deletes a socket from the directory.
func (r *Registry) Remove(uuid string) {
	sh := r.shards[r.shardIndex(uuid)]
	sh.mu.Lock()
	_, existed := sh.sockets[uuid]
	delete(sh.sockets, uuid)
	sh.mu.Unlock()
	if existed {
		atomic.AddInt64(&r.count, -1)
	}
}

// Get looks up a socket by UUID.
func (r *Registry) Get(uuid string) (Socket, bool) {
	sh := r.shards[r.shardIndex(uuid)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sockets[uuid]
	return s, ok
}

// Count returns the number of registered sockets.
func (r *Registry) Count() int64 {
	return atomic.LoadInt64(&r.count)
}

// Range calls fn for every registered socket. fn must not call Add/Remove
// on the same registry.
func (r *Registry) Range(fn func(Socket)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sockets {
			fn(s)
		}
		sh.mu.RUnlock()
	}
}
