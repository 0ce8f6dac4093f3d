package records

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
)

// entry is the cached, hydrated form of a record. version == "" is the
// loading sentinel spec.md §3 describes: a placeholder inserted to
// deduplicate concurrent storage loads for the same name.
type entry struct {
	version string
	body    []byte
	raw     []byte // pre-encoded UPDATE frame, replayed verbatim to future subscribers
}

// cache is a size-bounded LRU of records with pinning: a record with at
// least one local subscriber is exempt from eviction (spec.md §4.2).
//
// Grounded on github.com/hashicorp/golang-lru/v2 (the same dependency
// primal-host-primal-pds's go.mod pulls in for this exact "bounded
// name-keyed cache" shape). The library's own eviction order is strict LRU
// recency with no concept of pinning, so this type layers pinning on top:
// an OnEvict callback intercepts anything evicted while still pinned and
// queues it for re-insertion once the triggering Add call returns (the
// callback itself must not call back into the library — re-entering its
// lock from inside its own eviction callback is not a contract the library
// documents, so the requeue is deferred rather than performed inline).
// Re-added entries lose their prior recency position and become
// most-recently-used again; that's the one place this cache steps outside
// the library's native contract (see DESIGN.md).
type cache struct {
	mu      sync.Mutex
	lru     *lru.Cache[string, *entry]
	pins    map[string]int
	pending []requeueItem
	metrics metrics.MetricsInterface
}

type requeueItem struct {
	name string
	e    *entry
}

func newCache(size int, m metrics.MetricsInterface) (*cache, error) {
	c := &cache{pins: make(map[string]int), metrics: m}
	l, err := lru.NewWithEvict[string, *entry](size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *cache) onEvict(name string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[name] > 0 {
		c.pending = append(c.pending, requeueItem{name: name, e: e})
		return
	}
	c.metrics.RecordCacheEviction()
}

func (c *cache) drainPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, item := range pending {
		c.lru.Add(item.name, item.e)
	}
}

func (c *cache) get(name string) (*entry, bool) {
	e, ok := c.lru.Get(name)
	return e, ok
}

func (c *cache) put(name string, e *entry) {
	c.lru.Add(name, e)
	c.drainPending()
}

func (c *cache) remove(name string) {
	c.lru.Remove(name)
}

// pin adds one pin to name; a name is exempt from eviction while it holds
// at least one pin. Called once for every local subscriber added.
func (c *cache) pin(name string) {
	c.mu.Lock()
	c.pins[name]++
	n := len(c.pins)
	c.mu.Unlock()
	c.metrics.UpdatePinnedRecords(n)
}

// unpin releases one pin. Called once for every local subscriber removed;
// the name becomes evictable again when its last pin is released.
func (c *cache) unpin(name string) {
	c.mu.Lock()
	if c.pins[name] > 0 {
		c.pins[name]--
		if c.pins[name] == 0 {
			delete(c.pins, name)
		}
	}
	n := len(c.pins)
	c.mu.Unlock()
	c.metrics.UpdatePinnedRecords(n)
}
