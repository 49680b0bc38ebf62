// Package tilecache is the in-memory tile cache: bounded entry count,
// batch eviction of the least recently accessed entries and lazy staleness.
package tilecache

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

const (
	DefaultMaxEntries = 500
	DefaultTTL        = 30 * time.Minute
)

// DisposeFunc releases resources owned by a payload. It is called outside
// the cache lock on eviction, replacement and invalidation.
type DisposeFunc[P any] func(addr model.TileAddress, payload P)

type Options[P any] struct {
	MaxEntries int
	// TTL <= 0 disables staleness.
	TTL     time.Duration
	Dispose DisposeFunc[P]
	// OnEvict reports how many entries one eviction pass removed.
	OnEvict func(n int)
}

type Stats struct {
	Entries    int
	Evictions  uint64
	StaleReads uint64
}

type Cache[P any] struct {
	maxEntries int
	ttl        time.Duration
	dispose    DisposeFunc[P]
	onEvict    func(int)

	now func() time.Time

	mu         sync.Mutex
	entries    map[model.TileAddress]*entry[P]
	evictions  uint64
	staleReads uint64
}

type entry[P any] struct {
	addr           model.TileAddress
	payload        P
	insertedAt     time.Time
	lastAccessedAt time.Time
}

type victim[P any] struct {
	addr    model.TileAddress
	payload P
}

func New[P any](opts Options[P]) *Cache[P] {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	return &Cache[P]{
		maxEntries: opts.MaxEntries,
		ttl:        opts.TTL,
		dispose:    opts.Dispose,
		onEvict:    opts.OnEvict,
		now:        time.Now,
		entries:    make(map[model.TileAddress]*entry[P], opts.MaxEntries),
	}
}

// Get returns a fresh payload and refreshes its access time. Entries older
// than the TTL read as a miss but stay resident until evicted or replaced.
func (c *Cache[P]) Get(addr model.TileAddress) (P, bool) {
	var zero P
	n := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[addr]
	if !ok {
		return zero, false
	}
	if c.stale(e, n) {
		c.staleReads++
		return zero, false
	}
	e.lastAccessedAt = n
	return e.payload, true
}

// Contains reports residency without touching the access time or staleness.
func (c *Cache[P]) Contains(addr model.TileAddress) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[addr]
	return ok
}

// Put inserts or replaces. A replaced payload is disposed.
func (c *Cache[P]) Put(addr model.TileAddress, payload P) {
	n := c.now()
	var victims []victim[P]

	c.mu.Lock()
	if e, ok := c.entries[addr]; ok {
		victims = append(victims, victim[P]{addr: addr, payload: e.payload})
		e.payload = payload
		e.insertedAt = n
		e.lastAccessedAt = n
		c.mu.Unlock()
		c.release(victims)
		return
	}

	evicted := 0
	if len(c.entries) >= c.maxEntries {
		victims = c.evictLocked()
		evicted = len(victims)
	}
	c.entries[addr] = &entry[P]{addr: addr, payload: payload, insertedAt: n, lastAccessedAt: n}
	c.mu.Unlock()

	c.release(victims)
	if evicted > 0 && c.onEvict != nil {
		c.onEvict(evicted)
	}
}

// Invalidate drops one entry, reporting whether it was resident.
func (c *Cache[P]) Invalidate(addr model.TileAddress) bool {
	c.mu.Lock()
	e, ok := c.entries[addr]
	if ok {
		delete(c.entries, addr)
	}
	c.mu.Unlock()

	if ok {
		c.release([]victim[P]{{addr: addr, payload: e.payload}})
	}
	return ok
}

// InvalidateIf drops and disposes every entry whose address matches pred.
func (c *Cache[P]) InvalidateIf(pred func(model.TileAddress) bool) int {
	c.mu.Lock()
	var victims []victim[P]
	for a, e := range c.entries {
		if pred(a) {
			victims = append(victims, victim[P]{addr: a, payload: e.payload})
			delete(c.entries, a)
		}
	}
	c.mu.Unlock()

	c.release(victims)
	return len(victims)
}

// InvalidateAll drops and disposes every entry, returning how many there were.
func (c *Cache[P]) InvalidateAll() int {
	c.mu.Lock()
	victims := make([]victim[P], 0, len(c.entries))
	for a, e := range c.entries {
		victims = append(victims, victim[P]{addr: a, payload: e.payload})
	}
	c.entries = make(map[model.TileAddress]*entry[P], c.maxEntries)
	c.mu.Unlock()

	c.release(victims)
	return len(victims)
}

func (c *Cache[P]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[P]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Evictions: c.evictions, StaleReads: c.staleReads}
}

// BatchSize is ceil(10% of maxEntries), at least 1.
func BatchSize(maxEntries int) int {
	return max(1, int(math.Ceil(float64(maxEntries)*0.1)))
}

// evictLocked removes the BatchSize least recently accessed entries.
func (c *Cache[P]) evictLocked() []victim[P] {
	all := make([]*entry[P], 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].lastAccessedAt.Equal(all[j].lastAccessedAt) {
			return all[i].lastAccessedAt.Before(all[j].lastAccessedAt)
		}
		// deterministic order for equal timestamps
		if !all[i].insertedAt.Equal(all[j].insertedAt) {
			return all[i].insertedAt.Before(all[j].insertedAt)
		}
		return all[i].addr.Key() < all[j].addr.Key()
	})

	k := min(BatchSize(c.maxEntries), len(all))
	out := make([]victim[P], 0, k)
	for _, e := range all[:k] {
		delete(c.entries, e.addr)
		out = append(out, victim[P]{addr: e.addr, payload: e.payload})
	}
	c.evictions += uint64(k)
	return out
}

func (c *Cache[P]) stale(e *entry[P], n time.Time) bool {
	return c.ttl > 0 && n.Sub(e.insertedAt) > c.ttl
}

func (c *Cache[P]) release(vs []victim[P]) {
	if c.dispose == nil {
		return
	}
	for _, v := range vs {
		c.dispose(v.addr, v.payload)
	}
}
