// Package cache holds the datasets harvested in this process, keyed by
// dataset instance id and shared by every session.
//
// Entries are stored and returned as deep copies: a worker mutates its own
// copy and commits it with Put, so readers never observe a half-merged
// dataset. Writers are expected to serialize per id through the lock
// registry; the cache itself only guards individual reads and writes.
package cache

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"gridharvest/internal/logging"
	"gridharvest/internal/record"
)

// Event reports that a dataset entry was invalidated.
type Event struct {
	// DatasetID is the invalidated instance id.
	DatasetID string
	// Origin identifies who invalidated it, typically a session id. Empty
	// when the invalidation did not come from a session.
	Origin string
}

// Cache is a process-wide dataset cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*record.Dataset

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Event)

	logger *slog.Logger
}

// New creates an empty cache.
func New(logger *slog.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*record.Dataset),
		subs:    make(map[int]func(Event)),
		logger:  logging.Default(logger).With("component", "cache"),
	}
}

// Get returns a copy of the cached dataset.
func (c *Cache) Get(id string) (*record.Dataset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return ds.Clone(), true
}

// Status returns the harvest status of a cached dataset without copying
// it. Missing entries report StatusEmpty.
func (c *Cache) Status(id string) record.HarvestStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.entries[id]; ok {
		return ds.Status
	}
	return record.StatusEmpty
}

// Has reports whether id is cached.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Put stores a copy of ds under its instance id.
func (c *Cache) Put(ds *record.Dataset) {
	cp := ds.Clone()
	c.mu.Lock()
	c.entries[ds.InstanceID] = cp
	c.mu.Unlock()
}

// Delete removes id without notifying subscribers.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Keys returns the cached ids in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of cached datasets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// All returns copies of every cached dataset, ordered by id.
func (c *Cache) All() []*record.Dataset {
	c.mu.Lock()
	out := make([]*record.Dataset, 0, len(c.entries))
	for _, ds := range c.entries {
		out = append(out, ds.Clone())
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b *record.Dataset) int {
		return cmp.Compare(a.InstanceID, b.InstanceID)
	})
	return out
}

// Reset drops id back to EMPTY by removing its entry, then notifies every
// subscriber. Subscribers run synchronously on the caller's goroutine.
func (c *Cache) Reset(id, origin string) {
	c.mu.Lock()
	_, existed := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()

	if existed {
		c.logger.Debug("dataset reset", "dataset", id, "origin", origin)
	}

	c.subMu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	ev := Event{DatasetID: id, Origin: origin}
	for _, fn := range subs {
		fn(ev)
	}
}

// Subscribe registers fn for invalidation events. The returned function
// removes the subscription.
func (c *Cache) Subscribe(fn func(Event)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}
