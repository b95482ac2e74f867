package snapshot

import (
	"container/list"
	"sync"
	"time"
)

// CacheCfg represents cache configuration
type CacheCfg struct {
	maxEntries int
	maxBytes   int64
	ttl        time.Duration
	now        func() time.Time
}

// CacheOpt represents cache configuration option
type CacheOpt func(CacheCfg) CacheCfg

// WithMaxEntries bounds the number of cached snapshots (defaults to 128)
func WithMaxEntries(n int) CacheOpt {
	return func(cfg CacheCfg) CacheCfg {
		cfg.maxEntries = n

		return cfg
	}
}

// WithMaxBytes bounds the aggregate size of cached snapshot states
// (0 means unbounded)
func WithMaxBytes(n int64) CacheOpt {
	return func(cfg CacheCfg) CacheCfg {
		cfg.maxBytes = n

		return cfg
	}
}

// WithTTL treats entries older than ttl as absent on Get and removes
// them lazily (0 means entries never expire)
func WithTTL(ttl time.Duration) CacheOpt {
	return func(cfg CacheCfg) CacheCfg {
		cfg.ttl = ttl

		return cfg
	}
}

func withClock(now func() time.Time) CacheOpt {
	return func(cfg CacheCfg) CacheCfg {
		cfg.now = now

		return cfg
	}
}

// NewCache constructs a bounded snapshot cache. Eviction order is strict
// least-recently-used by last access, triggered when the entry count or
// the aggregate byte size exceeds its budget
func NewCache(opts ...CacheOpt) *Cache {
	cfg := CacheCfg{
		maxEntries: 128,
		now:        time.Now,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Cache{
		cfg:     cfg,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Cache is an in-memory LRU cache of ready-to-use (uncompressed)
// snapshots keyed by stream id. It is safe for concurrent use
type Cache struct {
	cfg CacheCfg

	mu      sync.Mutex
	ll      *list.List
	entries map[string]*list.Element
	bytes   int64

	hits      uint64
	misses    uint64
	evictions uint64
}

type cacheEntry struct {
	key         string
	snap        *Snapshot
	storedAt    time.Time
	lastAccess  time.Time
	accessCount int
	size        int64
}

// Get returns the cached snapshot for the stream if it is present, not
// expired, and its version does not exceed upToVersion (0 means any)
func (c *Cache) Get(streamID string, upToVersion int) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, ok := c.entries[streamID]
	if !ok {
		c.misses++

		return nil, false
	}

	ent := ele.Value.(*cacheEntry)

	if c.cfg.ttl > 0 && c.cfg.now().Sub(ent.storedAt) > c.cfg.ttl {
		c.remove(ele)
		c.misses++

		return nil, false
	}

	if upToVersion > 0 && ent.snap.Version > upToVersion {
		c.misses++

		return nil, false
	}

	ent.lastAccess = c.cfg.now()
	ent.accessCount++
	c.ll.MoveToFront(ele)
	c.hits++

	return ent.snap, true
}

// Put inserts or replaces the cached snapshot for its stream
func (c *Cache) Put(snap *Snapshot) {
	if snap == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.now()
	size := int64(len(snap.State))

	if ele, ok := c.entries[snap.StreamID]; ok {
		ent := ele.Value.(*cacheEntry)
		c.bytes += size - ent.size
		ent.snap = snap
		ent.size = size
		ent.storedAt = now
		ent.lastAccess = now
		c.ll.MoveToFront(ele)
	} else {
		ele := c.ll.PushFront(&cacheEntry{
			key:        snap.StreamID,
			snap:       snap,
			storedAt:   now,
			lastAccess: now,
			size:       size,
		})
		c.entries[snap.StreamID] = ele
		c.bytes += size
	}

	c.evict()
}

// Remove drops the cached snapshot for the stream if present
func (c *Cache) Remove(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, ok := c.entries[streamID]; ok {
		c.remove(ele)
	}
}

// Len returns the number of cached snapshots
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ll.Len()
}

// Bytes returns the aggregate size of cached snapshot states
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.bytes
}

// Stats reports cache hit/miss/eviction counters
func (c *Cache) Stats() (hits, misses, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hits, c.misses, c.evictions
}

func (c *Cache) evict() {
	for c.overBudget() {
		last := c.ll.Back()
		if last == nil {
			return
		}

		c.remove(last)
		c.evictions++
	}
}

func (c *Cache) overBudget() bool {
	if c.cfg.maxEntries > 0 && c.ll.Len() > c.cfg.maxEntries {
		return true
	}

	return c.cfg.maxBytes > 0 && c.bytes > c.cfg.maxBytes
}

func (c *Cache) remove(ele *list.Element) {
	ent := ele.Value.(*cacheEntry)

	c.ll.Remove(ele)
	delete(c.entries, ent.key)
	c.bytes -= ent.size
}
