// Package stats keeps the engine's hit, miss and eviction counters.
package stats

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/tier"
)

// EvictReason explains why an entry left a tier.
type EvictReason int

const (
	EvictExpired EvictReason = iota
	EvictCapacity
	EvictResize
)

func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	case EvictCapacity:
		return "capacity"
	default:
		return "resize"
	}
}

// Observer receives every recorded event. Exporters implement it.
type Observer interface {
	Hit(t tier.Name)
	Miss()
	Evict(t tier.Name, r EvictReason)
	Size(t tier.Name, used, budget int64)
	Fetch(ok bool)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) Hit(tier.Name)                {}
func (NoopObserver) Miss()                        {}
func (NoopObserver) Evict(tier.Name, EvictReason) {}
func (NoopObserver) Size(tier.Name, int64, int64) {}
func (NoopObserver) Fetch(bool)                   {}

var _ Observer = NoopObserver{}

// DefaultMaxTrackedKeys bounds the per-key statistics table.
const DefaultMaxTrackedKeys = 10_000

// KeyStats is the access history of one key, as seen by score hooks.
type KeyStats struct {
	Hits       int64
	Misses     int64
	LastAccess time.Time
}

type keyRecord struct {
	hits   atomic.Int64
	misses atomic.Int64
	last   atomic.Int64
}

// Collector aggregates counters for one cache instance.
type Collector struct {
	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	fetches       atomic.Int64
	fetchErrors   atomic.Int64
	storeFailures atomic.Int64
	syncSent      atomic.Int64
	syncApplied   atomic.Int64
	syncDropped   atomic.Int64

	tierHits map[tier.Name]*atomic.Int64

	mu      sync.RWMutex
	keys    map[models.Key]*keyRecord
	maxKeys int

	clock    models.Clock
	observer Observer
}

// NewCollector creates a Collector forwarding events to observer.
func NewCollector(clock models.Clock, observer Observer, maxKeys int) *Collector {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxTrackedKeys
	}
	c := &Collector{
		tierHits: make(map[tier.Name]*atomic.Int64, len(tier.Order)),
		keys:     make(map[models.Key]*keyRecord),
		maxKeys:  maxKeys,
		clock:    clock,
		observer: observer,
	}
	for _, n := range tier.Order {
		c.tierHits[n] = atomic.NewInt64(0)
	}
	return c
}

func (c *Collector) record(key models.Key) *keyRecord {
	c.mu.RLock()
	rec, ok := c.keys[key]
	c.mu.RUnlock()
	if ok {
		return rec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok = c.keys[key]; ok {
		return rec
	}
	if len(c.keys) >= c.maxKeys {
		return nil
	}
	rec = &keyRecord{}
	c.keys[key] = rec
	return rec
}

// Hit records a lookup served by tier t.
func (c *Collector) Hit(key models.Key, t tier.Name) {
	c.hits.Inc()
	if th, ok := c.tierHits[t]; ok {
		th.Inc()
	}
	if rec := c.record(key); rec != nil {
		rec.hits.Inc()
		rec.last.Store(c.clock.Now().UnixNano())
	}
	c.observer.Hit(t)
}

// Miss records a lookup no tier could serve.
func (c *Collector) Miss(key models.Key) {
	c.misses.Inc()
	if rec := c.record(key); rec != nil {
		rec.misses.Inc()
		rec.last.Store(c.clock.Now().UnixNano())
	}
	c.observer.Miss()
}

// Evict records one entry removed from tier t.
func (c *Collector) Evict(t tier.Name, r EvictReason) {
	c.evictions.Inc()
	c.observer.Evict(t, r)
}

// Size publishes the occupancy of tier t.
func (c *Collector) Size(t tier.Name, used, budget int64) {
	c.observer.Size(t, used, budget)
}

// Fetch records one network fetch.
func (c *Collector) Fetch(err error) {
	c.fetches.Inc()
	if err != nil {
		c.fetchErrors.Inc()
	}
	c.observer.Fetch(err == nil)
}

// StoreFailed records a tier write that was skipped.
func (c *Collector) StoreFailed() { c.storeFailures.Inc() }

func (c *Collector) SyncSent()    { c.syncSent.Inc() }
func (c *Collector) SyncApplied() { c.syncApplied.Inc() }
func (c *Collector) SyncDropped() { c.syncDropped.Inc() }

// Forget drops the per-key history of key.
func (c *Collector) Forget(key models.Key) {
	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()
}

// Key returns the access history of key.
func (c *Collector) Key(key models.Key) KeyStats {
	c.mu.RLock()
	rec, ok := c.keys[key]
	c.mu.RUnlock()
	if !ok {
		return KeyStats{}
	}
	ks := KeyStats{Hits: rec.hits.Load(), Misses: rec.misses.Load()}
	if ns := rec.last.Load(); ns != 0 {
		ks.LastAccess = time.Unix(0, ns)
	}
	return ks
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Hits          int64
	Misses        int64
	HitRate       float64
	MissRate      float64
	EvictionCount int64
	Fetches       int64
	FetchErrors   int64
	StoreFailures int64
	SyncSent      int64
	SyncApplied   int64
	SyncDropped   int64
	TierHits      map[tier.Name]int64
	TrackedKeys   int
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		EvictionCount: c.evictions.Load(),
		Fetches:       c.fetches.Load(),
		FetchErrors:   c.fetchErrors.Load(),
		StoreFailures: c.storeFailures.Load(),
		SyncSent:      c.syncSent.Load(),
		SyncApplied:   c.syncApplied.Load(),
		SyncDropped:   c.syncDropped.Load(),
		TierHits:      make(map[tier.Name]int64, len(c.tierHits)),
	}
	for n, v := range c.tierHits {
		s.TierHits[n] = v.Load()
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
		s.MissRate = float64(s.Misses) / float64(total)
	}
	c.mu.RLock()
	s.TrackedKeys = len(c.keys)
	c.mu.RUnlock()
	return s
}

// Reset zeroes every counter and forgets all keys.
func (c *Collector) Reset() {
	for _, v := range []*atomic.Int64{
		&c.hits, &c.misses, &c.evictions, &c.fetches, &c.fetchErrors,
		&c.storeFailures, &c.syncSent, &c.syncApplied, &c.syncDropped,
	} {
		v.Store(0)
	}
	for _, v := range c.tierHits {
		v.Store(0)
	}
	c.mu.Lock()
	c.keys = make(map[models.Key]*keyRecord)
	c.mu.Unlock()
}
