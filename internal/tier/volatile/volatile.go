// Package volatile implements the in-process tier: fastest, smallest, lost on restart.
package volatile

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/tier"
)

// costSlack sizes Ristretto's own ceiling above the tier budget so that its
// admission policy never competes with the eviction manager.
const costSlack = 2

// Tier combines the Ristretto store with key tracking.
type Tier struct {
	mu      sync.Mutex
	store   Store
	tracker *Tracker
	budget  atomic.Int64
	closed  atomic.Bool
	clock   models.Clock
	logger  *zap.Logger
}

var (
	_ tier.Tier   = (*Tier)(nil)
	_ tier.Peeker = (*Tier)(nil)
)

// New creates a volatile tier holding at most budget bytes.
func New(budget int64, clock models.Clock, logger *zap.Logger) (*Tier, error) {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tier{
		tracker: NewTracker(),
		clock:   clock,
		logger:  logger.With(zap.String("tier", string(tier.Volatile))),
	}
	store, err := NewRistrettoStore(budget*costSlack, t.logger, func(e *models.Entry) {
		t.tracker.RemoveVersion(e.Key, e.StoredAt)
	})
	if err != nil {
		return nil, err
	}
	t.store = store
	t.budget.Store(budget)
	return t, nil
}

// Name returns tier.Volatile.
func (t *Tier) Name() tier.Name { return tier.Volatile }

// Available reports whether the tier is open.
func (t *Tier) Available() bool { return !t.closed.Load() }

// Get retrieves a fresh entry and records the access.
func (t *Tier) Get(_ context.Context, key models.Key) (*models.Entry, bool, error) {
	if t.closed.Load() {
		return nil, false, models.ErrTierUnavailable
	}
	entry, found := t.store.Get(string(key))
	if !found {
		return nil, false, nil
	}
	now := t.clock.Now()
	if entry.IsExpired(now) {
		return nil, false, nil
	}
	meta, tracked := t.tracker.Touch(key, now)
	if !tracked {
		return nil, false, nil
	}
	return entry.WithAccess(meta.LastAccessedAt, meta.AccessCount), true, nil
}

// Peek returns the index record for key without counting an access.
func (t *Tier) Peek(_ context.Context, key models.Key) (models.Meta, bool, error) {
	meta, ok := t.tracker.Lookup(key)
	return meta, ok, nil
}

// Set stores entry if it fits the remaining budget.
func (t *Tier) Set(_ context.Context, entry *models.Entry) error {
	if t.closed.Load() {
		return models.ErrTierUnavailable
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldSize int64
	if old, ok := t.tracker.Lookup(entry.Key); ok {
		oldSize = old.SizeBytes
	}
	if t.tracker.Total()-oldSize+entry.SizeBytes > t.budget.Load() {
		return fmt.Errorf("volatile set %s (%d bytes): %w", entry.Key, entry.SizeBytes, models.ErrCapacity)
	}

	if err := t.store.Set(string(entry.Key), entry); err != nil {
		return err
	}
	t.tracker.Put(entry.Meta())
	return nil
}

// Delete removes a cache entry and stops tracking the key.
func (t *Tier) Delete(_ context.Context, key models.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.Delete(string(key))
	t.tracker.Remove(key)
	return nil
}

// Clear clears the entire tier and stops tracking all keys.
func (t *Tier) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.Flush()
	t.tracker.Reset()
	return nil
}

// Keys returns all keys in the tier, including expired ones not yet reclaimed.
func (t *Tier) Keys(ctx context.Context) ([]models.Key, error) {
	var keys []models.Key
	t.tracker.Range(ctx, func(m models.Meta) bool {
		keys = append(keys, m.Key)
		return true
	})
	return keys, ctx.Err()
}

// Scan returns the index records of every resident entry.
func (t *Tier) Scan(ctx context.Context) ([]models.Meta, error) {
	var metas []models.Meta
	t.tracker.Range(ctx, func(m models.Meta) bool {
		metas = append(metas, m)
		return true
	})
	return metas, ctx.Err()
}

// SizeBytes returns the bytes currently resident.
func (t *Tier) SizeBytes(context.Context) (int64, error) {
	return t.tracker.Total(), nil
}

// Budget returns the configured byte budget.
func (t *Tier) Budget() int64 { return t.budget.Load() }

// SetBudget changes the byte budget. Callers shrink only after evicting.
func (t *Tier) SetBudget(bytes int64) {
	t.budget.Store(bytes)
	t.store.SetMaxCost(bytes * costSlack)
}

// Close closes the tier.
func (t *Tier) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.store.Close()
	return nil
}
