package volatile

import (
	"context"
	"sync"
	"time"

	"goflare.io/tiercache/internal/models"
)

// Tracker indexes every key in the store with its eviction metadata and keeps
// the byte total. Ristretto cannot enumerate keys, so the tracker is the
// source of truth for Keys, Scan and SizeBytes.
type Tracker struct {
	mu    sync.Mutex
	metas map[models.Key]models.Meta
	total int64
}

// NewTracker creates a new Tracker instance.
func NewTracker() *Tracker {
	return &Tracker{metas: make(map[models.Key]models.Meta)}
}

// Put records meta, replacing any previous record for the key.
func (t *Tracker) Put(meta models.Meta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.metas[meta.Key]; ok {
		t.total -= old.SizeBytes
	}
	t.metas[meta.Key] = meta
	t.total += meta.SizeBytes
}

// Remove forgets key and returns whether it was tracked.
func (t *Tracker) Remove(key models.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.metas[key]
	if !ok {
		return false
	}
	delete(t.metas, key)
	t.total -= old.SizeBytes
	return true
}

// RemoveVersion forgets key only if the tracked record was stored at storedAt.
func (t *Tracker) RemoveVersion(key models.Key, storedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.metas[key]
	if !ok || !old.StoredAt.Equal(storedAt) {
		return
	}
	delete(t.metas, key)
	t.total -= old.SizeBytes
}

// Touch records an access and returns the updated record.
func (t *Tracker) Touch(key models.Key, now time.Time) (models.Meta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta, ok := t.metas[key]
	if !ok {
		return models.Meta{}, false
	}
	meta.LastAccessedAt = now
	meta.AccessCount++
	t.metas[key] = meta
	return meta, true
}

// Lookup returns the record for key without counting an access.
func (t *Tracker) Lookup(key models.Key) (models.Meta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta, ok := t.metas[key]
	return meta, ok
}

// Total returns the tracked byte total.
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Reset forgets every key.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metas = make(map[models.Key]models.Meta)
	t.total = 0
}

// Range iterates over a snapshot of all tracked records.
func (t *Tracker) Range(ctx context.Context, f func(meta models.Meta) bool) {
	t.mu.Lock()
	snapshot := make([]models.Meta, 0, len(t.metas))
	for _, m := range t.metas {
		snapshot = append(snapshot, m)
	}
	t.mu.Unlock()

	for _, m := range snapshot {
		select {
		case <-ctx.Done():
			return
		default:
			if !f(m) {
				return
			}
		}
	}
}
