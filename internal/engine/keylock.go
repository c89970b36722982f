package engine

import (
	"hash/fnv"
	"sync"

	"goflare.io/tiercache/internal/models"
)

const keyStripes = 64

// keyLocks orders writes per key. Every explicit write (Set, Invalidate, an
// applied sync message) starts a new generation; a fetch remembers the
// generation it started under and only stores while that is still current.
// Keys share stripes, so a write can at worst discard an unrelated fetch's
// store; the fetched payload is still returned to its callers.
type keyLocks struct {
	stripes [keyStripes]keyStripe
}

type keyStripe struct {
	mu  sync.Mutex
	gen uint64
}

func newKeyLocks() *keyLocks {
	return &keyLocks{}
}

// stripeIndex maps key onto a lock stripe.
func stripeIndex(key models.Key) uint64 {
	h := fnv.New64a()
	if _, err := h.Write([]byte(key)); err != nil {
		return 0
	}
	return h.Sum64() % keyStripes
}

func (l *keyLocks) stripe(key models.Key) *keyStripe {
	return &l.stripes[stripeIndex(key)]
}

func (l *keyLocks) generation(key models.Key) uint64 {
	s := l.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// write runs fn under the key's lock in a new generation.
func (l *keyLocks) write(key models.Key, fn func()) {
	s := l.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	fn()
}

// writeIf runs fn under the key's lock unless a write happened since gen.
func (l *keyLocks) writeIf(key models.Key, gen uint64, fn func()) bool {
	s := l.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	fn()
	return true
}
