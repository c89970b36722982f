package volatile

import (
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"goflare.io/tiercache/internal/models"
)

var errDropped = errors.New("ristretto dropped the write")

// Store is the raw key/value backend under the volatile tier.
type Store interface {
	Set(key string, entry *models.Entry) error
	Get(key string) (*models.Entry, bool)
	Delete(key string)
	Flush()
	SetMaxCost(maxCost int64)
	Close()
}

// RistrettoStore implements the Store interface using Ristretto.
//
// Entry cost is the entry's SizeBytes. Expiry is not delegated to Ristretto;
// the tier checks ExpiresAt against its own clock.
type RistrettoStore struct {
	cache  *ristretto.Cache[string, *models.Entry]
	logger *zap.Logger
}

// NewRistrettoStore creates a new RistrettoStore instance. onEvict is called for
// every entry Ristretto removes on its own (policy eviction or rejection).
func NewRistrettoStore(maxCost int64, logger *zap.Logger, onEvict func(*models.Entry)) (*RistrettoStore, error) {
	if maxCost <= 0 {
		maxCost = 1
	}
	// Ristretto recommends ~10 counters per expected item; assume 4KiB items.
	numCounters := int64(math.Max(1000, math.Min(float64(maxCost/4096)*10, float64(math.MaxInt64/2))))

	notify := func(item *ristretto.Item[*models.Entry]) {
		if onEvict != nil && item != nil && item.Value != nil {
			onEvict(item.Value)
		}
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, *models.Entry]{
		NumCounters:        numCounters,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            notify,
		OnReject:           notify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Ristretto cache: %w", err)
	}

	return &RistrettoStore{
		cache:  c,
		logger: logger,
	}, nil
}

// Set stores entry and waits until it is visible to readers.
func (s *RistrettoStore) Set(key string, entry *models.Entry) error {
	if !s.cache.Set(key, entry, entry.SizeBytes) {
		s.logger.Warn("Ristretto Set dropped", zap.String("key", key))
		return errDropped
	}
	s.cache.Wait()

	if _, ok := s.cache.Get(key); !ok {
		return fmt.Errorf("ristretto rejected %s: %w", key, models.ErrCapacity)
	}
	return nil
}

// Get retrieves a cache entry.
func (s *RistrettoStore) Get(key string) (*models.Entry, bool) {
	return s.cache.Get(key)
}

// Delete removes a cache entry.
func (s *RistrettoStore) Delete(key string) {
	s.cache.Del(key)
	s.cache.Wait()
}

// Flush clears the entire cache.
func (s *RistrettoStore) Flush() {
	s.cache.Clear()
}

// SetMaxCost resizes the Ristretto cost ceiling.
func (s *RistrettoStore) SetMaxCost(maxCost int64) {
	if maxCost <= 0 {
		maxCost = 1
	}
	s.cache.UpdateMaxCost(maxCost)
}

// Close closes the cache.
func (s *RistrettoStore) Close() {
	s.cache.Close()
}
