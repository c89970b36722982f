package persistent

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// keyFilter is a bloom filter in front of SQLite reads: a negative answer
// means the key was never stored since the last rebuild.
type keyFilter struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	expected uint
	fpRate   float64
}

func newKeyFilter(expected uint, fpRate float64) *keyFilter {
	if expected == 0 {
		expected = 10_000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &keyFilter{
		filter:   bloom.NewWithEstimates(expected, fpRate),
		expected: expected,
		fpRate:   fpRate,
	}
}

func (f *keyFilter) Add(key string) {
	f.mu.Lock()
	f.filter.AddString(key)
	f.mu.Unlock()
}

func (f *keyFilter) Test(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(key)
}

// Rebuild replaces the filter with one holding exactly keys.
func (f *keyFilter) Rebuild(keys []string) {
	size := f.expected
	if n := uint(len(keys)) * 2; n > size {
		size = n
	}
	next := bloom.NewWithEstimates(size, f.fpRate)
	for _, k := range keys {
		next.AddString(k)
	}
	f.mu.Lock()
	f.filter = next
	f.mu.Unlock()
}

func (f *keyFilter) Reset() {
	f.mu.Lock()
	f.filter.ClearAll()
	f.mu.Unlock()
}
