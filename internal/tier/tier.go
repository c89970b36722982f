// Package tier defines the storage contract every cache tier implements.
package tier

import (
	"context"
	"fmt"

	"goflare.io/tiercache/internal/models"
)

// Name identifies one tier of the hierarchy.
type Name string

// Tiers in ascending order of latency and capacity.
const (
	Volatile   Name = "volatile"
	Persistent Name = "persistent"
	Shared     Name = "shared"
	Agent      Name = "agent"
)

// Order is the fixed iteration order of the hierarchy, fastest first.
var Order = []Name{Volatile, Persistent, Shared, Agent}

// ParseName validates a tier name.
func ParseName(s string) (Name, error) {
	for _, n := range Order {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Rank returns the position of n in Order; lower is faster.
func Rank(n Name) int {
	for i, o := range Order {
		if o == n {
			return i
		}
	}
	return len(Order)
}

// IsProcessLocal reports whether the tier belongs to this instance only.
func IsProcessLocal(n Name) bool {
	return n == Volatile || n == Persistent
}

// Tier is implemented identically by every storage backend.
//
// Get never returns expired data but also never deletes it; reclaiming the
// space is the eviction manager's job. Set fails with models.ErrCapacity when
// the entry does not fit in the remaining budget.
type Tier interface {
	Name() Name
	Get(ctx context.Context, key models.Key) (*models.Entry, bool, error)
	Set(ctx context.Context, entry *models.Entry) error
	Delete(ctx context.Context, key models.Key) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]models.Key, error)
	SizeBytes(ctx context.Context) (int64, error)
	Available() bool

	// Budget management used by the quota manager.
	Budget() int64
	SetBudget(bytes int64)
	Scan(ctx context.Context) ([]models.Meta, error)
}

// Compactor is implemented by tiers that can reclaim internal space after a sweep.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Peeker is implemented by tiers that can inspect an entry without counting it as an access.
type Peeker interface {
	Peek(ctx context.Context, key models.Key) (models.Meta, bool, error)
}

// Set is the ordered collection of configured tiers.
type Set struct {
	tiers []Tier
}

// NewSet orders the given tiers by Rank. Nil tiers are ignored.
func NewSet(tiers ...Tier) *Set {
	s := &Set{}
	for _, name := range Order {
		for _, t := range tiers {
			if t != nil && t.Name() == name {
				s.tiers = append(s.tiers, t)
			}
		}
	}
	return s
}

// All returns every configured tier, fastest first.
func (s *Set) All() []Tier {
	return s.tiers
}

// Get returns the tier with the given name.
func (s *Set) Get(name Name) (Tier, bool) {
	for _, t := range s.tiers {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Available returns the configured and currently available tiers among names,
// fastest first. A nil names slice selects every tier.
func (s *Set) Available(names []Name) []Tier {
	var out []Tier
	for _, t := range s.tiers {
		if names != nil && !contains(names, t.Name()) {
			continue
		}
		if t.Available() {
			out = append(out, t)
		}
	}
	return out
}

func contains(names []Name, n Name) bool {
	for _, x := range names {
		if x == n {
			return true
		}
	}
	return false
}
