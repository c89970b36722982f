// Package agent represents the background worker tier. It only reports
// whether an agent is reachable; it never stores entries itself.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/tier"
)

// Probe reports whether a background agent is currently reachable.
type Probe func() bool

// Tier is a pass-through tier whose data operations are never served.
type Tier struct {
	probe  Probe
	closed atomic.Bool
}

var _ tier.Tier = (*Tier)(nil)

// New creates an agent tier. A nil probe means no agent is ever reachable.
func New(probe Probe) *Tier {
	if probe == nil {
		probe = func() bool { return false }
	}
	return &Tier{probe: probe}
}

func unavailable(op string) error {
	return fmt.Errorf("agent %s: %w", op, models.ErrTierUnavailable)
}

func (t *Tier) Name() tier.Name { return tier.Agent }

func (t *Tier) Available() bool { return !t.closed.Load() && t.probe() }

func (t *Tier) Get(context.Context, models.Key) (*models.Entry, bool, error) {
	return nil, false, unavailable("get")
}

func (t *Tier) Set(context.Context, *models.Entry) error { return unavailable("set") }

func (t *Tier) Delete(context.Context, models.Key) error { return unavailable("delete") }

func (t *Tier) Clear(context.Context) error { return unavailable("clear") }

func (t *Tier) Keys(context.Context) ([]models.Key, error) { return nil, unavailable("keys") }

func (t *Tier) SizeBytes(context.Context) (int64, error) { return 0, nil }

func (t *Tier) Scan(context.Context) ([]models.Meta, error) { return nil, nil }

func (t *Tier) Budget() int64 { return 0 }

func (t *Tier) SetBudget(int64) {}

// Close marks the tier unavailable regardless of the probe.
func (t *Tier) Close() error {
	t.closed.Store(true)
	return nil
}
