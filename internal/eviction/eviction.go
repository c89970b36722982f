// Package eviction reclaims tier space and sizes tier budgets from the
// storage available on the host.
package eviction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/stats"
	"goflare.io/tiercache/internal/tier"
)

// Shares of the storage ceiling given to each tier on resize.
var Shares = map[tier.Name]float64{
	tier.Volatile:   0.10,
	tier.Persistent: 0.30,
	tier.Shared:     0.60,
}

// Options configures a Manager.
type Options struct {
	Tiers     *tier.Set
	Stats     *stats.Collector
	Clock     models.Clock
	Logger    *zap.Logger
	Estimator Estimator

	// QuotaCeiling caps the total budget regardless of free space; 0 means no cap.
	QuotaCeiling int64
	// MaxBytes caps individual tier budgets; missing or 0 means no cap.
	MaxBytes map[tier.Name]int64

	Adaptive          bool
	SweepInterval     time.Duration
	ResizeInterval    time.Duration
	ResizeMinInterval time.Duration
	ResizeThreshold   float64
}

// Manager evicts entries and applies budgets. Eviction passes, sweeps and
// resizes never overlap.
type Manager struct {
	opts   Options
	tiers  *tier.Set
	stats  *stats.Collector
	clock  models.Clock
	logger *zap.Logger

	mu         sync.Mutex
	lastResize time.Time
	pressure   chan struct{}
}

// New creates a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Tiers == nil {
		return nil, errors.New("tier set is required")
	}
	if opts.Clock == nil {
		opts.Clock = models.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector(opts.Clock, nil, 0)
	}
	if opts.ResizeThreshold < 0 || opts.ResizeThreshold >= 1 {
		return nil, fmt.Errorf("resize threshold %v out of range [0,1)", opts.ResizeThreshold)
	}
	return &Manager{
		opts:     opts,
		tiers:    opts.Tiers,
		stats:    opts.Stats,
		clock:    opts.Clock,
		logger:   opts.Logger,
		pressure: make(chan struct{}, 1),
	}, nil
}

// Store writes entry to t, evicting other entries when it does not fit.
func (m *Manager) Store(ctx context.Context, t tier.Tier, entry *models.Entry) error {
	if budget := t.Budget(); entry.SizeBytes > budget {
		return fmt.Errorf("%s: entry %s needs %d bytes, budget is %d: %w",
			t.Name(), entry.Key, entry.SizeBytes, budget, models.ErrCapacity)
	}
	err := t.Set(ctx, entry)
	if !errors.Is(err, models.ErrCapacity) {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.makeRoom(ctx, t, entry.SizeBytes); err != nil {
		return err
	}
	return t.Set(ctx, entry)
}

// MakeRoom frees at least need bytes in t.
func (m *Manager) MakeRoom(ctx context.Context, t tier.Tier, need int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.makeRoom(ctx, t, need)
}

func (m *Manager) makeRoom(ctx context.Context, t tier.Tier, need int64) error {
	return m.evictDownTo(ctx, t, t.Budget()-need, stats.EvictCapacity)
}

// evictDownTo removes entries until t holds at most target bytes: expired
// entries first, then least recently accessed, lower priority first on ties.
func (m *Manager) evictDownTo(ctx context.Context, t tier.Tier, target int64, reason stats.EvictReason) error {
	used, err := t.SizeBytes(ctx)
	if err != nil {
		return fmt.Errorf("%s size: %w", t.Name(), err)
	}
	if used <= target {
		return nil
	}
	metas, err := t.Scan(ctx)
	if err != nil {
		return fmt.Errorf("%s scan: %w", t.Name(), err)
	}

	now := m.clock.Now()
	sort.SliceStable(metas, func(i, j int) bool {
		a, b := metas[i], metas[j]
		ae, be := a.IsExpired(now), b.IsExpired(now)
		if ae != be {
			return ae
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.Priority < b.Priority
	})

	for _, meta := range metas {
		if used <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.Delete(ctx, meta.Key); err != nil {
			m.logger.Warn("Failed to evict entry",
				zap.String("tier", string(t.Name())),
				zap.String("key", string(meta.Key)),
				zap.Error(err))
			continue
		}
		used -= meta.SizeBytes
		r := reason
		if meta.IsExpired(now) {
			r = stats.EvictExpired
		}
		m.stats.Evict(t.Name(), r)
	}
	if used > target {
		return fmt.Errorf("%s: %d bytes still in use, want %d: %w", t.Name(), used, target, models.ErrCapacity)
	}
	return nil
}

// Sweep removes every expired entry from every available tier and compacts
// the tiers that support it. It returns the number of entries removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	tiers := m.tiers.Available(nil)
	removed := make([]int, len(tiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tiers {
		if t.Name() == tier.Agent {
			continue
		}
		g.Go(func() error {
			metas, err := t.Scan(gctx)
			if err != nil {
				return fmt.Errorf("%s scan: %w", t.Name(), err)
			}
			for _, meta := range metas {
				if !meta.IsExpired(now) {
					continue
				}
				if err := t.Delete(gctx, meta.Key); err != nil {
					return fmt.Errorf("%s delete %s: %w", t.Name(), meta.Key, err)
				}
				removed[i]++
				m.stats.Evict(t.Name(), stats.EvictExpired)
			}
			if c, ok := t.(tier.Compactor); ok {
				if err := c.Compact(gctx); err != nil {
					return fmt.Errorf("%s compact: %w", t.Name(), err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range removed {
		total += n
	}
	m.reportSizes(ctx)
	if total > 0 {
		m.logger.Debug("Swept expired entries", zap.Int("removed", total))
	}
	return total, err
}

func (m *Manager) reportSizes(ctx context.Context) {
	for _, t := range m.tiers.Available(nil) {
		used, err := t.SizeBytes(ctx)
		if err != nil {
			continue
		}
		m.stats.Size(t.Name(), used, t.Budget())
	}
}

// Plan computes the budgets a resize would apply.
func (m *Manager) Plan() (map[tier.Name]int64, error) {
	ceiling := m.opts.QuotaCeiling
	if m.opts.Estimator != nil {
		avail, err := m.opts.Estimator.Available()
		switch {
		case err == nil:
			if ceiling <= 0 || avail < ceiling {
				ceiling = avail
			}
		case ceiling > 0:
			m.logger.Warn("Storage estimate failed, using quota ceiling", zap.Error(err))
		default:
			return nil, fmt.Errorf("estimate storage: %w", err)
		}
	}
	if ceiling <= 0 {
		return nil, errors.New("no storage ceiling: configure an estimator or a quota ceiling")
	}

	plan := make(map[tier.Name]int64, len(Shares))
	for _, t := range m.tiers.All() {
		share, ok := Shares[t.Name()]
		if !ok {
			continue
		}
		budget := int64(float64(ceiling) * share)
		if limit := m.opts.MaxBytes[t.Name()]; limit > 0 && budget > limit {
			budget = limit
		}
		plan[t.Name()] = budget
	}
	return plan, nil
}

// Resize recomputes tier budgets. Unless force is set, it is skipped within
// ResizeMinInterval of the previous resize and when no budget would move by
// more than ResizeThreshold. It reports whether budgets were applied.
func (m *Manager) Resize(ctx context.Context, force bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !force && !m.lastResize.IsZero() && now.Sub(m.lastResize) < m.opts.ResizeMinInterval {
		return false, nil
	}
	plan, err := m.Plan()
	if err != nil {
		return false, err
	}
	if !force && !m.significant(plan) {
		return false, nil
	}

	var errs []error
	for _, t := range m.tiers.All() {
		budget, ok := plan[t.Name()]
		if !ok {
			continue
		}
		if t.Available() && budget < t.Budget() {
			if err := m.evictDownTo(ctx, t, budget, stats.EvictResize); err != nil {
				errs = append(errs, err)
			}
		}
		t.SetBudget(budget)
		m.logger.Debug("Tier budget applied",
			zap.String("tier", string(t.Name())),
			zap.Int64("budget", budget))
	}
	m.lastResize = now
	m.reportSizes(ctx)
	return true, errors.Join(errs...)
}

func (m *Manager) significant(plan map[tier.Name]int64) bool {
	for _, t := range m.tiers.All() {
		next, ok := plan[t.Name()]
		if !ok {
			continue
		}
		cur := t.Budget()
		if cur == 0 {
			if next != 0 {
				return true
			}
			continue
		}
		if math.Abs(float64(next-cur))/float64(cur) > m.opts.ResizeThreshold {
			return true
		}
	}
	return false
}

// NotifyPressure forces a resize and signals the Run loop.
func (m *Manager) NotifyPressure(ctx context.Context) error {
	select {
	case m.pressure <- struct{}{}:
	default:
	}
	_, err := m.Resize(ctx, true)
	return err
}

// Run sweeps and resizes periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	var sweepC, resizeC <-chan time.Time
	if m.opts.SweepInterval > 0 {
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		sweepC = ticker.C
	}
	if m.opts.Adaptive && m.opts.ResizeInterval > 0 {
		ticker := time.NewTicker(m.opts.ResizeInterval)
		defer ticker.Stop()
		resizeC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepC:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("Sweep failed", zap.Error(err))
			}
		case <-resizeC:
			if _, err := m.Resize(ctx, false); err != nil && ctx.Err() == nil {
				m.logger.Warn("Resize failed", zap.Error(err))
			}
		case <-m.pressure:
			// Resize already ran in NotifyPressure.
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("Sweep after pressure failed", zap.Error(err))
			}
		}
	}
}
