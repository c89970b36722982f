package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/tiercache/internal/broadcast"
	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/stats"
	"goflare.io/tiercache/internal/strategy"
	"goflare.io/tiercache/internal/tier"
)

// warmupConcurrency bounds parallel fetches during Warmup.
const warmupConcurrency = 4

// SetOptions overrides where and for how long Set stores a payload. Without
// Tiers the payload goes to every available tier.
type SetOptions struct {
	TTL   time.Duration
	Tiers []tier.Name
}

// Set stores payload under raw without touching the network. The URL is not
// classified: the entry takes the default strategy's TTL and priority, and
// opts may override the TTL and tiers. It fails only when no tier accepted
// the entry.
func (e *Engine) Set(ctx context.Context, raw string, payload models.Payload, opts SetOptions) (err error) {
	if e.isClosed() {
		return models.ErrClosed
	}
	key, err := e.canon.Key(raw)
	if err != nil {
		return err
	}
	ctx, span := e.startSpan(ctx, "Set", attribute.String("key", string(key)))
	defer func() { endSpan(span, err) }()

	strat, _ := e.registry.Get(strategy.Default)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = strat.TTL
	}
	if ttl <= 0 {
		ttl = strategy.DefaultTTLs[strategy.Default]
	}
	var names []tier.Name
	if len(opts.Tiers) > 0 {
		names = opts.Tiers
	}
	e.keys.write(key, func() {
		_, err = e.store(ctx, key, payload, strat, ttl, names)
	})
	return err
}

// Invalidate removes raw from every tier and tells siblings to do the same.
func (e *Engine) Invalidate(ctx context.Context, raw string) (err error) {
	if e.isClosed() {
		return models.ErrClosed
	}
	key, err := e.canon.Key(raw)
	if err != nil {
		return err
	}
	ctx, span := e.startSpan(ctx, "Invalidate", attribute.String("key", string(key)))
	defer func() { endSpan(span, err) }()
	return e.invalidate(ctx, key)
}

func (e *Engine) invalidate(ctx context.Context, key models.Key) error {
	var errs []error
	e.keys.write(key, func() {
		for _, t := range e.tiers.Available(nil) {
			if t.Name() == tier.Agent {
				continue
			}
			if err := t.Delete(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			}
		}
	})
	e.stats.Forget(key)
	e.publish(ctx, broadcast.Message{Kind: broadcast.KindInvalidate, Key: key})
	return errors.Join(errs...)
}

// InvalidatePattern invalidates every stored key matching re and returns
// the matched keys in sorted order.
func (e *Engine) InvalidatePattern(ctx context.Context, re *regexp.Regexp) (_ []string, err error) {
	if e.isClosed() {
		return nil, models.ErrClosed
	}
	if re == nil {
		return nil, errors.New("pattern is required")
	}
	ctx, span := e.startSpan(ctx, "InvalidatePattern", attribute.String("pattern", re.String()))
	defer func() { endSpan(span, err) }()

	seen := make(map[models.Key]struct{})
	var errs []error
	for _, t := range e.tiers.Available(nil) {
		if t.Name() == tier.Agent {
			continue
		}
		keys, err := t.Keys(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s keys: %w", t.Name(), err))
			continue
		}
		for _, k := range keys {
			if re.MatchString(string(k)) {
				seen[k] = struct{}{}
			}
		}
	}

	matched := make([]string, 0, len(seen))
	for k := range seen {
		matched = append(matched, string(k))
	}
	sort.Strings(matched)
	for _, k := range matched {
		if err := e.invalidate(ctx, models.Key(k)); err != nil {
			errs = append(errs, err)
		}
	}
	return matched, errors.Join(errs...)
}

// Clear empties the named tiers, or every tier when none are named.
func (e *Engine) Clear(ctx context.Context, names ...tier.Name) (err error) {
	if e.isClosed() {
		return models.ErrClosed
	}
	ctx, span := e.startSpan(ctx, "Clear")
	defer func() { endSpan(span, err) }()

	targets := e.tiers.All()
	if len(names) > 0 {
		targets = targets[:0:0]
		for _, n := range names {
			t, ok := e.tiers.Get(n)
			if !ok {
				return fmt.Errorf("tier %s is not configured", n)
			}
			targets = append(targets, t)
		}
	}

	var errs []error
	for _, t := range targets {
		if t.Name() == tier.Agent || !t.Available() {
			continue
		}
		if err := t.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		if len(names) > 0 && tier.IsProcessLocal(t.Name()) {
			e.publish(ctx, broadcast.Message{Kind: broadcast.KindClear, Tier: t.Name()})
		}
	}
	if len(names) == 0 {
		e.publish(ctx, broadcast.Message{Kind: broadcast.KindClear})
	}
	return errors.Join(errs...)
}

// Metrics is a point-in-time view of the engine.
type Metrics struct {
	stats.Snapshot
	BytesUsedPerTier map[tier.Name]int64
	BudgetPerTier    map[tier.Name]int64
	AvailableTiers   []tier.Name
}

// Metrics reports counters and per-tier occupancy.
func (e *Engine) Metrics(ctx context.Context) Metrics {
	m := Metrics{
		Snapshot:         e.stats.Snapshot(),
		BytesUsedPerTier: make(map[tier.Name]int64),
		BudgetPerTier:    make(map[tier.Name]int64),
	}
	for _, t := range e.tiers.All() {
		if !t.Available() {
			continue
		}
		m.AvailableTiers = append(m.AvailableTiers, t.Name())
		if t.Name() == tier.Agent {
			continue
		}
		m.BudgetPerTier[t.Name()] = t.Budget()
		used, err := t.SizeBytes(ctx)
		if err != nil {
			e.logger.Warn("Failed to read tier size", zap.String("tier", string(t.Name())), zap.Error(err))
			continue
		}
		m.BytesUsedPerTier[t.Name()] = used
		e.stats.Size(t.Name(), used, t.Budget())
	}
	return m
}

// Residency lists the tiers currently holding a fresh copy of raw, fastest first.
func (e *Engine) Residency(ctx context.Context, raw string) ([]tier.Name, error) {
	if e.isClosed() {
		return nil, models.ErrClosed
	}
	key, err := e.canon.Key(raw)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	var out []tier.Name
	for _, t := range e.tiers.Available(nil) {
		p, ok := t.(tier.Peeker)
		if !ok {
			continue
		}
		meta, held, err := p.Peek(ctx, key)
		if err != nil {
			e.logger.Warn("Tier peek failed",
				zap.String("tier", string(t.Name())),
				zap.String("key", string(key)),
				zap.Error(err))
			continue
		}
		if held && !meta.IsExpired(now) {
			out = append(out, t.Name())
		}
	}
	return out, nil
}

// NotifyStoragePressure forces an immediate budget resize.
func (e *Engine) NotifyStoragePressure(ctx context.Context) error {
	if e.isClosed() {
		return models.ErrClosed
	}
	return e.eviction.NotifyPressure(ctx)
}

// Sweep removes expired entries from every tier.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if e.isClosed() {
		return 0, models.ErrClosed
	}
	return e.eviction.Sweep(ctx)
}

// Warmup fetches and stores every URL not already cached. URLs whose
// strategy never caches are skipped.
func (e *Engine) Warmup(ctx context.Context, urls []string) (err error) {
	if e.isClosed() {
		return models.ErrClosed
	}
	ctx, span := e.startSpan(ctx, "Warmup", attribute.Int("urls", len(urls)))
	defer func() { endSpan(span, err) }()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupConcurrency)
	errs := make([]error, len(urls))
	for i, raw := range urls {
		g.Go(func() error {
			key, err := e.canon.Key(raw)
			if err != nil {
				errs[i] = err
				return nil
			}
			strat := e.registry.Classify(key)
			if !strat.UsesCache() || len(e.residentIn(gctx, key, strat.Tiers)) > 0 {
				return nil
			}
			if _, err := e.fetch(gctx, key, strat); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, err := range errs {
		if err != nil {
			e.logger.Warn("Warmup failed", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) residentIn(ctx context.Context, key models.Key, names []tier.Name) []tier.Name {
	now := e.clock.Now()
	var out []tier.Name
	for _, t := range e.tiers.Available(names) {
		meta, held, err := e.peek(ctx, t, key)
		if err == nil && held && !meta.IsExpired(now) {
			out = append(out, t.Name())
		}
	}
	return out
}
