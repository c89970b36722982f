package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"goflare.io/tiercache/internal/fetch"
	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/strategy"
	"goflare.io/tiercache/internal/tier"
)

// GetOptions overrides classification for one request.
type GetOptions struct {
	Strategy strategy.Name
	TTL      time.Duration
}

// Get resolves raw through its strategy and returns a private copy of the payload.
func (e *Engine) Get(ctx context.Context, raw string, opts GetOptions) (_ *models.Payload, err error) {
	if e.isClosed() {
		return nil, models.ErrClosed
	}
	key, err := e.canon.Key(raw)
	if err != nil {
		return nil, err
	}
	strat := e.registry.Classify(key)
	if opts.Strategy != "" {
		s, ok := e.registry.Get(opts.Strategy)
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", opts.Strategy)
		}
		strat = s
	}
	if opts.TTL > 0 {
		strat.TTL = opts.TTL
	}

	ctx, span := e.startSpan(ctx, "Get",
		attribute.String("key", string(key)),
		attribute.String("strategy", string(strat.Name)))
	defer func() { endSpan(span, err) }()

	var p *models.Payload
	switch strat.Name {
	case strategy.CacheFirst:
		p, err = e.cacheFirst(ctx, key, strat)
	case strategy.NetworkFirst:
		p, err = e.networkFirst(ctx, key, strat)
	case strategy.CacheOnly:
		p, err = e.cacheOnly(ctx, key, strat)
	case strategy.NetworkOnly:
		p, err = e.networkOnly(ctx, key)
	default:
		p, err = e.staleWhileRevalidate(ctx, key, strat)
	}
	if err != nil {
		return nil, err
	}
	out := p.Clone()
	return &out, nil
}

func (e *Engine) cacheFirst(ctx context.Context, key models.Key, strat strategy.Strategy) (*models.Payload, error) {
	if entry, _, ok := e.lookup(ctx, key, strat.Tiers); ok {
		return &entry.Payload, nil
	}
	return e.fetch(ctx, key, strat)
}

func (e *Engine) networkFirst(ctx context.Context, key models.Key, strat strategy.Strategy) (*models.Payload, error) {
	nctx, cancel := context.WithTimeout(ctx, e.networkTimeout)
	defer cancel()

	p, err := e.fetch(nctx, key, strat)
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &models.NetworkError{URL: string(key), Err: err, Retryable: true}
	}
	if entry, _, ok := e.lookup(ctx, key, strat.Tiers); ok {
		e.logger.Debug("Network failed, serving cached copy",
			zap.String("key", string(key)),
			zap.Error(err))
		return &entry.Payload, nil
	}
	return nil, err
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, key models.Key, strat strategy.Strategy) (*models.Payload, error) {
	if entry, _, ok := e.lookup(ctx, key, strat.Tiers); ok {
		e.revalidate(key, strat)
		return &entry.Payload, nil
	}
	return e.fetch(ctx, key, strat)
}

func (e *Engine) cacheOnly(ctx context.Context, key models.Key, strat strategy.Strategy) (*models.Payload, error) {
	if entry, _, ok := e.lookup(ctx, key, strat.Tiers); ok {
		return &entry.Payload, nil
	}
	return nil, fmt.Errorf("%s: %w", key, models.ErrNotAvailable)
}

func (e *Engine) networkOnly(ctx context.Context, key models.Key) (*models.Payload, error) {
	fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	resp, err := e.fetcher.Fetch(fctx, string(key))
	if err == nil && resp == nil {
		err = errEmptyResponse(key)
	}
	e.stats.Fetch(err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func errEmptyResponse(key models.Key) error {
	return &models.NetworkError{URL: string(key), Err: errors.New("fetcher returned no response")}
}

// lookup consults the given tiers fastest first. A hit is written through
// to every faster tier that missed.
func (e *Engine) lookup(ctx context.Context, key models.Key, names []tier.Name) (*models.Entry, tier.Name, bool) {
	var missed []tier.Tier
	for _, t := range e.tiers.Available(names) {
		entry, ok, err := t.Get(ctx, key)
		if err != nil {
			e.logger.Warn("Tier read failed",
				zap.String("tier", string(t.Name())),
				zap.String("key", string(key)),
				zap.Error(err))
			continue
		}
		if !ok {
			missed = append(missed, t)
			continue
		}
		e.stats.Hit(key, t.Name())
		for _, faster := range missed {
			e.storeIn(ctx, faster, entry)
		}
		return entry, t.Name(), true
	}
	e.stats.Miss(key)
	return nil, "", false
}

// storeIn writes entry to t through the eviction manager. Failures are
// logged; capacity failures are expected and stay quiet.
func (e *Engine) storeIn(ctx context.Context, t tier.Tier, entry *models.Entry) bool {
	err := e.eviction.Store(ctx, t, entry)
	switch {
	case err == nil:
		return true
	case errors.Is(err, models.ErrCapacity):
		e.stats.StoreFailed()
		e.logger.Debug("Entry does not fit tier",
			zap.String("tier", string(t.Name())),
			zap.String("key", string(entry.Key)),
			zap.Int64("size", entry.SizeBytes))
	default:
		e.stats.StoreFailed()
		e.logger.Warn("Tier write failed",
			zap.String("tier", string(t.Name())),
			zap.String("key", string(entry.Key)),
			zap.Error(err))
	}
	return false
}

// fetch retrieves key once per concurrent group of callers and stores a
// successful response in the strategy's tiers, unless the key was set or
// invalidated while the fetch ran. The flight outlives callers that give up:
// they get ctx.Err() while the cache is still populated.
func (e *Engine) fetch(ctx context.Context, key models.Key, strat strategy.Strategy) (*models.Payload, error) {
	ch := e.group.DoChan(string(key), func() (any, error) {
		if !e.acquire() {
			return nil, models.ErrClosed
		}
		defer e.release()
		return e.fetchAndStore(context.WithoutCancel(ctx), key, strat)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Payload), nil
	}
}

func (e *Engine) fetchAndStore(ctx context.Context, key models.Key, strat strategy.Strategy) (*models.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	stop := context.AfterFunc(e.bgCtx, cancel)
	defer stop()

	gen := e.keys.generation(key)
	resp, err := e.fetcher.Fetch(ctx, string(key))
	if err == nil && resp == nil {
		err = errEmptyResponse(key)
	}
	e.stats.Fetch(err)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp) {
		return resp, nil
	}
	stored := e.keys.writeIf(key, gen, func() {
		_, _ = e.store(ctx, key, *resp, strat, strat.TTL, strat.Tiers)
	})
	if !stored {
		e.logger.Debug("Fetched response superseded by a newer write",
			zap.String("key", string(key)))
	}
	return resp, nil
}

func isSuccess(resp *fetch.Response) bool {
	return resp != nil && resp.Status >= 200 && resp.Status < 300
}

// store builds an entry and writes it to every available tier among names,
// announcing each process-local write to siblings. It returns the tiers that
// accepted the entry.
func (e *Engine) store(ctx context.Context, key models.Key, payload models.Payload, strat strategy.Strategy, ttl time.Duration, names []tier.Name) ([]tier.Name, error) {
	entry := models.NewEntry(key, payload, e.clock.Now(), ttl, strat.Priority)
	entry.Strategy = string(strat.Name)
	entry.Priority = e.scoreHook(entry, e.stats.Key(key))

	targets := e.tiers.Available(names)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%s: %w", key, models.ErrTierUnavailable)
	}
	var stored []tier.Name
	for _, t := range targets {
		if t.Name() == tier.Agent {
			continue
		}
		if !e.storeIn(ctx, t, entry) {
			continue
		}
		stored = append(stored, t.Name())
		if tier.IsProcessLocal(t.Name()) {
			e.publishStore(ctx, t.Name(), entry)
		}
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("%s: no tier accepted the entry: %w", key, models.ErrCapacity)
	}
	return stored, nil
}

// revalidate refreshes key in the background; at most one revalidation per
// key is in flight.
func (e *Engine) revalidate(key models.Key, strat strategy.Strategy) {
	e.group.DoChan(revalidatePrefix+string(key), func() (any, error) {
		if !e.acquire() {
			return nil, models.ErrClosed
		}
		defer e.release()
		if _, err := e.fetchAndStore(e.bgCtx, key, strat); err != nil {
			e.logger.Debug("Background revalidation failed",
				zap.String("key", string(key)),
				zap.Error(err))
			return nil, err
		}
		return nil, nil
	})
}
