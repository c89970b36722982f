// Package engine routes every request through a retrieval strategy and the
// tier hierarchy, and keeps sibling instances informed of changes.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/tiercache/internal/broadcast"
	"goflare.io/tiercache/internal/eviction"
	"goflare.io/tiercache/internal/fetch"
	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/stats"
	"goflare.io/tiercache/internal/strategy"
	"goflare.io/tiercache/internal/tier"
)

// TracerName names the tracer every engine span is created with.
const TracerName = "tiercache"

// revalidatePrefix separates background revalidations from foreground
// fetches in the coalescing group.
const revalidatePrefix = "revalidate:"

// ScoreHook computes the eviction priority of a freshly fetched entry.
// entry.Priority holds the strategy's base priority on input.
type ScoreHook func(entry *models.Entry, ks stats.KeyStats) int

// maxFrequencyBonus bounds how much access history can raise a priority.
const maxFrequencyBonus = 4

// DefaultScore adds one point per eight recorded hits, up to maxFrequencyBonus.
func DefaultScore(entry *models.Entry, ks stats.KeyStats) int {
	return entry.Priority + int(min(ks.Hits/8, maxFrequencyBonus))
}

// Options wires the engine's collaborators.
type Options struct {
	Tiers     *tier.Set
	Registry  *strategy.Registry
	Canon     *models.Canonicalizer
	Fetcher   fetch.Fetcher
	Eviction  *eviction.Manager
	Stats     *stats.Collector
	ScoreHook ScoreHook
	Clock     models.Clock
	Logger    *zap.Logger
	Tracer    trace.Tracer

	NetworkTimeout time.Duration
	FetchTimeout   time.Duration

	// Bus enables cross-instance sync when set. Origin identifies this
	// instance in published messages.
	Bus            broadcast.Bus
	Origin         string
	SyncMaxPayload int64

	// Maintenance runs the eviction manager's sweep and resize loop.
	Maintenance bool
}

// Engine is the request router. It is safe for concurrent use.
type Engine struct {
	tiers     *tier.Set
	registry  *strategy.Registry
	canon     *models.Canonicalizer
	fetcher   fetch.Fetcher
	eviction  *eviction.Manager
	stats     *stats.Collector
	scoreHook ScoreHook
	clock     models.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	networkTimeout time.Duration
	fetchTimeout   time.Duration

	bus            broadcast.Bus
	origin         string
	syncMaxPayload int64
	unsubscribe    func()

	group singleflight.Group
	keys  *keyLocks

	// mu guards closed; background work registers under the read lock so
	// Close can wait for all of it.
	mu       sync.RWMutex
	closed   bool
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New creates an engine and starts its background work.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Tiers == nil || opts.Registry == nil || opts.Fetcher == nil {
		return nil, errors.New("tiers, registry and fetcher are required")
	}
	if opts.Canon == nil {
		opts.Canon = models.NewCanonicalizer(models.DefaultVolatileParams)
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
	if opts.Eviction == nil {
		m, err := eviction.New(eviction.Options{
			Tiers:  opts.Tiers,
			Stats:  opts.Stats,
			Clock:  opts.Clock,
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		opts.Eviction = m
	}
	if opts.ScoreHook == nil {
		opts.ScoreHook = DefaultScore
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(TracerName)
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 3 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Engine{
		tiers:          opts.Tiers,
		registry:       opts.Registry,
		canon:          opts.Canon,
		fetcher:        opts.Fetcher,
		eviction:       opts.Eviction,
		stats:          opts.Stats,
		scoreHook:      opts.ScoreHook,
		clock:          opts.Clock,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		networkTimeout: opts.NetworkTimeout,
		fetchTimeout:   opts.FetchTimeout,
		bus:            opts.Bus,
		origin:         opts.Origin,
		syncMaxPayload: opts.SyncMaxPayload,
		keys:           newKeyLocks(),
		bgCtx:          bgCtx,
		bgCancel:       cancel,
	}

	if e.bus != nil {
		if e.origin == "" {
			cancel()
			return nil, errors.New("sync requires an origin id")
		}
		unsub, err := e.bus.Subscribe(ctx, e.apply)
		if err != nil {
			cancel()
			return nil, err
		}
		e.unsubscribe = unsub
	}

	if opts.Maintenance && e.acquire() {
		go func() {
			defer e.release()
			e.eviction.Run(e.bgCtx)
		}()
	}
	return e, nil
}

// acquire registers one unit of background work. It fails once the engine
// is closed.
func (e *Engine) acquire() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	e.bg.Add(1)
	return true
}

func (e *Engine) release() { e.bg.Done() }

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close stops background work and waits for in-flight fetches. Tiers and
// the bus belong to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.bgCancel()
	e.bg.Wait()
	return nil
}

// Stats exposes the collector.
func (e *Engine) Stats() *stats.Collector { return e.stats }

// Key canonicalizes raw the way every operation does.
func (e *Engine) Key(raw string) (models.Key, error) { return e.canon.Key(raw) }

// Classify returns the strategy raw would be served with.
func (e *Engine) Classify(raw string) (strategy.Strategy, error) {
	key, err := e.canon.Key(raw)
	if err != nil {
		return strategy.Strategy{}, err
	}
	return e.registry.Classify(key), nil
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "tiercache."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
