package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/tiercache/internal/broadcast"
	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/strategy"
	"goflare.io/tiercache/internal/tier"
	"goflare.io/tiercache/internal/tier/persistent"
	"goflare.io/tiercache/internal/tier/volatile"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// origin is a scripted upstream. Bodies are "<url>#<n>" where n counts the
// fetches of that url.
type origin struct {
	mu      sync.Mutex
	calls   map[string]int
	status  map[string]int
	bodies  map[string][]byte
	gate    chan struct{}
	offline atomic.Bool
	empty   atomic.Bool
	total   atomic.Int64
}

func newOrigin() *origin {
	return &origin{
		calls:  make(map[string]int),
		status: make(map[string]int),
		bodies: make(map[string][]byte),
	}
}

func (o *origin) Fetch(ctx context.Context, url string) (*models.Payload, error) {
	o.total.Add(1)
	o.mu.Lock()
	o.calls[url]++
	n := o.calls[url]
	status, ok := o.status[url]
	body := o.bodies[url]
	gate := o.gate
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.offline.Load() {
		return nil, &models.NetworkError{URL: url, Err: errors.New("offline"), Retryable: true}
	}
	if o.empty.Load() {
		return nil, nil
	}
	if !ok {
		status = 200
	}
	if body == nil {
		body = []byte(fmt.Sprintf("%s#%d", url, n))
	}
	return &models.Payload{Status: status, ContentType: "text/plain", Body: body}, nil
}

func (o *origin) count(url string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[url]
}

func (o *origin) hold() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = make(chan struct{})
	return o.gate
}

type harness struct {
	engine *Engine
	origin *origin
	clock  *fakeClock
	vol    *volatile.Tier
	per    *persistent.Tier
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	volatileBudget int64
	noPersistent   bool
	bus            broadcast.Bus
	origin         *origin
	clock          *fakeClock
	maxPayload     int64
}

func withVolatileBudget(n int64) harnessOption {
	return func(c *harnessConfig) { c.volatileBudget = n }
}

func withBus(bus broadcast.Bus, o *origin, clk *fakeClock) harnessOption {
	return func(c *harnessConfig) {
		c.bus = bus
		c.origin = o
		c.clock = clk
	}
}

func withSyncMaxPayload(n int64) harnessOption {
	return func(c *harnessConfig) { c.maxPayload = n }
}

func withoutPersistent() harnessOption {
	return func(c *harnessConfig) { c.noPersistent = true }
}

var instances atomic.Int64

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{volatileBudget: 1 << 20}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = &fakeClock{t: time.Unix(1_700_000_000, 0)}
	}
	if cfg.origin == nil {
		cfg.origin = newOrigin()
	}
	ctx := context.Background()

	vol, err := volatile.New(cfg.volatileBudget, cfg.clock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Close() })
	tiers := []tier.Tier{vol}

	var per *persistent.Tier
	if !cfg.noPersistent {
		per, err = persistent.Open(ctx, persistent.Options{
			Path:   filepath.Join(t.TempDir(), "cache.db"),
			Budget: 8 << 20,
			Clock:  cfg.clock,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = per.Close() })
		tiers = append(tiers, per)
	}

	registry, err := strategy.NewRegistry(strategy.DefaultRules(), nil)
	require.NoError(t, err)

	e, err := New(ctx, Options{
		Tiers:          tier.NewSet(tiers...),
		Registry:       registry,
		Fetcher:        cfg.origin,
		Clock:          cfg.clock,
		NetworkTimeout: time.Second,
		Bus:            cfg.bus,
		Origin:         fmt.Sprintf("instance-%d", instances.Add(1)),
		SyncMaxPayload: cfg.maxPayload,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &harness{engine: e, origin: cfg.origin, clock: cfg.clock, vol: vol, per: per}
}

func (h *harness) residency(t *testing.T, raw string) []tier.Name {
	t.Helper()
	names, err := h.engine.Residency(context.Background(), raw)
	require.NoError(t, err)
	return names
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)

	registry, err := strategy.NewRegistry(strategy.DefaultRules(), nil)
	require.NoError(t, err)
	_, err = New(context.Background(), Options{
		Tiers:    tier.NewSet(),
		Registry: registry,
		Fetcher:  newOrigin(),
		Bus:      broadcast.NewMemoryBus(nil),
	})
	assert.Error(t, err, "a bus without an origin id is rejected")
}

func TestSetThenGet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.engine.Set(ctx, "/page", models.Payload{Status: 200, Body: []byte("hello")}, SetOptions{})
	require.NoError(t, err)

	got, err := h.engine.Get(ctx, "/page", GetOptions{Strategy: strategy.CacheFirst})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Body)
	assert.Zero(t, h.origin.count("/page"))

	// The returned payload is a private copy.
	got.Body[0] = 'X'
	again, err := h.engine.Get(ctx, "/page", GetOptions{Strategy: strategy.CacheOnly})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), again.Body)
}

func TestCacheFirstFetchesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.engine.Get(ctx, "/assets/logo.png", GetOptions{})
	require.NoError(t, err)
	second, err := h.engine.Get(ctx, "/assets/logo.png", GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, h.origin.count("/assets/logo.png"))
	assert.Equal(t, []tier.Name{tier.Volatile, tier.Persistent}, h.residency(t, "/assets/logo.png"))

	for _, p := range []tier.Peeker{h.vol, h.per} {
		meta, held, err := p.Peek(ctx, "/assets/logo.png")
		require.NoError(t, err)
		require.True(t, held)
		assert.True(t, meta.StoredAt.Equal(h.clock.Now()))
		assert.Equal(t, 7*24*time.Hour, meta.ExpiresAt.Sub(meta.StoredAt))
	}
}

func TestExpiredEntryIsRefetched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.engine.Set(ctx, "/assets/site.css", models.Payload{Status: 200, Body: []byte("old")}, SetOptions{TTL: time.Minute})
	require.NoError(t, err)
	h.clock.add(2 * time.Minute)
	assert.Empty(t, h.residency(t, "/assets/site.css"))

	got, err := h.engine.Get(ctx, "/assets/site.css", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/assets/site.css#1", string(got.Body))
	assert.Equal(t, 1, h.origin.count("/assets/site.css"))
}

func TestNetworkFirstFallsBackOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	online, err := h.engine.Get(ctx, "/api/leads", GetOptions{})
	require.NoError(t, err)

	h.clock.add(4 * time.Minute)
	h.origin.offline.Store(true)
	offline, err := h.engine.Get(ctx, "/api/leads", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, online.Body, offline.Body)
	assert.Equal(t, 2, h.origin.count("/api/leads"))

	_, err = h.engine.Get(ctx, "/api/other", GetOptions{})
	var netErr *models.NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestNetworkFirstCopyExpiresAfterFiveMinutes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Get(ctx, "/api/leads", GetOptions{})
	require.NoError(t, err)

	h.clock.add(6 * time.Minute)
	h.origin.offline.Store(true)
	_, err = h.engine.Get(ctx, "/api/leads", GetOptions{})
	var netErr *models.NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestNetworkFirstPrefersFreshResponse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Get(ctx, "/api/leads", GetOptions{})
	require.NoError(t, err)
	got, err := h.engine.Get(ctx, "/api/leads", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/api/leads#2", string(got.Body))
}

func TestCacheOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Get(ctx, "/offline", GetOptions{})
	assert.ErrorIs(t, err, models.ErrNotAvailable)
	assert.Zero(t, h.origin.count("/offline"))

	require.NoError(t, h.engine.Set(ctx, "/offline", models.Payload{Status: 200, Body: []byte("fallback")}, SetOptions{}))
	got, err := h.engine.Get(ctx, "/offline", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("fallback"), got.Body)
	assert.Equal(t, []tier.Name{tier.Volatile, tier.Persistent}, h.residency(t, "/offline"))
}

func TestNetworkOnlyNeverStores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for range 2 {
		_, err := h.engine.Get(ctx, "/api/auth/session", GetOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.origin.count("/api/auth/session"))
	assert.Empty(t, h.residency(t, "/api/auth/session"))
}

func TestSetIgnoresClassification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.engine.Set(ctx, "/api/auth/session", models.Payload{Status: 200, Body: []byte("token")}, SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []tier.Name{tier.Volatile, tier.Persistent}, h.residency(t, "/api/auth/session"))

	got, err := h.engine.Get(ctx, "/api/auth/session", GetOptions{Strategy: strategy.CacheOnly})
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), got.Body)

	meta, held, err := h.vol.Peek(ctx, "/api/auth/session")
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, strategy.DefaultTTLs[strategy.Default], meta.ExpiresAt.Sub(meta.StoredAt))

	err = h.engine.Set(ctx, "/assets/a.png", models.Payload{Status: 200}, SetOptions{Tiers: []tier.Name{tier.Shared}})
	assert.ErrorIs(t, err, models.ErrTierUnavailable)
}

func TestEmptyFetcherResponseIsNetworkError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.origin.empty.Store(true)

	var netErr *models.NetworkError
	_, err := h.engine.Get(ctx, "/assets/a.png", GetOptions{})
	assert.ErrorAs(t, err, &netErr)
	_, err = h.engine.Get(ctx, "/api/auth/session", GetOptions{})
	assert.ErrorAs(t, err, &netErr)
	assert.Empty(t, h.residency(t, "/assets/a.png"))
}

func TestNonSuccessIsNotStored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.origin.status["/missing.png"] = 404

	got, err := h.engine.Get(ctx, "/missing.png", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 404, got.Status)
	assert.Empty(t, h.residency(t, "/missing.png"))

	_, err = h.engine.Get(ctx, "/missing.png", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.origin.count("/missing.png"))
}

func TestHitIsPromotedToFasterTiers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.engine.Set(ctx, "/assets/a.png", models.Payload{Status: 200, Body: []byte("a")},
		SetOptions{Tiers: []tier.Name{tier.Persistent}})
	require.NoError(t, err)
	assert.Equal(t, []tier.Name{tier.Persistent}, h.residency(t, "/assets/a.png"))

	_, err = h.engine.Get(ctx, "/assets/a.png", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []tier.Name{tier.Volatile, tier.Persistent}, h.residency(t, "/assets/a.png"))

	snap := h.engine.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.TierHits[tier.Persistent])
}

func TestEntryLargerThanTierGoesElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withVolatileBudget(2048))
	h.origin.bodies["/assets/big.png"] = []byte(strings.Repeat("x", 4096))

	got, err := h.engine.Get(ctx, "/assets/big.png", GetOptions{})
	require.NoError(t, err)
	assert.Len(t, got.Body, 4096)
	assert.Equal(t, []tier.Name{tier.Persistent}, h.residency(t, "/assets/big.png"))

	used, err := h.vol.SizeBytes(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, used, h.vol.Budget())
}

func TestVolatileEvictsToMakeRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withVolatileBudget(4096), withoutPersistent())

	for i := range 8 {
		h.origin.bodies[fmt.Sprintf("/assets/%d.png", i)] = []byte(strings.Repeat("y", 1000))
	}
	for i := range 8 {
		_, err := h.engine.Get(ctx, fmt.Sprintf("/assets/%d.png", i), GetOptions{})
		require.NoError(t, err)
		h.clock.add(time.Second)

		used, err := h.vol.SizeBytes(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, used, int64(4096))
	}
	assert.Equal(t, []tier.Name{tier.Volatile}, h.residency(t, "/assets/7.png"))
	assert.Empty(t, h.residency(t, "/assets/0.png"))
	assert.NotZero(t, h.engine.Stats().Snapshot().EvictionCount)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gate := h.origin.hold()

	const callers = 8
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.engine.Get(ctx, "/assets/shared.js", GetOptions{})
			errs[i] = err
			if p != nil {
				bodies[i] = string(p.Body)
			}
		}()
	}

	assert.Eventually(t, func() bool { return h.origin.count("/assets/shared.js") == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "/assets/shared.js#1", bodies[i])
	}
	assert.Equal(t, 1, h.origin.count("/assets/shared.js"))
}

func TestAbandonedCallerStillPopulatesCache(t *testing.T) {
	h := newHarness(t)
	gate := h.origin.hold()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Get(ctx, "/assets/slow.png", GetOptions{})
		done <- err
	}()

	assert.Eventually(t, func() bool { return h.origin.count("/assets/slow.png") == 1 },
		time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(gate)
	assert.Eventually(t, func() bool { return len(h.residency(t, "/assets/slow.png")) > 0 },
		time.Second, 5*time.Millisecond)
}

// startHeldGet issues a cache-first Get for raw that blocks in the origin
// until the returned gate closes.
func startHeldGet(t *testing.T, h *harness, raw string) (chan struct{}, <-chan error) {
	t.Helper()
	gate := h.origin.hold()
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Get(context.Background(), raw, GetOptions{})
		done <- err
	}()
	assert.Eventually(t, func() bool { return h.origin.count(raw) == 1 },
		time.Second, 5*time.Millisecond)
	return gate, done
}

func TestSetDuringFetchWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gate, done := startHeldGet(t, h, "/assets/a.png")

	require.NoError(t, h.engine.Set(ctx, "/assets/a.png", models.Payload{Status: 200, Body: []byte("manual")}, SetOptions{}))
	close(gate)
	require.NoError(t, <-done)

	got, err := h.engine.Get(ctx, "/assets/a.png", GetOptions{Strategy: strategy.CacheOnly})
	require.NoError(t, err)
	assert.Equal(t, []byte("manual"), got.Body)
}

func TestInvalidateDuringFetchWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gate, done := startHeldGet(t, h, "/assets/a.png")

	require.NoError(t, h.engine.Invalidate(ctx, "/assets/a.png"))
	close(gate)
	require.NoError(t, <-done)

	assert.Empty(t, h.residency(t, "/assets/a.png"))
	_, err := h.engine.Get(ctx, "/assets/a.png", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []tier.Name{tier.Volatile, tier.Persistent}, h.residency(t, "/assets/a.png"))
}

func TestInvalidateDuringRevalidationWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Set(ctx, "/dashboard", models.Payload{Status: 200, Body: []byte("cached")}, SetOptions{}))

	gate := h.origin.hold()
	_, err := h.engine.Get(ctx, "/dashboard", GetOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.origin.count("/dashboard") == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Invalidate(ctx, "/dashboard"))
	close(gate)
	assert.Eventually(t, func() bool { return h.engine.Stats().Snapshot().Fetches == 1 },
		time.Second, 5*time.Millisecond)
	// Close waits for the revalidation to finish.
	require.NoError(t, h.engine.Close())
	for _, p := range []tier.Peeker{h.vol, h.per} {
		_, held, err := p.Peek(ctx, "/dashboard")
		require.NoError(t, err)
		assert.False(t, held)
	}
}

func TestStaleWhileRevalidateRefreshesInBackground(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.Set(ctx, "/dashboard", models.Payload{Status: 200, Body: []byte("cached")}, SetOptions{}))

	got, err := h.engine.Get(ctx, "/dashboard", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), got.Body)

	assert.Eventually(t, func() bool {
		p, err := h.engine.Get(ctx, "/dashboard", GetOptions{Strategy: strategy.CacheOnly})
		return err == nil && string(p.Body) == "/dashboard#1"
	}, time.Second, 5*time.Millisecond)
}

func TestStaleWhileRevalidateMissFetchesInline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	got, err := h.engine.Get(ctx, "/dashboard", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/dashboard#1", string(got.Body))
}

func TestGetRejectsUnknownStrategy(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Get(context.Background(), "/a", GetOptions{Strategy: "bogus"})
	assert.Error(t, err)
}

func TestCanonicalKeysShareEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Get(ctx, "/assets/app.js?v=2&_=123", GetOptions{})
	require.NoError(t, err)
	_, err = h.engine.Get(ctx, "/assets/app.js?v=2&utm_source=mail", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.origin.total.Load())
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Get(ctx, "/assets/a.png", GetOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Invalidate(ctx, "/assets/a.png"))
	assert.Empty(t, h.residency(t, "/assets/a.png"))
	assert.Zero(t, h.engine.Stats().Key("/assets/a.png").Hits)
}

func TestInvalidatePattern(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, u := range []string{"/assets/b.png", "/assets/a.png", "/api/items"} {
		require.NoError(t, h.engine.Set(ctx, u, models.Payload{Status: 200, Body: []byte(u)}, SetOptions{}))
	}
	matched, err := h.engine.InvalidatePattern(ctx, regexp.MustCompile(`^/assets/`))
	require.NoError(t, err)
	assert.Equal(t, []string{"/assets/a.png", "/assets/b.png"}, matched)
	assert.Empty(t, h.residency(t, "/assets/a.png"))
	assert.NotEmpty(t, h.residency(t, "/api/items"))

	_, err = h.engine.InvalidatePattern(ctx, nil)
	assert.Error(t, err)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.Set(ctx, "/assets/a.png", models.Payload{Status: 200, Body: []byte("a")}, SetOptions{}))
	require.NoError(t, h.engine.Clear(ctx, tier.Volatile))
	assert.Equal(t, []tier.Name{tier.Persistent}, h.residency(t, "/assets/a.png"))

	require.NoError(t, h.engine.Clear(ctx))
	assert.Empty(t, h.residency(t, "/assets/a.png"))

	assert.Error(t, h.engine.Clear(ctx, tier.Shared))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Get(ctx, "/assets/a.png", GetOptions{})
	require.NoError(t, err)
	_, err = h.engine.Get(ctx, "/assets/a.png", GetOptions{})
	require.NoError(t, err)

	m := h.engine.Metrics(ctx)
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.Equal(t, int64(1), m.Fetches)
	assert.Equal(t, []tier.Name{tier.Volatile, tier.Persistent}, m.AvailableTiers)
	assert.Positive(t, m.BytesUsedPerTier[tier.Volatile])
	assert.Equal(t, int64(1<<20), m.BudgetPerTier[tier.Volatile])
}

func TestWarmup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	urls := []string{"/assets/a.png", "/offline", "/api/auth/token", "/assets/b.css"}
	require.NoError(t, h.engine.Warmup(ctx, urls))
	assert.Equal(t, 1, h.origin.count("/assets/a.png"))
	assert.Equal(t, 1, h.origin.count("/offline"))
	assert.Equal(t, 1, h.origin.count("/assets/b.css"))
	assert.Zero(t, h.origin.count("/api/auth/token"))

	require.NoError(t, h.engine.Warmup(ctx, urls))
	assert.Equal(t, int64(3), h.origin.total.Load())

	got, err := h.engine.Get(ctx, "/offline", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/offline#1", string(got.Body))
}

func TestWarmupReportsFailures(t *testing.T) {
	h := newHarness(t)
	h.origin.offline.Store(true)

	err := h.engine.Warmup(context.Background(), []string{"/assets/a.png"})
	var netErr *models.NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestClosedEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.engine.Close())
	require.NoError(t, h.engine.Close())

	_, err := h.engine.Get(ctx, "/a", GetOptions{})
	assert.ErrorIs(t, err, models.ErrClosed)
	assert.ErrorIs(t, h.engine.Set(ctx, "/a", models.Payload{}, SetOptions{}), models.ErrClosed)
	assert.ErrorIs(t, h.engine.Invalidate(ctx, "/a"), models.ErrClosed)
	_, err = h.engine.Residency(ctx, "/a")
	assert.ErrorIs(t, err, models.ErrClosed)
	assert.ErrorIs(t, h.engine.Warmup(ctx, nil), models.ErrClosed)
}

func TestSyncAcrossInstances(t *testing.T) {
	ctx := context.Background()
	bus := broadcast.NewMemoryBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	o := newOrigin()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}

	a := newHarness(t, withBus(bus, o, clk), withoutPersistent())
	b := newHarness(t, withBus(bus, o, clk), withoutPersistent())

	_, err := a.engine.Get(ctx, "/assets/logo.png", GetOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(b.residency(t, "/assets/logo.png")) == 1
	}, time.Second, 5*time.Millisecond)

	got, err := b.engine.Get(ctx, "/assets/logo.png", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/assets/logo.png#1", string(got.Body))
	assert.Equal(t, 1, o.count("/assets/logo.png"))

	require.NoError(t, a.engine.Invalidate(ctx, "/assets/logo.png"))
	assert.Eventually(t, func() bool {
		return len(b.residency(t, "/assets/logo.png")) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.engine.Set(ctx, "/assets/x.png", models.Payload{Status: 200, Body: []byte("x")}, SetOptions{}))
	assert.Eventually(t, func() bool {
		return len(b.residency(t, "/assets/x.png")) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, a.engine.Clear(ctx))
	assert.Eventually(t, func() bool {
		return len(b.residency(t, "/assets/x.png")) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Positive(t, a.engine.Stats().Snapshot().SyncSent)
	assert.Positive(t, b.engine.Stats().Snapshot().SyncApplied)
}

func TestLargeSyncPayloadDropsOlderCopies(t *testing.T) {
	ctx := context.Background()
	bus := broadcast.NewMemoryBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	o := newOrigin()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}

	a := newHarness(t, withBus(bus, o, clk), withoutPersistent(), withSyncMaxPayload(256))
	b := newHarness(t, withBus(bus, o, clk), withoutPersistent(), withSyncMaxPayload(256))

	require.NoError(t, b.engine.Set(ctx, "/assets/hero.jpg", models.Payload{Status: 200, Body: []byte("small")}, SetOptions{}))
	clk.add(time.Second)

	big := models.Payload{Status: 200, Body: []byte(strings.Repeat("z", 1024))}
	require.NoError(t, a.engine.Set(ctx, "/assets/hero.jpg", big, SetOptions{}))

	assert.Eventually(t, func() bool {
		return len(b.residency(t, "/assets/hero.jpg")) == 0
	}, time.Second, 5*time.Millisecond)

	got, err := a.engine.Get(ctx, "/assets/hero.jpg", GetOptions{})
	require.NoError(t, err)
	assert.Len(t, got.Body, 1024)
}

func TestSyncIgnoresOlderEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.Set(ctx, "/assets/a.png", models.Payload{Status: 200, Body: []byte("new")}, SetOptions{}))
	stale := models.NewEntry("/assets/a.png", models.Payload{Status: 200, Body: []byte("old")},
		h.clock.Now().Add(-time.Minute), time.Hour, 3)

	err := h.engine.applyStore(ctx, broadcast.Message{
		Kind:     broadcast.KindStore,
		Origin:   "elsewhere",
		Key:      stale.Key,
		StoredAt: stale.StoredAt,
		Tier:     tier.Volatile,
		Entry:    stale,
	})
	require.NoError(t, err)

	got, err := h.engine.Get(ctx, "/assets/a.png", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Body)
}
