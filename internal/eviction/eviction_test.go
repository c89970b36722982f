package eviction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/stats"
	"goflare.io/tiercache/internal/tier"
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

// memTier is a map-backed tier with exact byte accounting.
type memTier struct {
	name      tier.Name
	mu        sync.Mutex
	entries   map[models.Key]*models.Entry
	budget    int64
	used      int64
	compacted int
}

func newMemTier(name tier.Name, budget int64) *memTier {
	return &memTier{name: name, entries: map[models.Key]*models.Entry{}, budget: budget}
}

func (m *memTier) Name() tier.Name { return m.name }
func (m *memTier) Available() bool { return true }

func (m *memTier) Get(_ context.Context, key models.Key) (*models.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *memTier) Set(_ context.Context, e *models.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var old int64
	if prev, ok := m.entries[e.Key]; ok {
		old = prev.SizeBytes
	}
	if m.used-old+e.SizeBytes > m.budget {
		return fmt.Errorf("mem: %w", models.ErrCapacity)
	}
	m.entries[e.Key] = e
	m.used += e.SizeBytes - old
	return nil
}

func (m *memTier) Delete(_ context.Context, key models.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		m.used -= e.SizeBytes
		delete(m.entries, key)
	}
	return nil
}

func (m *memTier) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[models.Key]*models.Entry{}
	m.used = 0
	return nil
}

func (m *memTier) Keys(context.Context) ([]models.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]models.Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (m *memTier) SizeBytes(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used, nil
}

func (m *memTier) Budget() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

func (m *memTier) SetBudget(b int64) {
	m.mu.Lock()
	m.budget = b
	m.mu.Unlock()
}

func (m *memTier) Scan(context.Context) ([]models.Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Meta, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Meta())
	}
	return out, nil
}

func (m *memTier) Compact(context.Context) error {
	m.mu.Lock()
	m.compacted++
	m.mu.Unlock()
	return nil
}

func (m *memTier) has(key models.Key) bool {
	_, ok, _ := m.Get(context.Background(), key)
	return ok
}

// sized builds an entry of exactly size bytes.
func sized(clk *fakeClock, key string, size int64, ttl time.Duration, priority int) *models.Entry {
	e := models.NewEntry(models.Key(key), models.Payload{Body: []byte("x")}, clk.Now(), ttl, priority)
	e.SizeBytes = size
	return e
}

func newManager(t *testing.T, clk *fakeClock, opts Options, tiers ...tier.Tier) (*Manager, *stats.Collector) {
	t.Helper()
	col := stats.NewCollector(clk, nil, 0)
	opts.Tiers = tier.NewSet(tiers...)
	opts.Stats = col
	opts.Clock = clk
	m, err := New(opts)
	require.NoError(t, err)
	return m, col
}

func TestStore_FitsWithoutEviction(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	mt := newMemTier(tier.Volatile, 1000)
	m, col := newManager(t, clk, Options{}, mt)

	require.NoError(t, m.Store(context.Background(), mt, sized(clk, "/a", 400, time.Hour, 1)))
	assert.True(t, mt.has("/a"))
	assert.Zero(t, col.Snapshot().EvictionCount)
}

func TestStore_EvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	mt := newMemTier(tier.Volatile, 1000)
	m, col := newManager(t, clk, Options{}, mt)

	require.NoError(t, m.Store(ctx, mt, sized(clk, "/a", 400, time.Hour, 1)))
	clk.add(time.Second)
	require.NoError(t, m.Store(ctx, mt, sized(clk, "/b", 400, time.Hour, 1)))
	clk.add(time.Second)
	require.NoError(t, m.Store(ctx, mt, sized(clk, "/c", 400, time.Hour, 1)))

	assert.False(t, mt.has("/a"))
	assert.True(t, mt.has("/b"))
	assert.True(t, mt.has("/c"))
	assert.Equal(t, int64(1), col.Snapshot().EvictionCount)
}

func TestStore_ExpiredGoFirst(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	mt := newMemTier(tier.Volatile, 1000)
	m, _ := newManager(t, clk, Options{}, mt)

	require.NoError(t, m.Store(ctx, mt, sized(clk, "/old", 400, time.Hour, 1)))
	clk.add(time.Second)
	require.NoError(t, m.Store(ctx, mt, sized(clk, "/short", 400, time.Second, 1)))
	clk.add(time.Minute)

	require.NoError(t, m.Store(ctx, mt, sized(clk, "/new", 400, time.Hour, 1)))
	assert.True(t, mt.has("/old"))
	assert.False(t, mt.has("/short"))
}

func TestStore_LowerPriorityBreaksTies(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	mt := newMemTier(tier.Volatile, 1000)
	m, _ := newManager(t, clk, Options{}, mt)

	require.NoError(t, m.Store(ctx, mt, sized(clk, "/important", 400, time.Hour, 5)))
	require.NoError(t, m.Store(ctx, mt, sized(clk, "/cheap", 400, time.Hour, 1)))
	require.NoError(t, m.Store(ctx, mt, sized(clk, "/new", 400, time.Hour, 1)))

	assert.True(t, mt.has("/important"))
	assert.False(t, mt.has("/cheap"))
}

func TestStore_OversizeFailsImmediately(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	mt := newMemTier(tier.Volatile, 1000)
	m, _ := newManager(t, clk, Options{}, mt)

	require.NoError(t, m.Store(ctx, mt, sized(clk, "/a", 400, time.Hour, 1)))
	err := m.Store(ctx, mt, sized(clk, "/huge", 1001, time.Hour, 1))
	assert.ErrorIs(t, err, models.ErrCapacity)
	assert.True(t, mt.has("/a"))
}

func TestStore_CapacityNeverExceeded(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	mt := newMemTier(tier.Volatile, 1000)
	m, _ := newManager(t, clk, Options{}, mt)

	for i := range 50 {
		clk.add(time.Millisecond)
		require.NoError(t, m.Store(ctx, mt, sized(clk, fmt.Sprintf("/k%d", i), int64(50+i*7%300), time.Hour, i%3)))
		used, _ := mt.SizeBytes(ctx)
		assert.LessOrEqual(t, used, int64(1000))
	}
}

type failingTier struct {
	*memTier
}

func (f failingTier) Set(context.Context, *models.Entry) error {
	return errors.New("disk on fire")
}

func TestStore_OtherErrorsPassThrough(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	ft := failingTier{newMemTier(tier.Persistent, 1000)}
	m, _ := newManager(t, clk, Options{}, ft)

	err := m.Store(context.Background(), ft, sized(clk, "/a", 10, time.Hour, 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrCapacity)
}

func TestSweep_RemovesExpiredAndCompacts(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	vol := newMemTier(tier.Volatile, 1000)
	per := newMemTier(tier.Persistent, 1000)
	m, col := newManager(t, clk, Options{}, vol, per)

	require.NoError(t, vol.Set(ctx, sized(clk, "/a", 10, time.Second, 1)))
	require.NoError(t, vol.Set(ctx, sized(clk, "/b", 10, time.Hour, 1)))
	require.NoError(t, per.Set(ctx, sized(clk, "/a", 10, time.Second, 1)))
	clk.add(time.Minute)

	removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.False(t, vol.has("/a"))
	assert.True(t, vol.has("/b"))
	assert.False(t, per.has("/a"))
	assert.Equal(t, 1, vol.compacted)
	assert.Equal(t, 1, per.compacted)
	assert.Equal(t, int64(2), col.Snapshot().EvictionCount)
}

func TestResize_SplitsCeiling(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	vol := newMemTier(tier.Volatile, 1)
	per := newMemTier(tier.Persistent, 1)
	sh := newMemTier(tier.Shared, 1)
	m, _ := newManager(t, clk, Options{
		Estimator:    FixedEstimator(10_000),
		QuotaCeiling: 1_000_000,
		MaxBytes:     map[tier.Name]int64{tier.Shared: 5_000},
	}, vol, per, sh)

	applied, err := m.Resize(ctx, false)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1_000), vol.Budget())
	assert.Equal(t, int64(3_000), per.Budget())
	assert.Equal(t, int64(5_000), sh.Budget())
}

func TestResize_QuotaCeilingCapsEstimate(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	vol := newMemTier(tier.Volatile, 1)
	m, _ := newManager(t, clk, Options{Estimator: FixedEstimator(1 << 40), QuotaCeiling: 1000}, vol)

	plan, err := m.Plan()
	require.NoError(t, err)
	assert.Equal(t, int64(100), plan[tier.Volatile])
}

func TestResize_ShrinkEvictsFirst(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	vol := newMemTier(tier.Volatile, 1000)
	m, _ := newManager(t, clk, Options{Estimator: FixedEstimator(5_000)}, vol)

	require.NoError(t, vol.Set(ctx, sized(clk, "/a", 300, time.Hour, 1)))
	clk.add(time.Second)
	require.NoError(t, vol.Set(ctx, sized(clk, "/b", 300, time.Hour, 1)))

	_, err := m.Resize(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(500), vol.Budget())
	assert.False(t, vol.has("/a"))
	assert.True(t, vol.has("/b"))
}

func TestResize_Hysteresis(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	vol := newMemTier(tier.Volatile, 1)
	avail := int64(10_000)
	est := EstimatorFunc(func() (int64, error) { return avail, nil })
	m, _ := newManager(t, clk, Options{
		Estimator:         est,
		ResizeMinInterval: time.Minute,
		ResizeThreshold:   0.2,
	}, vol)

	applied, err := m.Resize(ctx, false)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, int64(1_000), vol.Budget())

	// Within the minimum interval nothing happens.
	avail = 20_000
	applied, err = m.Resize(ctx, false)
	require.NoError(t, err)
	assert.False(t, applied)

	// Past the interval, a change below the threshold is ignored.
	clk.add(2 * time.Minute)
	avail = 11_000
	applied, err = m.Resize(ctx, false)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(1_000), vol.Budget())

	avail = 20_000
	applied, err = m.Resize(ctx, false)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(2_000), vol.Budget())

	// Pressure bypasses both checks.
	avail = 10_500
	require.NoError(t, m.NotifyPressure(ctx))
	assert.Equal(t, int64(1_050), vol.Budget())
}

func TestResize_NoCeiling(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	est := EstimatorFunc(func() (int64, error) { return 0, ErrEstimateUnsupported })
	m, _ := newManager(t, clk, Options{Estimator: est}, newMemTier(tier.Volatile, 1))

	_, err := m.Resize(context.Background(), true)
	assert.ErrorIs(t, err, ErrEstimateUnsupported)
}

func TestNewRejectsBadThreshold(t *testing.T) {
	_, err := New(Options{Tiers: tier.NewSet(), ResizeThreshold: 1.5})
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	m, _ := newManager(t, clk, Options{SweepInterval: time.Millisecond}, newMemTier(tier.Volatile, 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDiskEstimator(t *testing.T) {
	d := NewDiskEstimator(t.TempDir())
	avail, err := d.Available()
	if errors.Is(err, ErrEstimateUnsupported) {
		t.Skip("statfs unavailable")
	}
	require.NoError(t, err)
	assert.Positive(t, avail)
}
