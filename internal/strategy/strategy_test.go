package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/tier"
)

func TestClassify_DefaultRules(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(DefaultRules(), nil)
	require.NoError(t, err)

	cases := map[string]Name{
		"/assets/logo.png":                  CacheFirst,
		"https://cdn.example.com/app.JS":    CacheFirst,
		"/fonts/inter.woff2?v=2":            CacheFirst,
		"/api/leads":                        NetworkFirst,
		"/api/leads/logo.png":               CacheFirst,
		"/api/auth/login":                   NetworkOnly,
		"/api/chat/stream.js":               NetworkOnly,
		"/api/stream":                       NetworkOnly,
		"/offline":                          CacheOnly,
		"/offline/index.html":               CacheOnly,
		"/offline-mode":                     StaleWhileRevalidate,
		"/manifest.json":                    CacheOnly,
		"/config/critical":                  CacheOnly,
		"/dashboard":                        StaleWhileRevalidate,
		"https://example.com":               StaleWhileRevalidate,
		"https://example.com/api/v2/things": NetworkFirst,
	}
	for raw, want := range cases {
		got := r.Classify(models.Key(raw))
		assert.Equal(t, want, got.Name, raw)
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(DefaultRules(), nil)
	require.NoError(t, err)

	first := r.Classify("/api/leads?page=1")
	for range 100 {
		assert.Equal(t, first, r.Classify("/api/leads?page=1"))
	}
}

func TestClassify_CustomRules(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(Rules{
		NetworkOnlyPrefixes: []string{"/live"},
		StaticSuffixes:      []string{".bin"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, NetworkOnly, r.Classify("/live/feed").Name)
	assert.Equal(t, CacheFirst, r.Classify("/blob/x.bin").Name)
	assert.Equal(t, StaleWhileRevalidate, r.Classify("/api/leads").Name)
}

func TestRegistry_Defaults(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(DefaultRules(), nil)
	require.NoError(t, err)

	cf, ok := r.Get(CacheFirst)
	require.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, cf.TTL)
	assert.Equal(t, []tier.Name{tier.Volatile, tier.Persistent, tier.Shared}, cf.Tiers)

	nf, _ := r.Get(NetworkFirst)
	assert.Equal(t, 5*time.Minute, nf.TTL)
	assert.Equal(t, []tier.Name{tier.Volatile, tier.Persistent}, nf.Tiers)

	co, _ := r.Get(CacheOnly)
	assert.Equal(t, 30*24*time.Hour, co.TTL)
	assert.NotContains(t, co.Tiers, tier.Volatile)

	no, _ := r.Get(NetworkOnly)
	assert.False(t, no.UsesCache())
}

func TestRegistry_TTLOverrides(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(DefaultRules(), map[Name]time.Duration{NetworkFirst: time.Minute})
	require.NoError(t, err)
	nf, _ := r.Get(NetworkFirst)
	assert.Equal(t, time.Minute, nf.TTL)

	_, err = NewRegistry(DefaultRules(), map[Name]time.Duration{CacheFirst: 0})
	assert.Error(t, err)
}

func TestParseName(t *testing.T) {
	t.Parallel()

	n, err := ParseName("cache-only")
	require.NoError(t, err)
	assert.Equal(t, CacheOnly, n)

	_, err = ParseName("cache-sometimes")
	assert.Error(t, err)
}
