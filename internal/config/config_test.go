package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/tiercache/internal/retrier"
	"goflare.io/tiercache/internal/strategy"
	"goflare.io/tiercache/internal/tier"
	"goflare.io/tiercache/pkg/serialization"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(64<<20), cfg.Tiers.MaxBytes(tier.Volatile))
	assert.Equal(t, 3*time.Second, cfg.Strategy.NetworkTimeout)
	assert.Equal(t, serialization.JSONType, cfg.Serialization.Type)
	assert.False(t, cfg.Sync.Enabled)
	assert.False(t, cfg.Quota.Adaptive)
	assert.Empty(t, cfg.PersistentPath)
	assert.NotNil(t, cfg.Logger)
}

func TestNewConfig_Options(t *testing.T) {
	cfg, err := NewConfig(
		WithTierMaxBytes(tier.Shared, 1024),
		WithStrategyTTL(strategy.NetworkFirst, time.Minute),
		WithSync(true, "custom"),
		WithAdaptiveQuota(1<<30),
		WithSerialization(serialization.GobType),
		WithResizeHysteresis(time.Minute, 30*time.Second, 0.25),
	)
	require.NoError(t, err)

	assert.Equal(t, int64(1024), cfg.Tiers.SharedMaxBytes)
	assert.Equal(t, time.Minute, cfg.Strategy.TTLs[strategy.NetworkFirst])
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, "custom", cfg.Sync.Channel)
	assert.True(t, cfg.Quota.Adaptive)
	assert.Equal(t, int64(1<<30), cfg.Quota.Ceiling)
	assert.Equal(t, serialization.GobType, cfg.Serialization.Codec().Type)
	assert.Equal(t, 0.25, cfg.Quota.ResizeThreshold)
}

func TestNewConfig_Rejects(t *testing.T) {
	cases := map[string]Option{
		"zero max bytes":  WithTierMaxBytes(tier.Volatile, 0),
		"agent budget":    WithTierMaxBytes(tier.Agent, 10),
		"zero ttl":        WithStrategyTTL(strategy.CacheFirst, 0),
		"unknown name":    WithStrategyTTL("cache-maybe", time.Second),
		"bad threshold":   WithResizeHysteresis(time.Minute, time.Minute, 1),
		"bad codec":       WithSerialization("xml"),
		"bad bloom rate":  WithBloomFilter(10, 0),
		"bad retry":       WithRetry(RetryConfig{MaxAttempts: 0}),
		"negative sync":   WithSyncMaxPayload(-1),
		"empty namespace": WithSharedNamespace(""),
	}
	for name, opt := range cases {
		_, err := NewConfig(opt)
		assert.Error(t, err, name)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TIERCACHE_ORIGIN", "http://origin.local")
	t.Setenv("TIERCACHE_VOLATILE_MAX_BYTES", "2048")
	t.Setenv("TIERCACHE_SYNC", "true")
	t.Setenv("TIERCACHE_STRATEGY_TTLS", "network-first=2m,cache-first=1h")
	t.Setenv("TIERCACHE_DROP_PARAMS", "session,utm_*")
	t.Setenv("TIERCACHE_RETRY_BACKOFF", "fibonacci")

	e, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", e.Addr)
	assert.Equal(t, "http://origin.local", e.Origin)

	opts, err := e.Options()
	require.NoError(t, err)
	cfg, err := NewConfig(opts...)
	require.NoError(t, err)

	assert.Equal(t, int64(2048), cfg.Tiers.VolatileMaxBytes)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Strategy.TTLs[strategy.NetworkFirst])
	assert.Equal(t, time.Hour, cfg.Strategy.TTLs[strategy.CacheFirst])
	assert.Equal(t, []string{"session", "utm_*"}, cfg.Strategy.DropParams)
	assert.Equal(t, retrier.FibonacciBackoff, cfg.Resilience.Retry.Backoff)
	assert.Equal(t, int64(512<<10), cfg.Sync.MaxPayload)
}

func TestEnvOptions_UnknownStrategy(t *testing.T) {
	_, err := Env{TTLs: map[string]time.Duration{"sometimes": time.Second}}.Options()
	assert.Error(t, err)
}
