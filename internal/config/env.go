package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"goflare.io/tiercache/internal/retrier"
	"goflare.io/tiercache/internal/strategy"
	"goflare.io/tiercache/internal/tier"
)

// Env 從環境變數讀取的設定
type Env struct {
	Addr          string `env:"TIERCACHE_ADDR"           envDefault:":8080"`
	Origin        string `env:"TIERCACHE_ORIGIN"`
	LogLevel      string `env:"TIERCACHE_LOG_LEVEL"      envDefault:"info"`
	RedisAddr     string `env:"TIERCACHE_REDIS_ADDR"`
	RedisPassword string `env:"TIERCACHE_REDIS_PASSWORD"`
	RedisDB       int    `env:"TIERCACHE_REDIS_DB"       envDefault:"0"`

	PersistentPath     string `env:"TIERCACHE_PERSISTENT_PATH"`
	VolatileMaxBytes   int64  `env:"TIERCACHE_VOLATILE_MAX_BYTES"`
	PersistentMaxBytes int64  `env:"TIERCACHE_PERSISTENT_MAX_BYTES"`
	SharedMaxBytes     int64  `env:"TIERCACHE_SHARED_MAX_BYTES"`

	AdaptiveQuota   bool          `env:"TIERCACHE_ADAPTIVE_QUOTA"`
	QuotaCeiling    int64         `env:"TIERCACHE_QUOTA_CEILING"`
	SweepInterval   time.Duration `env:"TIERCACHE_SWEEP_INTERVAL"   envDefault:"10m"`
	NetworkTimeout  time.Duration `env:"TIERCACHE_NETWORK_TIMEOUT"  envDefault:"3s"`
	FetchTimeout    time.Duration `env:"TIERCACHE_FETCH_TIMEOUT"    envDefault:"30s"`
	Serialization   string        `env:"TIERCACHE_SERIALIZATION"    envDefault:"json"`
	SharedNamespace string        `env:"TIERCACHE_SHARED_NAMESPACE"`

	Sync           bool   `env:"TIERCACHE_SYNC"`
	SyncChannel    string `env:"TIERCACHE_SYNC_CHANNEL"`
	SyncMaxPayload int64  `env:"TIERCACHE_SYNC_MAX_PAYLOAD" envDefault:"524288"`

	TTLs       map[string]time.Duration `env:"TIERCACHE_STRATEGY_TTLS"   envSeparator:"," envKeyValSeparator:"="`
	DropParams []string                 `env:"TIERCACHE_DROP_PARAMS"     envSeparator:","`
	Backoff    string                   `env:"TIERCACHE_RETRY_BACKOFF"   envDefault:"exponential"`
	Retries    int                      `env:"TIERCACHE_RETRY_ATTEMPTS"  envDefault:"3"`
}

// FromEnv 解析 TIERCACHE_* 環境變數
func FromEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Options 將環境設定轉為 Option，未設定的欄位保留預設值
func (e Env) Options() ([]Option, error) {
	opts := []Option{
		WithPersistentPath(e.PersistentPath),
		WithSync(e.Sync, e.SyncChannel),
		WithSyncMaxPayload(e.SyncMaxPayload),
		WithSweepInterval(e.SweepInterval),
		WithNetworkTimeout(e.NetworkTimeout),
		WithFetchTimeout(e.FetchTimeout),
		WithSerialization(e.Serialization),
	}
	for name, size := range map[tier.Name]int64{
		tier.Volatile:   e.VolatileMaxBytes,
		tier.Persistent: e.PersistentMaxBytes,
		tier.Shared:     e.SharedMaxBytes,
	} {
		if size > 0 {
			opts = append(opts, WithTierMaxBytes(name, size))
		}
	}
	if e.AdaptiveQuota {
		opts = append(opts, WithAdaptiveQuota(e.QuotaCeiling))
	}
	if e.SharedNamespace != "" {
		opts = append(opts, WithSharedNamespace(e.SharedNamespace))
	}
	if len(e.DropParams) > 0 {
		opts = append(opts, WithDropParams(e.DropParams...))
	}
	for name, ttl := range e.TTLs {
		n, err := strategy.ParseName(name)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStrategyTTL(n, ttl))
	}

	backoff, err := retrier.ParseStrategy(e.Backoff)
	if err != nil {
		return nil, err
	}
	opts = append(opts, func(c *Config) error {
		c.Resilience.Retry.Backoff = backoff
		if e.Retries > 0 {
			c.Resilience.Retry.MaxAttempts = e.Retries
		}
		return nil
	})
	return opts, nil
}
