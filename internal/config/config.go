package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/retrier"
	"goflare.io/tiercache/internal/strategy"
	"goflare.io/tiercache/internal/tier"
	"goflare.io/tiercache/pkg/serialization"
)

// Config 用於 tiercache 引擎的配置
type Config struct {
	PersistentPath string
	Tiers          TierConfig
	Quota          QuotaConfig
	Strategy       StrategyConfig
	Sync           SyncConfig
	Shared         SharedConfig
	BloomFilter    BloomFilterConfig
	Resilience     ResilienceConfig
	Serialization  SerializationConfig
	Logger         *zap.Logger
}

// TierConfig 各層的最大容量（位元組）
type TierConfig struct {
	VolatileMaxBytes   int64
	PersistentMaxBytes int64
	SharedMaxBytes     int64
}

// MaxBytes 回傳指定層的最大容量
func (t TierConfig) MaxBytes(name tier.Name) int64 {
	switch name {
	case tier.Volatile:
		return t.VolatileMaxBytes
	case tier.Persistent:
		return t.PersistentMaxBytes
	case tier.Shared:
		return t.SharedMaxBytes
	default:
		return 0
	}
}

// QuotaConfig 自適應配額與清理設定
type QuotaConfig struct {
	Adaptive          bool
	Ceiling           int64
	SweepInterval     time.Duration
	ResizeInterval    time.Duration
	ResizeMinInterval time.Duration
	ResizeThreshold   float64
}

// StrategyConfig 策略與 URL 分類設定
type StrategyConfig struct {
	TTLs           map[strategy.Name]time.Duration
	Rules          strategy.Rules
	DropParams     []string
	NetworkTimeout time.Duration
	FetchTimeout   time.Duration
}

// SyncConfig 跨實例同步設定
type SyncConfig struct {
	Enabled    bool
	Channel    string
	MaxPayload int64
}

// SharedConfig 共享層（Redis）設定
type SharedConfig struct {
	Namespace string
}

// BloomFilterConfig 用於布隆過濾器的配置
type BloomFilterConfig struct {
	ExpectedItems     uint
	FalsePositiveRate float64
}

// RetryConfig 重試設定
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
	Backoff     retrier.BackoffStrategy
}

// ResilienceConfig 用於設置重試和熔斷器
type ResilienceConfig struct {
	SharedCircuitBreaker gobreaker.Settings
	OriginCircuitBreaker gobreaker.Settings
	Retry                RetryConfig
}

// SerializationConfig 序列化相關配置
type SerializationConfig struct {
	Type    string
	Encoder func(io.Writer) serialization.Encoder
	Decoder func(io.Reader) serialization.Decoder
}

// Codec 回傳序列化編解碼器
func (s SerializationConfig) Codec() serialization.Codec {
	return serialization.Codec{Type: s.Type, Encoder: s.Encoder, Decoder: s.Decoder}
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrInvalidMaxBytes   = errors.New("tier max bytes must be greater than 0")
	ErrInvalidTTL        = errors.New("ttl must be greater than 0")
	ErrInvalidThreshold  = errors.New("resize threshold must be in [0, 1)")
	ErrInvalidFalseRate  = errors.New("bloom false positive rate must be in (0, 1)")
	ErrInvalidMaxPayload = errors.New("sync max payload must not be negative")
)

// Retrier 依設定建立重試器
func (r RetryConfig) Retrier() (*retrier.Retrier, error) {
	return retrier.NewRetrier(r.MaxAttempts, r.BaseDelay, r.MaxDelay, r.Factor, r.Jitter, r.Backoff, nil)
}

func breakerSettings(name string, trip uint32) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > trip
		},
	}
}

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	cfg := &Config{
		Tiers: TierConfig{
			VolatileMaxBytes:   64 << 20,  // 64MB
			PersistentMaxBytes: 256 << 20, // 256MB
			SharedMaxBytes:     1 << 30,   // 1GB
		},
		Quota: QuotaConfig{
			SweepInterval:     10 * time.Minute,
			ResizeInterval:    5 * time.Minute,
			ResizeMinInterval: time.Minute,
			ResizeThreshold:   0.1,
		},
		Strategy: StrategyConfig{
			TTLs:           map[strategy.Name]time.Duration{},
			Rules:          strategy.DefaultRules(),
			DropParams:     append([]string(nil), models.DefaultVolatileParams...),
			NetworkTimeout: 3 * time.Second,
			FetchTimeout:   30 * time.Second,
		},
		Sync: SyncConfig{
			MaxPayload: 512 << 10, // 512KB
		},
		BloomFilter: BloomFilterConfig{
			ExpectedItems:     10_000,
			FalsePositiveRate: 0.01,
		},
		Resilience: ResilienceConfig{
			SharedCircuitBreaker: breakerSettings("SharedTierCircuitBreaker", 5),
			OriginCircuitBreaker: breakerSettings("OriginCircuitBreaker", 3),
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    400 * time.Millisecond,
				Factor:      2,
				Jitter:      0.1,
				Backoff:     retrier.ExponentialBackoff,
			},
		},
		Serialization: SerializationConfig{
			Type:    serialization.JSONType,
			Encoder: serialization.JSONEncoder,
			Decoder: serialization.JSONDecoder,
		},
		Logger: zap.NewNop(),
	}

	// 應用所有選項
	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	// 最終檢查
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置是否一致
func (c *Config) Validate() error {
	for _, n := range []tier.Name{tier.Volatile, tier.Persistent, tier.Shared} {
		if c.Tiers.MaxBytes(n) <= 0 {
			return fmt.Errorf("%s: %w", n, ErrInvalidMaxBytes)
		}
	}
	for n, ttl := range c.Strategy.TTLs {
		if ttl <= 0 {
			return fmt.Errorf("%s: %w", n, ErrInvalidTTL)
		}
	}
	if c.Strategy.NetworkTimeout <= 0 || c.Strategy.FetchTimeout <= 0 {
		return errors.New("network and fetch timeouts must be greater than 0")
	}
	if c.Quota.ResizeThreshold < 0 || c.Quota.ResizeThreshold >= 1 {
		return ErrInvalidThreshold
	}
	if c.Quota.Ceiling < 0 {
		return errors.New("quota ceiling must not be negative")
	}
	if c.BloomFilter.FalsePositiveRate <= 0 || c.BloomFilter.FalsePositiveRate >= 1 {
		return ErrInvalidFalseRate
	}
	if c.Sync.MaxPayload < 0 {
		return ErrInvalidMaxPayload
	}
	if c.Serialization.Encoder == nil || c.Serialization.Decoder == nil {
		return errors.New("serialization encoder and decoder are required")
	}
	if _, err := c.Resilience.Retry.Retrier(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Option 函數示例

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithPersistentPath 設置 SQLite 檔案路徑，空字串表示停用持久層
func WithPersistentPath(path string) Option {
	return func(c *Config) error {
		c.PersistentPath = path
		return nil
	}
}

// WithTierMaxBytes 設置單一層的最大容量
func WithTierMaxBytes(name tier.Name, size int64) Option {
	return func(c *Config) error {
		if size <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidMaxBytes)
		}
		switch name {
		case tier.Volatile:
			c.Tiers.VolatileMaxBytes = size
		case tier.Persistent:
			c.Tiers.PersistentMaxBytes = size
		case tier.Shared:
			c.Tiers.SharedMaxBytes = size
		default:
			return fmt.Errorf("tier %s has no byte budget", name)
		}
		return nil
	}
}

// WithStrategyTTL 覆蓋策略的預設 TTL
func WithStrategyTTL(name strategy.Name, ttl time.Duration) Option {
	return func(c *Config) error {
		if _, err := strategy.ParseName(string(name)); err != nil {
			return err
		}
		if ttl <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidTTL)
		}
		c.Strategy.TTLs[name] = ttl
		return nil
	}
}

// WithRules 設置 URL 分類規則
func WithRules(rules strategy.Rules) Option {
	return func(c *Config) error {
		c.Strategy.Rules = rules
		return nil
	}
}

// WithDropParams 設置正規化時要移除的查詢參數
func WithDropParams(params ...string) Option {
	return func(c *Config) error {
		c.Strategy.DropParams = append([]string(nil), params...)
		return nil
	}
}

// WithNetworkTimeout 設置 network-first 回退前的等待時間
func WithNetworkTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("network timeout must be greater than 0")
		}
		c.Strategy.NetworkTimeout = d
		return nil
	}
}

// WithFetchTimeout 設置單次網路請求的上限
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("fetch timeout must be greater than 0")
		}
		c.Strategy.FetchTimeout = d
		return nil
	}
}

// WithSync 啟用跨實例同步
func WithSync(enabled bool, channel string) Option {
	return func(c *Config) error {
		c.Sync.Enabled = enabled
		if channel != "" {
			c.Sync.Channel = channel
		}
		return nil
	}
}

// WithSyncMaxPayload 設置同步訊息攜帶內容的上限
func WithSyncMaxPayload(size int64) Option {
	return func(c *Config) error {
		if size < 0 {
			return ErrInvalidMaxPayload
		}
		c.Sync.MaxPayload = size
		return nil
	}
}

// WithAdaptiveQuota 依可用空間自動調整各層容量
func WithAdaptiveQuota(ceiling int64) Option {
	return func(c *Config) error {
		if ceiling < 0 {
			return errors.New("quota ceiling must not be negative")
		}
		c.Quota.Adaptive = true
		c.Quota.Ceiling = ceiling
		return nil
	}
}

// WithSweepInterval 設置過期清理的間隔，0 表示停用
func WithSweepInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return errors.New("sweep interval must not be negative")
		}
		c.Quota.SweepInterval = d
		return nil
	}
}

// WithResizeHysteresis 設置調整容量的最小間隔與變動門檻
func WithResizeHysteresis(interval, minInterval time.Duration, threshold float64) Option {
	return func(c *Config) error {
		if threshold < 0 || threshold >= 1 {
			return ErrInvalidThreshold
		}
		c.Quota.ResizeInterval = interval
		c.Quota.ResizeMinInterval = minInterval
		c.Quota.ResizeThreshold = threshold
		return nil
	}
}

// WithSerialization 設置序列化格式
func WithSerialization(name string) Option {
	return func(c *Config) error {
		codec, err := serialization.ForType(name)
		if err != nil {
			return err
		}
		c.Serialization = SerializationConfig{Type: codec.Type, Encoder: codec.Encoder, Decoder: codec.Decoder}
		return nil
	}
}

// WithBloomFilter 設置布隆過濾器參數
func WithBloomFilter(expectedItems uint, falsePositiveRate float64) Option {
	return func(c *Config) error {
		if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
			return ErrInvalidFalseRate
		}
		c.BloomFilter = BloomFilterConfig{ExpectedItems: expectedItems, FalsePositiveRate: falsePositiveRate}
		return nil
	}
}

// WithRetry 設置重試參數
func WithRetry(retry RetryConfig) Option {
	return func(c *Config) error {
		if _, err := retry.Retrier(); err != nil {
			return err
		}
		c.Resilience.Retry = retry
		return nil
	}
}

// WithSharedNamespace 設置 Redis 鍵前綴
func WithSharedNamespace(ns string) Option {
	return func(c *Config) error {
		if ns == "" {
			return errors.New("shared namespace must not be empty")
		}
		c.Shared.Namespace = ns
		return nil
	}
}
