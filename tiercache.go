// Package tiercache is a tiered resource cache. Every request is classified
// into a retrieval strategy and resolved through a volatile, a persistent and
// a shared tier, with the network as the last resort.
package tiercache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/tiercache/internal/broadcast"
	"goflare.io/tiercache/internal/config"
	"goflare.io/tiercache/internal/engine"
	"goflare.io/tiercache/internal/eviction"
	"goflare.io/tiercache/internal/fetch"
	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/stats"
	"goflare.io/tiercache/internal/stats/prom"
	"goflare.io/tiercache/internal/strategy"
	"goflare.io/tiercache/internal/tier"
	"goflare.io/tiercache/internal/tier/agent"
	"goflare.io/tiercache/internal/tier/persistent"
	"goflare.io/tiercache/internal/tier/shared"
	"goflare.io/tiercache/internal/tier/volatile"
)

type (
	// Payload 快取的回應內容
	Payload = models.Payload
	// Key 正規化後的快取鍵
	Key = models.Key
	// Fetcher 網路來源
	Fetcher = fetch.Fetcher
	// FetcherFunc 將函數轉為 Fetcher
	FetcherFunc = fetch.FetcherFunc
	// Clock 時間來源，測試時可替換
	Clock = models.Clock
	// Entry 快取項目
	Entry = models.Entry
	// KeyStats 單一鍵的存取統計
	KeyStats = stats.KeyStats
	// ScoreHook 計算新項目的淘汰優先級
	ScoreHook = engine.ScoreHook
	// Metrics 快取的即時指標
	Metrics = engine.Metrics
	// Bus 跨實例同步的訊息通道
	Bus = broadcast.Bus
	// TierName 快取層名稱
	TierName = tier.Name
	// StrategyName 策略名稱
	StrategyName = strategy.Name
	// Strategy 策略的完整設定
	Strategy = strategy.Strategy
	// Rules URL 分類規則
	Rules = strategy.Rules
)

const (
	Volatile   = tier.Volatile
	Persistent = tier.Persistent
	Shared     = tier.Shared
	Agent      = tier.Agent
)

const (
	CacheFirst           = strategy.CacheFirst
	NetworkFirst         = strategy.NetworkFirst
	StaleWhileRevalidate = strategy.StaleWhileRevalidate
	CacheOnly            = strategy.CacheOnly
	NetworkOnly          = strategy.NetworkOnly
)

// DefaultScore 預設的優先級計算
var DefaultScore = engine.DefaultScore

// settings 收集 New 的所有選項
type settings struct {
	config      []config.Option
	redis       *redis.Options
	redisClient redis.UniversalClient
	bus         Bus
	clock       Clock
	registerer  prometheus.Registerer
	probe       agent.Probe
	scoreHook   ScoreHook
	tracer      trace.Tracer
}

// Option 定義初始化 Cache 的選項
type Option func(*settings) error

func withConfig(opt config.Option) Option {
	return func(s *settings) error {
		s.config = append(s.config, opt)
		return nil
	}
}

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return withConfig(config.WithLogger(logger))
}

// WithPersistentPath 設置持久層的 SQLite 檔案，未設置時不啟用持久層
func WithPersistentPath(path string) Option {
	return withConfig(config.WithPersistentPath(path))
}

// WithTierMaxBytes 設置單一層的最大容量（字節）
func WithTierMaxBytes(name TierName, size int64) Option {
	return withConfig(config.WithTierMaxBytes(name, size))
}

// WithStrategyTTL 覆蓋策略的預設過期時間
func WithStrategyTTL(name StrategyName, ttl time.Duration) Option {
	return withConfig(config.WithStrategyTTL(name, ttl))
}

// WithRules 設置 URL 分類規則
func WithRules(rules Rules) Option {
	return withConfig(config.WithRules(rules))
}

// WithDropParams 設置正規化時忽略的查詢參數
func WithDropParams(params ...string) Option {
	return withConfig(config.WithDropParams(params...))
}

// WithNetworkTimeout 設置 network-first 回退到快取前的等待時間
func WithNetworkTimeout(d time.Duration) Option {
	return withConfig(config.WithNetworkTimeout(d))
}

// WithSerialization 設置序列化方式
func WithSerialization(serializer string) Option {
	return withConfig(config.WithSerialization(serializer))
}

// WithAdaptiveQuota 依可用磁碟空間調整各層容量，ceiling 為總量上限（0 表示不限）
func WithAdaptiveQuota(ceiling int64) Option {
	return withConfig(config.WithAdaptiveQuota(ceiling))
}

// WithSweepInterval 設置過期清理間隔，0 表示停用
func WithSweepInterval(d time.Duration) Option {
	return withConfig(config.WithSweepInterval(d))
}

// WithSync 透過 Redis Pub/Sub 與其他實例同步
func WithSync(channel string) Option {
	return withConfig(config.WithSync(true, channel))
}

// WithSyncMaxPayload 設置同步訊息攜帶內容的上限
func WithSyncMaxPayload(size int64) Option {
	return withConfig(config.WithSyncMaxPayload(size))
}

// WithSharedNamespace 設置共享層的 Redis 鍵前綴
func WithSharedNamespace(ns string) Option {
	return withConfig(config.WithSharedNamespace(ns))
}

// WithConfig 直接套用內部配置選項
func WithConfig(opts ...config.Option) Option {
	return func(s *settings) error {
		s.config = append(s.config, opts...)
		return nil
	}
}

// WithRedis 使用指定參數連線 Redis 作為共享層
func WithRedis(opts *redis.Options) Option {
	return func(s *settings) error {
		if opts == nil {
			return errors.New("redis options must not be nil")
		}
		s.redis = opts
		return nil
	}
}

// WithRedisClient 使用既有的 Redis 客戶端，關閉 Cache 時不會關閉它
func WithRedisClient(client redis.UniversalClient) Option {
	return func(s *settings) error {
		if client == nil {
			return errors.New("redis client must not be nil")
		}
		s.redisClient = client
		return nil
	}
}

// WithBus 使用自定義的同步通道，關閉 Cache 時不會關閉它
func WithBus(bus Bus) Option {
	return func(s *settings) error {
		s.bus = bus
		return nil
	}
}

// WithClock 替換時間來源
func WithClock(clock Clock) Option {
	return func(s *settings) error {
		s.clock = clock
		return nil
	}
}

// WithPrometheus 將指標註冊到 reg
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(s *settings) error {
		s.registerer = reg
		return nil
	}
}

// WithAgentProbe 啟用背景代理層，probe 回報代理是否可用
func WithAgentProbe(probe func() bool) Option {
	return func(s *settings) error {
		s.probe = probe
		return nil
	}
}

// WithScoreHook 自定義新項目的淘汰優先級
func WithScoreHook(hook ScoreHook) Option {
	return func(s *settings) error {
		s.scoreHook = hook
		return nil
	}
}

// WithTracer 使用自定義的 tracer
func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) error {
		s.tracer = tracer
		return nil
	}
}

// Cache 定義 tiercache 的主要結構體
type Cache struct {
	engine *engine.Engine
	logger *zap.Logger

	closers []func() error
}

// New 初始化 Cache，fetcher 為網路來源
func New(ctx context.Context, fetcher Fetcher, opts ...Option) (_ *Cache, err error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}

	// 應用選項
	s := &settings{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	cfg, err := config.NewConfig(s.config...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}
	if s.clock == nil {
		s.clock = models.SystemClock{}
	}
	logger := cfg.Logger

	c := &Cache{logger: logger}
	defer func() {
		if err != nil {
			_ = c.closeAll()
		}
	}()

	// 初始化各快取層
	tiers, err := c.openTiers(ctx, cfg, s)
	if err != nil {
		return nil, err
	}
	set := tier.NewSet(tiers...)

	var observer stats.Observer
	if s.registerer != nil {
		observer = prom.New(s.registerer, "tiercache", "", nil)
	}
	collector := stats.NewCollector(s.clock, observer, 0)

	manager, err := eviction.New(eviction.Options{
		Tiers:     set,
		Stats:     collector,
		Clock:     s.clock,
		Logger:    logger,
		Estimator: eviction.NewDiskEstimator(cfg.PersistentPath),
		MaxBytes: map[tier.Name]int64{
			tier.Volatile:   cfg.Tiers.VolatileMaxBytes,
			tier.Persistent: cfg.Tiers.PersistentMaxBytes,
			tier.Shared:     cfg.Tiers.SharedMaxBytes,
		},
		QuotaCeiling:      cfg.Quota.Ceiling,
		Adaptive:          cfg.Quota.Adaptive,
		SweepInterval:     cfg.Quota.SweepInterval,
		ResizeInterval:    cfg.Quota.ResizeInterval,
		ResizeMinInterval: cfg.Quota.ResizeMinInterval,
		ResizeThreshold:   cfg.Quota.ResizeThreshold,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Quota.Adaptive {
		if _, err := manager.Resize(ctx, true); err != nil {
			logger.Warn("Initial quota resize failed", zap.Error(err))
		}
	}

	registry, err := strategy.NewRegistry(cfg.Strategy.Rules, cfg.Strategy.TTLs)
	if err != nil {
		return nil, err
	}

	bus, err := c.openBus(cfg, s)
	if err != nil {
		return nil, err
	}

	// 初始化引擎
	e, err := engine.New(ctx, engine.Options{
		Tiers:          set,
		Registry:       registry,
		Canon:          models.NewCanonicalizer(cfg.Strategy.DropParams),
		Fetcher:        fetcher,
		Eviction:       manager,
		Stats:          collector,
		ScoreHook:      s.scoreHook,
		Clock:          s.clock,
		Logger:         logger,
		Tracer:         s.tracer,
		NetworkTimeout: cfg.Strategy.NetworkTimeout,
		FetchTimeout:   cfg.Strategy.FetchTimeout,
		Bus:            bus,
		Origin:         uuid.NewString(),
		SyncMaxPayload: cfg.Sync.MaxPayload,
		Maintenance:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	c.engine = e
	return c, nil
}

func (c *Cache) openTiers(ctx context.Context, cfg *config.Config, s *settings) ([]tier.Tier, error) {
	logger := cfg.Logger

	vol, err := volatile.New(cfg.Tiers.VolatileMaxBytes, s.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize volatile tier: %w", err)
	}
	c.closers = append(c.closers, vol.Close)
	tiers := []tier.Tier{vol}

	if cfg.PersistentPath != "" {
		per, err := persistent.Open(ctx, persistent.Options{
			Path:        cfg.PersistentPath,
			Budget:      cfg.Tiers.PersistentMaxBytes,
			Clock:       s.clock,
			Logger:      logger,
			Codec:       cfg.Serialization.Codec(),
			BloomItems:  cfg.BloomFilter.ExpectedItems,
			BloomFPRate: cfg.BloomFilter.FalsePositiveRate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize persistent tier: %w", err)
		}
		c.closers = append(c.closers, per.Close)
		tiers = append(tiers, per)
	}

	// 初始化 Redis 客戶端
	if s.redisClient == nil && s.redis != nil {
		client := redis.NewClient(s.redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.closers = append(c.closers, client.Close)
		s.redisClient = client
	}
	if s.redisClient != nil {
		retr, err := cfg.Resilience.Retry.Retrier()
		if err != nil {
			return nil, err
		}
		sh, err := shared.New(shared.Options{
			Client:    s.redisClient,
			Namespace: cfg.Shared.Namespace,
			Budget:    cfg.Tiers.SharedMaxBytes,
			Clock:     s.clock,
			Logger:    logger,
			Codec:     cfg.Serialization.Codec(),
			Breaker:   cfg.Resilience.SharedCircuitBreaker,
			Retrier:   retr,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize shared tier: %w", err)
		}
		c.closers = append(c.closers, sh.Close)
		tiers = append(tiers, sh)
	}

	if s.probe != nil {
		ag := agent.New(s.probe)
		c.closers = append(c.closers, ag.Close)
		tiers = append(tiers, ag)
	}
	return tiers, nil
}

func (c *Cache) openBus(cfg *config.Config, s *settings) (Bus, error) {
	if s.bus != nil {
		return s.bus, nil
	}
	if !cfg.Sync.Enabled {
		return nil, nil
	}
	if s.redisClient == nil {
		return nil, errors.New("sync requires a redis client")
	}
	bus := broadcast.NewRedisBus(s.redisClient, cfg.Sync.Channel, cfg.Logger)
	c.closers = append(c.closers, bus.Close)
	return bus, nil
}

// closeAll 依建立的相反順序關閉資源
func (c *Cache) closeAll() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

// GetOption 單次請求的選項
type GetOption func(*engine.GetOptions)

// WithStrategy 以指定策略取代 URL 分類結果
func WithStrategy(name StrategyName) GetOption {
	return func(o *engine.GetOptions) { o.Strategy = name }
}

// WithTTL 覆蓋本次儲存的過期時間
func WithTTL(ttl time.Duration) GetOption {
	return func(o *engine.GetOptions) { o.TTL = ttl }
}

// Get 依策略取得資源
func (c *Cache) Get(ctx context.Context, url string, opts ...GetOption) (*Payload, error) {
	var o engine.GetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.engine.Get(ctx, url, o)
}

// SetOption 寫入的選項
type SetOption func(*engine.SetOptions)

// WithSetTTL 設置寫入的過期時間
func WithSetTTL(ttl time.Duration) SetOption {
	return func(o *engine.SetOptions) { o.TTL = ttl }
}

// WithSetTiers 指定寫入的快取層
func WithSetTiers(names ...TierName) SetOption {
	return func(o *engine.SetOptions) { o.Tiers = names }
}

// Set 直接寫入快取，不經過網路也不做策略分類，預設寫入所有可用的快取層
func (c *Cache) Set(ctx context.Context, url string, payload Payload, opts ...SetOption) error {
	var o engine.SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.engine.Set(ctx, url, payload, o)
}

// Invalidate 從所有快取層刪除資源
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	return c.engine.Invalidate(ctx, url)
}

// InvalidatePattern 刪除所有符合 re 的資源，回傳被刪除的鍵
func (c *Cache) InvalidatePattern(ctx context.Context, re *regexp.Regexp) ([]string, error) {
	return c.engine.InvalidatePattern(ctx, re)
}

// Clear 清空指定的快取層，未指定時清空全部
func (c *Cache) Clear(ctx context.Context, names ...string) error {
	tiers := make([]TierName, 0, len(names))
	for _, n := range names {
		t, err := tier.ParseName(n)
		if err != nil {
			return err
		}
		tiers = append(tiers, t)
	}
	return c.engine.Clear(ctx, tiers...)
}

// Metrics 回傳目前的指標
func (c *Cache) Metrics(ctx context.Context) Metrics {
	return c.engine.Metrics(ctx)
}

// KeyStats 回傳單一資源的存取統計
func (c *Cache) KeyStats(url string) (KeyStats, error) {
	key, err := c.engine.Key(url)
	if err != nil {
		return KeyStats{}, err
	}
	return c.engine.Stats().Key(key), nil
}

// Classify 回傳資源會使用的策略
func (c *Cache) Classify(url string) (Strategy, error) {
	return c.engine.Classify(url)
}

// Residency 回傳目前持有資源的快取層
func (c *Cache) Residency(ctx context.Context, url string) ([]TierName, error) {
	return c.engine.Residency(ctx, url)
}

// NotifyStoragePressure 在儲存空間不足時立即重新分配容量
func (c *Cache) NotifyStoragePressure(ctx context.Context) error {
	return c.engine.NotifyStoragePressure(ctx)
}

// Sweep 立即清除過期項目
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.engine.Sweep(ctx)
}

// Warmup 預先載入資源
func (c *Cache) Warmup(ctx context.Context, urls ...string) error {
	return c.engine.Warmup(ctx, urls)
}

// Close 關閉 Cache，釋放資源
func (c *Cache) Close() error {
	var errs []error
	if c.engine != nil {
		errs = append(errs, c.engine.Close())
	}
	errs = append(errs, c.closeAll())
	return errors.Join(errs...)
}
