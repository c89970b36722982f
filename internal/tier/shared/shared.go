// Package shared implements the network-level response store shared by all
// instances pointed at the same Redis.
package shared

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/retrier"
	"goflare.io/tiercache/internal/tier"
	"goflare.io/tiercache/pkg/serialization"
)

// DefaultNamespace prefixes every Redis key written by the tier.
const DefaultNamespace = "tiercache"

const clearBatch = 500

// KEYS: entry, sz, meta, atime, hits, bytes
// ARGV: field, size, budget, record, meta, atime, hits
var setScript = redis.NewScript(`
local old = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
local used = tonumber(redis.call('GET', KEYS[6]) or '0')
local size = tonumber(ARGV[2])
if used - old + size > tonumber(ARGV[3]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[4])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[5])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[6])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[7])
redis.call('INCRBY', KEYS[6], size - old)
return 1
`)

// KEYS: entry, sz, meta, atime, hits, bytes
// ARGV: field
var deleteScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
if not old then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('DECRBY', KEYS[6], tonumber(old))
return 1
`)

// Options configures New.
type Options struct {
	Client    redis.Cmdable
	Namespace string
	Budget    int64
	Clock     models.Clock
	Logger    *zap.Logger
	Codec     serialization.Codec
	Breaker   gobreaker.Settings
	Retrier   *retrier.Retrier
}

// Tier stores serialized entries in Redis. Byte accounting lives in Redis too,
// so every instance sees the same total.
type Tier struct {
	client  redis.Cmdable
	codec   serialization.Codec
	clock   models.Clock
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier
	budget  atomic.Int64
	closed  atomic.Bool

	prefix   string
	szKey    string
	metaKey  string
	atimeKey string
	hitsKey  string
	bytesKey string
}

var (
	_ tier.Tier   = (*Tier)(nil)
	_ tier.Peeker = (*Tier)(nil)
)

// New creates a shared tier over client.
func New(opts Options) (*Tier, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Clock == nil {
		opts.Clock = models.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Codec.Encoder == nil || opts.Codec.Decoder == nil {
		codec, err := serialization.ForType(serialization.GobType)
		if err != nil {
			return nil, err
		}
		opts.Codec = codec
	}
	if opts.Retrier == nil {
		r, err := retrier.NewRetrier(1, time.Millisecond, time.Millisecond, 1, 0, retrier.ExponentialBackoff, nil)
		if err != nil {
			return nil, err
		}
		opts.Retrier = r
	}
	settings := opts.Breaker
	if settings.Name == "" {
		settings.Name = "shared-tier"
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		}
	}

	// The hash tag keeps every key of the namespace in one cluster slot.
	prefix := "{" + opts.Namespace + "}"
	t := &Tier{
		client:   opts.Client,
		codec:    opts.Codec,
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("tier", string(tier.Shared))),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		retrier:  opts.Retrier,
		prefix:   prefix,
		szKey:    prefix + ":sz",
		metaKey:  prefix + ":meta",
		atimeKey: prefix + ":atime",
		hitsKey:  prefix + ":hits",
		bytesKey: prefix + ":bytes",
	}
	t.budget.Store(opts.Budget)
	return t, nil
}

func (t *Tier) entryKey(key models.Key) string {
	return t.prefix + ":e:" + string(key)
}

func (t *Tier) keys(key models.Key) []string {
	return []string{t.entryKey(key), t.szKey, t.metaKey, t.atimeKey, t.hitsKey, t.bytesKey}
}

// execute runs fn behind the circuit breaker with retries.
func (t *Tier) execute(ctx context.Context, fn func() error) error {
	_, err := t.breaker.Execute(func() (any, error) {
		return nil, t.retrier.Run(ctx, fn)
	})
	return err
}

// Name returns tier.Shared.
func (t *Tier) Name() tier.Name { return tier.Shared }

// Available is false while the breaker is open or after Close.
func (t *Tier) Available() bool {
	return !t.closed.Load() && t.breaker.State() != gobreaker.StateOpen
}

// Get retrieves a fresh entry and records the access.
func (t *Tier) Get(ctx context.Context, key models.Key) (*models.Entry, bool, error) {
	var data []byte
	err := t.execute(ctx, func() error {
		var err error
		data, err = t.client.Get(ctx, t.entryKey(key)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry models.Entry
	if err := t.codec.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode %s: %v: %w", key, err, models.ErrSerialization)
	}
	now := t.clock.Now()
	if entry.IsExpired(now) {
		return nil, false, nil
	}

	var hits *redis.IntCmd
	err = t.execute(ctx, func() error {
		_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, t.atimeKey, string(key), now.UnixNano())
			hits = pipe.HIncrBy(ctx, t.hitsKey, string(key), 1)
			return nil
		})
		return err
	})
	count := entry.AccessCount + 1
	if err != nil {
		t.logger.Warn("Failed to record access", zap.String("key", string(key)), zap.Error(err))
	} else if hits != nil {
		count = hits.Val()
	}
	return entry.WithAccess(now, count), true, nil
}

// Peek returns the index record of key without recording an access.
func (t *Tier) Peek(ctx context.Context, key models.Key) (models.Meta, bool, error) {
	var vals []string
	err := t.execute(ctx, func() error {
		cmds, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HGet(ctx, t.szKey, string(key))
			pipe.HGet(ctx, t.metaKey, string(key))
			pipe.HGet(ctx, t.atimeKey, string(key))
			pipe.HGet(ctx, t.hitsKey, string(key))
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		vals = make([]string, len(cmds))
		for i, c := range cmds {
			vals[i] = c.(*redis.StringCmd).Val()
		}
		return nil
	})
	if err != nil {
		return models.Meta{}, false, fmt.Errorf("redis peek %s: %w", key, err)
	}
	if vals[0] == "" {
		return models.Meta{}, false, nil
	}
	meta := models.Meta{Key: key}
	meta.SizeBytes, _ = strconv.ParseInt(vals[0], 10, 64)
	meta.StoredAt, meta.ExpiresAt, meta.Priority, err = decodeMeta(vals[1])
	if err != nil {
		return models.Meta{}, false, fmt.Errorf("peek %s: %v: %w", key, err, models.ErrSerialization)
	}
	if ns, err := strconv.ParseInt(vals[2], 10, 64); err == nil {
		meta.LastAccessedAt = time.Unix(0, ns)
	}
	meta.AccessCount, _ = strconv.ParseInt(vals[3], 10, 64)
	return meta, true, nil
}

// Set stores entry if the shared byte total stays within budget.
func (t *Tier) Set(ctx context.Context, entry *models.Entry) error {
	record, err := t.codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s: %v: %w", entry.Key, err, models.ErrSerialization)
	}
	lastAccessed := entry.LastAccessedAt
	if lastAccessed.IsZero() {
		lastAccessed = entry.StoredAt
	}

	var stored int64
	err = t.execute(ctx, func() error {
		var err error
		stored, err = setScript.Run(ctx, t.client, t.keys(entry.Key),
			string(entry.Key),
			entry.SizeBytes,
			t.budget.Load(),
			record,
			encodeMeta(entry.StoredAt, entry.ExpiresAt, entry.Priority),
			lastAccessed.UnixNano(),
			entry.AccessCount,
		).Int64()
		return err
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", entry.Key, err)
	}
	if stored == 0 {
		return fmt.Errorf("shared set %s (%d bytes): %w", entry.Key, entry.SizeBytes, models.ErrCapacity)
	}
	return nil
}

// Delete removes a key from the remote cache.
func (t *Tier) Delete(ctx context.Context, key models.Key) error {
	err := t.execute(ctx, func() error {
		return deleteScript.Run(ctx, t.client, t.keys(key), string(key)).Err()
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every key of the namespace.
func (t *Tier) Clear(ctx context.Context) error {
	keys, err := t.Keys(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += clearBatch {
		end := min(start+clearBatch, len(keys))
		names := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			names = append(names, t.entryKey(k))
		}
		if err := t.execute(ctx, func() error {
			return t.client.Del(ctx, names...).Err()
		}); err != nil {
			return fmt.Errorf("redis clear entries: %w", err)
		}
	}
	if err := t.execute(ctx, func() error {
		return t.client.Del(ctx, t.szKey, t.metaKey, t.atimeKey, t.hitsKey, t.bytesKey).Err()
	}); err != nil {
		return fmt.Errorf("redis clear index: %w", err)
	}
	return nil
}

// Keys returns every stored key, including expired ones not yet reclaimed.
func (t *Tier) Keys(ctx context.Context) ([]models.Key, error) {
	var fields []string
	if err := t.execute(ctx, func() error {
		var err error
		fields, err = t.client.HKeys(ctx, t.szKey).Result()
		return err
	}); err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	keys := make([]models.Key, len(fields))
	for i, f := range fields {
		keys[i] = models.Key(f)
	}
	return keys, nil
}

// Scan returns the index records of every stored entry.
func (t *Tier) Scan(ctx context.Context) ([]models.Meta, error) {
	var sizes, metas, atimes, hits map[string]string
	err := t.execute(ctx, func() error {
		cmds, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HGetAll(ctx, t.szKey)
			pipe.HGetAll(ctx, t.metaKey)
			pipe.HGetAll(ctx, t.atimeKey)
			pipe.HGetAll(ctx, t.hitsKey)
			return nil
		})
		if err != nil {
			return err
		}
		sizes = cmds[0].(*redis.MapStringStringCmd).Val()
		metas = cmds[1].(*redis.MapStringStringCmd).Val()
		atimes = cmds[2].(*redis.MapStringStringCmd).Val()
		hits = cmds[3].(*redis.MapStringStringCmd).Val()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	out := make([]models.Meta, 0, len(sizes))
	for field, sz := range sizes {
		meta := models.Meta{Key: models.Key(field)}
		meta.SizeBytes, _ = strconv.ParseInt(sz, 10, 64)
		stored, expires, priority, err := decodeMeta(metas[field])
		if err != nil {
			t.logger.Warn("Malformed index record", zap.String("key", field), zap.Error(err))
		}
		meta.StoredAt, meta.ExpiresAt, meta.Priority = stored, expires, priority
		if ns, err := strconv.ParseInt(atimes[field], 10, 64); err == nil {
			meta.LastAccessedAt = time.Unix(0, ns)
		}
		meta.AccessCount, _ = strconv.ParseInt(hits[field], 10, 64)
		out = append(out, meta)
	}
	return out, nil
}

// SizeBytes returns the shared byte total.
func (t *Tier) SizeBytes(ctx context.Context) (int64, error) {
	var used int64
	err := t.execute(ctx, func() error {
		var err error
		used, err = t.client.Get(ctx, t.bytesKey).Int64()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis size: %w", err)
	}
	return used, nil
}

// Budget returns the configured byte budget.
func (t *Tier) Budget() int64 { return t.budget.Load() }

// SetBudget changes the byte budget this instance enforces.
func (t *Tier) SetBudget(bytes int64) { t.budget.Store(bytes) }

// Close marks the tier unavailable. The client belongs to the caller.
func (t *Tier) Close() error {
	t.closed.Store(true)
	return nil
}

func encodeMeta(stored, expires time.Time, priority int) string {
	return fmt.Sprintf("%d:%d:%d", stored.UnixNano(), expires.UnixNano(), priority)
}

func decodeMeta(s string) (stored, expires time.Time, priority int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("want 3 fields, got %d", len(parts))
	}
	storedNs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	expiresNs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	priority, err = strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	return time.Unix(0, storedNs), time.Unix(0, expiresNs), priority, nil
}
