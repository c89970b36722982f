// Package persistent implements the process-local durable tier on SQLite.
package persistent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/sqlitemigrate"
	"goflare.io/tiercache/internal/tier"
	"goflare.io/tiercache/internal/tier/persistent/migrations"
	"goflare.io/tiercache/pkg/serialization"
)

// Options configures Open.
type Options struct {
	Path        string
	Budget      int64
	Clock       models.Clock
	Logger      *zap.Logger
	Codec       serialization.Codec
	BloomItems  uint
	BloomFPRate float64
}

// Tier provides SQLite-backed persistence for cache entries.
//
// The byte total is tracked in memory, so one database file must be owned by
// a single instance.
type Tier struct {
	mu     sync.Mutex
	sqlDB  *sql.DB
	codec  serialization.Codec
	clock  models.Clock
	logger *zap.Logger
	filter *keyFilter
	used   atomic.Int64
	budget atomic.Int64
	closed atomic.Bool
}

var (
	_ tier.Tier      = (*Tier)(nil)
	_ tier.Peeker    = (*Tier)(nil)
	_ tier.Compactor = (*Tier)(nil)
)

// Open opens and migrates a persistent tier database.
func Open(ctx context.Context, opts Options) (*Tier, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if opts.Clock == nil {
		opts.Clock = models.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Codec.Encoder == nil || opts.Codec.Decoder == nil {
		codec, err := serialization.ForType(serialization.JSONType)
		if err != nil {
			return nil, err
		}
		opts.Codec = codec
	}

	dsn := filepath.Clean(opts.Path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers; SQLite allows one at a time anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	t := &Tier{
		sqlDB:  sqlDB,
		codec:  opts.Codec,
		clock:  opts.Clock,
		logger: opts.Logger.With(zap.String("tier", string(tier.Persistent))),
		filter: newKeyFilter(opts.BloomItems, opts.BloomFPRate),
	}
	t.budget.Store(opts.Budget)

	if err := t.reload(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return t, nil
}

// reload recomputes the byte total and rebuilds the bloom filter from disk.
func (t *Tier) reload(ctx context.Context) error {
	keys, err := t.Keys(ctx)
	if err != nil {
		return err
	}
	var used int64
	if err := t.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&used); err != nil {
		return fmt.Errorf("sum cache entries: %w", err)
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	t.filter.Rebuild(names)
	t.used.Store(used)
	return nil
}

// Close releases the underlying SQLite connection.
func (t *Tier) Close() error {
	if t == nil || t.sqlDB == nil || t.closed.Swap(true) {
		return nil
	}
	return t.sqlDB.Close()
}

// Name returns tier.Persistent.
func (t *Tier) Name() tier.Name { return tier.Persistent }

// Available reports whether the database is open.
func (t *Tier) Available() bool {
	return t != nil && t.sqlDB != nil && !t.closed.Load()
}

// Get loads a fresh entry and records the access.
func (t *Tier) Get(ctx context.Context, key models.Key) (*models.Entry, bool, error) {
	if !t.Available() {
		return nil, false, models.ErrTierUnavailable
	}
	if !t.filter.Test(string(key)) {
		return nil, false, nil
	}

	row := t.sqlDB.QueryRowContext(ctx,
		`SELECT status, content_type, header_blob, body, strategy, stored_at, expires_at, access_count, priority, size_bytes
		 FROM cache_entries
		 WHERE cache_key = ?`,
		string(key),
	)

	var (
		entry       = &models.Entry{Key: key}
		headerBlob  []byte
		storedAt    int64
		expiresAt   int64
		accessCount int64
	)
	if err := row.Scan(
		&entry.Payload.Status,
		&entry.Payload.ContentType,
		&headerBlob,
		&entry.Payload.Body,
		&entry.Strategy,
		&storedAt,
		&expiresAt,
		&accessCount,
		&entry.Priority,
		&entry.SizeBytes,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}

	entry.StoredAt = fromUnixNano(storedAt)
	entry.ExpiresAt = fromUnixNano(expiresAt)
	now := t.clock.Now()
	if entry.IsExpired(now) {
		return nil, false, nil
	}
	if len(headerBlob) > 0 {
		if err := t.codec.Unmarshal(headerBlob, &entry.Payload.Header); err != nil {
			return nil, false, fmt.Errorf("decode headers of %s: %v: %w", key, err, models.ErrSerialization)
		}
	}

	if _, err := t.sqlDB.ExecContext(ctx,
		`UPDATE cache_entries SET last_accessed_at = ?, access_count = access_count + 1 WHERE cache_key = ?`,
		toUnixNano(now), string(key),
	); err != nil {
		t.logger.Warn("Failed to record access", zap.String("key", string(key)), zap.Error(err))
	}
	entry.LastAccessedAt = now
	entry.AccessCount = accessCount + 1
	return entry, true, nil
}

// Peek returns the index record for key without counting an access.
func (t *Tier) Peek(ctx context.Context, key models.Key) (models.Meta, bool, error) {
	if !t.Available() {
		return models.Meta{}, false, models.ErrTierUnavailable
	}
	if !t.filter.Test(string(key)) {
		return models.Meta{}, false, nil
	}
	row := t.sqlDB.QueryRowContext(ctx,
		`SELECT cache_key, size_bytes, stored_at, expires_at, last_accessed_at, access_count, priority
		 FROM cache_entries WHERE cache_key = ?`, string(key))
	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Meta{}, false, nil
	}
	if err != nil {
		return models.Meta{}, false, fmt.Errorf("peek cache entry: %w", err)
	}
	return meta, true, nil
}

// Set upserts entry if it fits the remaining budget.
func (t *Tier) Set(ctx context.Context, entry *models.Entry) error {
	if !t.Available() {
		return models.ErrTierUnavailable
	}

	var headerBlob []byte
	if len(entry.Payload.Header) > 0 {
		blob, err := t.codec.Marshal(entry.Payload.Header)
		if err != nil {
			return fmt.Errorf("encode headers of %s: %v: %w", entry.Key, err, models.ErrSerialization)
		}
		headerBlob = blob
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var oldSize int64
	err = tx.QueryRowContext(ctx, `SELECT size_bytes FROM cache_entries WHERE cache_key = ?`, string(entry.Key)).Scan(&oldSize)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup cache entry: %w", err)
	}
	if t.used.Load()-oldSize+entry.SizeBytes > t.budget.Load() {
		return fmt.Errorf("persistent set %s (%d bytes): %w", entry.Key, entry.SizeBytes, models.ErrCapacity)
	}

	lastAccessed := entry.LastAccessedAt
	if lastAccessed.IsZero() {
		lastAccessed = entry.StoredAt
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (
		    cache_key, status, content_type, header_blob, body, strategy, stored_at, expires_at, last_accessed_at, access_count, priority, size_bytes
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		    status = excluded.status,
		    content_type = excluded.content_type,
		    header_blob = excluded.header_blob,
		    body = excluded.body,
		    strategy = excluded.strategy,
		    stored_at = excluded.stored_at,
		    expires_at = excluded.expires_at,
		    last_accessed_at = excluded.last_accessed_at,
		    access_count = excluded.access_count,
		    priority = excluded.priority,
		    size_bytes = excluded.size_bytes`,
		string(entry.Key),
		entry.Payload.Status,
		entry.Payload.ContentType,
		headerBlob,
		entry.Payload.Body,
		entry.Strategy,
		toUnixNano(entry.StoredAt),
		toUnixNano(entry.ExpiresAt),
		toUnixNano(lastAccessed),
		entry.AccessCount,
		entry.Priority,
		entry.SizeBytes,
	); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}

	t.used.Add(entry.SizeBytes - oldSize)
	t.filter.Add(string(entry.Key))
	return nil
}

// Delete removes a cache entry by key.
func (t *Tier) Delete(ctx context.Context, key models.Key) error {
	if !t.Available() {
		return models.ErrTierUnavailable
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var size int64
	err := t.sqlDB.QueryRowContext(ctx,
		`DELETE FROM cache_entries WHERE cache_key = ? RETURNING size_bytes`, string(key)).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	t.used.Sub(size)
	return nil
}

// Clear removes every entry.
func (t *Tier) Clear(ctx context.Context) error {
	if !t.Available() {
		return models.ErrTierUnavailable
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	t.used.Store(0)
	t.filter.Reset()
	return nil
}

// Keys returns every stored key, including expired ones not yet reclaimed.
func (t *Tier) Keys(ctx context.Context) ([]models.Key, error) {
	rows, err := t.sqlDB.QueryContext(ctx, `SELECT cache_key FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []models.Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, models.Key(k))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache keys: %w", err)
	}
	return keys, nil
}

// Scan returns the index records of every stored entry.
func (t *Tier) Scan(ctx context.Context) ([]models.Meta, error) {
	if !t.Available() {
		return nil, models.ErrTierUnavailable
	}
	rows, err := t.sqlDB.QueryContext(ctx,
		`SELECT cache_key, size_bytes, stored_at, expires_at, last_accessed_at, access_count, priority
		 FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("scan cache entries: %w", err)
	}
	defer rows.Close()

	var metas []models.Meta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return metas, nil
}

// Compact rebuilds the bloom filter and re-derives the byte total.
func (t *Tier) Compact(ctx context.Context) error {
	if !t.Available() {
		return models.ErrTierUnavailable
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reload(ctx)
}

// SizeBytes returns the bytes currently stored.
func (t *Tier) SizeBytes(context.Context) (int64, error) {
	return t.used.Load(), nil
}

// Budget returns the configured byte budget.
func (t *Tier) Budget() int64 { return t.budget.Load() }

// SetBudget changes the byte budget.
func (t *Tier) SetBudget(bytes int64) { t.budget.Store(bytes) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (models.Meta, error) {
	var (
		meta                   models.Meta
		key                    string
		stored, expires, atime int64
	)
	if err := row.Scan(&key, &meta.SizeBytes, &stored, &expires, &atime, &meta.AccessCount, &meta.Priority); err != nil {
		return models.Meta{}, err
	}
	meta.Key = models.Key(key)
	meta.StoredAt = fromUnixNano(stored)
	meta.ExpiresAt = fromUnixNano(expires)
	meta.LastAccessedAt = fromUnixNano(atime)
	return meta, nil
}

func toUnixNano(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixNano()
}

func fromUnixNano(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}
