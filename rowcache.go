package relorm

import (
	"bytes"
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// RowCache stores encoded rows for lazy many_to_one lookups declared with
// CacheLookups. Implementations wrap an in-process cache, Redis or similar.
type RowCache interface {
	// Get returns nil, nil when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. A zero ttl keeps the cache's default expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// WithRowCache enables the row cache. ttl is passed to every Set.
func WithRowCache(cache RowCache, ttl time.Duration) Option {
	return func(d *Database) {
		d.rowCache = cache
		d.rowCacheTTL = ttl
	}
}

// MemoryRowCache is an in-process LRU with a single expiry for all
// entries.
type MemoryRowCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryRowCache keeps at most size rows, each for ttl (zero: no
// expiry).
func NewMemoryRowCache(size int, ttl time.Duration) *MemoryRowCache {
	return &MemoryRowCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *MemoryRowCache) Get(_ context.Context, key string) ([]byte, error) {
	v, _ := c.lru.Get(key)
	return v, nil
}

// Set ignores ttl; the LRU applies the expiry it was created with.
func (c *MemoryRowCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.lru.Add(key, value)
	return nil
}

func (c *MemoryRowCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of cached rows.
func (c *MemoryRowCache) Len() int { return c.lru.Len() }

// redisClient is the subset of go-redis commands the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisRowCache stores rows in Redis under a key prefix.
type RedisRowCache struct {
	client redisClient
	prefix string
}

// NewRedisRowCache wraps a go-redis client (redis.Client,
// redis.ClusterClient or redis.UniversalClient).
func NewRedisRowCache(client redisClient, prefix string) *RedisRowCache {
	return &RedisRowCache{client: client, prefix: prefix}
}

func (c *RedisRowCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (c *RedisRowCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisRowCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func rowCacheKey(m *Model, pk []any) string {
	return m.table + ":" + tupleKey(pk)
}

func encodeRow(values map[string]any) ([]byte, error) {
	return msgpack.Marshal(values)
}

func decodeRow(b []byte) (Row, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, errors.Wrap(err, "relorm: decode cached row")
	}
	return row, nil
}

// rowCacheable reports whether lazy loads of r may use the row cache: a
// many_to_one declared with CacheLookups, keyed by the associated
// model's primary key, with no extra conditions.
func (d *Database) rowCacheable(r AssociationReflection) bool {
	if d.rowCache == nil || r.Type() != ManyToOne {
		return false
	}
	o := r.Options()
	return o.Cache && len(o.Conditions) == 0 && o.Filter == nil &&
		len(r.Associated().primaryKey) > 0 && slices.Equal(o.PrimaryKey, r.Associated().primaryKey)
}

// cachedTarget looks up the row inst's foreign key references. Cache
// failures are logged and treated as misses.
func (d *Database) cachedTarget(ctx context.Context, r AssociationReflection, inst *Instance) (*Instance, bool) {
	vals, ok := keyValues(inst.values, r.Options().Key)
	if !ok {
		return nil, false
	}
	m := r.Associated()
	key := rowCacheKey(m, vals)
	b, err := d.rowCache.Get(ctx, key)
	if err != nil {
		d.logger.Warn("row cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if b == nil {
		return nil, false
	}
	row, err := decodeRow(b)
	if err != nil {
		d.logger.Warn("row cache entry dropped", zap.String("key", key), zap.Error(err))
		_ = d.rowCache.Delete(ctx, key)
		return nil, false
	}
	d.logger.Debug("row cache hit", zap.String("key", key))
	return m.Instantiate(row), true
}

func (d *Database) cacheInstance(ctx context.Context, inst *Instance) {
	if d.rowCache == nil {
		return
	}
	pk, ok := keyValues(inst.values, inst.model.primaryKey)
	if !ok || len(pk) == 0 {
		return
	}
	b, err := encodeRow(inst.values)
	if err == nil {
		err = d.rowCache.Set(ctx, rowCacheKey(inst.model, pk), b, d.rowCacheTTL)
	}
	if err != nil {
		d.logger.Warn("row cache set failed", zap.String(FieldModel, inst.model.name), zap.Error(err))
	}
}

// uncacheInstance drops inst's row after it was updated or deleted.
func (d *Database) uncacheInstance(ctx context.Context, inst *Instance) {
	if d.rowCache == nil {
		return
	}
	pk, ok := keyValues(inst.original, inst.model.primaryKey)
	if !ok || len(pk) == 0 {
		return
	}
	if err := d.rowCache.Delete(ctx, rowCacheKey(inst.model, pk)); err != nil {
		d.logger.Warn("row cache delete failed", zap.String(FieldModel, inst.model.name), zap.Error(err))
	}
}

// uncacheMatching drops the cached rows a bulk UPDATE or DELETE of ds is
// about to change. It reads their primary keys first.
func (d *Database) uncacheMatching(ctx context.Context, ds *Dataset) error {
	m := ds.model
	if d.rowCache == nil || m == nil || len(m.primaryKey) == 0 {
		return nil
	}
	cols := make([]any, len(m.primaryKey))
	for i, c := range m.primaryKey {
		cols[i] = c
	}
	rows, err := ds.Select(cols...).Rows(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		pk, ok := keyValues(row, m.primaryKey)
		if !ok {
			continue
		}
		if err := d.rowCache.Delete(ctx, rowCacheKey(m, pk)); err != nil {
			d.logger.Warn("row cache delete failed", zap.String(FieldModel, m.name), zap.Error(err))
		}
	}
	return nil
}
