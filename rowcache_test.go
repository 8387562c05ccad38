package relorm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeRedis is an in-memory stand-in for the go-redis commands the row
// cache issues.
type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (r *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return redis.NewStringResult("", r.getErr)
	}
	v, ok := r.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (r *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = string(value.([]byte))
	r.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (r *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := r.data[k]; ok {
			delete(r.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRowCache_MemoryHit(t *testing.T) {
	cache := NewMemoryRowCache(16, 0)
	f := newMusicFixture(t, WithRowCache(cache, time.Minute))
	ctx := context.Background()
	a1, a2 := f.find(t, f.Album, 1), f.find(t, f.Album, 2)
	f.db.ResetStats()

	first, err := f.db.LoadOne(ctx, a1, "artist")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.queries())
	assert.Equal(t, 1, cache.Len())

	second, err := f.db.LoadOne(ctx, a2, "artist")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.queries(), "served from the row cache")
	assert.Equal(t, "Alice", second.Get("name"))
	assert.EqualValues(t, 1, second.Get("id"))
	assert.NotSame(t, first, second)
	assert.False(t, second.IsNew())
}

func TestRowCache_UpdateAndDeleteUncache(t *testing.T) {
	cache := NewMemoryRowCache(16, 0)
	f := newMusicFixture(t, WithRowCache(cache, 0))
	ctx := context.Background()

	alice, err := f.db.LoadOne(ctx, f.find(t, f.Album, 1), "artist")
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	alice.Set("name", "Alicia")
	require.NoError(t, f.db.Save(ctx, alice))
	assert.Zero(t, cache.Len())

	again, err := f.db.LoadOne(ctx, f.find(t, f.Album, 2), "artist")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", again.Get("name"))
	assert.Equal(t, 1, cache.Len())

	require.NoError(t, f.db.Delete(ctx, again))
	assert.Zero(t, cache.Len())
}

func TestRowCache_OnlyCachedLookups(t *testing.T) {
	cache := NewMemoryRowCache(16, 0)
	f := newMusicFixture(t, WithRowCache(cache, 0))
	ctx := context.Background()

	_, err := f.db.LoadOne(ctx, f.find(t, f.Track, 1), "album")
	require.NoError(t, err)
	assert.Zero(t, cache.Len(), "album is not declared with CacheLookups")

	_, err = f.db.LoadOne(ctx, f.find(t, f.Album, 1), "artist", LoadFilter(func(ds *Dataset) *Dataset { return ds }))
	require.NoError(t, err)
	assert.Zero(t, cache.Len(), "filtered loads bypass the cache")

	_, err = f.db.Dataset(f.Album).Eager("artist").All(ctx)
	require.NoError(t, err)
	assert.Zero(t, cache.Len(), "eager loads bypass the cache")
}

func TestRowCache_Redis(t *testing.T) {
	client := newFakeRedis()
	f := newMusicFixture(t, WithRowCache(NewRedisRowCache(client, "relorm:"), 5*time.Minute))
	ctx := context.Background()
	a1, a2 := f.find(t, f.Album, 1), f.find(t, f.Album, 2)
	f.db.ResetStats()

	_, err := f.db.LoadOne(ctx, a1, "artist")
	require.NoError(t, err)
	require.Contains(t, client.data, "relorm:artists:1")
	assert.Equal(t, 5*time.Minute, client.ttls["relorm:artists:1"])

	hit, err := f.db.LoadOne(ctx, a2, "artist")
	require.NoError(t, err)
	assert.Equal(t, "Alice", hit.Get("name"))
	assert.EqualValues(t, 1, f.queries())

	require.NoError(t, f.db.Delete(ctx, hit))
	assert.NotContains(t, client.data, "relorm:artists:1")
}

func TestRowCache_CorruptEntryDropped(t *testing.T) {
	client := newFakeRedis()
	client.data["artists:1"] = "\xc1"
	core, logs := observer.New(zap.WarnLevel)
	f := newMusicFixture(t, WithRowCache(NewRedisRowCache(client, ""), 0), WithLogger(zap.New(core)))
	album := f.find(t, f.Album, 1)
	f.db.ResetStats()

	artist, err := f.db.LoadOne(context.Background(), album, "artist")
	require.NoError(t, err)
	assert.Equal(t, "Alice", artist.Get("name"))
	assert.EqualValues(t, 1, f.queries())
	assert.Equal(t, 1, logs.FilterMessage("row cache entry dropped").Len())
	assert.NotEqual(t, "\xc1", client.data["artists:1"], "the entry is rewritten after the query")
}

func TestRowCache_ErrorsAreMisses(t *testing.T) {
	client := newFakeRedis()
	client.getErr = errors.New("connection refused")
	core, logs := observer.New(zap.WarnLevel)
	f := newMusicFixture(t, WithRowCache(NewRedisRowCache(client, ""), 0), WithLogger(zap.New(core)))

	artist, err := f.db.LoadOne(context.Background(), f.find(t, f.Album, 1), "artist")
	require.NoError(t, err)
	assert.Equal(t, "Alice", artist.Get("name"))
	assert.Equal(t, 1, logs.FilterMessage("row cache get failed").Len())
}

func TestRowCache_Encoding(t *testing.T) {
	b, err := encodeRow(map[string]any{"id": int64(7), "name": "x", "score": 1.5, "gone": nil})
	require.NoError(t, err)

	row, err := decodeRow(b)
	require.NoError(t, err)
	assert.EqualValues(t, 7, row["id"])
	assert.Equal(t, "x", row["name"])
	assert.Equal(t, 1.5, row["score"])
	assert.Contains(t, row, "gone")
	assert.Nil(t, row["gone"])

	_, err = decodeRow([]byte{0xc1})
	assert.Error(t, err)
}

func TestRowCacheKey(t *testing.T) {
	f := newMusicFixture(t)
	assert.Equal(t, "artists:1", rowCacheKey(f.Artist, []any{int64(1)}))
	assert.Equal(t, rowCacheKey(f.Artist, []any{1}), rowCacheKey(f.Artist, []any{"1"}))
}

func TestRowCache_BulkKeyUpdatesEvict(t *testing.T) {
	r := NewRegistry()
	r.Define("Artist", "artists").OneToMany("albums").OneToOne("profile")
	r.Define("Album", "albums")
	r.Define("Track", "tracks").ManyToOne("album", CacheLookups())
	r.Define("Profile", "profiles")
	require.NoError(t, r.Finalize())

	cache := NewMemoryRowCache(16, 0)
	db := New(openMusicDB(t), Dialects.SQLite3, WithRowCache(cache, 0))
	ctx := context.Background()
	find := func(model string, id int64) *Instance {
		inst, err := db.Find(ctx, r.MustModel(model), id)
		require.NoError(t, err)
		return inst
	}

	album, err := db.LoadOne(ctx, find("Track", 1), "album")
	require.NoError(t, err)
	assert.EqualValues(t, 1, album.Get("artist_id"))
	require.Equal(t, 1, cache.Len())

	alice := find("Artist", 1)
	require.NoError(t, db.RemoveAll(ctx, alice, "albums"))
	assert.Zero(t, cache.Len())

	album, err = db.LoadOne(ctx, find("Track", 2), "album")
	require.NoError(t, err)
	assert.Nil(t, album.Get("artist_id"), "the cached row was evicted")

	db.cacheInstance(ctx, find("Profile", 1))
	require.Equal(t, 2, cache.Len())
	require.NoError(t, db.SetAssociated(ctx, alice, "profile", nil))
	assert.Equal(t, 1, cache.Len())
	b, err := cache.Get(ctx, "profiles:1")
	require.NoError(t, err)
	assert.Nil(t, b)
}
