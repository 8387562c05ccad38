package relorm

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEager_OneToMany(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()

	artists, err := f.db.Dataset(f.Artist).Order(Asc(Ident("id"))).Eager("albums").All(ctx)
	require.NoError(t, err)
	require.Len(t, artists, 3)
	assert.EqualValues(t, 2, f.queries(), "one query for artists, one for albums")

	alice, bob, carol := artists[0], artists[1], artists[2]
	assert.Equal(t, []int64{1, 2}, ids(alice.Many("albums")))
	assert.Equal(t, []int64{3}, ids(bob.Many("albums")))

	assert.True(t, carol.IsLoaded("albums"))
	assert.NotNil(t, carol.Many("albums"))
	assert.Empty(t, carol.Many("albums"))
}

func TestEager_ManyToOneSharesObjects(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()

	albums, err := f.db.Dataset(f.Album).Order(Asc(Ident("id"))).Eager("artist").All(ctx)
	require.NoError(t, err)
	require.Len(t, albums, 4)
	assert.EqualValues(t, 2, f.queries())

	a1, a2, b1, orphan := albums[0], albums[1], albums[2], albums[3]
	require.NotNil(t, a1.One("artist"))
	assert.Equal(t, "Alice", a1.One("artist").Get("name"))
	assert.Same(t, a1.One("artist"), a2.One("artist"))
	assert.Equal(t, "Bob", b1.One("artist").Get("name"))

	assert.True(t, orphan.IsLoaded("artist"))
	assert.Nil(t, orphan.One("artist"))
}

func TestEager_NullKeysSkipQuery(t *testing.T) {
	f := newMusicFixture(t)

	albums, err := f.db.Dataset(f.Album).Where(Eq(Ident("id"), 4)).Eager("artist").All(context.Background())
	require.NoError(t, err)
	require.Len(t, albums, 1)
	assert.EqualValues(t, 1, f.queries(), "no artist query when every key is NULL")
	assert.True(t, albums[0].IsLoaded("artist"))
}

func TestEager_EmptyResultSkipsAssociations(t *testing.T) {
	f := newMusicFixture(t)

	artists, err := f.db.Dataset(f.Artist).Where(Eq(Ident("id"), 99)).Eager("albums", "profile").All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, artists)
	assert.EqualValues(t, 1, f.queries())
}

func TestEager_Nested(t *testing.T) {
	cases := map[string][]any{
		"dotted path": {"albums.tracks"},
		"spec":        {E("albums", "tracks")},
		"map":         {map[string]any{"albums": "tracks"}},
		"merged":      {"albums", "albums.tracks"},
	}
	for name, specs := range cases {
		t.Run(name, func(t *testing.T) {
			f := newMusicFixture(t)

			artists, err := f.db.Dataset(f.Artist).Order(Asc(Ident("id"))).Eager(specs...).All(context.Background())
			require.NoError(t, err)
			assert.EqualValues(t, 3, f.queries())

			albums := artists[0].Many("albums")
			require.Len(t, albums, 2)
			assert.Equal(t, []int64{2, 1}, ids(albums[0].Many("tracks")), "tracks ordered by number")
			assert.True(t, albums[1].IsLoaded("tracks"))
			assert.Empty(t, albums[1].Many("tracks"))
			assert.Equal(t, []int64{3}, ids(artists[1].Many("albums")[0].Many("tracks")))
		})
	}
}

func TestEager_WithFilter(t *testing.T) {
	f := newMusicFixture(t)

	recent := E("albums").WithFilter(func(ds *Dataset) *Dataset {
		return ds.Where(Gt(Q("albums", "year"), 2002))
	})
	artists, err := f.db.Dataset(f.Artist).Order(Asc(Ident("id"))).Eager(recent).All(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, ids(artists[0].Many("albums")))
	assert.Empty(t, artists[1].Many("albums"))
	assert.True(t, artists[1].IsLoaded("albums"))
}

func TestEager_OneToOne(t *testing.T) {
	f := newMusicFixture(t)

	artists, err := f.db.Dataset(f.Artist).Order(Asc(Ident("id"))).Eager("profile").All(context.Background())
	require.NoError(t, err)

	require.NotNil(t, artists[0].One("profile"))
	assert.Equal(t, "alice bio", artists[0].One("profile").Get("bio"))
	assert.True(t, artists[1].IsLoaded("profile"))
	assert.Nil(t, artists[1].One("profile"))
}

func TestEager_OneToOneManyMatches(t *testing.T) {
	f := newMusicFixture(t)
	_, err := f.sqlDB.Exec(`INSERT INTO profiles (id, artist_id, bio) VALUES (2, 1, 'second bio')`)
	require.NoError(t, err)

	artists, err := f.db.Dataset(f.Artist).Where(Eq(Ident("id"), 1)).Eager("profile").All(context.Background())
	require.NoError(t, err)
	require.Len(t, artists, 1)

	profile := artists[0].One("profile")
	require.NotNil(t, profile)
	assert.EqualValues(t, 2, profile.Get("id"), "the last matching row wins")
	assert.Equal(t, "second bio", profile.Get("bio"))
}

func TestEager_ManyToManySharesObjects(t *testing.T) {
	f := newMusicFixture(t)

	albums, err := f.db.Dataset(f.Album).Order(Asc(Ident("id"))).Eager("genres").All(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.queries())

	a1, a2, b1 := albums[0], albums[1], albums[2]
	assert.ElementsMatch(t, []int64{2, 3}, ids(a1.Many("genres")))
	assert.Empty(t, a2.Many("genres"))
	require.Len(t, b1.Many("genres"), 1)

	var indie *Instance
	for _, g := range a1.Many("genres") {
		if g.Get("name") == "indie" {
			indie = g
		}
	}
	require.NotNil(t, indie)
	assert.Same(t, indie, b1.Many("genres")[0])
	assert.NotContains(t, indie.Values(), "x_left_key_x")
}

func TestEager_ManyThroughMany(t *testing.T) {
	f := newMusicFixture(t)

	artists, err := f.db.Dataset(f.Artist).Order(Asc(Ident("id"))).Eager("tracks").All(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.queries())

	assert.ElementsMatch(t, []int64{1, 2}, ids(artists[0].Many("tracks")))
	assert.Equal(t, []int64{3}, ids(artists[1].Many("tracks")))
	assert.Empty(t, artists[2].Many("tracks"))
}

func TestEager_Concurrent(t *testing.T) {
	for name, opts := range map[string][]Option{
		"dataset":  nil,
		"database": {WithConcurrentEager()},
	} {
		t.Run(name, func(t *testing.T) {
			f := newMusicFixture(t, opts...)

			ds := f.db.Dataset(f.Artist).Order(Asc(Ident("id"))).Eager("albums.tracks", "profile", "tracks")
			if opts == nil {
				ds = ds.Concurrent()
			}
			artists, err := ds.All(context.Background())
			require.NoError(t, err)
			assert.EqualValues(t, 5, f.queries())

			alice := artists[0]
			assert.Equal(t, []int64{1, 2}, ids(alice.Many("albums")))
			assert.Equal(t, []int64{2, 1}, ids(alice.Many("albums")[0].Many("tracks")))
			assert.NotNil(t, alice.One("profile"))
			assert.Len(t, alice.Many("tracks"), 2)
		})
	}
}

func TestEager_UnknownAssociationFailsBeforeQuerying(t *testing.T) {
	f := newMusicFixture(t)

	for _, spec := range []string{"nope", "albums.nope"} {
		_, err := f.db.Dataset(f.Artist).Eager(spec).All(context.Background())
		require.Error(t, err, spec)
		assert.True(t, IsConfigError(err))
		assert.ErrorIs(t, err, ErrAssociationNotFound)
	}
	assert.EqualValues(t, 0, f.queries())
}

func TestEager_UnsupportedArgument(t *testing.T) {
	f := newMusicFixture(t)

	_, err := f.db.Dataset(f.Artist).Eager(42).All(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported eager argument")
}

func TestEager_NestedUnsupportedArgumentIsReported(t *testing.T) {
	f := newMusicFixture(t)

	spec := E("albums", 42)
	require.Error(t, spec.Err())

	for _, ds := range []*Dataset{
		f.db.Dataset(f.Artist).Eager(spec),
		f.db.Dataset(f.Artist).Eager(E("profile", spec)),
		f.db.Dataset(f.Artist).EagerGraph(spec),
	} {
		_, err := ds.All(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported eager argument")
	}
	assert.NoError(t, E("albums", "tracks").Err())
}

func TestEager_CustomLoader(t *testing.T) {
	sqlDB := openMusicDB(t)
	var calls atomic.Int32

	r := NewRegistry()
	r.Define("Artist", "artists").
		OneToMany("albums", CustomEagerLoader(func(ctx context.Context, db *Database, parents []*Instance, _ func(*Dataset) *Dataset) ([]*Instance, error) {
			calls.Add(1)
			for _, p := range parents {
				p.SetCached("albums", []*Instance{})
			}
			return nil, nil
		}))
	r.Define("Album", "albums")
	require.NoError(t, r.Finalize())

	db := New(sqlDB, Dialects.SQLite3)
	artists, err := db.Dataset(r.MustModel("Artist")).Eager("albums").All(context.Background())
	require.NoError(t, err)
	require.Len(t, artists, 3)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, db.Stats().TotalQueries)
	for _, a := range artists {
		assert.True(t, a.IsLoaded("albums"))
	}
}

func TestEager_LoaderErrorCarriesAssociation(t *testing.T) {
	sqlDB := openMusicDB(t)
	boom := errors.New("boom")

	r := NewRegistry()
	r.Define("Artist", "artists").
		OneToMany("albums", CustomEagerLoader(func(context.Context, *Database, []*Instance, func(*Dataset) *Dataset) ([]*Instance, error) {
			return nil, boom
		}))
	r.Define("Album", "albums")
	require.NoError(t, r.Finalize())

	_, err := New(sqlDB, Dialects.SQLite3).Dataset(r.MustModel("Artist")).Eager("albums").All(context.Background())
	require.ErrorIs(t, err, boom)

	var ae *AssociationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "albums", ae.Association)
	assert.Equal(t, "Artist", ae.Model)
}

func TestEagerSpecs_Merge(t *testing.T) {
	specs, err := parseEagerSpecs([]any{"albums.tracks", []string{"albums.genres", "profile"}, nil})
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "albums", specs[0].Name)
	require.Len(t, specs[0].Nested, 2)
	assert.Equal(t, "tracks", specs[0].Nested[0].Name)
	assert.Equal(t, "genres", specs[0].Nested[1].Name)
	assert.Equal(t, "profile", specs[1].Name)
}

func TestEagerSpecs_WithFilterCopies(t *testing.T) {
	base := E("albums")
	filtered := base.WithFilter(func(ds *Dataset) *Dataset { return ds })

	assert.Nil(t, base.Filter)
	assert.NotNil(t, filtered.Filter)
}

func TestSyntheticKeys(t *testing.T) {
	assert.Equal(t, []string{"x_left_key_x"}, syntheticKeys("left", 1))
	assert.Equal(t, []string{"x_left_key_0_x", "x_left_key_1_x"}, syntheticKeys("left", 2))
}
