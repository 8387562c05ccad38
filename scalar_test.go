package relorm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluck(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()

	titles, err := f.db.Dataset(f.Album).Where(Eq(Ident("artist_id"), 1)).Order(Asc(Ident("id"))).Pluck(ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, []any{"A1", "A2"}, titles)

	none, err := f.db.Dataset(f.Album).Where(Eq(Ident("id"), 99)).Pluck(ctx, "title")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.db.Dataset(f.Album).Pluck(ctx, "title; DROP TABLE albums")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestPluck_IgnoresEager(t *testing.T) {
	f := newMusicFixture(t)

	years, err := f.db.Dataset(f.Album).Eager("artist").Where(Eq(Ident("id"), 1)).Pluck(context.Background(), "year")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2001)}, years)
	assert.EqualValues(t, 1, f.queries())
}

func TestExists(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()

	ok, err := f.db.Dataset(f.Album).Where(Eq(Ident("artist_id"), 2)).Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.db.Dataset(f.Album).Where(Eq(Ident("artist_id"), 3)).Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.db.Dataset(f.Artist).WhereAssociated("albums", f.find(t, f.Album, 1)).Offset(5).Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "offset is ignored")
}

func TestCount(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()

	n, err := f.db.Dataset(f.Album).Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	n, err = f.db.Dataset(f.Album).Where(IsNull(Ident("artist_id"))).Order(Asc(Ident("id"))).Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = f.db.Dataset(f.Artist).EagerGraph("albums").Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "graph joins do not multiply the count")
}

func TestEach(t *testing.T) {
	f := newMusicFixture(t)

	var names []string
	err := f.db.Dataset(f.Artist).Order(Asc(Ident("id"))).Each(context.Background(), func(inst *Instance) error {
		names = append(names, inst.Get("name").(string))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, names)
}
