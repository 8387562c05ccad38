package relorm

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_Commit(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()

	err := f.db.Transaction(ctx, func(tx *Database) error {
		assert.True(t, tx.InTransaction())
		dan := f.Artist.New(map[string]any{"name": "Dan"})
		if err := tx.Save(ctx, dan); err != nil {
			return err
		}
		album := f.Album.New(map[string]any{"title": "D1"})
		return tx.Add(ctx, dan, "albums", album)
	})
	require.NoError(t, err)
	assert.False(t, f.db.InTransaction())

	assert.EqualValues(t, 1, countRows(t, f, "SELECT COUNT(*) FROM albums WHERE title = 'D1' AND artist_id = 4"))
}

func TestTransaction_RollbackOnError(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := f.db.Transaction(ctx, func(tx *Database) error {
		if err := tx.Save(ctx, f.Artist.New(map[string]any{"name": "Dan"})); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 0, countRows(t, f, "SELECT COUNT(*) FROM artists WHERE name = 'Dan'"))
}

func TestTransaction_RollbackOnPanic(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = f.db.Transaction(ctx, func(tx *Database) error {
			_, err := tx.Exec(ctx, "DELETE FROM tracks")
			require.NoError(t, err)
			panic("boom")
		})
	})
	assert.EqualValues(t, 3, countRows(t, f, "SELECT COUNT(*) FROM tracks"))
}

func TestTransaction_Nested(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := f.db.Transaction(ctx, func(outer *Database) error {
		if _, err := outer.Exec(ctx, "DELETE FROM profiles"); err != nil {
			return err
		}
		return outer.Transaction(ctx, func(inner *Database) error {
			assert.Same(t, outer, inner, "nested calls reuse the transaction")
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, countRows(t, f, "SELECT COUNT(*) FROM profiles"), "the outer transaction rolled back")
}

func TestTransaction_EagerLoadsInside(t *testing.T) {
	f := newMusicFixture(t)
	ctx := context.Background()

	err := f.db.Transaction(ctx, func(tx *Database) error {
		artists, err := tx.Dataset(f.Artist).Order(Asc(Ident("id"))).Eager("albums").All(ctx)
		if err != nil {
			return err
		}
		assert.Len(t, artists[0].Many("albums"), 2)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.queries(), "statements in the transaction share the stats")
}

func TestTransaction_NoConnection(t *testing.T) {
	err := New(nil, Dialects.SQLite3).Transaction(context.Background(), func(*Database) error { return nil })
	assert.Error(t, err)
}
