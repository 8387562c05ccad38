package relorm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const musicSchema = `
models:
  - name: Artist
    table: artists
    columns: [id, name]
    associations:
      - name: albums
        type: one_to_many
        order: [-year, title]
      - name: tracks
        type: many_through_many
        class: Track
        through:
          - {table: albums, left_key: [artist_id], right_key: [id]}
        right_primary_key: [album_id]
  - name: Album
    table: albums
    associations:
      - name: artist
        type: many_to_one
        cache: true
        graph_join: inner
      - name: tracks
        type: one_to_many
        limit: 10
        read_only: true
  - name: Track
    table: tracks
    primary_key: [id]
  - name: Genre
    table: genres
    tree:
      max_level: 2
`

func TestParseSchema(t *testing.T) {
	r, err := ParseSchema([]byte(musicSchema))
	require.NoError(t, err)
	require.True(t, r.isFinalized())

	artist := r.MustModel("Artist")
	assert.Equal(t, []string{"id", "name"}, artist.Columns())

	albums, err := artist.Association("albums")
	require.NoError(t, err)
	o := albums.Options()
	assert.Equal(t, []string{"artist_id"}, o.Key)
	require.Len(t, o.Order, 2)
	q, _ := render(t, Dialects.SQLite3, o.Order[0])
	assert.Equal(t, `"year" DESC`, q)
	q, _ = render(t, Dialects.SQLite3, o.Order[1])
	assert.Equal(t, `"title" ASC`, q)

	tracks, err := artist.Association("tracks")
	require.NoError(t, err)
	assert.Same(t, r.MustModel("Track"), tracks.Associated())
	require.Len(t, tracks.Options().Through, 1)
	assert.Equal(t, "albums", tracks.Options().Through[0].Table)

	artistOf, err := r.MustModel("Album").Association("artist")
	require.NoError(t, err)
	assert.True(t, artistOf.Options().Cache)
	assert.Equal(t, InnerJoin, artistOf.Options().GraphJoinType)

	albumTracks, err := r.MustModel("Album").Association("tracks")
	require.NoError(t, err)
	assert.Equal(t, 10, albumTracks.Options().Limit)
	assert.True(t, albumTracks.Options().ReadOnly)

	ancestors, err := r.MustModel("Genre").Association("ancestors")
	require.NoError(t, err)
	assert.Equal(t, 2, ancestors.Options().MaxLevel)
	assert.Equal(t, []string{"parent_id"}, ancestors.Options().Key)
	_, err = r.MustModel("Genre").Association("descendants")
	assert.NoError(t, err)
}

func TestParseSchema_Errors(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		target error
	}{
		{
			name:   "missing table",
			schema: "models:\n  - name: Artist\n",
			target: ErrMissingOption,
		},
		{
			name: "bad graph join",
			schema: `
models:
  - name: Album
    table: albums
    associations:
      - {name: artist, type: many_to_one, graph_join: cross}
  - name: Artist
    table: artists
`,
			target: ErrInvalidAssociation,
		},
		{
			name: "unknown association type",
			schema: `
models:
  - name: Album
    table: albums
    associations:
      - {name: artist, type: belongs_to}
`,
			target: ErrInvalidAssociation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchema([]byte(tt.schema))
			assert.ErrorIs(t, err, tt.target)
		})
	}

	_, err := ParseSchema([]byte("models: [oops"))
	assert.Error(t, err)
}

func TestLoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(musicSchema), 0o600))

	r, err := LoadSchemaFile(path)
	require.NoError(t, err)
	assert.Len(t, r.Models(), 4)

	_, err = LoadSchemaFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSchemaFile_QueriesLikeCode(t *testing.T) {
	f := newMusicFixture(t)
	r, err := ParseSchema([]byte(musicSchema))
	require.NoError(t, err)

	db := New(f.sqlDB, Dialects.SQLite3)
	alice, err := db.Find(t.Context(), r.MustModel("Artist"), 1)
	require.NoError(t, err)

	albums, err := db.LoadMany(t.Context(), alice, "albums")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids(albums), "year descending")

	tracks, err := db.LoadMany(t.Context(), alice, "tracks")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids(tracks))
}
