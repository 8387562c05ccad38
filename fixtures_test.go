package relorm

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

const musicDDL = `
CREATE TABLE artists (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE albums (id INTEGER PRIMARY KEY AUTOINCREMENT, artist_id INTEGER, title TEXT, year INTEGER);
CREATE TABLE tracks (id INTEGER PRIMARY KEY AUTOINCREMENT, album_id INTEGER, number INTEGER, title TEXT);
CREATE TABLE genres (id INTEGER PRIMARY KEY AUTOINCREMENT, parent_id INTEGER, name TEXT);
CREATE TABLE albums_genres (album_id INTEGER, genre_id INTEGER);
CREATE TABLE profiles (id INTEGER PRIMARY KEY AUTOINCREMENT, artist_id INTEGER, bio TEXT);
`

const musicData = `
INSERT INTO artists (id, name) VALUES (1, 'Alice'), (2, 'Bob'), (3, 'Carol');
INSERT INTO albums (id, artist_id, title, year) VALUES
	(1, 1, 'A1', 2001), (2, 1, 'A2', 2003), (3, 2, 'B1', 2002), (4, NULL, 'Orphan', 1999);
INSERT INTO tracks (id, album_id, number, title) VALUES
	(1, 1, 2, 'a1-two'), (2, 1, 1, 'a1-one'), (3, 3, 1, 'b1-one');
INSERT INTO genres (id, parent_id, name) VALUES
	(1, NULL, 'rock'), (2, 1, 'indie'), (3, 2, 'shoegaze'), (4, NULL, 'jazz');
INSERT INTO albums_genres (album_id, genre_id) VALUES (1, 2), (1, 3), (3, 2);
INSERT INTO profiles (id, artist_id, bio) VALUES (1, 1, 'alice bio');
`

// musicFixture is a sqlite database of artists, albums, tracks, genres and
// profiles with its registry.
type musicFixture struct {
	sqlDB *sql.DB
	db    *Database
	reg   *Registry

	Artist, Album, Track, Genre, Profile *Model
}

func defineMusic(r *Registry) {
	r.Define("Artist", "artists", WithColumns("id", "name")).
		OneToMany("albums", OrderBy(Asc(Ident("year")))).
		OneToOne("profile").
		ManyThroughMany("tracks", Class("Track"),
			Through(Edge("albums", "artist_id", "id")),
			RightPrimaryKey("album_id"))
	r.Define("Album", "albums", WithColumns("id", "artist_id", "title", "year")).
		ManyToOne("artist", CacheLookups()).
		OneToMany("tracks", OrderBy(Asc(Ident("number")))).
		ManyToMany("genres")
	r.Define("Track", "tracks", WithColumns("id", "album_id", "number", "title")).
		ManyToOne("album")
	r.Define("Genre", "genres", WithColumns("id", "parent_id", "name")).
		ManyToOne("parent", Class("Genre"), Key("parent_id")).
		OneToMany("children", Class("Genre"), Key("parent_id")).
		ManyToMany("albums").
		Tree()
	r.Define("Profile", "profiles", WithColumns("id", "artist_id", "bio")).
		ManyToOne("artist")
}

func openMusicDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_, err = sqlDB.Exec(musicDDL)
	require.NoError(t, err)
	_, err = sqlDB.Exec(musicData)
	require.NoError(t, err)
	return sqlDB
}

func newMusicFixture(t *testing.T, opts ...Option) *musicFixture {
	t.Helper()
	sqlDB := openMusicDB(t)

	r := NewRegistry()
	defineMusic(r)
	require.NoError(t, r.Finalize())

	return &musicFixture{
		sqlDB:   sqlDB,
		db:      New(sqlDB, Dialects.SQLite3, opts...),
		reg:     r,
		Artist:  r.MustModel("Artist"),
		Album:   r.MustModel("Album"),
		Track:   r.MustModel("Track"),
		Genre:   r.MustModel("Genre"),
		Profile: r.MustModel("Profile"),
	}
}

func (f *musicFixture) find(t *testing.T, m *Model, id int64) *Instance {
	t.Helper()
	inst, err := f.db.Find(context.Background(), m, id)
	require.NoError(t, err)
	return inst
}

// queries returns the number of SELECT statements run since the last
// reset.
func (f *musicFixture) queries() int64 {
	return f.db.Stats().TotalQueries
}

func ids(insts []*Instance) []int64 {
	out := make([]int64, len(insts))
	for i, inst := range insts {
		out[i] = toInt64(inst.Get("id"))
	}
	return out
}
