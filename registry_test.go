package relorm

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Defaults(t *testing.T) {
	f := newMusicFixture(t)

	tests := []struct {
		model, assoc string
		check        func(t *testing.T, r AssociationReflection)
	}{
		{"Album", "artist", func(t *testing.T, r AssociationReflection) {
			assert.Same(t, f.Artist, r.Associated())
			assert.Equal(t, []string{"artist_id"}, r.Options().Key)
			assert.Equal(t, []string{"id"}, r.Options().PrimaryKey)
			assert.False(t, r.ReturnsArray())
		}},
		{"Artist", "albums", func(t *testing.T, r AssociationReflection) {
			assert.Same(t, f.Album, r.Associated())
			assert.Equal(t, []string{"artist_id"}, r.Options().Key)
			assert.Equal(t, []string{"id"}, r.Options().PrimaryKey)
			assert.True(t, r.ReturnsArray())
		}},
		{"Artist", "profile", func(t *testing.T, r AssociationReflection) {
			assert.Same(t, f.Profile, r.Associated())
			assert.Equal(t, []string{"artist_id"}, r.Options().Key)
			assert.False(t, r.ReturnsArray())
		}},
		{"Album", "genres", func(t *testing.T, r AssociationReflection) {
			o := r.Options()
			assert.Equal(t, "albums_genres", o.JoinTable)
			assert.Equal(t, []string{"album_id"}, o.LeftKey)
			assert.Equal(t, []string{"genre_id"}, o.RightKey)
			assert.Equal(t, []string{"id"}, o.LeftPrimaryKey)
			assert.Equal(t, []string{"id"}, o.RightPrimaryKey)
		}},
		{"Genre", "albums", func(t *testing.T, r AssociationReflection) {
			o := r.Options()
			assert.Equal(t, "albums_genres", o.JoinTable, "join table names are sorted")
			assert.Equal(t, []string{"genre_id"}, o.LeftKey)
			assert.Equal(t, []string{"album_id"}, o.RightKey)
		}},
		{"Artist", "tracks", func(t *testing.T, r AssociationReflection) {
			o := r.Options()
			assert.Same(t, f.Track, r.Associated())
			assert.Equal(t, []string{"id"}, o.LeftPrimaryKey)
			assert.Equal(t, []string{"album_id"}, o.RightPrimaryKey)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.model+"."+tt.assoc, func(t *testing.T) {
			r, err := f.reg.MustModel(tt.model).Association(tt.assoc)
			require.NoError(t, err)
			assert.Equal(t, tt.assoc, r.Name())
			assert.Equal(t, tt.model, r.Owner().Name())
			tt.check(t, r)
		})
	}
}

func TestRegistry_ArrayDefaults(t *testing.T) {
	r := NewRegistry()
	r.Define("Album", "albums").PgArrayToMany("tags")
	r.Define("Tag", "tags").ManyToPgArray("albums")
	require.NoError(t, r.Finalize())

	tags, err := r.MustModel("Album").Association("tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"tag_ids"}, tags.Options().Key)
	assert.Equal(t, []string{"id"}, tags.Options().PrimaryKey)

	albums, err := r.MustModel("Tag").Association("albums")
	require.NoError(t, err)
	assert.Equal(t, []string{"tag_ids"}, albums.Options().Key)
	assert.True(t, albums.ReturnsArray())
}

func TestRegistry_ModelsInOrder(t *testing.T) {
	f := newMusicFixture(t)

	var names []string
	for _, m := range f.reg.Models() {
		names = append(names, m.Name())
	}
	assert.Equal(t, []string{"Artist", "Album", "Track", "Genre", "Profile"}, names)

	_, err := f.reg.Model("Nope")
	assert.ErrorIs(t, err, ErrUnresolvedModel)
	assert.Panics(t, func() { f.reg.MustModel("Nope") })

	var assocs []string
	for _, a := range f.Album.Associations() {
		assocs = append(assocs, a.Name())
	}
	assert.Equal(t, []string{"artist", "tracks", "genres"}, assocs)
}

func TestRegistry_ForwardReference(t *testing.T) {
	r := NewRegistry()
	r.Define("Album", "albums").ManyToOne("artist")
	r.Define("Artist", "artists")
	require.NoError(t, r.Finalize())

	a, err := r.MustModel("Album").Association("artist")
	require.NoError(t, err)
	assert.Equal(t, "Artist", a.Associated().Name())
}

func TestRegistry_ClassByTableName(t *testing.T) {
	r := NewRegistry()
	r.Define("Album", "albums").ManyToOne("artist", Class("people"))
	r.Define("Person", "people")
	require.NoError(t, r.Finalize())

	a, err := r.MustModel("Album").Association("artist")
	require.NoError(t, err)
	assert.Equal(t, "Person", a.Associated().Name())
}

func TestRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		define  func(r *Registry)
		want    error
		message string
	}{
		{
			name:    "unresolved class",
			define:  func(r *Registry) { r.Define("Album", "albums").ManyToOne("artist") },
			want:    ErrUnresolvedModel,
			message: `class "Artist"`,
		},
		{
			name: "many_through_many without Through",
			define: func(r *Registry) {
				r.Define("Artist", "artists").ManyThroughMany("tracks")
				r.Define("Track", "tracks")
			},
			want: ErrMissingOption,
		},
		{
			name: "one_to_many with composite key",
			define: func(r *Registry) {
				r.Define("Artist", "artists", WithPrimaryKey("a", "b")).OneToMany("albums")
				r.Define("Album", "albums")
			},
			want: ErrMissingOption,
		},
		{
			name: "many_to_one against keyless model",
			define: func(r *Registry) {
				r.Define("Album", "albums").ManyToOne("artist")
				r.Define("Artist", "artists", WithPrimaryKey())
			},
			want: ErrNoPrimaryKey,
		},
		{
			name: "key arity",
			define: func(r *Registry) {
				r.Define("Album", "albums").ManyToOne("artist", Key("a", "b"))
				r.Define("Artist", "artists")
			},
			want: ErrMissingOption,
		},
		{
			name: "invalid column",
			define: func(r *Registry) {
				r.Define("Album", "albums").ManyToOne("artist", Key("artist id"))
				r.Define("Artist", "artists")
			},
			want: ErrInvalidIdentifier,
		},
		{
			name:   "invalid table",
			define: func(r *Registry) { r.Define("Album", "albums; drop") },
			want:   ErrInvalidIdentifier,
		},
		{
			name: "self many_to_many without keys",
			define: func(r *Registry) {
				r.Define("Artist", "artists").ManyToMany("artists")
			},
			want: ErrMissingOption,
		},
		{
			name:   "unknown type",
			define: func(r *Registry) { r.Define("Album", "albums").Associate("has_many", "tracks") },
			want:   ErrInvalidAssociation,
		},
		{
			name: "array with composite key",
			define: func(r *Registry) {
				r.Define("Album", "albums").PgArrayToMany("tags")
				r.Define("Tag", "tags", WithPrimaryKey("a", "b"))
			},
			want: ErrInvalidAssociation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			tt.define(r)
			err := r.Finalize()
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsConfigError(err))
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}

			assert.False(t, r.isFinalized(), "a failed Finalize leaves the registry open")
		})
	}
}

func TestRegistry_ErrorHints(t *testing.T) {
	r := NewRegistry()
	r.Define("Album", "albums").ManyToOne("artist")
	r.Define("Track", "tracks")
	err := r.Finalize()
	require.Error(t, err)

	hints := strings.Join(errors.GetAllHints(err), "\n")
	assert.Contains(t, hints, "Album, Track")

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Album", ce.Model)
	assert.Equal(t, "artist", ce.Association)
}

func TestRegistry_DuplicateModel(t *testing.T) {
	r := NewRegistry()
	r.Define("Album", "albums")
	r.Define("Album", "albums")
	err := r.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined twice")
	assert.Len(t, r.Models(), 1)
}

func TestRegistry_NotFinalized(t *testing.T) {
	r := NewRegistry()
	m := r.Define("Artist", "artists").OneToMany("albums")
	r.Define("Album", "albums")

	_, err := m.Association("albums")
	assert.ErrorIs(t, err, ErrNotFinalized)

	_, err = New(nil, Dialects.SQLite3).Dataset(m).Eager("albums").All(context.Background())
	assert.ErrorIs(t, err, ErrNotFinalized)
}

func TestRegistry_PanicsAfterFinalize(t *testing.T) {
	r := NewRegistry()
	m := r.Define("Artist", "artists")
	require.NoError(t, r.Finalize())
	require.NoError(t, r.Finalize(), "finalizing twice is a no-op")

	assert.Panics(t, func() { r.Define("Album", "albums") })
	assert.Panics(t, func() { m.OneToMany("albums") })
}

func TestRegistry_AssociationNotFound(t *testing.T) {
	f := newMusicFixture(t)

	_, err := f.Artist.Association("nope")
	require.ErrorIs(t, err, ErrAssociationNotFound)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, strings.Join(errors.GetAllHints(err), ""), "albums, profile, tracks")
}

func TestRegistry_SelfManyToMany(t *testing.T) {
	r := NewRegistry()
	r.Define("Artist", "artists").ManyToMany("collaborators", Class("Artist"),
		JoinTable("collaborations"), LeftKey("artist_id"), RightKey("collaborator_id"))
	require.NoError(t, r.Finalize())

	a, err := r.MustModel("Artist").Association("collaborators")
	require.NoError(t, err)
	assert.Equal(t, "collaborations", a.Options().JoinTable)
	assert.Same(t, r.MustModel("Artist"), a.Associated())
}

func TestRegistry_Redeclare(t *testing.T) {
	r := NewRegistry()
	r.Define("Album", "albums").
		ManyToOne("artist").
		OneToMany("tracks").
		ManyToOne("artist", Key("performer_id"))
	r.Define("Artist", "artists")
	r.Define("Track", "tracks")
	require.NoError(t, r.Finalize())

	m := r.MustModel("Album")
	a, err := m.Association("artist")
	require.NoError(t, err)
	assert.Equal(t, []string{"performer_id"}, a.Options().Key)
	assert.Len(t, m.Associations(), 2)
	assert.Equal(t, "artist", m.Associations()[0].Name(), "redeclaring keeps the original position")
}

func TestModel_Subclass(t *testing.T) {
	r := NewRegistry()
	album := r.Define("Album", "albums", WithColumns("id", "artist_id")).ManyToOne("artist")
	live := album.Subclass("LiveAlbum", "live_albums").ManyToOne("venue")
	album.OneToMany("tracks")
	r.Define("Artist", "artists")
	r.Define("Venue", "venues")
	r.Define("Track", "tracks")
	require.NoError(t, r.Finalize())

	assert.Same(t, album, live.Parent())
	assert.Equal(t, []string{"id", "artist_id"}, live.Columns())

	_, err := live.Association("artist")
	assert.NoError(t, err, "inherited")
	_, err = live.Association("venue")
	assert.NoError(t, err)
	_, err = live.Association("tracks")
	assert.ErrorIs(t, err, ErrAssociationNotFound, "declared on the parent after Subclass")
	_, err = album.Association("venue")
	assert.ErrorIs(t, err, ErrAssociationNotFound)
}

func TestModel_SubclassInstancesAccepted(t *testing.T) {
	r := NewRegistry()
	artist := r.Define("Artist", "artists").OneToMany("albums")
	album := r.Define("Album", "albums")
	live := album.Subclass("LiveAlbum", "live_albums")
	require.NoError(t, r.Finalize())

	a, err := artist.Association("albums")
	require.NoError(t, err)
	refl := a.(interface{ checkChild(*Instance) error })
	assert.NoError(t, refl.checkChild(live.New(nil)))
	assert.ErrorIs(t, refl.checkChild(artist.New(nil)), ErrMismatchedModel)
}

func TestRegisterAssociationType(t *testing.T) {
	const alias AssociationType = "belongs_to"
	RegisterAssociationType(alias, newManyToOne)
	t.Cleanup(func() {
		associationTypes.Lock()
		delete(associationTypes.m, alias)
		associationTypes.Unlock()
	})

	r := NewRegistry()
	r.Define("Album", "albums").Associate(alias, "artist")
	r.Define("Artist", "artists")
	require.NoError(t, r.Finalize())

	a, err := r.MustModel("Album").Association("artist")
	require.NoError(t, err)
	assert.Equal(t, []string{"artist_id"}, a.Options().Key)
	assert.Contains(t, registeredTypes(), "belongs_to")
}

func TestModel_RowFunc(t *testing.T) {
	var calls int
	r := NewRegistry()
	m := r.Define("Artist", "artists", WithRowFunc(func(m *Model, row Row) *Instance {
		calls++
		row["name"] = strings.ToUpper(row["name"].(string))
		return DefaultRowFunc(m, row)
	}))
	require.NoError(t, r.Finalize())

	inst := m.Instantiate(Row{"id": int64(1), "name": "alice"})
	assert.Equal(t, 1, calls)
	assert.Equal(t, "ALICE", inst.Get("name"))
	assert.False(t, inst.IsNew())
	assert.Same(t, m, inst.Model())
}

func TestAssociation_String(t *testing.T) {
	f := newMusicFixture(t)
	a, err := f.Album.Association("genres")
	require.NoError(t, err)
	assert.Equal(t, "many_to_many Album.genres -> Genre", a.(interface{ String() string }).String())
}
