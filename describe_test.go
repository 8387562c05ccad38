package relorm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModel_Describe(t *testing.T) {
	f := newMusicFixture(t)

	var b strings.Builder
	f.Album.Describe(&b)
	out := b.String()

	assert.True(t, strings.HasPrefix(out, "Album (table albums)\n"))
	assert.Contains(t, out, "COLUMN")
	assert.Contains(t, out, "PRIMARY KEY")
	assert.Contains(t, out, "ASSOCIATION")
	assert.Contains(t, out, "artist_id")
	assert.Contains(t, out, "many_to_one")
	assert.Contains(t, out, "albums_genres(album_id -> genre_id)")
}

func TestModel_DescribeTree(t *testing.T) {
	r := NewRegistry()
	node := r.Define("Node", "nodes").Tree(MaxLevel(3))
	r.Define("Leaf", "leaves")
	assert.NoError(t, r.Finalize())

	var b strings.Builder
	node.Describe(&b)
	assert.Contains(t, b.String(), "recursive, 3 levels")
	assert.Contains(t, b.String(), "(not declared)")

	b.Reset()
	r.MustModel("Leaf").Describe(&b)
	assert.NotContains(t, b.String(), "ASSOCIATION")
}

func TestRegistry_Describe(t *testing.T) {
	f := newMusicFixture(t)

	var b strings.Builder
	f.reg.Describe(&b)
	out := b.String()
	for _, line := range []string{
		"Artist (table artists)",
		"Album (table albums)",
		"Track (table tracks)",
		"Genre (table genres)",
		"Profile (table profiles)",
	} {
		assert.Contains(t, out, line)
	}
	assert.Contains(t, out, "albums(artist_id -> id)")
	assert.Contains(t, out, "recursive")
}
