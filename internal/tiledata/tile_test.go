package tiledata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTileDefaultsCacheable(t *testing.T) {
	coord := Coord{X: 1, Y: 2, Z: 3}
	tile := NewTile(&coord)
	assert.True(t, tile.Cacheable)
	assert.True(t, tile.IsMissing())
}

func TestIsMissingRequiresCoordAndNoPayload(t *testing.T) {
	assert.False(t, NewTile(nil).IsMissing())

	coord := Coord{X: 0, Y: 0, Z: 0}
	tile := NewTile(&coord)
	tile.Payload = NewImagePayloadFromBytes([]byte("x"), "png")
	assert.False(t, tile.IsMissing())
}

func TestTileEqualComparesCoordAndPayloadIdentity(t *testing.T) {
	c1 := Coord{X: 1, Y: 1, Z: 1}
	c2 := Coord{X: 1, Y: 1, Z: 1}
	p := NewImagePayloadFromBytes([]byte("a"), "png")

	a := &Tile{Coord: &c1, Payload: p}
	b := &Tile{Coord: &c2, Payload: p}
	assert.True(t, a.Equal(b), "equal coord values and identical payload pointer")

	c := &Tile{Coord: &c2, Payload: NewImagePayloadFromBytes([]byte("a"), "png")}
	assert.False(t, a.Equal(c), "distinct payload objects are never Equal, even with identical bytes")
}

func TestTileCollectionGetAndContains(t *testing.T) {
	coords := []*Coord{{X: 0, Y: 0, Z: 0}, nil, {X: 1, Y: 1, Z: 1}}
	tc := NewTileCollection(coords)

	require.Len(t, tc.Tiles, 3)
	assert.True(t, tc.Contains(Coord{X: 1, Y: 1, Z: 1}))
	assert.False(t, tc.Contains(Coord{X: 9, Y: 9, Z: 9}))

	tile, ok := tc.Get(Coord{X: 0, Y: 0, Z: 0})
	require.True(t, ok)
	assert.Nil(t, tile.Payload)
}

func TestTileCollectionAppendIndexes(t *testing.T) {
	tc := NewTileCollection(nil)
	coord := Coord{X: 5, Y: 5, Z: 5}
	tc.Append(NewTile(&coord))
	tile, ok := tc.Get(coord)
	require.True(t, ok)
	assert.Same(t, tc.Tiles[0], tile)
}

func TestTileCollectionBlank(t *testing.T) {
	coords := []*Coord{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}}
	tc := NewTileCollection(coords)
	assert.True(t, tc.Blank())

	tc.Tiles[0].Payload = NewImagePayloadFromBytes([]byte("x"), "png")
	assert.False(t, tc.Blank())
}
