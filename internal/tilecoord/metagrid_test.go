package tilecoord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMainTileAlignsToBlockOrigin(t *testing.T) {
	g := webMercatorGrid(6)
	mg := NewMetaGrid(g, 4, 4, 0)
	assert.Equal(t, [3]int{8, 8, 6}, mg.MainTile(10, 11, 6))
	assert.Equal(t, [3]int{0, 0, 6}, mg.MainTile(3, 1, 6))
}

func TestMetaTileForCoversWholeBlock(t *testing.T) {
	g := webMercatorGrid(6)
	mg := NewMetaGrid(g, 2, 2, 0)
	mt := mg.MetaTileFor(8, 8, 6)
	require.Len(t, mt.Patterns, 4)
	assert.Equal(t, 2*g.TileSize, mt.Width)
	assert.Equal(t, 2*g.TileSize, mt.Height)

	seen := map[[3]int]bool{}
	for _, p := range mt.Patterns {
		seen[p.Coord] = true
	}
	for _, c := range [][3]int{{8, 8, 6}, {9, 8, 6}, {8, 9, 6}, {9, 9, 6}} {
		assert.True(t, seen[c], "missing coord %v", c)
	}
}

func TestMetaTileForClipsAtGridEdge(t *testing.T) {
	g := webMercatorGrid(0) // zoom 0 has a single tile per axis
	mg := NewMetaGrid(g, 2, 2, 0)
	mt := mg.MetaTileFor(0, 0, 0) // the 2x2 block extends past the 1x1 grid on two sides
	nilCount := 0
	for _, tl := range mt.Tiles {
		if tl == nil {
			nilCount++
		}
	}
	assert.Equal(t, 3, nilCount, "3 of the 4 block slots fall outside the grid")
}

func TestMetaTileForAppliesBuffer(t *testing.T) {
	g := webMercatorGrid(4)
	mg := NewMetaGrid(g, 1, 1, 16)
	mt := mg.MetaTileFor(2, 2, 4)
	assert.Equal(t, g.TileSize+32, mt.Width)
	assert.Equal(t, g.TileSize+32, mt.Height)
	plain := g.TileBBox(2, 2, 4)
	assert.Less(t, mt.BBox.MinX, plain.MinX)
	assert.Greater(t, mt.BBox.MaxX, plain.MaxX)
}

func TestMinimalMetaTileBoundsAllCoords(t *testing.T) {
	g := webMercatorGrid(5)
	mg := NewMetaGrid(g, 2, 2, 0)
	mt := mg.MinimalMetaTile([][3]int{{10, 10, 5}, {12, 11, 5}})
	require.NotNil(t, mt)
	assert.Equal(t, 3*g.TileSize, mt.Width)
	assert.Equal(t, 2*g.TileSize, mt.Height)
	require.Len(t, mt.Patterns, 6)
}

func TestMinimalMetaTileEmptyInput(t *testing.T) {
	g := webMercatorGrid(5)
	mg := NewMetaGrid(g, 2, 2, 0)
	assert.Nil(t, mg.MinimalMetaTile(nil))
}
