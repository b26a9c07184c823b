package tilecoord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webMercatorGrid(levels int) *Grid {
	return NewGrid("EPSG:3857", BBox{
		MinX: -20037508.3427892, MinY: -20037508.3427892,
		MaxX: 20037508.3427892, MaxY: 20037508.3427892,
	}, 256, levels)
}

func TestBBoxIntersects(t *testing.T) {
	a := BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	assert.True(t, a.Intersects(BBox{MinX: 5, MinY: 5, MaxX: 15, MaxY: 15}))
	assert.False(t, a.Intersects(BBox{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20}), "edge-touching boxes do not intersect")
	assert.False(t, a.Intersects(BBox{MinX: 20, MinY: 20, MaxX: 30, MaxY: 30}))
}

func TestGridSizeDoublesPerLevel(t *testing.T) {
	g := webMercatorGrid(5)
	for z := 0; z <= 5; z++ {
		w, h := g.GridSize(z)
		assert.Equal(t, 1<<uint(z), w)
		assert.Equal(t, 1<<uint(z), h)
	}
}

func TestTileBBoxCoversOrigin(t *testing.T) {
	g := webMercatorGrid(1)
	b := g.TileBBox(0, 0, 0)
	assert.InDelta(t, g.Origin.MinX, b.MinX, 1e-6)
	assert.InDelta(t, g.Origin.MaxY, b.MaxY, 1e-6)
	assert.InDelta(t, g.Origin.MaxX, b.MaxX, 1e-6)
	assert.InDelta(t, g.Origin.MinY, b.MinY, 1e-6)
}

func TestTileAtPointRoundTripsThroughTileBBox(t *testing.T) {
	g := webMercatorGrid(10)
	for z := 0; z <= 10; z++ {
		b := g.TileBBox(3, 2, z)
		cx := (b.MinX + b.MaxX) / 2
		cy := (b.MinY + b.MaxY) / 2
		x, y := g.TileAtPoint(cx, cy, z)
		require.Equal(t, 3, x, "zoom %d", z)
		require.Equal(t, 2, y, "zoom %d", z)
	}
}

func TestTileAtPointClampsOutOfRange(t *testing.T) {
	g := webMercatorGrid(2)
	x, y := g.TileAtPoint(g.Origin.MaxX+1e9, g.Origin.MinY-1e9, 2)
	w, h := g.GridSize(2)
	assert.Equal(t, w-1, x)
	assert.Equal(t, h-1, y)
}

func TestAffectedLevelTilesSingleParent(t *testing.T) {
	g := webMercatorGrid(8)
	bbox := g.TileBBox(10, 10, 8)
	srcBBox, coords := g.AffectedLevelTiles(bbox, 7)
	require.Len(t, coords, 1)
	assert.Equal(t, [2]int{5, 5}, coords[0])
	assert.Equal(t, g.TileBBox(5, 5, 7), srcBBox)
}

func TestAffectedLevelTilesFinerLevelCoversMultiple(t *testing.T) {
	g := webMercatorGrid(8)
	bbox := g.TileBBox(5, 5, 6)
	_, coords := g.AffectedLevelTiles(bbox, 7)
	assert.Len(t, coords, 4, "one parent tile splits into a 2x2 block one level down")
}
