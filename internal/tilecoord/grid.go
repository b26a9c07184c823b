// Package tilecoord implements the tile grid math the cache core needs:
// tile bounding boxes, resolutions, and the meta-tile grouping used by the
// tile creator to batch upstream requests.
package tilecoord

import "math"

// BBox is an axis-aligned bounding box in the grid's spatial reference.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// Intersects reports whether b and o overlap.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX < o.MaxX && b.MaxX > o.MinX && b.MinY < o.MaxY && b.MaxY > o.MinY
}

// Grid is a web-mercator style tile pyramid: square tiles, power-of-two
// subdivision per zoom level. The arithmetic mirrors the donor's
// internal/coord/mercator.go (LonLatToTile, TileBounds, PixelToLonLat),
// generalized from WGS84-only to the grid's configured SRS origin/extent.
type Grid struct {
	TileSize int
	SRS      string
	Levels   int

	// Origin describes the grid's coordinate space (e.g. web mercator's
	// +-20037508.3427892 square). Level z covers Origin subdivided into 2^z
	// tiles per axis.
	Origin     BBox
	resolution []float64
}

// NewGrid builds a Grid with per-level resolution precomputed from the
// extent and tile size, matching how the donor derives resolution from
// EarthCircumference/2^zoom/tileSize in ResolutionAtLat.
func NewGrid(srs string, origin BBox, tileSize, levels int) *Grid {
	g := &Grid{TileSize: tileSize, SRS: srs, Origin: origin, Levels: levels}
	width := origin.MaxX - origin.MinX
	g.resolution = make([]float64, levels+1)
	for z := 0; z <= levels; z++ {
		n := math.Pow(2, float64(z))
		g.resolution[z] = width / n / float64(tileSize)
	}
	return g
}

// Resolution returns the ground units per pixel at zoom z.
func (g *Grid) Resolution(z int) float64 {
	if z < 0 || z >= len(g.resolution) {
		return 0
	}
	return g.resolution[z]
}

// GridSize returns the number of tiles per axis at zoom z.
func (g *Grid) GridSize(z int) (w, h int) {
	n := int(math.Pow(2, float64(z)))
	return n, n
}

// TileBBox returns the bounding box of tile (x,y) at zoom z in the grid's SRS.
func (g *Grid) TileBBox(x, y, z int) BBox {
	res := g.Resolution(z)
	size := float64(g.TileSize) * res
	minX := g.Origin.MinX + float64(x)*size
	maxY := g.Origin.MaxY - float64(y)*size
	return BBox{MinX: minX, MinY: maxY - size, MaxX: minX + size, MaxY: maxY}
}

// TileAtPoint returns the tile coordinate containing (px, py) at zoom z,
// clamped to the grid's valid range the way the donor's LonLatToTile clamps
// to [0, maxTile].
func (g *Grid) TileAtPoint(px, py float64, z int) (x, y int) {
	res := g.Resolution(z)
	size := float64(g.TileSize) * res
	x = int(math.Floor((px - g.Origin.MinX) / size))
	y = int(math.Floor((g.Origin.MaxY - py) / size))
	w, h := g.GridSize(z)
	if x < 0 {
		x = 0
	}
	if x > w-1 {
		x = w - 1
	}
	if y < 0 {
		y = 0
	}
	if y > h-1 {
		y = h - 1
	}
	return x, y
}

// AffectedLevelTiles returns the combined bbox and the coordinates of the
// tiles at srcLevel that cover bbox — used by the manager's rescale path to
// find the source tiles for an adjacent zoom level.
func (g *Grid) AffectedLevelTiles(bbox BBox, srcLevel int) (srcBBox BBox, coords [][2]int) {
	// Probe half a source pixel inside bbox so an edge lying on a tile
	// boundary does not pull in the neighbouring tile.
	eps := g.Resolution(srcLevel) / 2
	x0, y0 := g.TileAtPoint(bbox.MinX+eps, bbox.MaxY-eps, srcLevel)
	x1, y1 := g.TileAtPoint(bbox.MaxX-eps, bbox.MinY+eps, srcLevel)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			coords = append(coords, [2]int{x, y})
		}
	}
	if len(coords) == 0 {
		return BBox{}, nil
	}
	first := g.TileBBox(x0, y0, srcLevel)
	last := g.TileBBox(x1, y1, srcLevel)
	srcBBox = BBox{MinX: first.MinX, MinY: last.MinY, MaxX: last.MaxX, MaxY: first.MaxY}
	return srcBBox, coords
}
