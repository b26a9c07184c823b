// Package coverage defines the minimal geometry contract the cache core
// needs: whether a tile's bbox falls inside an allowed area, and whether
// that area should be applied as a per-pixel clip mask. Full CRS/geometry
// support is an external collaborator (spec.md §1 Non-goals); this package
// only specifies the contract the manager and band merger consume.
package coverage

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nandina-gis/tilecache/internal/tilecoord"
)

// Coverage restricts which tiles are considered inside a cache's domain.
type Coverage interface {
	// Intersects reports whether bbox overlaps the covered area at all.
	Intersects(bbox tilecoord.BBox) bool

	// Contains reports whether a single point is inside the covered area.
	// Only called when Clip is true.
	Contains(x, y float64) bool

	// Clip reports whether pixels outside the area should be masked
	// transparent, as opposed to the cheaper all-or-nothing Intersects
	// check.
	Clip() bool
}

// BBoxCoverage is a rectangular coverage, the simplest concrete Coverage
// implementation and the one used when no richer polygon geometry is
// injected by a caller.
type BBoxCoverage struct {
	BBox        tilecoord.BBox
	ClipEnabled bool
}

func (c BBoxCoverage) Intersects(b tilecoord.BBox) bool { return c.BBox.Intersects(b) }

func (c BBoxCoverage) Contains(x, y float64) bool {
	return x >= c.BBox.MinX && x <= c.BBox.MaxX && y >= c.BBox.MinY && y <= c.BBox.MaxY
}

func (c BBoxCoverage) Clip() bool { return c.ClipEnabled }

// MaskImage sets every pixel of img whose geographic position (interpolated
// linearly across bbox) falls outside cov to transparent, returning a new
// RGBA image. Used by the tile manager's coverage-clipping step (spec.md
// §4.H step 5) and honored as a coverage argument to the layer merger.
func MaskImage(img image.Image, bbox tilecoord.BBox, cov Coverage) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return out
	}
	spanX := bbox.MaxX - bbox.MinX
	spanY := bbox.MaxY - bbox.MinY

	for py := 0; py < h; py++ {
		geoY := bbox.MaxY - (float64(py)+0.5)/float64(h)*spanY
		for px := 0; px < w; px++ {
			geoX := bbox.MinX + (float64(px)+0.5)/float64(w)*spanX
			if !cov.Contains(geoX, geoY) {
				out.SetRGBA(b.Min.X+px, b.Min.Y+py, color.RGBA{})
			}
		}
	}
	return out
}
