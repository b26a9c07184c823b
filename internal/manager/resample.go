package manager

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nandina-gis/tilecache/internal/tilecoord"
	"github.com/nandina-gis/tilecache/internal/tiledata"
)

// assembleAndResample stitches affected (tiles covering srcBBox on an
// adjacent zoom level) into a single canvas and resamples the sub-region
// corresponding to dstBBox into a grid.TileSize square. The generic
// resampler below stands in for the donor's GeoTIFF-specific resample
// pipeline (internal/tile/resample.go), which is tied to raster CRS
// transforms and not reusable here (see DESIGN.md).
func (m *Manager) assembleAndResample(affected *tiledata.TileCollection, srcBBox, dstBBox tilecoord.BBox) (*tiledata.ImagePayload, error) {
	ts := m.grid.TileSize

	minX, minY := affected.Tiles[0].Coord.X, affected.Tiles[0].Coord.Y
	maxX, maxY := minX, minY
	for _, t := range affected.Tiles {
		if t.Coord.X < minX {
			minX = t.Coord.X
		}
		if t.Coord.X > maxX {
			maxX = t.Coord.X
		}
		if t.Coord.Y < minY {
			minY = t.Coord.Y
		}
		if t.Coord.Y > maxY {
			maxY = t.Coord.Y
		}
	}
	cols := maxX - minX + 1
	rows := maxY - minY + 1

	canvas := image.NewRGBA(image.Rect(0, 0, cols*ts, rows*ts))
	anyPixels := false
	for _, t := range affected.Tiles {
		if t.Payload == nil || t.Payload == rescaleMissingSentinel {
			continue
		}
		img, err := t.Payload.AsImage()
		if err != nil {
			return nil, err
		}
		ox := (t.Coord.X - minX) * ts
		oy := (t.Coord.Y - minY) * ts
		draw.Draw(canvas, image.Rect(ox, oy, ox+ts, oy+ts), img, image.Point{}, draw.Src)
		anyPixels = true
	}
	if !anyPixels {
		return nil, nil
	}

	spanX := srcBBox.MaxX - srcBBox.MinX
	spanY := srcBBox.MaxY - srcBBox.MinY
	cw, ch := float64(canvas.Bounds().Dx()), float64(canvas.Bounds().Dy())

	px0 := (dstBBox.MinX - srcBBox.MinX) / spanX * cw
	px1 := (dstBBox.MaxX - srcBBox.MinX) / spanX * cw
	py0 := (srcBBox.MaxY - dstBBox.MaxY) / spanY * ch
	py1 := (srcBBox.MaxY - dstBBox.MinY) / spanY * ch

	out := resampleRegion(canvas, px0, py0, px1, py1, ts, ts, m.opts.ImageOptions.Resampling)
	return tiledata.NewImagePayloadFromImage(out, ts), nil
}

// resampleRegion samples the [sx0,sy0]-[sx1,sy1] region of src into a
// dstW x dstH image, using nearest or bilinear interpolation.
func resampleRegion(src *image.RGBA, sx0, sy0, sx1, sy1 float64, dstW, dstH int, mode tiledata.Resampling) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	spanX := sx1 - sx0
	spanY := sy1 - sy0
	b := src.Bounds()

	for dy := 0; dy < dstH; dy++ {
		sy := sy0 + (float64(dy)+0.5)/float64(dstH)*spanY
		for dx := 0; dx < dstW; dx++ {
			sx := sx0 + (float64(dx)+0.5)/float64(dstW)*spanX
			var c color.RGBA
			if mode == tiledata.ResamplingNearest {
				c = sampleNearest(src, sx, sy, b)
			} else {
				c = sampleBilinear(src, sx, sy, b)
			}
			out.SetRGBA(dx, dy, c)
		}
	}
	return out
}

func sampleNearest(src *image.RGBA, sx, sy float64, b image.Rectangle) color.RGBA {
	x := clampInt(int(sx), b.Min.X, b.Max.X-1)
	y := clampInt(int(sy), b.Min.Y, b.Max.Y-1)
	return src.RGBAAt(x, y)
}

func sampleBilinear(src *image.RGBA, sx, sy float64, b image.Rectangle) color.RGBA {
	x0 := int(math.Floor(sx - 0.5))
	y0 := int(math.Floor(sy - 0.5))
	fx := (sx - 0.5) - float64(x0)
	fy := (sy - 0.5) - float64(y0)
	x1, y1 := x0+1, y0+1

	cx0, cx1 := clampInt(x0, b.Min.X, b.Max.X-1), clampInt(x1, b.Min.X, b.Max.X-1)
	cy0, cy1 := clampInt(y0, b.Min.Y, b.Max.Y-1), clampInt(y1, b.Min.Y, b.Max.Y-1)

	c00 := src.RGBAAt(cx0, cy0)
	c10 := src.RGBAAt(cx1, cy0)
	c01 := src.RGBAAt(cx0, cy1)
	c11 := src.RGBAAt(cx1, cy1)

	return color.RGBA{
		R: lerp2(c00.R, c10.R, c01.R, c11.R, fx, fy),
		G: lerp2(c00.G, c10.G, c01.G, c11.G, fx, fy),
		B: lerp2(c00.B, c10.B, c01.B, c11.B, fx, fy),
		A: lerp2(c00.A, c10.A, c01.A, c11.A, fx, fy),
	}
}

func lerp2(c00, c10, c01, c11 uint8, fx, fy float64) uint8 {
	top := float64(c00)*(1-fx) + float64(c10)*fx
	bot := float64(c01)*(1-fx) + float64(c11)*fx
	v := top*(1-fy) + bot*fy
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return uint8(v + 0.5)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
