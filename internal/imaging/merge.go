// Package imaging implements the band merger and layer merger: composing a
// destination image either from selected bands of N source images
// (BandMerger) or by stacking full images bottom-to-top, all drawn at the
// one opacity given in the image options (LayerMerger). Ported bit-for-bit from the algorithm in
// original_source/mapproxy/image/merge.py.
package imaging

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nandina-gis/tilecache/internal/coverage"
	"github.com/nandina-gis/tilecache/internal/tilecoord"
	"github.com/nandina-gis/tilecache/internal/tiledata"
)

// Layer is one input to the LayerMerger: an image plus the coverage that
// should clip it, if any (nil means unclipped).
type Layer struct {
	Image    *tiledata.ImagePayload
	Coverage coverage.Coverage
}

// LayerMerger composes layers bottom-first with alpha compositing, drawing
// every layer at opts.Opacity and honoring each layer's optional clip
// coverage. A Layer carries no opacity of its own.
type LayerMerger struct {
	layers []Layer
}

// Add appends one layer, bottom layers first. A nil img is ignored, same as
// the original's `if img is not None`.
func (m *LayerMerger) Add(img *tiledata.ImagePayload, cov coverage.Coverage) {
	if img == nil {
		return
	}
	m.layers = append(m.layers, Layer{Image: img, Coverage: cov})
}

// Merge composes the accumulated layers into one image. If format
// opts.Transparent is false, opts.Opacity is at least 1, there is no global
// coverage, and there is exactly one unclipped, correctly-sized layer, it is
// returned unchanged — the single-layer fast path from the original's
// merge(). That path does not inspect the layer's own alpha channel.
func (m *LayerMerger) Merge(opts tiledata.ImageOptions, size [2]int, bbox tilecoord.BBox, globalCoverage coverage.Coverage) (*tiledata.ImagePayload, error) {
	if len(m.layers) == 0 {
		return blankPayload(opts, size), nil
	}

	if len(m.layers) == 1 && globalCoverage == nil {
		l := m.layers[0]
		if (!opts.Transparent) && opts.Opacity >= 1.0 && (l.Coverage == nil || !l.Coverage.Clip()) {
			if img, err := l.Image.AsImage(); err == nil {
				if img.Bounds().Dx() == size[0] && img.Bounds().Dy() == size[1] {
					return l.Image, nil
				}
			}
		}
	}

	result := image.NewRGBA(image.Rect(0, 0, size[0], size[1]))
	fillBackground(result, opts)

	for _, l := range m.layers {
		img, err := l.Image.AsImage()
		if err != nil {
			return nil, err
		}
		if l.Coverage != nil && l.Coverage.Clip() {
			img = coverage.MaskImage(img, bbox, l.Coverage)
		}
		drawLayer(result, img, opts.Opacity)
	}

	if globalCoverage != nil && globalCoverage.Clip() {
		masked := coverage.MaskImage(result, bbox, globalCoverage)
		bg := image.NewRGBA(result.Bounds())
		fillBackground(bg, opts)
		draw.Draw(bg, bg.Bounds(), masked, image.Point{}, draw.Over)
		result = bg
	}

	return tiledata.NewImagePayloadFromImage(result, size[0]), nil
}

func fillBackground(img *image.RGBA, opts tiledata.ImageOptions) {
	bg := opts.BGColor
	if opts.Transparent {
		bg.A = 0
	} else if bg == (color.RGBA{}) {
		bg = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)
}

func drawLayer(dst *image.RGBA, src image.Image, opacity float64) {
	b := dst.Bounds()
	if opacity <= 0 {
		return
	}
	if opacity >= 1.0 {
		draw.Draw(dst, b, src, image.Point{}, draw.Over)
		return
	}
	// fade-out: multiply source alpha by opacity before compositing,
	// matching the original's ImageChops.multiply on the split alpha band.
	faded := image.NewRGBA(b)
	draw.Draw(faded, b, src, image.Point{}, draw.Src)
	for i := 3; i < len(faded.Pix); i += 4 {
		faded.Pix[i] = uint8(float64(faded.Pix[i]) * opacity)
	}
	draw.Draw(dst, b, faded, image.Point{}, draw.Over)
}

func blankPayload(opts tiledata.ImageOptions, size [2]int) *tiledata.ImagePayload {
	img := image.NewRGBA(image.Rect(0, 0, size[0], size[1]))
	fillBackground(img, opts)
	return tiledata.NewImagePayloadFromImage(img, size[0])
}

// BandOp selects one contribution to a destination band: the source image
// index, which band of that source to read, and a scale factor.
type BandOp struct {
	DstBand int
	SrcImg  int
	SrcBand int
	Factor  float64
}

// BandMerger composes a destination image by accumulating selected bands
// from N source images, each scaled by a per-op factor and saturated on
// accumulation — the channel-math sibling of LayerMerger.
type BandMerger struct {
	Mode         tiledata.Mode
	ops          []BandOp
	maxBand      map[int]int
	maxSrcImages int
}

// NewBandMerger constructs an empty merger for the given destination mode.
func NewBandMerger(mode tiledata.Mode) *BandMerger {
	return &BandMerger{Mode: mode, maxBand: make(map[int]int)}
}

// AddOp registers one band contribution, tracking the highest band index
// requested per source image (so Merge can short-circuit when too few
// source images are supplied) exactly as BandMerger.add_ops does.
func (m *BandMerger) AddOp(dstBand, srcImg, srcBand int, factor float64) {
	m.ops = append(m.ops, BandOp{DstBand: dstBand, SrcImg: srcImg, SrcBand: srcBand, Factor: factor})
	if b, ok := m.maxBand[srcImg]; !ok || srcBand > b {
		m.maxBand[srcImg] = srcBand
	}
	if srcImg+1 > m.maxSrcImages {
		m.maxSrcImages = srcImg + 1
	}
}

func (m *BandMerger) bandCount() int {
	switch m.Mode {
	case tiledata.ModeRGBA:
		return 4
	case tiledata.ModeRGB:
		return 3
	case tiledata.ModeGray:
		return 1
	default:
		return 4
	}
}

// Merge builds the destination image from sources. If fewer sources are
// supplied than the highest index referenced by any op, it returns a blank
// image rather than indexing out of range (SUPPLEMENTED FEATURES #10).
func (m *BandMerger) Merge(sources []*tiledata.ImagePayload, opts tiledata.ImageOptions, size [2]int) (*tiledata.ImagePayload, error) {
	if len(sources) < m.maxSrcImages {
		return blankPayload(opts, size), nil
	}
	if len(sources) > 0 {
		if img, err := sources[0].AsImage(); err == nil {
			b := img.Bounds()
			size = [2]int{b.Dx(), b.Dy()}
		}
	}

	nBands := m.bandCount()
	srcBands := make([][][]uint8, len(sources))
	for i, src := range sources {
		if _, needed := m.maxBand[i]; !needed {
			continue
		}
		img, err := src.AsImage()
		if err != nil {
			return nil, err
		}
		srcBands[i] = splitBands(img, size)
	}

	dstBands := make([][]uint8, nBands)
	set := make([]bool, nBands)
	for _, op := range m.ops {
		chan_ := srcBands[op.SrcImg][op.SrcBand]
		scaled := chan_
		if op.Factor != 1.0 {
			scaled = make([]uint8, len(chan_))
			for i, v := range chan_ {
				scaled[i] = clampByte(float64(v) * op.Factor)
			}
		}
		if !set[op.DstBand] {
			buf := make([]uint8, len(scaled))
			copy(buf, scaled)
			dstBands[op.DstBand] = buf
			set[op.DstBand] = true
		} else {
			for i, v := range scaled {
				dstBands[op.DstBand][i] = clampByte(float64(dstBands[op.DstBand][i]) + float64(v))
			}
		}
	}

	n := size[0] * size[1]
	for i := 0; i < nBands; i++ {
		if set[i] {
			continue
		}
		fill := uint8(0)
		if i == 3 {
			fill = 255
		}
		buf := make([]uint8, n)
		for j := range buf {
			buf[j] = fill
		}
		dstBands[i] = buf
	}

	result := mergeBands(dstBands, size, nBands)
	return tiledata.NewImagePayloadFromImage(result, size[0]), nil
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// splitBands returns one []uint8 per RGBA channel, each len = w*h.
func splitBands(img image.Image, size [2]int) [][]uint8 {
	w, h := size[0], size[1]
	bands := [4][]uint8{make([]uint8, w*h), make([]uint8, w*h), make([]uint8, w*h), make([]uint8, w*h)}
	b := img.Bounds()
	idx := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			bands[0][idx] = uint8(r >> 8)
			bands[1][idx] = uint8(g >> 8)
			bands[2][idx] = uint8(bl >> 8)
			bands[3][idx] = uint8(a >> 8)
			idx++
		}
	}
	return bands[:]
}

func mergeBands(bands [][]uint8, size [2]int, nBands int) *image.RGBA {
	w, h := size[0], size[1]
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		r := bands[0][i]
		g := uint8(0)
		bl := uint8(0)
		a := uint8(255)
		if nBands >= 2 {
			g = bands[1][i]
		}
		if nBands >= 3 {
			bl = bands[2][i]
		}
		if nBands >= 4 {
			a = bands[3][i]
		}
		if nBands == 1 {
			g, bl = r, r
		}
		out.Pix[i*4] = r
		out.Pix[i*4+1] = g
		out.Pix[i*4+2] = bl
		out.Pix[i*4+3] = a
	}
	return out
}
