package tiledata

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/webp"
)

// ImagePayload is a lazy carrier between encoded bytes and a decoded
// image.Image. Like the donor's TileData, a tile whose every pixel shares one
// color is held as just that color rather than a full pixel buffer.
type ImagePayload struct {
	encoded []byte
	format  string

	img      *image.RGBA
	uniform  color.RGBA
	isUnif   bool
	tileSize int
}

// NewImagePayloadFromBytes wraps already-encoded tile bytes. Decoding is
// deferred until AsImage is called.
func NewImagePayloadFromBytes(data []byte, format string) *ImagePayload {
	return &ImagePayload{encoded: data, format: format}
}

// NewImagePayloadFromImage wraps a decoded image, detecting whether it is a
// single solid color.
func NewImagePayloadFromImage(img *image.RGBA, tileSize int) *ImagePayload {
	if c, ok := detectUniform(img); ok {
		return &ImagePayload{uniform: c, isUnif: true, tileSize: tileSize}
	}
	return &ImagePayload{img: img, tileSize: tileSize}
}

// NewImagePayloadUniform builds a payload that is a single solid color,
// without allocating a pixel buffer.
func NewImagePayloadUniform(c color.RGBA, tileSize int) *ImagePayload {
	return &ImagePayload{uniform: c, isUnif: true, tileSize: tileSize}
}

// IsUniform reports whether the payload (once decoded, if necessary) is a
// single solid color.
func (p *ImagePayload) IsUniform() (color.RGBA, bool, error) {
	if p.img == nil && p.isUnif {
		return p.uniform, true, nil
	}
	if p.img != nil {
		return color.RGBA{}, false, nil
	}
	if err := p.decode(); err != nil {
		return color.RGBA{}, false, err
	}
	return p.IsUniform()
}

// SingleColor returns the RGB(A) tuple iff the payload is exactly one color,
// matching spec.md's single_color(image) contract; it returns ok=false for
// anything else, including decode failure.
func SingleColor(p *ImagePayload) (color.RGBA, bool) {
	c, ok, err := p.IsUniform()
	if err != nil {
		return color.RGBA{}, false
	}
	return c, ok
}

// AsImage returns a decoded image.Image, decoding lazily on first access.
func (p *ImagePayload) AsImage() (image.Image, error) {
	if p.isUnif && p.img == nil {
		return uniformImage{c: p.uniform, size: p.tileSize}, nil
	}
	if p.img != nil {
		return p.img, nil
	}
	if err := p.decode(); err != nil {
		return nil, err
	}
	return p.AsImage()
}

// AsBuffer encodes the payload to bytes in format, reusing already-encoded
// bytes when the requested format matches what's cached.
func (p *ImagePayload) AsBuffer(format string, quality int) ([]byte, error) {
	if p.encoded != nil && p.format == format {
		return p.encoded, nil
	}
	img, err := p.AsImage()
	if err != nil {
		return nil, err
	}
	enc, err := NewEncoder(format, quality)
	if err != nil {
		return nil, err
	}
	data, err := enc.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("encode tile as %s: %w", format, err)
	}
	p.encoded = data
	p.format = format
	return data, nil
}

func (p *ImagePayload) decode() error {
	if p.encoded == nil {
		return fmt.Errorf("tiledata: no encoded bytes to decode")
	}
	img, err := DecodeImage(p.encoded, p.format)
	if err != nil {
		return fmt.Errorf("decode %s tile: %w", p.format, err)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				rgba.Set(x, y, img.At(x, y))
			}
		}
	}
	if c, ok := detectUniform(rgba); ok {
		p.uniform = c
		p.isUnif = true
		p.tileSize = rgba.Bounds().Dx()
		return nil
	}
	p.img = rgba
	p.tileSize = rgba.Bounds().Dx()
	return nil
}

// detectUniform scans a full RGBA pixel buffer, short-circuiting on the
// first mismatch.
func detectUniform(img *image.RGBA) (color.RGBA, bool) {
	pix := img.Pix
	if len(pix) < 4 {
		return color.RGBA{}, false
	}
	r, g, b, a := pix[0], pix[1], pix[2], pix[3]
	for i := 4; i < len(pix); i += 4 {
		if pix[i] != r || pix[i+1] != g || pix[i+2] != b || pix[i+3] != a {
			return color.RGBA{}, false
		}
	}
	return color.RGBA{R: r, G: g, B: b, A: a}, true
}

// uniformImage implements image.Image for a solid-color tile without
// allocating a pixel buffer.
type uniformImage struct {
	c    color.RGBA
	size int
}

func (u uniformImage) ColorModel() color.Model { return color.RGBAModel }
func (u uniformImage) Bounds() image.Rectangle { return image.Rect(0, 0, u.size, u.size) }
func (u uniformImage) At(x, y int) color.Color { return u.c }

// Encoder encodes an image into tile bytes. Mirrors the donor's codec
// registry shape (internal/encode) so WebP, PNG, and JPEG share one dispatch
// point.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
	Format() string
	FileExtension() string
}

// NewEncoder returns an Encoder for the named format.
func NewEncoder(format string, quality int) (Encoder, error) {
	switch format {
	case "png":
		return pngEncoder{}, nil
	case "jpeg", "jpg":
		return jpegEncoder{quality: quality}, nil
	case "webp":
		return webpEncoder{quality: quality}, nil
	default:
		return nil, fmt.Errorf("unsupported tile format: %q (supported: png, jpeg, webp)", format)
	}
}

// DecodeImage decodes tile bytes in the given format.
func DecodeImage(data []byte, format string) (image.Image, error) {
	r := bytes.NewReader(data)
	switch format {
	case "png":
		return png.Decode(r)
	case "jpeg", "jpg":
		return jpeg.Decode(r)
	case "webp":
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("unsupported decode format: %q", format)
	}
}

type pngEncoder struct{}

func (pngEncoder) Format() string        { return "png" }
func (pngEncoder) FileExtension() string { return ".png" }
func (pngEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type jpegEncoder struct{ quality int }

func (jpegEncoder) Format() string        { return "jpeg" }
func (jpegEncoder) FileExtension() string { return ".jpg" }
func (e jpegEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	q := e.quality
	if q <= 0 {
		q = 85
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type webpEncoder struct{ quality int }

func (webpEncoder) Format() string        { return "webp" }
func (webpEncoder) FileExtension() string { return ".webp" }
func (e webpEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	q := e.quality
	if q <= 0 {
		q = 80
	}
	if err := webp.Encode(&buf, img, webp.Options{Quality: float32(q)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
