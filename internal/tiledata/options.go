package tiledata

import "image/color"

// Resampling selects the filter used when an image is scaled, matching the
// donor's own Resampling enum (internal/tile/generator.go) rather than
// inventing a new one.
type Resampling int

const (
	ResamplingNearest Resampling = iota
	ResamplingBilinear
	ResamplingBicubic
)

// ParseResampling parses a resampling name, defaulting to bilinear on an
// empty string, same default the donor uses.
func ParseResampling(s string) (Resampling, error) {
	switch s {
	case "", "bilinear":
		return ResamplingBilinear, nil
	case "nearest":
		return ResamplingNearest, nil
	case "bicubic":
		return ResamplingBicubic, nil
	default:
		return 0, errUnknownResampling(s)
	}
}

type errUnknownResampling string

func (e errUnknownResampling) Error() string { return "tiledata: unknown resampling: " + string(e) }

// Mode is the destination color mode for a merged or created image.
type Mode int

const (
	ModeRGB Mode = iota
	ModeRGBA
	ModeGray
)

// ImageOptions controls how a tile's image is produced and persisted.
type ImageOptions struct {
	Transparent bool
	Opacity     float64 // [0,1]
	Resampling  Resampling
	Format      string // "png", "jpeg", "webp"
	Quality     int
	BGColor     color.RGBA
	Mode        Mode
}

// DefaultImageOptions returns the zero-value-safe defaults: opaque PNG,
// bilinear resampling, RGBA mode.
func DefaultImageOptions() ImageOptions {
	return ImageOptions{
		Opacity:    1.0,
		Resampling: ResamplingBilinear,
		Format:     "png",
		Mode:       ModeRGBA,
	}
}
