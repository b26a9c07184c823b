package tiledata

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(c color.RGBA, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestNewImagePayloadFromImageDetectsUniform(t *testing.T) {
	c := color.RGBA{R: 9, G: 8, B: 7, A: 255}
	p := NewImagePayloadFromImage(solidImage(c, 16), 16)
	got, ok, err := p.IsUniform()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, got)
}

func TestNewImagePayloadFromImageRejectsNonUniform(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 1, A: 255})
	img.SetRGBA(1, 0, color.RGBA{R: 2, A: 255})
	p := NewImagePayloadFromImage(img, 2)
	_, ok, err := p.IsUniform()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSingleColorHelper(t *testing.T) {
	c := color.RGBA{R: 1, G: 2, B: 3, A: 255}
	uniform := NewImagePayloadUniform(c, 8)
	got, ok := SingleColor(uniform)
	require.True(t, ok)
	assert.Equal(t, c, got)

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 1, A: 255})
	img.SetRGBA(1, 1, color.RGBA{R: 9, A: 255})
	_, ok = SingleColor(NewImagePayloadFromImage(img, 2))
	assert.False(t, ok)
}

func TestAsImageForUniformDoesNotAllocatePixelBuffer(t *testing.T) {
	c := color.RGBA{R: 40, G: 41, B: 42, A: 255}
	p := NewImagePayloadUniform(c, 256)
	img, err := p.AsImage()
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	r, g, b, a := img.At(100, 200).RGBA()
	assert.EqualValues(t, c.R, r>>8)
	assert.EqualValues(t, c.G, g>>8)
	assert.EqualValues(t, c.B, b>>8)
	assert.EqualValues(t, c.A, a>>8)
}

func TestAsBufferRoundTripsThroughPNG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	img.SetRGBA(3, 3, color.RGBA{R: 100, G: 80, B: 40, A: 128})
	p := NewImagePayloadFromImage(img, 4)

	data, err := p.AsBuffer("png", 0)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded := NewImagePayloadFromBytes(data, "png")
	got, err := decoded.AsImage()
	require.NoError(t, err)
	r, g, b, a := got.At(0, 0).RGBA()
	assert.EqualValues(t, 10, r>>8)
	assert.EqualValues(t, 20, g>>8)
	assert.EqualValues(t, 30, b>>8)
	assert.EqualValues(t, 255, a>>8)
}

func TestAsBufferCachesEncodedBytesForSameFormat(t *testing.T) {
	p := NewImagePayloadUniform(color.RGBA{R: 1, G: 2, B: 3, A: 255}, 4)
	first, err := p.AsBuffer("png", 0)
	require.NoError(t, err)
	second, err := p.AsBuffer("png", 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNewEncoderRejectsUnknownFormat(t *testing.T) {
	_, err := NewEncoder("tiff", 0)
	assert.Error(t, err)
}

func TestParseResamplingDefaultsToBilinear(t *testing.T) {
	r, err := ParseResampling("")
	require.NoError(t, err)
	assert.Equal(t, ResamplingBilinear, r)

	_, err = ParseResampling("lanczos")
	assert.Error(t, err)
}
