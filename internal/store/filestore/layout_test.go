package filestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Docstring vectors straight from original_source/mapproxy/cache/path.py's
// tile_location_* functions.
func TestFormatPathVectors(t *testing.T) {
	cases := []struct {
		name   string
		layout Layout
		x, y   int
		z      int
		want   string
	}{
		{"tc", LayoutTC, 3, 4, 2, "02/000/000/003/000/000/004.png"},
		{"mp", LayoutMP, 3, 4, 2, "02/0000/0003/0000/0004.png"},
		{"mp-large", LayoutMP, 12345678, 98765432, 22, "22/1234/5678/9876/5432.png"},
		{"tms", LayoutTMS, 3, 4, 2, "2/3/4.png"},
		{"reverse_tms", LayoutReverseTMS, 3, 4, 2, "4/3/2.png"},
		{"quadkey", LayoutQuadkey, 3, 4, 2, "11.png"},
		{"arcgis", LayoutArcGIS, 1234567, 87654321, 9, "L09/R05397fb1/C0012d687.png"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := FormatPath(c.layout, c.x, c.y, c.z, ".png")
			assert.Equal(t, c.want, got)
		})
	}
}

// Round-trip property from spec.md §8: for every supported directory_layout
// L and every coord c, parse(L, format(L, c)) == c.
func TestParsePathRoundTrip(t *testing.T) {
	layouts := []Layout{LayoutTC, LayoutMP, LayoutTMS, LayoutReverseTMS, LayoutQuadkey, LayoutArcGIS}
	coords := []struct{ x, y, z int }{
		{3, 4, 2},
		{12345678, 98765432, 22},
		{1234567, 87654321, 9},
		{0, 0, 0},
		{1, 0, 1},
	}
	for _, layout := range layouts {
		for _, c := range coords {
			rel := FormatPath(layout, c.x, c.y, c.z, ".png")
			gotX, gotY, gotZ, err := ParsePath(layout, rel, ".png")
			assert.NoError(t, err, "layout=%s coord=%+v rel=%s", layout, c, rel)
			assert.Equal(t, c.x, gotX, "layout=%s x mismatch for %s", layout, rel)
			assert.Equal(t, c.y, gotY, "layout=%s y mismatch for %s", layout, rel)
			assert.Equal(t, c.z, gotZ, "layout=%s z mismatch for %s", layout, rel)
		}
	}
}

func TestParseTCPathVector(t *testing.T) {
	x, y, z, err := ParseTCPath("02/000/000/003/000/000/004", ".png")
	assert.NoError(t, err)
	assert.Equal(t, 3, x)
	assert.Equal(t, 4, y)
	assert.Equal(t, 2, z)
}

func TestParseArcGISPathVector(t *testing.T) {
	x, y, z, err := parseArcGISPath("L09/R05397fb1/C0012d687", ".png")
	assert.NoError(t, err)
	assert.Equal(t, 1234567, x)
	assert.Equal(t, 87654321, y)
	assert.Equal(t, 9, z)
}

func TestParseQuadkeyPathRecoversZFromLength(t *testing.T) {
	x, y, z, err := parseQuadkeyPath("11", ".png")
	assert.NoError(t, err)
	assert.Equal(t, 3, x)
	assert.Equal(t, 0, y)
	assert.Equal(t, 2, z)
}

func TestParsePathRejectsMalformedInput(t *testing.T) {
	_, _, _, err := ParsePath(LayoutTC, "not/a/valid/path", ".png")
	assert.Error(t, err)

	_, _, _, err = ParsePath(LayoutArcGIS, "bogus/bogus/bogus", ".png")
	assert.Error(t, err)

	_, _, _, err = parseQuadkeyPath("", ".png")
	assert.Error(t, err)
}
