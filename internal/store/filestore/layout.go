package filestore

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nandina-gis/tilecache/internal/tilerr"
)

// Layout names a file-backend directory grammar. spec.md §6 enumerates
// tc/mp/tms/reverse_tms/quadkey/arcgis; each is implemented bit-exact
// against original_source/mapproxy/cache/path.py's tile_location_* family —
// the six layouts are NOT variations on one split-by-thousands grammar,
// each has its own directory shape (see FormatPath).
type Layout string

const (
	LayoutTC         Layout = "tc"
	LayoutMP         Layout = "mp"
	LayoutTMS        Layout = "tms"
	LayoutReverseTMS Layout = "reverse_tms"
	LayoutQuadkey    Layout = "quadkey"
	LayoutArcGIS     Layout = "arcgis"
)

// FormatPath returns the path (relative to cache_dir) for tile (x,y,z)
// under layout with the given file extension (leading dot included).
func FormatPath(layout Layout, x, y, z int, ext string) string {
	switch layout {
	case LayoutMP:
		return mpStyle(z, x, y, ext)
	case LayoutTMS:
		return filepath.Join(strconv.Itoa(z), strconv.Itoa(x), strconv.Itoa(y)+ext)
	case LayoutReverseTMS:
		return filepath.Join(strconv.Itoa(y), strconv.Itoa(x), strconv.Itoa(z)+ext)
	case LayoutQuadkey:
		return quadkey(x, y, z) + ext
	case LayoutArcGIS:
		return filepath.Join(fmt.Sprintf("L%02d", z),
			fmt.Sprintf("R%08x", y), fmt.Sprintf("C%08x%s", x, ext))
	case LayoutTC:
		fallthrough
	default:
		return tcStyle(z, x, y, ext)
	}
}

// ParsePath is the inverse of FormatPath for layout: given a path relative
// to cache_dir (as produced by FormatPath) and the file extension, it
// recovers (x,y,z). Used by the round-trip property in spec.md §8.
func ParsePath(layout Layout, rel string, ext string) (x, y, z int, err error) {
	switch layout {
	case LayoutMP:
		return parseMPPath(rel, ext)
	case LayoutTMS:
		return parseTMSPath(rel, ext)
	case LayoutReverseTMS:
		return parseReverseTMSPath(rel, ext)
	case LayoutQuadkey:
		return parseQuadkeyPath(rel, ext)
	case LayoutArcGIS:
		return parseArcGISPath(rel, ext)
	case LayoutTC:
		fallthrough
	default:
		return ParseTCPath(rel, ext)
	}
}

// tcStyle formats the original's tc layout:
// <zz>/<x1>/<x2>/<x3>/<y1>/<y2>/<y3>.<ext>, each x/y component a
// zero-padded three-digit group of x = x1*1e6+x2*1e3+x3.
//
// >>> tile_location_tc(Tile((3, 4, 2)), 'png') == '02/000/000/003/000/000/004.png'
func tcStyle(z, x, y int, ext string) string {
	x1, x2, x3 := splitGroups(x, 1_000_000, 1_000, "%03d")
	y1, y2, y3 := splitGroups(y, 1_000_000, 1_000, "%03d")
	return filepath.Join(fmt.Sprintf("%02d", z), x1, x2, x3, y1, y2, y3+ext)
}

// mpStyle formats the original's mp layout: <zz>/<x1>/<x2>/<y1>/<y2>.<ext>,
// each component a zero-padded four-digit group of v = v1*1e4+v2.
//
// >>> tile_location_mp(Tile((12345678, 98765432, 22)), 'png') == '22/1234/5678/9876/5432.png'
func mpStyle(z, x, y int, ext string) string {
	x1, x2 := splitGroup(x, 10_000, "%04d")
	y1, y2 := splitGroup(y, 10_000, "%04d")
	return filepath.Join(fmt.Sprintf("%02d", z), x1, x2, y1, y2+ext)
}

func splitGroup(v, div int, format string) (hi, lo string) {
	return fmt.Sprintf(format, v/div), fmt.Sprintf(format, v%div)
}

func splitGroups(v, div1, div2 int, format string) (a, b, c string) {
	return fmt.Sprintf(format, v/div1), fmt.Sprintf(format, (v/div2)%1_000), fmt.Sprintf(format, v%div2)
}

func quadkey(x, y, z int) string {
	var sb strings.Builder
	for i := z; i > 0; i-- {
		digit := 0
		mask := 1 << uint(i-1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		sb.WriteString(strconv.Itoa(digit))
	}
	return sb.String()
}

// ParseTCPath parses a tc-layout relative path back into (x,y,z), the
// inverse of tcStyle.
func ParseTCPath(rel string, ext string) (x, y, z int, err error) {
	rel = strings.TrimSuffix(rel, ext)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 7 {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	nums, err := atoiAll(parts)
	if err != nil {
		return 0, 0, 0, err
	}
	z = nums[0]
	x = nums[1]*1_000_000 + nums[2]*1_000 + nums[3]
	y = nums[4]*1_000_000 + nums[5]*1_000 + nums[6]
	return x, y, z, nil
}

// parseMPPath is the inverse of mpStyle.
func parseMPPath(rel string, ext string) (x, y, z int, err error) {
	rel = strings.TrimSuffix(rel, ext)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 5 {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	nums, err := atoiAll(parts)
	if err != nil {
		return 0, 0, 0, err
	}
	z = nums[0]
	x = nums[1]*10_000 + nums[2]
	y = nums[3]*10_000 + nums[4]
	return x, y, z, nil
}

// parseTMSPath is the inverse of the tms <z>/<x>/<y>.ext grammar.
func parseTMSPath(rel string, ext string) (x, y, z int, err error) {
	rel = strings.TrimSuffix(rel, ext)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	nums, err := atoiAll(parts)
	if err != nil {
		return 0, 0, 0, err
	}
	return nums[1], nums[2], nums[0], nil
}

// parseReverseTMSPath is the inverse of the reverse_tms <y>/<x>/<z>.ext
// grammar.
func parseReverseTMSPath(rel string, ext string) (x, y, z int, err error) {
	rel = strings.TrimSuffix(rel, ext)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	nums, err := atoiAll(parts)
	if err != nil {
		return 0, 0, 0, err
	}
	return nums[1], nums[0], nums[2], nil
}

// parseQuadkeyPath is the inverse of quadkey: walk the digit string
// reconstructing x/y bit by bit, z is the digit count.
func parseQuadkeyPath(rel string, ext string) (x, y, z int, err error) {
	rel = strings.TrimSuffix(rel, ext)
	if rel == "" {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	z = len(rel)
	for i, c := range rel {
		var digit int
		switch c {
		case '0', '1', '2', '3':
			digit = int(c - '0')
		default:
			return 0, 0, 0, tilerr.ErrCorrupt
		}
		bit := z - i
		mask := 1 << uint(bit-1)
		if digit&1 != 0 {
			x |= mask
		}
		if digit&2 != 0 {
			y |= mask
		}
	}
	return x, y, z, nil
}

// parseArcGISPath is the inverse of the arcgis L<zz>/R<y:08x>/C<x:08x>.ext
// grammar.
func parseArcGISPath(rel string, ext string) (x, y, z int, err error) {
	rel = strings.TrimSuffix(rel, ext)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	levelPart, rowPart, colPart := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(levelPart, "L") || !strings.HasPrefix(rowPart, "R") || !strings.HasPrefix(colPart, "C") {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	z, err = strconv.Atoi(strings.TrimPrefix(levelPart, "L"))
	if err != nil {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	yv, err := strconv.ParseInt(strings.TrimPrefix(rowPart, "R"), 16, 64)
	if err != nil {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	xv, err := strconv.ParseInt(strings.TrimPrefix(colPart, "C"), 16, 64)
	if err != nil {
		return 0, 0, 0, tilerr.ErrCorrupt
	}
	return int(xv), int(yv), z, nil
}

func atoiAll(parts []string) ([]int, error) {
	nums := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, tilerr.ErrCorrupt
		}
		nums[i] = v
	}
	return nums, nil
}
