package tilecoord

// CropPattern crops one meta-tile image down to a single sub-tile's pixels.
type CropPattern struct {
	Coord      [3]int // x, y, z of the sub-tile
	CropX      int
	CropY      int
}

// MetaTile describes one batched upstream request: the combined bbox, the
// pixel size of the combined image, the sub-tile coordinates it covers
// (nil entries are out-of-grid padding), and the crop pattern used to split
// the rendered image back into individual tiles.
type MetaTile struct {
	BBox     BBox
	Width    int
	Height   int
	Tiles    []*[3]int
	Patterns []CropPattern
}

// MetaGrid groups a Grid's tiles into meta_size blocks with an optional
// pixel buffer, mirroring spec.md's MetaGrid contract.
type MetaGrid struct {
	grid       *Grid
	metaWidth  int
	metaHeight int
	buffer     int
}

// NewMetaGrid builds a MetaGrid over grid with the given meta-tile
// dimensions (in tiles) and pixel buffer.
func NewMetaGrid(grid *Grid, metaWidth, metaHeight, buffer int) *MetaGrid {
	if metaWidth < 1 {
		metaWidth = 1
	}
	if metaHeight < 1 {
		metaHeight = 1
	}
	return &MetaGrid{grid: grid, metaWidth: metaWidth, metaHeight: metaHeight, buffer: buffer}
}

// MainTile returns the upper-left tile of the meta-tile block containing
// (x,y,z) — the coordinate the tile locker serializes all sub-tiles under.
func (mg *MetaGrid) MainTile(x, y, z int) [3]int {
	mx := (x / mg.metaWidth) * mg.metaWidth
	my := (y / mg.metaHeight) * mg.metaHeight
	return [3]int{mx, my, z}
}

// MetaTileFor builds the MetaTile block containing (x,y,z): its combined
// bbox (expanded by the configured pixel buffer), pixel dimensions, the
// (possibly grid-clipped) list of sub-tile coordinates, and the crop
// pattern used to split the rendered meta-tile image into individual tile
// images.
func (mg *MetaGrid) MetaTileFor(x, y, z int) *MetaTile {
	main := mg.MainTile(x, y, z)
	gw, gh := mg.grid.GridSize(z)

	tiles := make([]*[3]int, 0, mg.metaWidth*mg.metaHeight)
	patterns := make([]CropPattern, 0, mg.metaWidth*mg.metaHeight)

	var minBBox, maxBBox BBox
	first := true
	for row := 0; row < mg.metaHeight; row++ {
		for col := 0; col < mg.metaWidth; col++ {
			tx, ty := main[0]+col, main[1]+row
			if tx < 0 || ty < 0 || tx >= gw || ty >= gh {
				tiles = append(tiles, nil)
				continue
			}
			c := [3]int{tx, ty, z}
			tiles = append(tiles, &c)
			b := mg.grid.TileBBox(tx, ty, z)
			if first {
				minBBox, maxBBox = b, b
				first = false
			} else {
				if b.MinX < minBBox.MinX {
					minBBox.MinX = b.MinX
				}
				if b.MinY < minBBox.MinY {
					minBBox.MinY = b.MinY
				}
				if b.MaxX > maxBBox.MaxX {
					maxBBox.MaxX = b.MaxX
				}
				if b.MaxY > maxBBox.MaxY {
					maxBBox.MaxY = b.MaxY
				}
			}
			patterns = append(patterns, CropPattern{
				Coord: c,
				CropX: col*mg.grid.TileSize + mg.buffer,
				CropY: row*mg.grid.TileSize + mg.buffer,
			})
		}
	}

	combined := BBox{MinX: minBBox.MinX, MinY: minBBox.MinY, MaxX: maxBBox.MaxX, MaxY: maxBBox.MaxY}
	res := mg.grid.Resolution(z)
	bufUnits := float64(mg.buffer) * res
	combined.MinX -= bufUnits
	combined.MinY -= bufUnits
	combined.MaxX += bufUnits
	combined.MaxY += bufUnits

	return &MetaTile{
		BBox:     combined,
		Width:    mg.metaWidth*mg.grid.TileSize + 2*mg.buffer,
		Height:   mg.metaHeight*mg.grid.TileSize + 2*mg.buffer,
		Tiles:    tiles,
		Patterns: patterns,
	}
}

// MinimalMetaTile computes the smallest meta-tile covering every coord in
// coords, used by the manager's minimize_meta_requests mode when several
// tiles from the same meta-tile block are requested together.
func (mg *MetaGrid) MinimalMetaTile(coords [][3]int) *MetaTile {
	if len(coords) == 0 {
		return nil
	}
	z := coords[0][2]
	minX, minY := coords[0][0], coords[0][1]
	maxX, maxY := coords[0][0], coords[0][1]
	for _, c := range coords[1:] {
		if c[0] < minX {
			minX = c[0]
		}
		if c[0] > maxX {
			maxX = c[0]
		}
		if c[1] < minY {
			minY = c[1]
		}
		if c[1] > maxY {
			maxY = c[1]
		}
	}

	tiles := make([]*[3]int, 0, (maxX-minX+1)*(maxY-minY+1))
	patterns := make([]CropPattern, 0, cap(tiles))
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			c := [3]int{x, y, z}
			tiles = append(tiles, &c)
			patterns = append(patterns, CropPattern{
				Coord: c,
				CropX: (x - minX) * mg.grid.TileSize,
				CropY: (y - minY) * mg.grid.TileSize,
			})
		}
	}

	bboxLL := mg.grid.TileBBox(minX, maxY, z)
	bboxUR := mg.grid.TileBBox(maxX, minY, z)
	bbox := BBox{MinX: bboxLL.MinX, MinY: bboxLL.MinY, MaxX: bboxUR.MaxX, MaxY: bboxUR.MaxY}

	return &MetaTile{
		BBox:     bbox,
		Width:    (maxX - minX + 1) * mg.grid.TileSize,
		Height:   (maxY - minY + 1) * mg.grid.TileSize,
		Tiles:    tiles,
		Patterns: patterns,
	}
}
