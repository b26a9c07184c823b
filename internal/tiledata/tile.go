// Package tiledata defines the in-memory Tile and TileCollection values, the
// lazily-decoded image payload that carries raster bytes between backends and
// callers, and the ImageOptions controlling how payloads are created.
package tiledata

import "time"

// Coord identifies a tile's position on a grid. A nil *Coord is the sentinel
// for "outside the requested area": such a tile is treated as already
// cached, is never fetched, and is never stored.
type Coord struct {
	X, Y, Z int
}

// Tile is the in-memory unit of cache traffic.
type Tile struct {
	Coord *Coord

	// Payload holds the raster bytes once loaded or produced. A nil
	// Payload with a non-nil Coord means the tile is missing.
	Payload *ImagePayload

	// Location is a backend-assigned path or key, memoized after the
	// first store or load so repeated calls don't recompute it.
	Location string

	// Stored is true once this Tile's bytes are known to be durable in
	// the backend that produced or received it.
	Stored bool

	// Size is the encoded payload size in bytes, if known.
	Size int64

	// Timestamp is the backend's last-modified time for this tile, if
	// known. Backends that can't track mtimes leave this zero.
	Timestamp time.Time

	// Cacheable is false for tiles that must never be persisted (e.g.
	// assembled from a blend of sources one of which refused caching).
	Cacheable bool
}

// NewTile returns a Tile for coord with Cacheable defaulted to true.
func NewTile(coord *Coord) *Tile {
	return &Tile{Coord: coord, Cacheable: true}
}

// IsMissing reports whether the tile has a real coordinate but no payload
// yet — the only condition under which a creator or manager should attempt
// to produce it.
func (t *Tile) IsMissing() bool {
	return t.Coord != nil && t.Payload == nil
}

// Equal compares two tiles by coordinate and payload identity, not by pixel
// content — two tiles wrapping distinct payload objects with identical
// bytes are not Equal.
func (t *Tile) Equal(o *Tile) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !coordEqual(t.Coord, o.Coord) {
		return false
	}
	return t.Payload == o.Payload
}

func coordEqual(a, b *Coord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// TileCollection is an ordered set of Tiles with a coordinate index for
// O(1) containment checks and lookups, used for bulk load/store calls.
type TileCollection struct {
	Tiles []*Tile
	byCoord map[Coord]*Tile
}

// NewTileCollection builds a collection from a list of coordinates, one
// Tile per coordinate (nil entries permitted for out-of-area sentinels).
func NewTileCollection(coords []*Coord) *TileCollection {
	tc := &TileCollection{
		Tiles:   make([]*Tile, len(coords)),
		byCoord: make(map[Coord]*Tile, len(coords)),
	}
	for i, c := range coords {
		t := NewTile(c)
		tc.Tiles[i] = t
		if c != nil {
			tc.byCoord[*c] = t
		}
	}
	return tc
}

// Append adds an existing Tile to the collection, indexing it by coord if
// it has one.
func (tc *TileCollection) Append(t *Tile) {
	tc.Tiles = append(tc.Tiles, t)
	if t.Coord != nil {
		if tc.byCoord == nil {
			tc.byCoord = make(map[Coord]*Tile)
		}
		tc.byCoord[*t.Coord] = t
	}
}

// Get returns the Tile for coord, or nil if the collection has none.
func (tc *TileCollection) Get(coord Coord) (*Tile, bool) {
	t, ok := tc.byCoord[coord]
	return t, ok
}

// Contains reports whether coord is present in the collection.
func (tc *TileCollection) Contains(coord Coord) bool {
	_, ok := tc.byCoord[coord]
	return ok
}

// Blank reports whether every tile in the collection is missing a payload —
// used by the manager to decide the creator produced nothing for a batch,
// before it tries rescaling.
func (tc *TileCollection) Blank() bool {
	for _, t := range tc.Tiles {
		if t.Payload != nil {
			return false
		}
	}
	return true
}
