// Package store defines the storage backend capability contract every cache
// implementation (file, compact bundle, dummy) satisfies, matching spec.md
// §4.D / §6.
package store

import (
	"github.com/nandina-gis/tilecache/internal/coverage"
	"github.com/nandina-gis/tilecache/internal/tiledata"
)

// Backend is the polymorphic contract the tile manager treats as opaque.
// Implementations carry their own configuration struct; none of them
// inherits from a base type, matching spec.md §9 ("capability interface
// rather than inheritance").
type Backend interface {
	IsCached(tile *tiledata.Tile) (bool, error)
	LoadTile(tile *tiledata.Tile, withMetadata bool) (bool, error)
	LoadTiles(tiles *tiledata.TileCollection, withMetadata bool) (bool, error)
	StoreTile(tile *tiledata.Tile) (bool, error)
	StoreTiles(tiles *tiledata.TileCollection) (bool, error)
	RemoveTile(tile *tiledata.Tile) (bool, error)
	LoadTileMetadata(tile *tiledata.Tile) error
	Cleanup() error

	LockCacheID() string
	Coverage() coverage.Coverage

	// SupportsTimestamp reports whether this backend can report a
	// load-bearing mtime for expiry checks (spec.md §9 Open Question #2).
	SupportsTimestamp() bool
}

// DummyBackend is a no-op backend for disable_storage configurations
// (spec.md §6 `disable_storage: bool`): every tile is already "cached" and
// nothing is ever written, matching the original's DummySource semantics
// described in original_source/mapproxy/cache/tile.py.
type DummyBackend struct{}

func (DummyBackend) IsCached(tile *tiledata.Tile) (bool, error) { return true, nil }

func (DummyBackend) LoadTile(tile *tiledata.Tile, withMetadata bool) (bool, error) {
	return true, nil
}

func (d DummyBackend) LoadTiles(tiles *tiledata.TileCollection, withMetadata bool) (bool, error) {
	return true, nil
}

func (DummyBackend) StoreTile(tile *tiledata.Tile) (bool, error) {
	tile.Stored = true
	return true, nil
}

func (d DummyBackend) StoreTiles(tiles *tiledata.TileCollection) (bool, error) {
	for _, t := range tiles.Tiles {
		t.Stored = true
	}
	return true, nil
}

func (DummyBackend) RemoveTile(tile *tiledata.Tile) (bool, error) { return true, nil }

func (DummyBackend) LoadTileMetadata(tile *tiledata.Tile) error { return nil }

func (DummyBackend) Cleanup() error { return nil }

func (DummyBackend) LockCacheID() string { return "dummy" }

func (DummyBackend) Coverage() coverage.Coverage { return nil }

func (DummyBackend) SupportsTimestamp() bool { return false }

var _ Backend = DummyBackend{}
