// Package filestore implements the hierarchical file-backend cache: one
// file per tile under a directory tree whose shape is a pure function of
// (coord, layout, dimensions), with optional single-color deduplication via
// links. Ported from original_source/mapproxy/cache/file.py.
package filestore

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nandina-gis/tilecache/internal/coverage"
	"github.com/nandina-gis/tilecache/internal/lock"
	"github.com/nandina-gis/tilecache/internal/store"
	"github.com/nandina-gis/tilecache/internal/tiledata"
)

// LinkMode selects single-color tile deduplication strategy.
type LinkMode int

const (
	LinkNone LinkMode = iota
	LinkSymlink
	LinkHardlink
)

// Config configures a Backend.
type Config struct {
	CacheDir            string
	FileExt             string
	Layout              Layout
	LockDir             string
	LinkSingleColor     LinkMode
	DirectoryPermission os.FileMode // 0 = default 0o755
	FilePermission      os.FileMode // 0 = default 0o644
	Log                 *logrus.Entry
	Coverage            coverage.Coverage
}

// Backend is the hierarchical file-cache storage backend.
type Backend struct {
	cfg    Config
	locker *lock.Locker
	log    *logrus.Entry
}

var _ store.Backend = (*Backend)(nil)

// New builds a Backend. If cfg.LockDir is empty, locks are written under
// cfg.CacheDir/.locks.
func New(cfg Config) *Backend {
	if cfg.Layout == "" {
		cfg.Layout = LayoutTC
	}
	if cfg.LockDir == "" {
		cfg.LockDir = filepath.Join(cfg.CacheDir, ".locks")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(discardLogger())
	}
	return &Backend{cfg: cfg, locker: lock.NewLocker(cfg.LockDir, 5*time.Minute), log: cfg.Log}
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// LockCacheID returns a stable identifier derived from the cache directory,
// matching the original's `'compactcache-' + md5(cache_dir)` convention
// generalized to the file backend.
func (b *Backend) LockCacheID() string {
	sum := md5.Sum([]byte(b.cfg.CacheDir))
	return "filecache-" + hex.EncodeToString(sum[:])
}

func (b *Backend) Coverage() coverage.Coverage { return b.cfg.Coverage }

func (b *Backend) SupportsTimestamp() bool { return true }

func (b *Backend) Cleanup() error { return nil }

// levelLocation returns the directory for zoom level z.
func (b *Backend) levelLocation(z int) string {
	return filepath.Join(b.cfg.CacheDir, fmt.Sprintf("%02d", z))
}

// tileLocation returns the on-disk path for coord under the configured
// layout, creating parent directories if createDir is true.
func (b *Backend) tileLocation(coord *tiledata.Coord, createDir bool) (string, error) {
	rel := FormatPath(b.cfg.Layout, coord.X, coord.Y, coord.Z, b.cfg.FileExt)
	path := filepath.Join(b.cfg.CacheDir, rel)
	if createDir {
		dir := filepath.Dir(path)
		if err := b.mkdirAll(dir); err != nil {
			return "", err
		}
	}
	return path, nil
}

func (b *Backend) mkdirAll(dir string) error {
	perm := b.cfg.DirectoryPermission
	if perm == 0 {
		perm = 0o755
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	// os.MkdirAll applies perm&^umask; honor the configured permission
	// explicitly the way the original applies directory_permissions as a
	// post-creation chmod rather than relying on umask interaction.
	return os.Chmod(dir, perm)
}

// singleColorPath returns the canonical path for a solid-color tile's
// shared file, keyed by the color's hex string (rrggbb, or rrggbbaa when
// alpha is not 255) the way the original keys it by hex(rgb[a]).
func (b *Backend) singleColorPath(hexColor string) string {
	return filepath.Join(b.cfg.CacheDir, "single_color_tiles", hexColor+b.cfg.FileExt)
}

func colorHexKey(r, g, bl, a uint8) string {
	if a == 255 {
		return fmt.Sprintf("%02x%02x%02x", r, g, bl)
	}
	return fmt.Sprintf("%02x%02x%02x%02x", r, g, bl, a)
}

// IsCached reports whether coord's file exists on disk.
func (b *Backend) IsCached(tile *tiledata.Tile) (bool, error) {
	if tile.Coord == nil || tile.Payload != nil {
		return true, nil
	}
	path, err := b.tileLocation(tile.Coord, false)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, nil
}

// LoadTile reads coord's bytes from disk into tile.Payload.
func (b *Backend) LoadTile(tile *tiledata.Tile, withMetadata bool) (bool, error) {
	if tile.Coord == nil || tile.Payload != nil {
		return true, nil
	}
	path, err := b.tileLocation(tile.Coord, false)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	tile.Payload = tiledata.NewImagePayloadFromBytes(data, strings.TrimPrefix(b.cfg.FileExt, "."))
	tile.Location = path
	tile.Size = int64(len(data))
	if withMetadata {
		if fi, err := os.Stat(path); err == nil {
			tile.Timestamp = fi.ModTime()
		}
	}
	return true, nil
}

// LoadTiles bulk-loads, returning true iff every missing tile loaded.
func (b *Backend) LoadTiles(tiles *tiledata.TileCollection, withMetadata bool) (bool, error) {
	ok := true
	for _, t := range tiles.Tiles {
		loaded, err := b.LoadTile(t, withMetadata)
		if err != nil {
			return false, err
		}
		if !loaded {
			ok = false
		}
	}
	return ok, nil
}

// LoadTileMetadata fills Size/Timestamp from the filesystem without
// decoding the payload.
func (b *Backend) LoadTileMetadata(tile *tiledata.Tile) error {
	if tile.Coord == nil {
		return nil
	}
	path, err := b.tileLocation(tile.Coord, false)
	if err != nil {
		return err
	}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	tile.Size = fi.Size()
	tile.Timestamp = fi.ModTime()
	return nil
}

// StoreTile writes the tile's payload to disk atomically (temp file then
// rename), applying single-color link dedup if configured.
func (b *Backend) StoreTile(tile *tiledata.Tile) (bool, error) {
	if tile.Stored {
		return true, nil
	}
	if tile.Coord == nil || tile.Payload == nil {
		return false, fmt.Errorf("filestore: cannot store tile with nil coord or payload")
	}

	data, err := tile.Payload.AsBuffer(strings.TrimPrefix(b.cfg.FileExt, "."), 0)
	if err != nil {
		return false, err
	}

	path, err := b.tileLocation(tile.Coord, true)
	if err != nil {
		return false, err
	}

	if b.cfg.LinkSingleColor != LinkNone {
		if c, ok := tiledata.SingleColor(tile.Payload); ok {
			if err := b.storeLinked(path, data, c); err != nil {
				return false, err
			}
			tile.Stored = true
			tile.Location = path
			tile.Size = int64(len(data))
			return true, nil
		}
	}

	if err := b.writeAtomic(path, data); err != nil {
		return false, err
	}
	tile.Stored = true
	tile.Location = path
	tile.Size = int64(len(data))
	return true, nil
}

func (b *Backend) storeLinked(coordPath string, data []byte, c color.RGBA) error {
	hexKey := colorHexKey(c.R, c.G, c.B, c.A)
	canonical := b.singleColorPath(hexKey)
	if err := b.mkdirAll(filepath.Dir(canonical)); err != nil {
		return err
	}
	if _, err := os.Stat(canonical); os.IsNotExist(err) {
		if err := b.writeAtomic(canonical, data); err != nil {
			return err
		}
	}
	_ = os.Remove(coordPath)
	if b.cfg.LinkSingleColor == LinkHardlink {
		if err := os.Link(canonical, coordPath); err != nil {
			return os.Symlink(canonical, coordPath)
		}
		return nil
	}
	return os.Symlink(canonical, coordPath)
}

func (b *Backend) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	perm := b.cfg.FilePermission
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// StoreTiles bulk-stores, encoding payloads outside any lock (each store is
// its own atomic file write, so there is no shared write-transaction to
// hold open, matching spec.md §4.D's guidance to minimize lock hold time).
func (b *Backend) StoreTiles(tiles *tiledata.TileCollection) (bool, error) {
	ok := true
	for _, t := range tiles.Tiles {
		stored, err := b.StoreTile(t)
		if err != nil {
			return false, err
		}
		if !stored {
			ok = false
		}
	}
	return ok, nil
}

// RemoveTile deletes coord's file. Idempotent: a missing file is success.
func (b *Backend) RemoveTile(tile *tiledata.Tile) (bool, error) {
	if tile.Coord == nil {
		return true, nil
	}
	path, err := b.tileLocation(tile.Coord, false)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}
