package compact

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nandina-gis/tilecache/internal/coverage"
	"github.com/nandina-gis/tilecache/internal/store"
	"github.com/nandina-gis/tilecache/internal/tiledata"
	"github.com/nandina-gis/tilecache/internal/tilerr"
)

// bundle is the capability surface shared by BundleV1 and BundleV2, letting
// Backend stay version-agnostic above the block-file layer.
type bundle interface {
	IsCached(x, y int) (bool, error)
	LoadTile(x, y int) ([]byte, bool, error)
	StoreTile(x, y int, data []byte) error
	RemoveTile(x, y int) error
}

// Config configures a compact-bundle Backend.
type Config struct {
	CacheDir string
	FileExt  string
	Version  Version
	Log      *logrus.Entry
	Coverage coverage.Coverage

	// DefragThresholdPercent and DefragMinWasteBytes gate Defrag: a bundle
	// is rewritten only when its wasted fraction and absolute waste both
	// exceed these thresholds, matching spec.md §4.F's defragmentation
	// criteria ("percentage and absolute minimum").
	DefragThresholdPercent float64
	DefragMinWasteBytes    int64
}

// Backend implements store.Backend over the fixed 128x128 compact bundle
// format, dispatching to BundleV1 or BundleV2 per Config.Version. Ported
// from original_source/mapproxy/cache/compact.py's CompactCacheV1/V2.
type Backend struct {
	cfg Config
	log *logrus.Entry
}

var _ store.Backend = (*Backend)(nil)

func New(cfg Config) *Backend {
	if cfg.Version == 0 {
		cfg.Version = V2
	}
	if cfg.FileExt == "" {
		cfg.FileExt = "png"
	}
	if cfg.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Log = logrus.NewEntry(l)
	}
	if cfg.DefragThresholdPercent == 0 {
		cfg.DefragThresholdPercent = 20
	}
	return &Backend{cfg: cfg, log: cfg.Log}
}

// LockCacheID matches the original's `'compactcache-' + md5(cache_dir)`.
func (b *Backend) LockCacheID() string {
	sum := md5.Sum([]byte(b.cfg.CacheDir))
	return "compactcache-" + hex.EncodeToString(sum[:])
}

func (b *Backend) Coverage() coverage.Coverage { return b.cfg.Coverage }

func (b *Backend) SupportsTimestamp() bool { return false }

func (b *Backend) Cleanup() error { return nil }

// blockOrigin returns the upper-left (c, r) of the 128x128 block containing
// (x, y), per spec.md §4.F.
func blockOrigin(x, y int) (c, r int) {
	return (x / GridWidth) * GridWidth, (y / GridHeight) * GridHeight
}

// levelDir returns "L<zz>" for zoom z.
func levelDir(z int) string {
	return fmt.Sprintf("L%02d", z)
}

// basePath returns the bundle's path without its .bundle/.bundlx extension:
// "<cache_dir>/L<zz>/R<rrrr>C<cccc>", hex zero-padded to >= 4 digits,
// matching spec.md §6's grammar.
func (b *Backend) basePath(x, y, z int) string {
	c, r := blockOrigin(x, y)
	name := fmt.Sprintf("R%04xC%04x", r, c)
	return filepath.Join(b.cfg.CacheDir, levelDir(z), name)
}

func (b *Backend) bundleFor(x, y, z int) bundle {
	base := b.basePath(x, y, z)
	c, r := blockOrigin(x, y)
	switch b.cfg.Version {
	case V1:
		return NewBundleV1(base, [2]int{c, r})
	default:
		return NewBundleV2(base)
	}
}

func (b *Backend) IsCached(tile *tiledata.Tile) (bool, error) {
	if tile.Coord == nil || tile.Payload != nil {
		return true, nil
	}
	c := tile.Coord
	ok, err := b.bundleFor(c.X, c.Y, c.Z).IsCached(c.X, c.Y)
	if err != nil {
		b.log.WithError(err).WithField("bundle_corruption", true).Error("compact: is_cached check failed")
		return false, err
	}
	return ok, nil
}

func (b *Backend) LoadTile(tile *tiledata.Tile, withMetadata bool) (bool, error) {
	if tile.Coord == nil || tile.Payload != nil {
		return true, nil
	}
	c := tile.Coord
	data, ok, err := b.bundleFor(c.X, c.Y, c.Z).LoadTile(c.X, c.Y)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	tile.Payload = tiledata.NewImagePayloadFromBytes(data, strings.TrimPrefix(b.cfg.FileExt, "."))
	tile.Size = int64(len(data))
	tile.Location = b.basePath(c.X, c.Y, c.Z) + BundleExt
	return true, nil
}

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

// LoadTileMetadata is implemented as LoadTile: compact bundles carry no
// mtime, so SupportsTimestamp is false and this is the only metadata
// available (spec.md §4.D table).
func (b *Backend) LoadTileMetadata(tile *tiledata.Tile) error {
	_, err := b.LoadTile(tile, true)
	return err
}

func (b *Backend) StoreTile(tile *tiledata.Tile) (bool, error) {
	if tile.Stored {
		return true, nil
	}
	if tile.Coord == nil || tile.Payload == nil {
		return false, fmt.Errorf("compact: cannot store tile with nil coord or payload")
	}
	data, err := tile.Payload.AsBuffer(strings.TrimPrefix(b.cfg.FileExt, "."), 0)
	if err != nil {
		return false, err
	}
	c := tile.Coord
	if err := b.bundleFor(c.X, c.Y, c.Z).StoreTile(c.X, c.Y, data); err != nil {
		if err == tilerr.ErrLockTimeout {
			return false, err
		}
		return false, err
	}
	tile.Stored = true
	tile.Size = int64(len(data))
	tile.Location = b.basePath(c.X, c.Y, c.Z) + BundleExt
	return true, nil
}

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

func (b *Backend) RemoveTile(tile *tiledata.Tile) (bool, error) {
	if tile.Coord == nil {
		return true, nil
	}
	c := tile.Coord
	if err := b.bundleFor(c.X, c.Y, c.Z).RemoveTile(c.X, c.Y); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveLevel deletes every bundle for zoom level z outright, the bulk-expiry
// fast path restored from CompactCacheBase.remove_level_tiles_before when the
// target timestamp is exactly 0 (SUPPLEMENTED FEATURES #3).
func (b *Backend) RemoveLevel(level int) error {
	dir := filepath.Join(b.cfg.CacheDir, levelDir(level))
	err := os.RemoveAll(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DefragResult reports what Defrag did to one bundle.
type DefragResult struct {
	Bundle       string
	WastedBytes  int64
	FileSize     int64
	Rewritten    bool
}

// Defrag walks every bundle under level dir z and rewrites (in a fresh file,
// atomically renamed over the original) any bundle whose wasted-byte
// fraction and absolute waste both exceed the configured thresholds,
// matching spec.md §4.F's offline defragmentation contract. Only the v2
// embedded-index layout is defragmented; v1's separate index file is left
// as an extension point (not exercised by any retrieved v1 fixture).
func (b *Backend) Defrag(level int) ([]DefragResult, error) {
	if b.cfg.Version != V2 {
		return nil, fmt.Errorf("compact: defrag only implemented for v2 bundles")
	}
	dir := filepath.Join(b.cfg.CacheDir, levelDir(level))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var results []DefragResult
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != BundleExt {
			continue
		}
		base := filepath.Join(dir, strings.TrimSuffix(e.Name(), BundleExt))
		res, err := b.defragOne(base)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *Backend) defragOne(base string) (DefragResult, error) {
	bv := NewBundleV2(base)
	fi, err := os.Stat(bv.Filename)
	if err != nil {
		return DefragResult{}, err
	}
	usedBytes := int64(v2HeaderSize + v2IndexSize)
	present := make(map[[2]int][]byte)

	f, err := os.Open(bv.Filename)
	if err != nil {
		return DefragResult{}, err
	}
	for y := 0; y < GridHeight; y++ {
		for x := 0; x < GridWidth; x++ {
			word := make([]byte, 8)
			if _, err := f.ReadAt(word, tileIdxOffsetV2(x, y)); err != nil {
				f.Close()
				return DefragResult{}, wrapCorrupt("compact: defrag read index", err)
			}
			offset, size := decodeOffsetSize(readUint64LE(word))
			if size == 0 {
				continue
			}
			data := make([]byte, size)
			if _, err := f.ReadAt(data, offset); err != nil {
				f.Close()
				return DefragResult{}, wrapCorrupt("compact: defrag read payload", err)
			}
			present[[2]int{x, y}] = data
			usedBytes += 4 + size
		}
	}
	f.Close()

	wasted := fi.Size() - usedBytes
	res := DefragResult{Bundle: bv.Filename, WastedBytes: wasted, FileSize: fi.Size()}

	if wasted < b.cfg.DefragMinWasteBytes {
		return res, nil
	}
	if fi.Size() == 0 || float64(wasted)/float64(fi.Size())*100 < b.cfg.DefragThresholdPercent {
		return res, nil
	}

	tmp := base + ".defrag" + BundleExt
	_ = os.Remove(tmp)
	fresh := NewBundleV2(strings.TrimSuffix(tmp, BundleExt))
	for xy, data := range present {
		if err := fresh.StoreTile(xy[0], xy[1], data); err != nil {
			return res, err
		}
	}
	if err := os.Rename(fresh.Filename, bv.Filename); err != nil {
		return res, err
	}
	_ = os.Remove(tmp + ".lck")
	res.Rewritten = true
	return res, nil
}
