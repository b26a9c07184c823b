package compact

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandina-gis/tilecache/internal/tiledata"
)

func payloadTile(coord tiledata.Coord, raw []byte) *tiledata.Tile {
	t := tiledata.NewTile(&coord)
	t.Payload = tiledata.NewImagePayloadFromBytes(raw, "raw")
	return t
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	return New(Config{CacheDir: dir, FileExt: "raw", Version: V2})
}

func TestBackendStoreThenLoadRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	coord := tiledata.Coord{X: 5000, Y: 1000, Z: 12}
	payload := bytes.Repeat([]byte{0x61}, 4000)

	tile := payloadTile(coord, payload)
	stored, err := b.StoreTile(tile)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.True(t, tile.Stored)
	assert.EqualValues(t, 4000, tile.Size)

	bundlePath := b.basePath(coord.X, coord.Y, coord.Z) + BundleExt
	assert.Equal(t, filepath.Join(b.cfg.CacheDir, "L12", "R0380C1380.bundle"), bundlePath)

	fi, err := os.Stat(bundlePath)
	require.NoError(t, err)
	assert.EqualValues(t, int64(64+NumTiles*8+4+4000), fi.Size())

	rx, ry := relTileCoord(coord.X, coord.Y)
	assert.Equal(t, 8, rx)
	assert.Equal(t, 104, ry)

	f, err := os.Open(bundlePath)
	require.NoError(t, err)
	defer f.Close()
	word := make([]byte, 8)
	_, err = f.ReadAt(word, tileIdxOffsetV2(rx, ry))
	require.NoError(t, err)
	offset, size := decodeOffsetSize(binary.LittleEndian.Uint64(word))
	assert.EqualValues(t, 4000, size)

	got := make([]byte, size)
	_, err = f.ReadAt(got, offset)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	loadTile := tiledata.NewTile(&coord)
	ok, err := b.LoadTile(loadTile, false)
	require.NoError(t, err)
	assert.True(t, ok)
	loaded, err := loadTile.Payload.AsBuffer("raw", 0)
	require.NoError(t, err)
	assert.Equal(t, payload, loaded)
}

func TestBackendStoreLargerPayloadUpdatesMaxRecordSize(t *testing.T) {
	b := newTestBackend(t)
	coord := tiledata.Coord{X: 5000, Y: 1000, Z: 12}

	first := bytes.Repeat([]byte{0x61}, 4000)
	_, err := b.StoreTile(payloadTile(coord, first))
	require.NoError(t, err)

	second := bytes.Repeat([]byte{0x61}, 6000)
	stored, err := b.StoreTile(payloadTile(coord, second))
	require.NoError(t, err)
	assert.True(t, stored)

	loadTile := tiledata.NewTile(&coord)
	ok, err := b.LoadTile(loadTile, false)
	require.NoError(t, err)
	require.True(t, ok)
	data, err := loadTile.Payload.AsBuffer("raw", 0)
	require.NoError(t, err)
	assert.Len(t, data, 6000)
	assert.Equal(t, second, data)

	bundlePath := b.basePath(coord.X, coord.Y, coord.Z) + BundleExt
	header := make([]byte, 64)
	f, err := os.Open(bundlePath)
	require.NoError(t, err)
	_, err = f.ReadAt(header, 0)
	f.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 6000, binary.LittleEndian.Uint32(header[8:12]))
}

func TestBackendStoreTileIdempotent(t *testing.T) {
	b := newTestBackend(t)
	coord := tiledata.Coord{X: 1, Y: 1, Z: 3}
	tile := payloadTile(coord, []byte("abc"))

	stored1, err := b.StoreTile(tile)
	require.NoError(t, err)
	assert.True(t, stored1)

	stored2, err := b.StoreTile(tile)
	require.NoError(t, err)
	assert.True(t, stored2)
}

func TestBackendLoadTileAbsent(t *testing.T) {
	b := newTestBackend(t)
	coord := tiledata.Coord{X: 9, Y: 9, Z: 4}
	tile := tiledata.NewTile(&coord)
	ok, err := b.LoadTile(tile, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, tile.Payload)
}

func TestBackendLoadTileNilCoordIsAlwaysCached(t *testing.T) {
	b := newTestBackend(t)
	tile := tiledata.NewTile(nil)
	ok, err := b.LoadTile(tile, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBackendRemoveTileIdempotent(t *testing.T) {
	b := newTestBackend(t)
	coord := tiledata.Coord{X: 2, Y: 2, Z: 5}
	_, err := b.StoreTile(payloadTile(coord, []byte("xyz")))
	require.NoError(t, err)

	tile := tiledata.NewTile(&coord)
	ok, err := b.RemoveTile(tile)
	require.NoError(t, err)
	assert.True(t, ok)

	// Removing again (already-absent) is still success.
	ok, err = b.RemoveTile(tile)
	require.NoError(t, err)
	assert.True(t, ok)

	loadTile := tiledata.NewTile(&coord)
	cached, err := b.LoadTile(loadTile, false)
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestBackendConcurrentStoresSameBundle(t *testing.T) {
	b := newTestBackend(t)
	z := 7
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			coord := tiledata.Coord{X: i % GridWidth, Y: (i * 3) % GridHeight, Z: z}
			data := bytes.Repeat([]byte{byte(i)}, 100+i)
			_, err := b.StoreTile(payloadTile(coord, data))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 32; i++ {
		coord := tiledata.Coord{X: i % GridWidth, Y: (i * 3) % GridHeight, Z: z}
		tile := tiledata.NewTile(&coord)
		ok, err := b.LoadTile(tile, false)
		require.NoError(t, err)
		require.True(t, ok, "coord %v should be readable", coord)
		data, err := tile.Payload.AsBuffer("raw", 0)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 100+i), data)
	}
}

func TestBackendLockCacheIDStableAndNamespaced(t *testing.T) {
	dir := t.TempDir()
	b1 := New(Config{CacheDir: dir})
	b2 := New(Config{CacheDir: dir})
	assert.Equal(t, b1.LockCacheID(), b2.LockCacheID())
	assert.Contains(t, b1.LockCacheID(), "compactcache-")
}

func TestBackendSupportsTimestampFalse(t *testing.T) {
	b := newTestBackend(t)
	assert.False(t, b.SupportsTimestamp())
}

func TestDefragRewritesWastedBundle(t *testing.T) {
	b := newTestBackend(t)
	b.cfg.DefragThresholdPercent = 1
	b.cfg.DefragMinWasteBytes = 1
	z := 9
	coord := tiledata.Coord{X: 3, Y: 3, Z: z}

	_, err := b.StoreTile(payloadTile(coord, bytes.Repeat([]byte{1}, 100000)))
	require.NoError(t, err)
	// Overwrite with a smaller payload: the old bytes become waste.
	_, err = b.StoreTile(payloadTile(coord, bytes.Repeat([]byte{2}, 10)))
	require.NoError(t, err)

	results, err := b.Defrag(z)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Rewritten)

	// Tile is still readable with the latest bytes after defrag.
	loadTile := tiledata.NewTile(&coord)
	ok, err := b.LoadTile(loadTile, false)
	require.NoError(t, err)
	require.True(t, ok)
	data, err := loadTile.Payload.AsBuffer("raw", 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, 10), data)
}

func TestRemoveLevelDeletesAllBundles(t *testing.T) {
	b := newTestBackend(t)
	z := 4
	coord := tiledata.Coord{X: 1, Y: 1, Z: z}
	_, err := b.StoreTile(payloadTile(coord, []byte("abc")))
	require.NoError(t, err)

	require.NoError(t, b.RemoveLevel(z))

	_, err = os.Stat(filepath.Join(b.cfg.CacheDir, levelDir(z)))
	assert.True(t, os.IsNotExist(err))

	// RemoveLevel on an already-absent level is success (idempotent).
	assert.NoError(t, b.RemoveLevel(z))
}
