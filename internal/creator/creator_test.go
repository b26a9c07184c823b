package creator

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandina-gis/tilecache/internal/coverage"
	"github.com/nandina-gis/tilecache/internal/lock"
	"github.com/nandina-gis/tilecache/internal/tilecoord"
	"github.com/nandina-gis/tilecache/internal/tiledata"
	"github.com/nandina-gis/tilecache/internal/tilerr"
)

func testGrid() *tilecoord.Grid {
	return tilecoord.NewGrid("EPSG:3857", tilecoord.BBox{
		MinX: -20037508.3427892, MinY: -20037508.3427892,
		MaxX: 20037508.3427892, MaxY: 20037508.3427892,
	}, 256, 20)
}

// memStore is a tiny in-memory store.Backend used to assert the creator's
// store interaction without depending on a real backend package.
type memStore struct {
	tiles map[tiledata.Coord]*tiledata.ImagePayload
	calls atomic.Int64
}

func newMemStore() *memStore { return &memStore{tiles: map[tiledata.Coord]*tiledata.ImagePayload{}} }

func (m *memStore) IsCached(t *tiledata.Tile) (bool, error) {
	if t.Coord == nil || t.Payload != nil {
		return true, nil
	}
	_, ok := m.tiles[*t.Coord]
	return ok, nil
}
func (m *memStore) LoadTile(t *tiledata.Tile, _ bool) (bool, error) {
	if t.Coord == nil || t.Payload != nil {
		return true, nil
	}
	img, ok := m.tiles[*t.Coord]
	if !ok {
		return false, nil
	}
	t.Payload = img
	return true, nil
}
func (m *memStore) LoadTiles(tiles *tiledata.TileCollection, withMeta bool) (bool, error) {
	ok := true
	for _, t := range tiles.Tiles {
		loaded, err := m.LoadTile(t, withMeta)
		if err != nil {
			return false, err
		}
		if !loaded {
			ok = false
		}
	}
	return ok, nil
}
func (m *memStore) StoreTile(t *tiledata.Tile) (bool, error) {
	m.calls.Add(1)
	if t.Stored {
		return true, nil
	}
	m.tiles[*t.Coord] = t.Payload
	t.Stored = true
	return true, nil
}
func (m *memStore) StoreTiles(tiles *tiledata.TileCollection) (bool, error) {
	for _, t := range tiles.Tiles {
		if _, err := m.StoreTile(t); err != nil {
			return false, err
		}
	}
	return true, nil
}
func (m *memStore) RemoveTile(t *tiledata.Tile) (bool, error) {
	if t.Coord != nil {
		delete(m.tiles, *t.Coord)
	}
	return true, nil
}
func (m *memStore) LoadTileMetadata(t *tiledata.Tile) error { return nil }
func (m *memStore) Cleanup() error                          { return nil }
func (m *memStore) LockCacheID() string                     { return "mem" }
func (m *memStore) Coverage() coverage.Coverage              { return nil }
func (m *memStore) SupportsTimestamp() bool                  { return false }

func newLocker(t *testing.T) *lock.TileLocker {
	t.Helper()
	return lock.NewTileLocker(t.TempDir(), "test-cache", 5*time.Second)
}

type solidSource struct {
	c     color.RGBA
	calls atomic.Int64
}

func (s *solidSource) GetMap(ctx context.Context, bbox tilecoord.BBox, size [2]int, opts tiledata.ImageOptions) (*tiledata.ImagePayload, error) {
	s.calls.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, size[0], size[1]))
	for y := 0; y < size[1]; y++ {
		for x := 0; x < size[0]; x++ {
			img.SetRGBA(x, y, s.c)
		}
	}
	return tiledata.NewImagePayloadFromImage(img, size[0]), nil
}

type blankSource struct{}

func (blankSource) GetMap(ctx context.Context, bbox tilecoord.BBox, size [2]int, opts tiledata.ImageOptions) (*tiledata.ImagePayload, error) {
	return nil, fmt.Errorf("upstream declined: %w", tilerr.ErrBlankImage)
}

func TestSingleTileColdCacheOneSource(t *testing.T) {
	grid := testGrid()
	st := newMemStore()
	src := &solidSource{c: color.RGBA{R: 10, G: 20, B: 30, A: 255}}

	cr := New(Options{
		Grid:                   grid,
		Sources:                []Source{src},
		Store:                  st,
		Locker:                 newLocker(t),
		ConcurrentTileCreators: 1,
		ImageOptions:           tiledata.DefaultImageOptions(),
	})

	coord := tiledata.Coord{X: 3, Y: 4, Z: 2}
	tiles := tiledata.NewTileCollection([]*tiledata.Coord{&coord})
	err := cr.CreateTiles(context.Background(), tiles)
	require.NoError(t, err)

	tile, _ := tiles.Get(coord)
	require.NotNil(t, tile.Payload)
	assert.True(t, tile.Stored)
	assert.EqualValues(t, 1, src.calls.Load())
	assert.EqualValues(t, 1, st.calls.Load())
}

func TestMetaTileSplitStoresAllSubtiles(t *testing.T) {
	grid := testGrid()
	mg := tilecoord.NewMetaGrid(grid, 2, 2, 0)
	st := newMemStore()
	src := &solidSource{c: color.RGBA{R: 1, G: 2, B: 3, A: 255}}

	cr := New(Options{
		Grid:                   grid,
		MetaGrid:               mg,
		Sources:                []Source{src},
		Store:                  st,
		Locker:                 newLocker(t),
		ConcurrentTileCreators: 2,
		ImageOptions:           tiledata.DefaultImageOptions(),
	})

	coords := []*tiledata.Coord{
		{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1},
	}
	tiles := tiledata.NewTileCollection(coords)
	err := cr.CreateTiles(context.Background(), tiles)
	require.NoError(t, err)

	assert.EqualValues(t, 1, src.calls.Load(), "one upstream query for the combined meta-tile")
	for _, c := range coords {
		tile, ok := tiles.Get(*c)
		require.True(t, ok)
		require.NotNil(t, tile.Payload, "coord %v", c)
		assert.True(t, tile.Stored)
	}
	assert.EqualValues(t, 4, st.calls.Load(), "four individual stores")
}

func TestMinimalMetaRequestIssuesOneQuery(t *testing.T) {
	grid := testGrid()
	mg := tilecoord.NewMetaGrid(grid, 2, 2, 0)
	st := newMemStore()
	src := &solidSource{c: color.RGBA{R: 5, G: 5, B: 5, A: 255}}

	cr := New(Options{
		Grid:                   grid,
		MetaGrid:               mg,
		Sources:                []Source{src},
		Store:                  st,
		Locker:                 newLocker(t),
		ConcurrentTileCreators: 1,
		MinimizeMetaRequests:   true,
		ImageOptions:           tiledata.DefaultImageOptions(),
	})

	coords := []*tiledata.Coord{{X: 10, Y: 10, Z: 5}, {X: 12, Y: 11, Z: 5}}
	tiles := tiledata.NewTileCollection(coords)
	err := cr.CreateTiles(context.Background(), tiles)
	require.NoError(t, err)

	assert.EqualValues(t, 1, src.calls.Load())
	for _, c := range coords {
		tile, _ := tiles.Get(*c)
		require.NotNil(t, tile.Payload)
	}
}

func TestBlankImageLeavesTileMissing(t *testing.T) {
	grid := testGrid()
	st := newMemStore()

	cr := New(Options{
		Grid:                   grid,
		Sources:                []Source{blankSource{}},
		Store:                  st,
		Locker:                 newLocker(t),
		ConcurrentTileCreators: 1,
	})

	coord := tiledata.Coord{X: 0, Y: 0, Z: 0}
	tiles := tiledata.NewTileCollection([]*tiledata.Coord{&coord})
	err := cr.CreateTiles(context.Background(), tiles)
	require.NoError(t, err)

	tile, _ := tiles.Get(coord)
	assert.True(t, tile.IsMissing())
	assert.EqualValues(t, 0, st.calls.Load())
}

func TestConcurrentCreatorsForSameTileIssueOneUpstreamQuery(t *testing.T) {
	grid := testGrid()
	st := newMemStore()
	locker := newLocker(t)
	src := &slowSource{c: color.RGBA{R: 9, G: 9, B: 9, A: 255}, delay: 100 * time.Millisecond}

	coord := tiledata.Coord{X: 0, Y: 0, Z: 0}

	start := time.Now()
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			cr := New(Options{
				Grid:                   grid,
				Sources:                []Source{src},
				Store:                  st,
				Locker:                 locker,
				ConcurrentTileCreators: 1,
				ImageOptions:           tiledata.DefaultImageOptions(),
			})
			tiles := tiledata.NewTileCollection([]*tiledata.Coord{&coord})
			_ = cr.CreateTiles(context.Background(), tiles)
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	elapsed := time.Since(start)

	assert.EqualValues(t, 1, src.calls.Load(), "exactly one upstream query across both creators")
	assert.Less(t, elapsed, 400*time.Millisecond, "second caller reused the first's result rather than re-fetching")
}

type slowSource struct {
	c     color.RGBA
	delay time.Duration
	calls atomic.Int64
}

func (s *slowSource) GetMap(ctx context.Context, bbox tilecoord.BBox, size [2]int, opts tiledata.ImageOptions) (*tiledata.ImagePayload, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	img := image.NewRGBA(image.Rect(0, 0, size[0], size[1]))
	for y := 0; y < size[1]; y++ {
		for x := 0; x < size[0]; x++ {
			img.SetRGBA(x, y, s.c)
		}
	}
	return tiledata.NewImagePayloadFromImage(img, size[0]), nil
}
