// Package creator implements the tile creator: it turns a batch of
// uncached tile requests into upstream queries, splitting meta-tiles back
// into individual tiles and storing the results. Dispatch-mode selection
// and the upstream-merge-then-split algorithm are ported from
// original_source/mapproxy/cache/tile.py (TileCreator, split_meta_tiles,
// TileSplitter); the worker-pool concurrency skeleton is adapted from the
// donor's internal/tile/generator.go (buffered job channel + sync.WaitGroup
// + single-slot error channel).
package creator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nandina-gis/tilecache/internal/imaging"
	"github.com/nandina-gis/tilecache/internal/lock"
	"github.com/nandina-gis/tilecache/internal/store"
	"github.com/nandina-gis/tilecache/internal/tilecoord"
	"github.com/nandina-gis/tilecache/internal/tiledata"
	"github.com/nandina-gis/tilecache/internal/tilerr"
)

// Source produces tile imagery for a bounding-box-sized request — the seam
// the tile manager's upstream collaborator plugs into (the HTTP client
// itself is out of scope per spec.md §1). Returning an error wrapping
// tilerr.ErrBlankImage means "no contribution", not a failure.
type Source interface {
	GetMap(ctx context.Context, bbox tilecoord.BBox, size [2]int, opts tiledata.ImageOptions) (*tiledata.ImagePayload, error)
}

// TileSource is the narrower upstream contract used in bulk mode, where
// every source is itself a tile cache: sub-tiles are pulled individually
// instead of rendered from one combined meta-tile request.
type TileSource interface {
	GetTile(ctx context.Context, coord tiledata.Coord) (*tiledata.ImagePayload, error)
}

// PreStoreFilter may replace a Tile immediately before it is stored,
// matching the tile manager's pre_store_filter chain (spec.md §4.H); the
// manager injects its filter chain here rather than the creator owning one.
type PreStoreFilter func(*tiledata.Tile) (*tiledata.Tile, error)

// Options configures a Creator.
type Options struct {
	Grid     *tilecoord.Grid
	MetaGrid *tilecoord.MetaGrid // nil selects single-tile mode

	Sources     []Source
	BulkSources []TileSource

	Store  store.Backend
	Locker *lock.TileLocker

	ConcurrentTileCreators int
	MinimizeMetaRequests   bool
	BulkMetaTiles          bool

	ImageOptions   tiledata.ImageOptions
	PreStoreFilter PreStoreFilter
	Log            *logrus.Entry
}

// Creator dispatches uncached tile requests per spec.md §4.G.
type Creator struct {
	opts Options
	log  *logrus.Entry
}

// New builds a Creator. A nil opts.Log gets a real (non-discarding) logrus
// logger at default settings — callers wanting silence should pass an
// entry wrapping a logger with io.Discard output.
func New(opts Options) *Creator {
	if opts.ConcurrentTileCreators < 1 {
		opts.ConcurrentTileCreators = 1
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.New())
	}
	return &Creator{opts: opts, log: opts.Log}
}

// unit is one piece of dispatched work: the coords it will fill, the coord
// used for the serializing lock (the meta-tile's main tile, per spec.md
// §4.C), and — for non-bulk units — the combined bbox/pixel size to query
// and the crop patterns used to split the response.
type unit struct {
	coords    []tiledata.Coord
	lockCoord tiledata.Coord
	bbox      tilecoord.BBox
	size      [2]int
	patterns  []tilecoord.CropPattern
	bulk      bool
}

// CreateTiles fills in payloads for every IsMissing tile in tiles,
// dispatching per spec.md §4.G's mode rules, and stores each produced tile
// via opts.Store. Tiles that remain un-producible (every source returned
// blank) are left missing; the caller (the tile manager) decides what that
// means downstream (rescale, sentinel, etc).
func (c *Creator) CreateTiles(ctx context.Context, tiles *tiledata.TileCollection) error {
	var missing []*tiledata.Tile
	for _, t := range tiles.Tiles {
		if t.IsMissing() {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	byCoord := make(map[tiledata.Coord]*tiledata.Tile, len(missing))
	for _, t := range missing {
		byCoord[*t.Coord] = t
	}

	units := c.buildUnits(missing)
	return c.runUnits(ctx, units, byCoord)
}

func (c *Creator) buildUnits(missing []*tiledata.Tile) []unit {
	if c.opts.BulkMetaTiles && len(c.opts.BulkSources) > 0 {
		return c.bulkUnits(missing)
	}
	if c.opts.MetaGrid == nil {
		return c.singleUnits(missing)
	}
	if c.opts.MinimizeMetaRequests && len(missing) > 1 {
		return c.minimalMetaUnit(missing)
	}
	return c.metaUnits(missing)
}

func (c *Creator) singleUnits(missing []*tiledata.Tile) []unit {
	units := make([]unit, 0, len(missing))
	ts := c.opts.Grid.TileSize
	for _, t := range missing {
		coord := *t.Coord
		units = append(units, unit{
			coords:    []tiledata.Coord{coord},
			lockCoord: coord,
			bbox:      c.opts.Grid.TileBBox(coord.X, coord.Y, coord.Z),
			size:      [2]int{ts, ts},
			patterns:  []tilecoord.CropPattern{{Coord: [3]int{coord.X, coord.Y, coord.Z}, CropX: 0, CropY: 0}},
		})
	}
	return units
}

func (c *Creator) metaUnits(missing []*tiledata.Tile) []unit {
	seen := make(map[[3]int]bool)
	var units []unit
	for _, t := range missing {
		main := c.opts.MetaGrid.MainTile(t.Coord.X, t.Coord.Y, t.Coord.Z)
		if seen[main] {
			continue
		}
		seen[main] = true
		mt := c.opts.MetaGrid.MetaTileFor(t.Coord.X, t.Coord.Y, t.Coord.Z)
		coords := make([]tiledata.Coord, 0, len(mt.Patterns))
		for _, p := range mt.Patterns {
			coords = append(coords, tiledata.Coord{X: p.Coord[0], Y: p.Coord[1], Z: p.Coord[2]})
		}
		units = append(units, unit{
			coords:    coords,
			lockCoord: tiledata.Coord{X: main[0], Y: main[1], Z: main[2]},
			bbox:      mt.BBox,
			size:      [2]int{mt.Width, mt.Height},
			patterns:  mt.Patterns,
		})
	}
	return units
}

// minimalMetaUnit builds the single bounding meta-tile covering every
// missing coord, issuing one upstream request for the whole batch
// (minimize_meta_requests mode).
func (c *Creator) minimalMetaUnit(missing []*tiledata.Tile) []unit {
	coords := make([][3]int, 0, len(missing))
	for _, t := range missing {
		coords = append(coords, [3]int{t.Coord.X, t.Coord.Y, t.Coord.Z})
	}
	mt := c.opts.MetaGrid.MinimalMetaTile(coords)
	if mt == nil {
		return nil
	}
	main := c.opts.MetaGrid.MainTile(missing[0].Coord.X, missing[0].Coord.Y, missing[0].Coord.Z)
	unitCoords := make([]tiledata.Coord, 0, len(mt.Patterns))
	for _, p := range mt.Patterns {
		unitCoords = append(unitCoords, tiledata.Coord{X: p.Coord[0], Y: p.Coord[1], Z: p.Coord[2]})
	}
	return []unit{{
		coords:    unitCoords,
		lockCoord: tiledata.Coord{X: main[0], Y: main[1], Z: main[2]},
		bbox:      mt.BBox,
		size:      [2]int{mt.Width, mt.Height},
		patterns:  mt.Patterns,
	}}
}

func (c *Creator) bulkUnits(missing []*tiledata.Tile) []unit {
	units := make([]unit, 0, len(missing))
	for _, t := range missing {
		coord := *t.Coord
		units = append(units, unit{coords: []tiledata.Coord{coord}, lockCoord: coord, bulk: true})
	}
	return units
}

// runUnits processes units on a worker pool of opts.ConcurrentTileCreators
// goroutines. Every unit runs even when another fails; if any unit returns
// an error (an upstream or lock failure), the first such error is returned
// after all units finish. Per-tile store failures are logged and produce no
// error.
func (c *Creator) runUnits(ctx context.Context, units []unit, byCoord map[tiledata.Coord]*tiledata.Tile) error {
	if len(units) == 0 {
		return nil
	}
	jobs := make(chan unit, len(units))
	for _, u := range units {
		jobs <- u
	}
	close(jobs)

	workers := c.opts.ConcurrentTileCreators
	if workers > len(units) {
		workers = len(units)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				if err := c.processUnit(ctx, u, byCoord); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// processUnit acquires the unit's lock, re-checks the cache for every coord
// it covers, and either adopts the now-cached result (another creator won
// the race) or produces and stores fresh tiles.
func (c *Creator) processUnit(ctx context.Context, u unit, byCoord map[tiledata.Coord]*tiledata.Tile) error {
	unlock, err := c.opts.Locker.Lock(&u.lockCoord)
	if err != nil {
		return err
	}
	defer unlock()

	if c.opts.Store != nil {
		recheck := tiledata.NewTileCollection(coordPtrs(u.coords))
		if _, err := c.opts.Store.LoadTiles(recheck, false); err != nil {
			return err
		}
		allCached := true
		for _, t := range recheck.Tiles {
			if t.IsMissing() {
				allCached = false
				break
			}
		}
		if allCached {
			for _, t := range recheck.Tiles {
				if dst, ok := byCoord[*t.Coord]; ok {
					dst.Payload = t.Payload
					dst.Stored = true
					dst.Size = t.Size
					dst.Timestamp = t.Timestamp
				}
			}
			return nil
		}
	}

	if u.bulk {
		return c.processBulk(ctx, u, byCoord)
	}
	return c.processCombined(ctx, u, byCoord)
}

func (c *Creator) processCombined(ctx context.Context, u unit, byCoord map[tiledata.Coord]*tiledata.Tile) error {
	combined, err := c.querySources(ctx, u.bbox, u.size)
	if err != nil {
		return err
	}
	if combined == nil {
		return nil
	}
	full, err := combined.AsImage()
	if err != nil {
		return err
	}
	tileSize := c.opts.Grid.TileSize
	for _, p := range u.patterns {
		coord := tiledata.Coord{X: p.Coord[0], Y: p.Coord[1], Z: p.Coord[2]}
		dst, ok := byCoord[coord]
		if !ok {
			continue
		}
		cropped := cropImage(full, p.CropX, p.CropY, tileSize)
		dst.Payload = tiledata.NewImagePayloadFromImage(cropped, tileSize)
		c.storeTile(dst)
	}
	return nil
}

func (c *Creator) processBulk(ctx context.Context, u unit, byCoord map[tiledata.Coord]*tiledata.Tile) error {
	coord := u.coords[0]
	dst, ok := byCoord[coord]
	if !ok {
		return nil
	}
	img, err := c.queryBulkSources(ctx, coord)
	if err != nil {
		return err
	}
	if img == nil {
		return nil
	}
	dst.Payload = img
	c.storeTile(dst)
	return nil
}

// storeTile applies the pre-store filter (if any) and stores the tile.
// Store failures are logged, never fatal to the batch.
func (c *Creator) storeTile(t *tiledata.Tile) {
	if c.opts.Store == nil || !t.Cacheable {
		return
	}
	tile := t
	if c.opts.PreStoreFilter != nil {
		filtered, err := c.opts.PreStoreFilter(tile)
		if err != nil {
			c.log.WithError(err).Warn("pre-store filter rejected tile")
			return
		}
		tile = filtered
	}
	ok, err := c.opts.Store.StoreTile(tile)
	if err != nil {
		c.log.WithError(err).WithField("store_failure", true).WithField("coord", tile.Coord).Warn("tile store failed")
		return
	}
	if !ok {
		c.log.WithField("store_failure", true).WithField("coord", tile.Coord).Warn("tile store declined (backend busy)")
	}
}

// querySources resolves one combined bbox/size request against opts.Sources:
// a single source is called directly, multiple sources are queried in
// parallel and merged bottom-first (spec.md §4.G "Upstream query").
func (c *Creator) querySources(ctx context.Context, bbox tilecoord.BBox, size [2]int) (*tiledata.ImagePayload, error) {
	if len(c.opts.Sources) == 0 {
		return nil, nil
	}
	if len(c.opts.Sources) == 1 {
		img, err := c.opts.Sources[0].GetMap(ctx, bbox, size, c.opts.ImageOptions)
		return blankOrWrap(img, err)
	}

	type result struct {
		img *tiledata.ImagePayload
		err error
	}
	results := make([]result, len(c.opts.Sources))
	var wg sync.WaitGroup
	for i, src := range c.opts.Sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			img, err := src.GetMap(ctx, bbox, size, c.opts.ImageOptions)
			if errors.Is(err, tilerr.ErrBlankImage) {
				results[i] = result{nil, nil}
				return
			}
			results[i] = result{img, err}
		}(i, src)
	}
	wg.Wait()

	merger := &imaging.LayerMerger{}
	any := false
	for _, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", tilerr.ErrUpstreamFailure, r.err)
		}
		if r.img != nil {
			merger.Add(r.img, nil)
			any = true
		}
	}
	if !any {
		return nil, nil
	}
	return merger.Merge(c.opts.ImageOptions, size, bbox, nil)
}

// queryBulkSources is querySources' bulk-mode sibling: it fetches a single
// tile coord from each TileSource instead of a combined bbox render.
func (c *Creator) queryBulkSources(ctx context.Context, coord tiledata.Coord) (*tiledata.ImagePayload, error) {
	if len(c.opts.BulkSources) == 0 {
		return nil, nil
	}
	if len(c.opts.BulkSources) == 1 {
		img, err := c.opts.BulkSources[0].GetTile(ctx, coord)
		return blankOrWrap(img, err)
	}

	type result struct {
		img *tiledata.ImagePayload
		err error
	}
	results := make([]result, len(c.opts.BulkSources))
	var wg sync.WaitGroup
	for i, src := range c.opts.BulkSources {
		wg.Add(1)
		go func(i int, src TileSource) {
			defer wg.Done()
			img, err := src.GetTile(ctx, coord)
			if errors.Is(err, tilerr.ErrBlankImage) {
				results[i] = result{nil, nil}
				return
			}
			results[i] = result{img, err}
		}(i, src)
	}
	wg.Wait()

	merger := &imaging.LayerMerger{}
	any := false
	for _, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", tilerr.ErrUpstreamFailure, r.err)
		}
		if r.img != nil {
			merger.Add(r.img, nil)
			any = true
		}
	}
	if !any {
		return nil, nil
	}
	size := [2]int{c.opts.Grid.TileSize, c.opts.Grid.TileSize}
	bbox := c.opts.Grid.TileBBox(coord.X, coord.Y, coord.Z)
	return merger.Merge(c.opts.ImageOptions, size, bbox, nil)
}

func blankOrWrap(img *tiledata.ImagePayload, err error) (*tiledata.ImagePayload, error) {
	if err != nil {
		if errors.Is(err, tilerr.ErrBlankImage) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", tilerr.ErrUpstreamFailure, err)
	}
	return img, nil
}

func coordPtrs(coords []tiledata.Coord) []*tiledata.Coord {
	out := make([]*tiledata.Coord, len(coords))
	for i := range coords {
		c := coords[i]
		out[i] = &c
	}
	return out
}

func cropImage(img image.Image, x, y, size int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(out, out.Bounds(), img, image.Pt(x, y), draw.Src)
	return out
}
