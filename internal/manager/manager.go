// Package manager implements the tile manager: the public read surface that
// ties a grid, a storage backend, and a tile creator together — cache
// lookup, rescale-on-miss, coverage intersection/clipping, and expiry.
// Ported from original_source/mapproxy/cache/tile_manager.py (TileManager),
// line-for-line for the orchestration logic; the worker/store pieces it
// calls into are internal/creator and internal/store.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nandina-gis/tilecache/internal/coverage"
	"github.com/nandina-gis/tilecache/internal/creator"
	"github.com/nandina-gis/tilecache/internal/lock"
	"github.com/nandina-gis/tilecache/internal/store"
	"github.com/nandina-gis/tilecache/internal/tilecoord"
	"github.com/nandina-gis/tilecache/internal/tiledata"
	"github.com/nandina-gis/tilecache/internal/tilerr"
)

// rescaleMissingSentinel marks a tile as "rescale attempted and failed to
// produce anything", inserted before recursing so a tile that transitively
// depends on itself resolves to missing instead of looping forever
// (SUPPLEMENTED FEATURES #7). Identity (pointer equality), not content,
// is what matters — this mirrors the original's `is RESCALE_TILE_MISSING`
// object-identity check since Go has no exported zero-value ImagePayload.
var rescaleMissingSentinel = tiledata.NewImagePayloadFromBytes(nil, "")

// Filter may replace a Tile immediately before it is stored. The chain runs
// in order; a filter that errors aborts the store for that tile only.
type Filter func(*tiledata.Tile) (*tiledata.Tile, error)

// ExpirePolicy controls when a cached tile is treated as stale. A zero
// value disables expiry.
type ExpirePolicy struct {
	ExpireTimestamp time.Time
}

func (p ExpirePolicy) maxMTime() (time.Time, bool) {
	if p.ExpireTimestamp.IsZero() {
		return time.Time{}, false
	}
	return p.ExpireTimestamp, true
}

// MetaCapableSource is implemented by sources that can report whether they
// accept meta-tile-sized requests. A Source that doesn't implement this is
// assumed to support meta-tiling — the common case for an HTTP WMS/WMTS
// style collaborator.
type MetaCapableSource interface {
	creator.Source
	SupportsMetaTiles() bool
}

// Options configures a Manager.
type Options struct {
	Grid  *tilecoord.Grid
	Store store.Backend

	Sources     []creator.Source
	BulkSources []creator.TileSource

	Locker *lock.TileLocker

	MetaSize             [2]int // zero value and [1,1] both mean "no meta-tiling"
	MetaBuffer           int
	MinimizeMetaRequests bool
	BulkMetaTiles        bool

	ConcurrentTileCreators int
	ImageOptions           tiledata.ImageOptions
	PreStoreFilters        []Filter

	// UpscaleTiles and DownscaleTiles are mutually exclusive; a non-zero
	// value enables rescale-on-miss toward shallower (upscale) or deeper
	// (downscale) zoom levels.
	UpscaleTiles       int
	DownscaleTiles     int
	CacheRescaledTiles bool

	Expire ExpirePolicy

	Log *logrus.Entry
}

// Manager is the public surface for reads.
type Manager struct {
	opts     Options
	grid     *tilecoord.Grid
	metaGrid *tilecoord.MetaGrid
	bulkMeta bool
	log      *logrus.Entry
}

// New builds a Manager. The meta-grid construction rule
// (SUPPLEMENTED FEATURES #8): a meta-grid is only built when meta-tiling is
// requested AND every source agrees it supports meta-tiling; if sources
// disagree it is a configuration error; if meta-tiling is requested but
// every source is tile-only and BulkMetaTiles is set, the manager falls
// back to bulk mode with a zero-buffer meta-grid instead.
func New(opts Options) (*Manager, error) {
	if opts.Grid == nil {
		return nil, fmt.Errorf("%w: manager requires a grid", tilerr.ErrConfiguration)
	}
	if opts.UpscaleTiles != 0 && opts.DownscaleTiles != 0 {
		return nil, fmt.Errorf("%w: upscale_tiles and downscale_tiles are mutually exclusive", tilerr.ErrConfiguration)
	}
	if !opts.Expire.ExpireTimestamp.IsZero() && opts.Store != nil && !opts.Store.SupportsTimestamp() {
		return nil, fmt.Errorf("%w: backend does not support timestamps, cannot enforce an expire policy", tilerr.ErrConfiguration)
	}
	if opts.ConcurrentTileCreators < 1 {
		opts.ConcurrentTileCreators = 1
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.New())
	}

	m := &Manager{opts: opts, grid: opts.Grid, log: opts.Log}

	metaSize := opts.MetaSize
	if metaSize == ([2]int{}) {
		metaSize = [2]int{1, 1}
	}
	wantsMeta := opts.MetaBuffer != 0 || metaSize != [2]int{1, 1}
	if wantsMeta {
		allSupport, anySupport := true, false
		for _, s := range opts.Sources {
			supports := true
			if mc, ok := s.(MetaCapableSource); ok {
				supports = mc.SupportsMetaTiles()
			}
			if supports {
				anySupport = true
			} else {
				allSupport = false
			}
		}
		switch {
		case len(opts.Sources) == 0 || allSupport:
			m.metaGrid = tilecoord.NewMetaGrid(opts.Grid, metaSize[0], metaSize[1], opts.MetaBuffer)
		case anySupport:
			return nil, fmt.Errorf("%w: meta tiling configured but not supported by all sources", tilerr.ErrConfiguration)
		case opts.BulkMetaTiles:
			m.metaGrid = tilecoord.NewMetaGrid(opts.Grid, metaSize[0], metaSize[1], 0)
			m.bulkMeta = true
		}
	}

	return m, nil
}

func (m *Manager) newCreator() *creator.Creator {
	return creator.New(creator.Options{
		Grid:                   m.grid,
		MetaGrid:               m.metaGrid,
		Sources:                m.opts.Sources,
		BulkSources:            m.opts.BulkSources,
		Store:                  m.opts.Store,
		Locker:                 m.opts.Locker,
		ConcurrentTileCreators: m.opts.ConcurrentTileCreators,
		MinimizeMetaRequests:   m.opts.MinimizeMetaRequests,
		BulkMetaTiles:          m.bulkMeta,
		ImageOptions:           m.opts.ImageOptions,
		PreStoreFilter:         m.applyFilters,
		Log:                    m.log,
	})
}

// applyFilters runs the pre_store_filter chain over t, matching the
// original's apply_tile_filter: an already-stored tile skips the chain
// entirely.
func (m *Manager) applyFilters(t *tiledata.Tile) (*tiledata.Tile, error) {
	if t.Stored {
		return t, nil
	}
	for _, f := range m.opts.PreStoreFilters {
		var err error
		t, err = f(t)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Cleanup releases any per-session resources the backend holds open.
func (m *Manager) Cleanup() error {
	if m.opts.Store == nil {
		return nil
	}
	return m.opts.Store.Cleanup()
}

// Session runs fn and always calls Cleanup afterward, matching the
// original's `with tile_manager.session():` scoped-acquisition contract.
func (m *Manager) Session(fn func() error) error {
	err := fn()
	if cerr := m.Cleanup(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// LoadTileCoord loads a single tile.
func (m *Manager) LoadTileCoord(ctx context.Context, coord tiledata.Coord, withMetadata bool) (*tiledata.Tile, error) {
	tiles, err := m.LoadTileCoords(ctx, []*tiledata.Coord{&coord}, withMetadata)
	if err != nil {
		return nil, err
	}
	return tiles.Tiles[0], nil
}

// LoadTileCoords is the manager's public read surface (spec.md §4.H):
// cache lookup, rescale-on-miss, coverage intersect/clip, expiry.
func (m *Manager) LoadTileCoords(ctx context.Context, coords []*tiledata.Coord, withMetadata bool) (*tiledata.TileCollection, error) {
	tiles := tiledata.NewTileCollection(coords)

	rescaleTillZoom := 0
	rescaleEnabled := m.opts.UpscaleTiles != 0 || m.opts.DownscaleTiles != 0
	if rescaleEnabled {
		found := false
		for _, t := range tiles.Tiles {
			if t.Coord != nil {
				if m.opts.UpscaleTiles != 0 {
					rescaleTillZoom = t.Coord.Z - m.opts.UpscaleTiles
				} else {
					rescaleTillZoom = t.Coord.Z + m.opts.DownscaleTiles
				}
				found = true
				break
			}
		}
		if !found {
			return tiles, nil
		}
		if rescaleTillZoom < 0 {
			rescaleTillZoom = 0
		}
		if rescaleTillZoom > m.grid.Levels {
			rescaleTillZoom = m.grid.Levels
		}
	}

	cov := m.backendCoverage()
	if cov != nil {
		for _, t := range tiles.Tiles {
			if t.Coord == nil {
				continue
			}
			bbox := m.grid.TileBBox(t.Coord.X, t.Coord.Y, t.Coord.Z)
			if !cov.Intersects(bbox) {
				t.Coord = nil
			}
		}
	}

	if _, err := m.load(ctx, tiles, rescaleTillZoom, rescaleEnabled, map[tiledata.Coord]*tiledata.Tile{}); err != nil {
		return nil, err
	}

	if cov != nil && cov.Clip() {
		for _, t := range tiles.Tiles {
			if t.Coord == nil || t.Payload == nil || t.Payload == rescaleMissingSentinel {
				continue
			}
			bbox := m.grid.TileBBox(t.Coord.X, t.Coord.Y, t.Coord.Z)
			if !cov.Intersects(bbox) {
				continue
			}
			img, err := t.Payload.AsImage()
			if err != nil {
				return nil, err
			}
			masked := coverage.MaskImage(img, bbox, cov)
			t.Payload = tiledata.NewImagePayloadFromImage(masked, m.grid.TileSize)
		}
	}

	for _, t := range tiles.Tiles {
		if t.Payload == rescaleMissingSentinel {
			t.Payload = nil
		}
	}

	return tiles, nil
}

func (m *Manager) backendCoverage() coverage.Coverage {
	if m.opts.Store == nil {
		return nil
	}
	return m.opts.Store.Coverage()
}

// RemoveTileCoords removes every non-sentinel coord from the backend.
func (m *Manager) RemoveTileCoords(coords []*tiledata.Coord) error {
	if m.opts.Store == nil {
		return nil
	}
	for _, c := range coords {
		if c == nil {
			continue
		}
		t := tiledata.NewTile(c)
		if _, err := m.opts.Store.RemoveTile(t); err != nil {
			return err
		}
	}
	return nil
}

// IsCached reports whether t is cached, consulting the backend and — when
// an expire policy is configured — t's stored timestamp.
func (m *Manager) IsCached(t *tiledata.Tile) (bool, error) {
	if t.Coord == nil {
		return true, nil
	}
	if m.opts.Store == nil {
		return false, nil
	}
	cached, err := m.opts.Store.IsCached(t)
	if err != nil {
		return false, err
	}
	maxMTime, hasExpire := m.opts.Expire.maxMTime()
	if cached && hasExpire {
		if err := m.opts.Store.LoadTileMetadata(t); err != nil {
			return false, err
		}
		if !t.Timestamp.After(maxMTime) {
			cached = false
		}
	}
	return cached, nil
}

// IsStale reports whether t exists in the backend but is expired
// (SUPPLEMENTED FEATURES #9): a tile that was never cached is never stale.
func (m *Manager) IsStale(t *tiledata.Tile) (bool, error) {
	if t.Coord == nil || m.opts.Store == nil {
		return false, nil
	}
	exists, err := m.opts.Store.IsCached(t)
	if err != nil || !exists {
		return false, err
	}
	cached, err := m.IsCached(t)
	if err != nil {
		return false, err
	}
	return !cached, nil
}

func (m *Manager) cacheOnly() bool {
	return len(m.opts.Sources) == 0 && len(m.opts.BulkSources) == 0
}

func (m *Manager) isTileMissing(t *tiledata.Tile, cacheOnly bool) (bool, error) {
	if t.Coord == nil {
		return false, nil
	}
	if cacheOnly {
		return t.IsMissing(), nil
	}
	cached, err := m.IsCached(t)
	if err != nil {
		return false, err
	}
	return !cached, nil
}

// load implements _load_tile_coords: carries over prior rescale results,
// does a bulk cache read, dispatches cache misses to the creator, and — if
// the creator produced nothing at all and rescaling is enabled — attempts
// to rescale each still-missing tile from an adjacent zoom level.
func (m *Manager) load(ctx context.Context, tiles *tiledata.TileCollection, rescaleTillZoom int, rescaleEnabled bool, rescaledTiles map[tiledata.Coord]*tiledata.Tile) (*tiledata.TileCollection, error) {
	for _, t := range tiles.Tiles {
		if t.Coord == nil {
			continue
		}
		if rt, ok := rescaledTiles[*t.Coord]; ok {
			t.Payload = rt.Payload
		}
	}

	if m.opts.Store != nil {
		if _, err := m.opts.Store.LoadTiles(tiles, false); err != nil {
			return nil, err
		}
	}

	cacheOnly := m.cacheOnly()
	if !rescaleEnabled && cacheOnly {
		return tiles, nil
	}

	var uncached []*tiledata.Tile
	for _, t := range tiles.Tiles {
		missing, err := m.isTileMissing(t, cacheOnly)
		if err != nil {
			return nil, err
		}
		if missing {
			uncached = append(uncached, t)
		}
	}

	if len(uncached) > 0 {
		batch := tiledata.NewTileCollection(nil)
		for _, t := range uncached {
			batch.Append(t)
		}
		if err := m.newCreator().CreateTiles(ctx, batch); err != nil {
			return nil, err
		}

		if batch.Blank() && rescaleEnabled {
			for _, t := range uncached {
				if _, err := m.scaledTile(ctx, t, rescaleTillZoom, rescaledTiles); err != nil {
					return nil, err
				}
			}
		}
	}

	return tiles, nil
}

// scaledTile implements _scaled_tile: try to produce t by loading, scaling,
// and cropping tiles from the adjacent zoom level. stopZoom determines
// whether adjacent tiles come from a shallower (upscale) or deeper
// (downscale) level. Inserts the cycle-guard sentinel before recursing
// (SUPPLEMENTED FEATURES #7).
func (m *Manager) scaledTile(ctx context.Context, t *tiledata.Tile, stopZoom int, rescaledTiles map[tiledata.Coord]*tiledata.Tile) (*tiledata.Tile, error) {
	if rt, ok := rescaledTiles[*t.Coord]; ok {
		return rt, nil
	}

	t.Payload = rescaleMissingSentinel
	rescaledTiles[*t.Coord] = t

	bbox := m.grid.TileBBox(t.Coord.X, t.Coord.Y, t.Coord.Z)
	currentZoom := t.Coord.Z
	if stopZoom == currentZoom {
		return t, nil
	}
	srcLevel := currentZoom + 1
	if stopZoom < currentZoom {
		srcLevel = currentZoom - 1
	}

	srcBBox, coords := m.grid.AffectedLevelTiles(bbox, srcLevel)
	if len(coords) == 0 {
		return t, nil
	}

	affectedCoords := make([]*tiledata.Coord, len(coords))
	for i, c := range coords {
		affectedCoords[i] = &tiledata.Coord{X: c[0], Y: c[1], Z: srcLevel}
	}
	affected := tiledata.NewTileCollection(affectedCoords)
	for _, at := range affected.Tiles {
		if rt, ok := rescaledTiles[*at.Coord]; ok {
			at.Payload = rt.Payload
		}
	}

	if _, err := m.load(ctx, affected, stopZoom, true, rescaledTiles); err != nil {
		return nil, err
	}

	if blankOrSentinelOnly(affected) {
		return t, nil
	}

	assembled, err := m.assembleAndResample(affected, srcBBox, bbox)
	if err != nil {
		return nil, err
	}
	if assembled == nil {
		return t, nil
	}

	t.Payload = assembled
	if m.opts.CacheRescaledTiles && m.opts.Store != nil {
		t.Stored = false
		filtered, ferr := m.applyFilters(t)
		if ferr != nil {
			m.log.WithError(ferr).Warn("pre-store filter rejected rescaled tile")
		} else if _, serr := m.opts.Store.StoreTile(filtered); serr != nil {
			m.log.WithError(serr).WithField("store_failure", true).Warn("failed to store rescaled tile")
		}
	}
	return t, nil
}

func blankOrSentinelOnly(tiles *tiledata.TileCollection) bool {
	for _, t := range tiles.Tiles {
		if t.Payload != nil && t.Payload != rescaleMissingSentinel {
			return false
		}
	}
	return true
}
