package lock

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nandina-gis/tilecache/internal/tiledata"
)

// TileLocker serializes concurrent tile creation keyed by (cacheID, coord),
// so that two creators racing to produce the same tile (or the same
// meta-tile, via the main-tile coord the caller passes in) block on one
// file rather than duplicating upstream work.
type TileLocker struct {
	locker  *Locker
	cacheID string
	timeout time.Duration
}

// NewTileLocker returns a TileLocker writing lock files under lockDir,
// named by a stable hash of cacheID so distinct caches sharing a lock
// directory never collide.
func NewTileLocker(lockDir, cacheID string, timeout time.Duration) *TileLocker {
	return &TileLocker{locker: NewLocker(lockDir, 0), cacheID: cacheID, timeout: timeout}
}

func (tl *TileLocker) lockName(coord *tiledata.Coord) string {
	sum := md5.Sum([]byte(tl.cacheID))
	if coord == nil {
		return hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("%s-%d-%d-%d", hex.EncodeToString(sum[:]), coord.X, coord.Y, coord.Z)
}

// Lock acquires the lock file for tile.Coord, returning a release function.
// A nil coord locks a single cache-wide name (the hash of cacheID alone),
// shared by every nil-coord Lock call on the same cache.
func (tl *TileLocker) Lock(coord *tiledata.Coord) (func() error, error) {
	fl, err := tl.locker.Acquire(tl.lockName(coord), tl.timeout)
	if err != nil {
		return nil, err
	}
	return fl.Unlock, nil
}

// LockDir returns the directory this locker writes lock files into, so
// callers can share it with CleanupLockdir-based maintenance tasks.
func (tl *TileLocker) LockDir() string { return tl.locker.LockDir }
