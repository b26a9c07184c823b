// Package tilerr defines the typed error taxonomy shared by the cache
// backends, locker, creator, and manager packages.
package tilerr

import "errors"

// ErrLockTimeout is returned when a FileLock or SemLock could not be
// acquired before its timeout elapsed. Callers may retry.
var ErrLockTimeout = errors.New("tilecache: lock timeout")

// ErrBackendBusy indicates a transient backend condition (a database-locked
// style error) that a caller may retry. It is never returned for ordinary
// cache misses.
var ErrBackendBusy = errors.New("tilecache: backend busy")

// ErrCorrupt indicates the on-disk representation of a cache entry could
// not be parsed (an unreadable bundle header, a truncated index, a missing
// required field). Callers must not silently recover from this.
var ErrCorrupt = errors.New("tilecache: corrupt cache data")

// ErrConfiguration indicates an invalid combination of options was supplied
// at construction time.
var ErrConfiguration = errors.New("tilecache: invalid configuration")

// ErrUpstreamFailure wraps an error returned by an upstream tile source.
// The creator stops the unit (tile or meta-tile) that hit it and still runs
// the batch's other units, but then returns the error for the whole call,
// and the manager returns no tiles for that call.
var ErrUpstreamFailure = errors.New("tilecache: upstream source failed")

// ErrBlankImage is the signal a Source returns to mean "no contribution"
// for a requested bbox. It is never treated as an error by the creator or
// manager.
var ErrBlankImage = errors.New("tilecache: blank image")
