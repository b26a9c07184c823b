// Package compact implements the compact bundle cache backend: a fixed
// 128x128 tile grid per file, binary index, append-only data region, with
// in-place 8-byte index updates under a per-bundle file lock. Ported
// bit-exact from original_source/mapproxy/cache/compact.py; binary I/O
// idiom (encoding/binary.LittleEndian, explicit Seek/Read/Write) follows
// the donor's internal/pmtiles/{header,writer,reader}.go.
package compact

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nandina-gis/tilecache/internal/tilerr"
)

const (
	GridWidth  = 128
	GridHeight = 128
	NumTiles   = GridWidth * GridHeight

	BundleExt  = ".bundle"
	BundlxExt  = ".bundlx"
)

// Version selects the on-disk bundle layout.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func readUint64LE(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func putUint64LE(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func readUint32LE(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func putUint32LE(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// decodeOffsetSize decodes one v2 index word: high 24 bits are the tile's
// payload length, low 40 bits are its byte offset. A length of 0 means the
// slot is absent.
func decodeOffsetSize(word uint64) (offset int64, size int64) {
	size = int64(word >> 40)
	if size == 0 {
		return 0, 0
	}
	offset = int64(word - uint64(size)<<40)
	return offset, size
}

func encodeOffsetSize(offset, size int64) uint64 {
	return uint64(offset) + uint64(size)<<40
}

func wrapCorrupt(context string, err error) error {
	return fmt.Errorf("%s: %w: %v", context, tilerr.ErrCorrupt, err)
}
