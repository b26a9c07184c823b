package compact

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nandina-gis/tilecache/internal/lock"
)

const (
	v2IndexSize   = NumTiles * 8
	v2HeaderSize  = 64
	v2AbsentValue = 4 // ArcGIS/MapProxy convention: absent tiles record offset=4, size=0
)

// buildV2Header mirrors BUNDLE_V2_HEADER from the original: 4 uint32, then
// 3 uint64, then 6 uint32, little-endian.
func buildV2Header(fileSize uint64) []byte {
	buf := make([]byte, v2HeaderSize)
	putUint32LE(buf[0:4], 3)          // version
	putUint32LE(buf[4:8], NumTiles)   // numRecords
	putUint32LE(buf[8:12], 0)         // maxRecordSize
	putUint32LE(buf[12:16], 5)        // offsetSize
	putUint64LE(buf[16:24], 0)        // slack
	putUint64LE(buf[24:32], fileSize) // fileSize
	putUint64LE(buf[32:40], 40)       // userHeaderOffset
	putUint32LE(buf[40:44], uint32(20+v2IndexSize)) // userHeaderSize
	putUint32LE(buf[44:48], 3)        // legacy1
	putUint32LE(buf[48:52], 16)       // legacy2
	putUint32LE(buf[52:56], NumTiles) // legacy3
	putUint32LE(buf[56:60], 5)        // legacy4
	putUint32LE(buf[60:64], v2IndexSize)
	return buf
}

// BundleV2 is a single .bundle file for one 128x128 block at one zoom
// level, v2 (embedded index) layout.
type BundleV2 struct {
	Filename string
	lockPath string
}

func NewBundleV2(baseFilename string) *BundleV2 {
	return &BundleV2{Filename: baseFilename + BundleExt, lockPath: baseFilename + ".lck"}
}

func relTileCoord(x, y int) (int, int) {
	return ((x % GridWidth) + GridWidth) % GridWidth, ((y % GridHeight) + GridHeight) % GridHeight
}

func tileIdxOffsetV2(x, y int) int64 {
	return v2HeaderSize + int64(x+GridHeight*y)*8
}

func (b *BundleV2) ensureIndex() error {
	if _, err := os.Stat(b.Filename); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := ensureDir(b.Filename); err != nil {
		return err
	}
	fileSize := uint64(v2HeaderSize + v2IndexSize)
	header := buildV2Header(fileSize)
	index := make([]byte, v2IndexSize)
	for i := 0; i < NumTiles; i++ {
		putUint64LE(index[i*8:i*8+8], v2AbsentValue)
	}
	return writeAtomicFile(b.Filename, append(header, index...))
}

func writeAtomicFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-init-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// IsCached reports whether (x,y) has a non-zero size index entry.
func (b *BundleV2) IsCached(x, y int) (bool, error) {
	f, err := os.Open(b.Filename)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	rx, ry := relTileCoord(x, y)
	_, size, err := b.readOffsetSize(f, rx, ry)
	if err != nil {
		return false, err
	}
	return size != 0, nil
}

func (b *BundleV2) readOffsetSize(f *os.File, rx, ry int) (offset, size int64, err error) {
	word := make([]byte, 8)
	if _, err := f.ReadAt(word, tileIdxOffsetV2(rx, ry)); err != nil {
		return 0, 0, wrapCorrupt("compact: read v2 index word", err)
	}
	offset, size = decodeOffsetSize(readUint64LE(word))
	return offset, size, nil
}

// LoadTile returns the payload bytes for (x,y), or ok=false if absent.
func (b *BundleV2) LoadTile(x, y int) (data []byte, ok bool, err error) {
	f, err := os.Open(b.Filename)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	rx, ry := relTileCoord(x, y)
	offset, size, err := b.readOffsetSize(f, rx, ry)
	if err != nil {
		return nil, false, err
	}
	if size == 0 {
		return nil, false, nil
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, false, wrapCorrupt("compact: read v2 tile payload", err)
	}
	return buf, true, nil
}

// StoreTile appends data and patches the index slot for (x,y) under the
// bundle's file lock: append-then-patch, matching the original's
// store_tile order (append, then update index, then update metadata).
func (b *BundleV2) StoreTile(x, y int, data []byte) error {
	rx, ry := relTileCoord(x, y)

	return lock.WithLock(b.lockPath, 60*time.Second, func() error {
		if err := b.ensureIndex(); err != nil {
			return err
		}
		f, err := os.OpenFile(b.Filename, os.O_RDWR, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()

		offset, err := appendTile(f, data)
		if err != nil {
			return err
		}
		size := int64(len(data))

		word := make([]byte, 8)
		putUint64LE(word, encodeOffsetSize(offset, size))
		if _, err := f.WriteAt(word, tileIdxOffsetV2(rx, ry)); err != nil {
			return err
		}

		return updateMetadataV2(f, offset+size, size)
	})
}

// RemoveTile zeroes the index slot for (x,y); data bytes are left in place.
func (b *BundleV2) RemoveTile(x, y int) error {
	rx, ry := relTileCoord(x, y)
	return lock.WithLock(b.lockPath, 60*time.Second, func() error {
		if err := b.ensureIndex(); err != nil {
			return err
		}
		f, err := os.OpenFile(b.Filename, os.O_RDWR, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		word := make([]byte, 8)
		_, err = f.WriteAt(word, tileIdxOffsetV2(rx, ry))
		return err
	})
}

// appendTile writes uint32_le(len) || data at EOF and returns the offset of
// the first payload byte (immediately after the 4-byte length), matching
// the original's _append_tile.
func appendTile(f *os.File, data []byte) (int64, error) {
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}
	lenBuf := make([]byte, 4)
	putUint32LE(lenBuf, uint32(len(data)))
	if _, err := f.Write(lenBuf); err != nil {
		return 0, err
	}
	offset, err := f.Seek(0, io.SeekCur)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(data); err != nil {
		return 0, err
	}
	return offset, nil
}

// updateMetadataV2 bumps maxRecordSize (byte offset 8) if this write's size
// is larger, and always rewrites the complete file size (byte offset 24).
func updateMetadataV2(f *os.File, fileSize, tileSize int64) error {
	cur := make([]byte, 4)
	if _, err := f.ReadAt(cur, 8); err != nil {
		return err
	}
	if uint32(tileSize) > readUint32LE(cur) {
		buf := make([]byte, 4)
		putUint32LE(buf, uint32(tileSize))
		if _, err := f.WriteAt(buf, 8); err != nil {
			return err
		}
	}
	buf := make([]byte, 8)
	putUint64LE(buf, uint64(fileSize))
	_, err := f.WriteAt(buf, 24)
	return err
}
