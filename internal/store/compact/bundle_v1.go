package compact

import (
	"io"
	"os"
	"time"

	"github.com/nandina-gis/tilecache/internal/lock"
)

const (
	v1IndexHeaderSize = 16
	v1IndexFooterSize = 16
	v1HeaderSize      = 60
)

var v1IndexHeader = []byte{0x03, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00}
var v1IndexFooter = []byte{0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// BundleIndexV1 is the .bundlx side-file: a 16-byte header, 128*128 5-byte
// little-endian offsets into the .bundle data file, a 16-byte footer.
// Initialization is deferred to the first write (ensureIndex), never read,
// so a read-only cache directory never gains new index files merely from
// is_cached/load_tile checks (SUPPLEMENTED FEATURES #2).
type BundleIndexV1 struct {
	Filename string
}

func tileOffsetV1IndexPos(x, y int) int64 {
	return v1IndexHeaderSize + int64(x*GridHeight+y)*5
}

func (idx *BundleIndexV1) ensureIndex() error {
	if _, err := os.Stat(idx.Filename); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := ensureDir(idx.Filename); err != nil {
		return err
	}
	buf := make([]byte, 0, v1IndexHeaderSize+NumTiles*5+v1IndexFooterSize)
	buf = append(buf, v1IndexHeader...)
	entry := make([]byte, 8)
	for i := 0; i < NumTiles; i++ {
		putUint64LE(entry, uint64(i*4+v1HeaderSize))
		buf = append(buf, entry[:5]...)
	}
	buf = append(buf, v1IndexFooter...)
	return writeAtomicFile(idx.Filename, buf)
}

// TileOffset returns the byte offset into the .bundle data file recorded
// for (x,y), or 0 if the index file doesn't exist yet (missing tile).
func (idx *BundleIndexV1) TileOffset(x, y int) (int64, error) {
	f, err := os.Open(idx.Filename)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, 8)
	if _, err := f.ReadAt(buf[:5], tileOffsetV1IndexPos(x, y)); err != nil {
		return 0, wrapCorrupt("compact: read v1 index entry", err)
	}
	return int64(readUint64LE(buf)), nil
}

// UpdateTileOffset patches the 5-byte index entry for (x,y) and fsyncs
// before returning — the durable write order mandated by spec.md §9's Open
// Question #1 (the original itself does not fsync either step).
func (idx *BundleIndexV1) UpdateTileOffset(x, y int, offset int64) error {
	if err := idx.ensureIndex(); err != nil {
		return err
	}
	f, err := os.OpenFile(idx.Filename, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 8)
	putUint64LE(buf, uint64(offset))
	if _, err := f.WriteAt(buf[:5], tileOffsetV1IndexPos(x, y)); err != nil {
		return err
	}
	return f.Sync()
}

func (idx *BundleIndexV1) RemoveTileOffset(x, y int) error {
	if err := idx.ensureIndex(); err != nil {
		return err
	}
	f, err := os.OpenFile(idx.Filename, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(make([]byte, 5), tileOffsetV1IndexPos(x, y))
	return err
}

// v1HeaderFields mirrors BUNDLE_V1_HEADER: 12 little-endian fields packed
// '<4I3Q5I' (4 uint32, 3 uint64, 5 uint32).
type v1HeaderFields struct {
	fixed0      uint32
	maxTiles    uint32
	maxTileSize uint32
	fixed3      uint32
	numTiles4   uint64
	bundleSize  uint64
	fixed6      uint64
	fixed7      uint32
	y0          uint32
	y1          uint32
	x0          uint32
	x1          uint32
}

func defaultV1Header(x0, y0 int) v1HeaderFields {
	return v1HeaderFields{
		fixed0: 3, maxTiles: NumTiles, maxTileSize: 16, fixed3: 5,
		numTiles4: 0, bundleSize: uint64(v1HeaderSize + 65536),
		fixed6: 40, fixed7: 16,
		y0: uint32(y0), y1: uint32(y0 + 127),
		x0: uint32(x0), x1: uint32(x0 + 127),
	}
}

func (h v1HeaderFields) marshal() []byte {
	buf := make([]byte, v1HeaderSize)
	putUint32LE(buf[0:4], h.fixed0)
	putUint32LE(buf[4:8], h.maxTiles)
	putUint32LE(buf[8:12], h.maxTileSize)
	putUint32LE(buf[12:16], h.fixed3)
	putUint64LE(buf[16:24], h.numTiles4)
	putUint64LE(buf[24:32], h.bundleSize)
	putUint64LE(buf[32:40], h.fixed6)
	putUint32LE(buf[40:44], h.fixed7)
	putUint32LE(buf[44:48], h.y0)
	putUint32LE(buf[48:52], h.y1)
	putUint32LE(buf[52:56], h.x0)
	putUint32LE(buf[56:60], h.x1)
	return buf
}

func unmarshalV1Header(buf []byte) v1HeaderFields {
	return v1HeaderFields{
		fixed0: readUint32LE(buf[0:4]), maxTiles: readUint32LE(buf[4:8]),
		maxTileSize: readUint32LE(buf[8:12]), fixed3: readUint32LE(buf[12:16]),
		numTiles4: readUint64LE(buf[16:24]), bundleSize: readUint64LE(buf[24:32]),
		fixed6: readUint64LE(buf[32:40]), fixed7: readUint32LE(buf[40:44]),
		y0: readUint32LE(buf[44:48]), y1: readUint32LE(buf[48:52]),
		x0: readUint32LE(buf[52:56]), x1: readUint32LE(buf[56:60]),
	}
}

// BundleDataV1 is the .bundle data file for v1: 60-byte header followed by
// a 4-byte-per-tile zero-filled placeholder region, then append-only
// records.
type BundleDataV1 struct {
	Filename string
	OffsetXY [2]int // block origin (c, r)
}

func (d *BundleDataV1) ensureFile() error {
	if _, err := os.Stat(d.Filename); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := ensureDir(d.Filename); err != nil {
		return err
	}
	h := defaultV1Header(d.OffsetXY[0], d.OffsetXY[1])
	buf := append(h.marshal(), make([]byte, NumTiles*4)...)
	return writeAtomicFile(d.Filename, buf)
}

// ReadSize reads the 4-byte little-endian length at offset.
func (d *BundleDataV1) ReadSize(offset int64) (int64, error) {
	f, err := os.Open(d.Filename)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, wrapCorrupt("compact: read v1 tile size", err)
	}
	return int64(readUint32LE(buf)), nil
}

// ReadTile reads the tile payload recorded at offset (the length prefix's
// position; the payload follows immediately). Returns ok=false for a
// zero-size (absent) entry.
func (d *BundleDataV1) ReadTile(offset int64) (data []byte, ok bool, err error) {
	f, err := os.Open(d.Filename)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, offset); err != nil {
		return nil, false, wrapCorrupt("compact: read v1 tile header", err)
	}
	size := readUint32LE(lenBuf)
	if size == 0 {
		return nil, false, nil
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset+4); err != nil {
		return nil, false, wrapCorrupt("compact: read v1 tile payload", err)
	}
	return buf, true, nil
}

// BundleV1 composes the index and data sides for one block, behind a
// shared file lock.
type BundleV1 struct {
	idx      *BundleIndexV1
	data     *BundleDataV1
	lockPath string
}

func NewBundleV1(baseFilename string, offsetXY [2]int) *BundleV1 {
	return &BundleV1{
		idx:      &BundleIndexV1{Filename: baseFilename + BundlxExt},
		data:     &BundleDataV1{Filename: baseFilename + BundleExt, OffsetXY: offsetXY},
		lockPath: baseFilename + ".lck",
	}
}

func (b *BundleV1) IsCached(x, y int) (bool, error) {
	rx, ry := relTileCoord(x, y)
	offset, err := b.idx.TileOffset(rx, ry)
	if err != nil {
		return false, err
	}
	if offset == 0 {
		return false, nil
	}
	size, err := b.data.ReadSize(offset)
	if err != nil {
		return false, err
	}
	return size != 0, nil
}

func (b *BundleV1) LoadTile(x, y int) (data []byte, ok bool, err error) {
	rx, ry := relTileCoord(x, y)
	offset, err := b.idx.TileOffset(rx, ry)
	if err != nil {
		return nil, false, err
	}
	if offset == 0 {
		return nil, false, nil
	}
	return b.data.ReadTile(offset)
}

// StoreTile appends the payload then patches the index slot under the
// bundle's file lock, fsyncing the data write before the index patch and
// fsyncing the index write before returning — the durable write order
// mandated by spec.md §9's Open Question #1 (the original itself does not
// fsync either step).
func (b *BundleV1) StoreTile(x, y int, data []byte) error {
	rx, ry := relTileCoord(x, y)
	return lock.WithLock(b.lockPath, 60*time.Second, func() error {
		prevOffset, err := b.idx.TileOffset(rx, ry)
		if err != nil {
			return err
		}
		offset, _, err := b.data.AppendTile(data, prevOffset)
		if err != nil {
			return err
		}
		return b.idx.UpdateTileOffset(rx, ry, offset)
	})
}

func (b *BundleV1) RemoveTile(x, y int) error {
	rx, ry := relTileCoord(x, y)
	return lock.WithLock(b.lockPath, 60*time.Second, func() error {
		return b.idx.RemoveTileOffset(rx, ry)
	})
}

// AppendTile appends uint32_le(size)||data at EOF (creating the file with
// the default v1 header followed by NumTiles*4 zero bytes when it is absent),
// returning the offset of the length prefix — NOT the payload — matching
// the original's BundleDataV1.append_tile, which records the pre-length
// position. prevOffset, when non-zero, is checked to decide whether this
// write replaces an existing tile (for the header's tile-count field).
// The data write and the header update are each fsynced before returning,
// the durable write order mandated by spec.md §9's Open Question #1 (the
// original itself does not fsync either step).
func (d *BundleDataV1) AppendTile(data []byte, prevOffset int64) (int64, int64, error) {
	if err := d.ensureFile(); err != nil {
		return 0, 0, err
	}
	f, err := os.OpenFile(d.Filename, os.O_RDWR, 0o644)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	isNewTile := true
	if prevOffset != 0 {
		lenBuf := make([]byte, 4)
		if _, err := f.ReadAt(lenBuf, prevOffset); err == nil {
			if readUint32LE(lenBuf) > 0 {
				isNewTile = false
			}
		}
	}

	size := int64(len(data))
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, err
	}
	offset := end
	lenBuf := make([]byte, 4)
	putUint32LE(lenBuf, uint32(size))
	if _, err := f.Write(lenBuf); err != nil {
		return 0, 0, err
	}
	if _, err := f.Write(data); err != nil {
		return 0, 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, 0, err
	}

	headerBuf := make([]byte, v1HeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return 0, 0, err
	}
	h := unmarshalV1Header(headerBuf)
	if uint32(size) > h.maxTileSize {
		h.maxTileSize = uint32(size)
	}
	h.bundleSize += uint64(size) + 4
	if isNewTile {
		h.numTiles4 += 4
	}
	if _, err := f.WriteAt(h.marshal(), 0); err != nil {
		return 0, 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, 0, err
	}

	return offset, size, nil
}
