// Record header format and the size-bucket scheme used by per-collection
// free-lists.
//
// A live record's header is reinterpreted, in place, as a DeletedRecord
// header once the record is freed: the same total-length and
// extent-back-pointer fields keep their meaning, and the previous/next
// in-extent chain fields are replaced by a single next-deleted pointer
// threading the record onto its size bucket's free list.
package pagedb

import "encoding/binary"

// recordHeaderSize is the fixed, packed size of a live record header.
const recordHeaderSize = 4 + 4 + 4 + 4 // lengthWithHeader, extentOfs, prevOfs, nextOfs

// numSizeBuckets is the number of power-of-two free-list buckets a
// collection's deleted records are binned into.
const numSizeBuckets = 24

// MaxRecordSize bounds a single record, header included.
const MaxRecordSize = 16 * 1024 * 1024

// sizeBucket maps a record size to its free-list bucket: bucket i holds
// records of size in [2^(i+5), 2^(i+6)), i.e. buckets start at 32 bytes.
func sizeBucket(size int32) int {
	b := 0
	s := size >> 5
	for s > 0 && b < numSizeBuckets-1 {
		s >>= 1
		b++
	}
	return b
}

// recordView projects a live record's header fields onto bytes living at a
// known offset inside an extent's mapped region.
type recordView struct {
	buf []byte // recordHeaderSize+payload bytes, starting at the record's offset
}

func (r *recordView) lengthWithHeader() int32 { return int32(binary.LittleEndian.Uint32(r.buf[0:4])) }
func (r *recordView) extentOffset() int32     { return int32(binary.LittleEndian.Uint32(r.buf[4:8])) }
func (r *recordView) prevOffset() int32       { return int32(binary.LittleEndian.Uint32(r.buf[8:12])) }
func (r *recordView) nextOffset() int32       { return int32(binary.LittleEndian.Uint32(r.buf[12:16])) }

func (r *recordView) setLengthWithHeader(v int32) {
	binary.LittleEndian.PutUint32(r.buf[0:4], uint32(v))
}
func (r *recordView) setExtentOffset(v int32) { binary.LittleEndian.PutUint32(r.buf[4:8], uint32(v)) }
func (r *recordView) setPrevOffset(v int32)   { binary.LittleEndian.PutUint32(r.buf[8:12], uint32(v)) }
func (r *recordView) setNextOffset(v int32)   { binary.LittleEndian.PutUint32(r.buf[12:16], uint32(v)) }

// payload returns the document bytes following the header.
func (r *recordView) payload() []byte {
	return r.buf[recordHeaderSize:r.lengthWithHeader()]
}

// netLength is the usable capacity for a document payload: the record's
// total length minus its header.
func (r *recordView) netLength() int32 { return r.lengthWithHeader() - recordHeaderSize }

// deletedRecordView reinterprets the same header bytes as a free-list node:
// total length and extent back-pointer keep their offsets; bytes [8:16]
// become a singly linked next-deleted pointer, a full (file, offset)
// locator rather than a same-file-only offset, so a collection's deleted
// list can thread records across more than one data file.
type deletedRecordView struct {
	buf []byte
}

func (d *deletedRecordView) lengthWithHeader() int32 {
	return int32(binary.LittleEndian.Uint32(d.buf[0:4]))
}
func (d *deletedRecordView) extentOffset() int32 {
	return int32(binary.LittleEndian.Uint32(d.buf[4:8]))
}
func (d *deletedRecordView) nextDeleted() Locator {
	return decodeLocator(d.buf[8:16])
}
func (d *deletedRecordView) setLengthWithHeader(v int32) {
	binary.LittleEndian.PutUint32(d.buf[0:4], uint32(v))
}
func (d *deletedRecordView) setExtentOffset(v int32) {
	binary.LittleEndian.PutUint32(d.buf[4:8], uint32(v))
}
func (d *deletedRecordView) setNextDeleted(l Locator) {
	encodeLocator(d.buf[8:16], l)
}

// paddingFactor clamps and applies the "legacy zero means 1.0" rule used
// when reading an older collection descriptor.
func paddingFactor(stored float64) float64 {
	if stored <= 0 {
		return 1.0
	}
	if stored < 1.0 {
		return 1.0
	}
	if stored > 2.0 {
		return 2.0
	}
	return stored
}

const (
	paddingFactorStepUp   = 1.0 / 16.0
	paddingFactorStepDown = 1.0 / 64.0
)

func nudgePaddingFactor(current float64, grew bool) float64 {
	if grew {
		current += paddingFactorStepUp
	} else {
		current -= paddingFactorStepDown
	}
	return paddingFactor(current)
}
