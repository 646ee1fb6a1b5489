// Extent allocation and the on-disk extent header.
//
// An Extent is a contiguous byte range inside one File, carved from the
// file's unused tail or reused from the $freelist (C4). Extents are linked
// into exactly one chain: a collection's extent chain, or the free-extent
// chain.
package pagedb

import "encoding/binary"

// extentMagic identifies a valid extent header, checked on every open.
const extentMagic uint32 = 0x41424344

const nsNameMax = 128

// extentHeaderSize is the fixed, packed size of an extent header.
const extentHeaderSize = 4 + 8 + 8 + 8 + 4 + nsNameMax + 8 + 8

// extentView is a read/write projection over an extent's header bytes,
// backed directly by the owning file's mmap region.
type extentView struct {
	self Locator
	buf  []byte // extentHeaderSize bytes at self's offset
}

func newExtentHeader(buf []byte, self, prev, next Locator, length int32, ns string) {
	binary.LittleEndian.PutUint32(buf[0:4], extentMagic)
	encodeLocator(buf[4:12], self)
	encodeLocator(buf[12:20], prev)
	encodeLocator(buf[20:28], next)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(length))
	nsBytes := []byte(ns)
	if len(nsBytes) > nsNameMax-1 {
		nsBytes = nsBytes[:nsNameMax-1]
	}
	clear(buf[32 : 32+nsNameMax])
	copy(buf[32:], nsBytes)
	off := 32 + nsNameMax
	encodeLocator(buf[off:off+8], NullLocator())   // firstRecord
	encodeLocator(buf[off+8:off+16], NullLocator()) // lastRecord
}

func (e *extentView) magic() uint32  { return binary.LittleEndian.Uint32(e.buf[0:4]) }
func (e *extentView) prev() Locator  { return decodeLocator(e.buf[12:20]) }
func (e *extentView) next() Locator  { return decodeLocator(e.buf[20:28]) }
func (e *extentView) length() int32  { return int32(binary.LittleEndian.Uint32(e.buf[28:32])) }
func (e *extentView) namespace() string {
	raw := e.buf[32 : 32+nsNameMax]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

func (e *extentView) firstRecord() Locator {
	off := 32 + nsNameMax
	return decodeLocator(e.buf[off : off+8])
}
func (e *extentView) lastRecord() Locator {
	off := 32 + nsNameMax
	return decodeLocator(e.buf[off+8 : off+16])
}
func (e *extentView) setFirstRecord(l Locator) {
	off := 32 + nsNameMax
	encodeLocator(e.buf[off:off+8], l)
}
func (e *extentView) setLastRecord(l Locator) {
	off := 32 + nsNameMax
	encodeLocator(e.buf[off+8:off+16], l)
}
func (e *extentView) setNext(l Locator)  { encodeLocator(e.buf[20:28], l) }
func (e *extentView) setPrev(l Locator)  { encodeLocator(e.buf[12:20], l) }

func (e *extentView) validate() error {
	if e.magic() != extentMagic {
		return newCorruption("extent", int64(e.self.Offset), "bad magic %x", e.magic())
	}
	return nil
}

// extentGrowthCeiling bounds a single extent's size; above this, growth
// flattens to a fixed 1.2x step instead of the steeper early multipliers.
const extentGrowthCeiling int32 = 1 << 30 // ~1 GiB, mirrors the legacy "maxSize"

// initialExtentSize follows the original data-file manager's curve: small
// collections get generously over-provisioned extents relative to their
// first document size, tapering off as the document grows, then masked to
// a 256-byte boundary.
func initialExtentSize(recordLen int32) int32 {
	var size int32
	if recordLen < 1000 {
		size = recordLen * 64
	} else {
		size = recordLen * 16
	}
	if size > extentGrowthCeiling {
		size = extentGrowthCeiling
	}
	if size < recordLen+int32(extentHeaderSize) {
		size = recordLen + int32(extentHeaderSize)
	}
	return size &^ 0xFF
}

// followupExtentSize grows each subsequent extent relative to the
// collection's previous one: 4x while still small, 1.2x once the
// collection already has a multi-megabyte extent, capped at the ceiling.
func followupExtentSize(minSize, lastExtentLen int32) int32 {
	var size int32
	if lastExtentLen < 4<<20 {
		size = lastExtentLen * 4
	} else {
		size = int32(float64(lastExtentLen) * 1.2)
	}
	if size < minSize {
		size = minSize
	}
	if size > extentGrowthCeiling {
		size = extentGrowthCeiling
	}
	return size &^ 0xFF
}
