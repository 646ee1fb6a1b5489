package pagedb

import "encoding/binary"

// Locator addresses a byte range on disk as a file number plus an offset
// within that file, mirroring the two-part disk address used throughout the
// engine for extents, records, and bucket pages.
type Locator struct {
	File   int32
	Offset int32
}

const nullOffset = -1

// NullLocator returns the address used for "no such record", e.g. an empty
// deleted-record bucket or a leaf bucket's absent child.
func NullLocator() Locator { return Locator{File: -1, Offset: nullOffset} }

// IsNull reports whether l is the null locator.
func (l Locator) IsNull() bool { return l.Offset == nullOffset }

// Uint64 packs the locator into a single 64-bit value: file number in the
// high 32 bits, offset in the low 32. This is also the value compared,
// unsigned, when a locator breaks a tie between otherwise-equal index keys.
func (l Locator) Uint64() uint64 {
	return uint64(uint32(l.File))<<32 | uint64(uint32(l.Offset))
}

// LocatorFromUint64 is the inverse of Uint64.
func LocatorFromUint64(v uint64) Locator {
	return Locator{File: int32(uint32(v >> 32)), Offset: int32(uint32(v))}
}

// Compare orders locators by file number, then by offset.
func (l Locator) Compare(o Locator) int {
	switch {
	case l.File != o.File:
		if l.File < o.File {
			return -1
		}
		return 1
	case l.Offset != o.Offset:
		if l.Offset < o.Offset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Advance returns the locator n bytes further into the same file.
func (l Locator) Advance(n int32) Locator { return Locator{File: l.File, Offset: l.Offset + n} }

func encodeLocator(b []byte, l Locator) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(l.File))
	binary.LittleEndian.PutUint32(b[4:8], uint32(l.Offset))
}

func decodeLocator(b []byte) Locator {
	return Locator{
		File:   int32(binary.LittleEndian.Uint32(b[0:4])),
		Offset: int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// TaggedLocator is the record-locator half of a B-tree bucket slot. It
// carries one extra bit, co-opted from the offset's least-significant bit,
// marking the slot unused (logically deleted but not yet compacted out).
// Record allocation always produces even offsets so this bit never
// collides with a real address.
type TaggedLocator struct {
	Loc    Locator
	Unused bool
}

func (t TaggedLocator) encodeValue() uint64 {
	v := t.Loc.Uint64()
	if t.Unused {
		return v | 1
	}
	return v &^ 1
}

func decodeTaggedLocator(v uint64) TaggedLocator {
	return TaggedLocator{
		Loc:    LocatorFromUint64(v &^ 1),
		Unused: v&1 != 0,
	}
}
