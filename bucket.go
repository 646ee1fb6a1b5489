// B-tree bucket layout (C6): one memory-mapped page holding a slotted
// array of (left-child, record-locator, key-offset) entries that grows
// forward from the header, with key bytes packed from the top of the page
// growing backward.
package pagedb

import "encoding/binary"

// BucketSize is the fixed size of one B-tree page.
const BucketSize = 8192

// bucketHeaderSize is the fixed, packed size of a bucket's header.
const bucketHeaderSize = 8 + 8 + 4 + 1 + 3 + 4 + 4 + 4 + 4

// slotSize is the fixed, packed size of one bucket slot.
const slotSize = 8 + 8 + 2 + 2 // leftChild, recordValue, keyOfs, reserved

const flagNotPacked byte = 1 << 0

// Bucket is an in-memory view over one mapped page.
type Bucket struct {
	buf []byte // BucketSize bytes
}

func newBucket(buf []byte) *Bucket {
	b := &Bucket{buf: buf}
	b.setParent(NullLocator())
	b.setNextChild(NullLocator())
	binary.LittleEndian.PutUint32(buf[16:20], uint32(BucketSize))
	b.setEmptySize(BucketSize - bucketHeaderSize)
	b.setTopSize(0)
	b.setN(0)
	return b
}

func (b *Bucket) parent() Locator    { return decodeLocator(b.buf[0:8]) }
func (b *Bucket) setParent(l Locator) { encodeLocator(b.buf[0:8], l) }
func (b *Bucket) nextChild() Locator  { return decodeLocator(b.buf[8:16]) }
func (b *Bucket) setNextChild(l Locator) { encodeLocator(b.buf[8:16], l) }

func (b *Bucket) flags() byte   { return b.buf[20] }
func (b *Bucket) setFlags(f byte) { b.buf[20] = f }

func (b *Bucket) emptySize() int32 { return int32(binary.LittleEndian.Uint32(b.buf[24:28])) }
func (b *Bucket) setEmptySize(v int32) {
	binary.LittleEndian.PutUint32(b.buf[24:28], uint32(v))
}
func (b *Bucket) topSize() int32 { return int32(binary.LittleEndian.Uint32(b.buf[28:32])) }
func (b *Bucket) setTopSize(v int32) {
	binary.LittleEndian.PutUint32(b.buf[28:32], uint32(v))
}
func (b *Bucket) n() int { return int(binary.LittleEndian.Uint32(b.buf[32:36])) }
func (b *Bucket) setN(v int) {
	binary.LittleEndian.PutUint32(b.buf[32:36], uint32(v))
}

func (b *Bucket) notPacked() bool      { return b.flags()&flagNotPacked != 0 }
func (b *Bucket) setNotPacked(v bool) {
	if v {
		b.setFlags(b.flags() | flagNotPacked)
	} else {
		b.setFlags(b.flags() &^ flagNotPacked)
	}
}

func (b *Bucket) slotOffset(i int) int { return bucketHeaderSize + i*slotSize }

func (b *Bucket) leftChild(i int) Locator {
	off := b.slotOffset(i)
	return decodeLocator(b.buf[off : off+8])
}
func (b *Bucket) setLeftChild(i int, l Locator) {
	off := b.slotOffset(i)
	encodeLocator(b.buf[off:off+8], l)
}

func (b *Bucket) recordValue(i int) TaggedLocator {
	off := b.slotOffset(i)
	return decodeTaggedLocator(binary.LittleEndian.Uint64(b.buf[off+8 : off+16]))
}
func (b *Bucket) setRecordValue(i int, t TaggedLocator) {
	off := b.slotOffset(i)
	binary.LittleEndian.PutUint64(b.buf[off+8:off+16], t.encodeValue())
}

func (b *Bucket) markUnused(i int) {
	t := b.recordValue(i)
	t.Unused = true
	b.setRecordValue(i, t)
}

func (b *Bucket) keyOfs(i int) int {
	off := b.slotOffset(i)
	return int(binary.LittleEndian.Uint16(b.buf[off+16 : off+18]))
}
func (b *Bucket) setKeyOfs(i int, ofs int) {
	off := b.slotOffset(i)
	binary.LittleEndian.PutUint16(b.buf[off+16:off+18], uint16(ofs))
}

func (b *Bucket) keyAt(i int) []byte {
	ofs := b.keyOfs(i)
	n := keyBlobLen(b.buf[ofs:])
	return b.buf[ofs : ofs+n]
}

// maxBulkKeySize is the largest key that could ever fit an empty bucket,
// used to reject oversized keys early instead of looping on failed splits.
func maxBulkKeySize(b *Bucket) int {
	return BucketSize - bucketHeaderSize - slotSize
}

// search binary-searches the slot array by the composite (key, loc)
// comparator. pos is where the entry would be inserted; found is true iff
// slot pos equals (key, loc) exactly.
func (b *Bucket) search(key []byte, loc Locator, ordering Ordering) (pos int, found bool) {
	lo, hi := 0, b.n()
	for lo < hi {
		mid := (lo + hi) / 2
		c := compareSlot(b, mid, key, loc, ordering)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// compareSlot compares slot i's (key, locator) to (key, loc); negative
// means slot i sorts before the target.
func compareSlot(b *Bucket, i int, key []byte, loc Locator, ordering Ordering) int {
	c := compareKeyBlobs(b.keyAt(i), key, ordering)
	if c != 0 {
		return c
	}
	sv := b.recordValue(i).encodeValue()
	tv := TaggedLocator{Loc: loc}.encodeValue()
	switch {
	case sv < tv:
		return -1
	case sv > tv:
		return 1
	default:
		return 0
	}
}

// basicInsert inserts (key, recordLoc, leftChild) at pos if there is room,
// repacking first if the bucket is fragmented but would otherwise fit. It
// reports false ("full") if the entry does not fit even after a repack.
func (b *Bucket) basicInsert(pos int, key []byte, recordLoc TaggedLocator, leftChild Locator) bool {
	need := int32(slotSize + len(key))
	if b.emptySize() < need {
		if !b.notPacked() {
			return false
		}
		b.repack()
		if b.emptySize() < need {
			return false
		}
	}

	n := b.n()
	for i := n; i > pos; i-- {
		b.copySlot(i, i-1)
	}

	top := b.topSize() + int32(len(key))
	keyOfs := BucketSize - int(top)
	copy(b.buf[keyOfs:], key)

	b.setLeftChild(pos, leftChild)
	b.setRecordValue(pos, recordLoc)
	b.setKeyOfs(pos, keyOfs)

	b.setTopSize(top)
	b.setN(n + 1)
	b.setEmptySize(b.emptySize() - need)
	return true
}

func (b *Bucket) copySlot(dst, src int) {
	copy(b.buf[b.slotOffset(dst):b.slotOffset(dst)+slotSize], b.buf[b.slotOffset(src):b.slotOffset(src)+slotSize])
}

// pushBack appends an entry at the end without searching, used by the bulk
// builder which only ever receives pre-sorted input.
func pushBack(b *Bucket, key []byte, recordLoc Locator, leftChild Locator) bool {
	return b.basicInsert(b.n(), key, TaggedLocator{Loc: recordLoc}, leftChild)
}

// popBack removes and returns the last slot's key and record locator. Its
// key bytes stay behind as a hole until the next repack.
func popBack(b *Bucket) (key []byte, loc Locator) {
	n := b.n()
	i := n - 1
	key = append([]byte(nil), b.keyAt(i)...)
	loc = b.recordValue(i).Loc
	b.setN(n - 1)
	b.setEmptySize(b.emptySize() + int32(slotSize))
	b.setNotPacked(true)
	return key, loc
}

// repack rewrites key storage contiguous from the top of the bucket,
// updating each slot's key offset, and clears the not-packed flag.
func (b *Bucket) repack() {
	n := b.n()
	type kv struct {
		idx int
		key []byte
	}
	keys := make([]kv, n)
	for i := 0; i < n; i++ {
		keys[i] = kv{i, append([]byte(nil), b.keyAt(i)...)}
	}
	top := int32(0)
	for _, e := range keys {
		top += int32(len(e.key))
		ofs := BucketSize - int(top)
		copy(b.buf[ofs:], e.key)
		b.setKeyOfs(e.idx, ofs)
	}
	b.setTopSize(top)
	used := int32(bucketHeaderSize + n*slotSize)
	b.setEmptySize(BucketSize - used - top)
	b.setNotPacked(false)
}

// removeSlot physically removes slot i, shifting later slots left and
// marking the bucket not-packed (its key bytes become a hole reclaimed on
// the next repack).
func (b *Bucket) removeSlot(i int) {
	n := b.n()
	for j := i; j < n-1; j++ {
		b.copySlot(j, j+1)
	}
	b.setN(n - 1)
	b.setEmptySize(b.emptySize() + int32(slotSize))
	b.setNotPacked(true)
}
