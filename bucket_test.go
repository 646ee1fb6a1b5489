// B-tree bucket slotted-page tests: insertion order, the binary-search
// comparator, repack, and physical slot removal. These are the page-level
// primitives spec.md §4.6 names as basic_insert/search/repack, exercised
// directly (without a BTree) so a failure here points at the page layout
// rather than the tree descent logic.
package pagedb

import "testing"

var singleFieldOrdering = Ordering{{Field: "k"}}

func numKey(n float64) []byte {
	return encodeKeyBlob([][]byte{encodeFieldValue(n)})
}

func TestBucketBasicInsertKeepsSlotsSorted(t *testing.T) {
	b := newBucket(make([]byte, BucketSize))
	values := []float64{5, 1, 3, 2, 4}
	for _, v := range values {
		loc := Locator{File: 0, Offset: int32(v) * 2}
		pos, found := b.search(numKey(v), loc, singleFieldOrdering)
		if found {
			t.Fatalf("unexpected duplicate for %v", v)
		}
		if !b.basicInsert(pos, numKey(v), TaggedLocator{Loc: loc}, NullLocator()) {
			t.Fatalf("basicInsert failed for %v", v)
		}
	}
	if b.n() != len(values) {
		t.Fatalf("n() = %d, want %d", b.n(), len(values))
	}
	for i := 0; i < b.n()-1; i++ {
		if compareKeyBlobs(b.keyAt(i), b.keyAt(i+1), singleFieldOrdering) >= 0 {
			t.Errorf("slot %d not less than slot %d after sorted inserts", i, i+1)
		}
	}
}

func TestBucketSearchFindsExactSlot(t *testing.T) {
	b := newBucket(make([]byte, BucketSize))
	loc := Locator{File: 0, Offset: 100}
	b.basicInsert(0, numKey(7), TaggedLocator{Loc: loc}, NullLocator())

	pos, found := b.search(numKey(7), loc, singleFieldOrdering)
	if !found || pos != 0 {
		t.Errorf("search(7) = (%d, %v), want (0, true)", pos, found)
	}

	_, found = b.search(numKey(7), Locator{File: 0, Offset: 200}, singleFieldOrdering)
	if found {
		t.Error("same key but different locator must not report found (locator breaks the tie)")
	}
}

func TestBucketDuplicateKeyOrderedByLocator(t *testing.T) {
	// spec.md §3: ties on key bytes are broken by the record locator
	// treated as an unsigned integer, so two records with the identical
	// key still produce a total order.
	b := newBucket(make([]byte, BucketSize))
	locA := Locator{File: 0, Offset: 0x100}
	locB := Locator{File: 0, Offset: 0x200}

	posA, _ := b.search(numKey(7), locA, singleFieldOrdering)
	b.basicInsert(posA, numKey(7), TaggedLocator{Loc: locA}, NullLocator())
	posB, _ := b.search(numKey(7), locB, singleFieldOrdering)
	b.basicInsert(posB, numKey(7), TaggedLocator{Loc: locB}, NullLocator())

	if b.n() != 2 {
		t.Fatalf("n() = %d, want 2", b.n())
	}
	if b.recordValue(0).Loc != locA || b.recordValue(1).Loc != locB {
		t.Error("slots must be ordered locA before locB since locA.Offset < locB.Offset")
	}
}

func TestBucketMarkUnusedPreservesKeyOrdering(t *testing.T) {
	b := newBucket(make([]byte, BucketSize))
	loc := Locator{File: 0, Offset: 10}
	b.basicInsert(0, numKey(1), TaggedLocator{Loc: loc}, NullLocator())
	b.markUnused(0)

	rv := b.recordValue(0)
	if !rv.Unused {
		t.Fatal("markUnused should set the unused bit")
	}
	if rv.Loc != loc {
		t.Error("the underlying locator must survive being marked unused")
	}
}

func TestBucketRepackReclaimsHoles(t *testing.T) {
	b := newBucket(make([]byte, BucketSize))
	for i := 0; i < 5; i++ {
		loc := Locator{File: 0, Offset: int32(i) * 2}
		b.basicInsert(b.n(), numKey(float64(i)), TaggedLocator{Loc: loc}, NullLocator())
	}
	popBack(b)
	popBack(b)
	if !b.notPacked() {
		t.Fatal("popBack should leave the bucket marked not-packed")
	}
	before := b.emptySize()
	b.repack()
	if b.notPacked() {
		t.Error("repack should clear the not-packed flag")
	}
	if b.emptySize() <= before {
		t.Error("repack over a bucket with holes should not shrink emptySize")
	}
	// Remaining keys must still read back correctly after repacking moved
	// their bytes.
	for i := 0; i < b.n(); i++ {
		if got := DecodeKey(b.keyAt(i))[0]; got != float64(i) {
			t.Errorf("slot %d after repack = %v, want %v", i, got, float64(i))
		}
	}
}

func TestBucketRemoveSlotShiftsLaterEntries(t *testing.T) {
	b := newBucket(make([]byte, BucketSize))
	for i := 0; i < 3; i++ {
		loc := Locator{File: 0, Offset: int32(i) * 2}
		b.basicInsert(b.n(), numKey(float64(i)), TaggedLocator{Loc: loc}, NullLocator())
	}
	b.removeSlot(1)
	if b.n() != 2 {
		t.Fatalf("n() = %d, want 2", b.n())
	}
	if DecodeKey(b.keyAt(0))[0] != 0.0 || DecodeKey(b.keyAt(1))[0] != 2.0 {
		t.Error("removing the middle slot should leave slots 0 and 2 adjacent, in order")
	}
}

func TestBucketBasicInsertReportsFullWhenOutOfSpace(t *testing.T) {
	b := newBucket(make([]byte, BucketSize))
	bigKey := make([]byte, BucketSize) // far larger than any bucket could ever hold
	ok := b.basicInsert(0, encodeKeyBlob([][]byte{bigKey}), TaggedLocator{Loc: Locator{File: 0, Offset: 0}}, NullLocator())
	if ok {
		t.Error("an oversized key must not fit in an empty bucket")
	}
}
