// $freelist tests (C4): splice links extents onto the database-wide chain
// in order, reuse finds a fit inside the acceptance window and unlinks it,
// and a size outside any spliced bucket's Bloom filter short-circuits the
// scan without walking the chain.
package pagedb

import "testing"

func TestFreelistSpliceThenReuseFindsFit(t *testing.T) {
	db := openTestDB(t)
	locA, err := db.allocateExtentFromTail(1<<20, "$freelist")
	if err != nil {
		t.Fatalf("allocateExtentFromTail: %v", err)
	}
	locB, err := db.allocateExtentFromTail(2<<20, "$freelist")
	if err != nil {
		t.Fatalf("allocateExtentFromTail: %v", err)
	}

	if err := db.freelist.splice([]Locator{locA, locB}); err != nil {
		t.Fatalf("splice: %v", err)
	}
	if db.freelist.head != locA || db.freelist.tail != locB {
		t.Fatalf("after splice head=%v tail=%v, want head=%v tail=%v", db.freelist.head, db.freelist.tail, locA, locB)
	}

	got, ok, err := db.freelist.reuse(1<<20, false)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if !ok || got != locA {
		t.Fatalf("reuse(1<<20) = (%v, %v), want (%v, true)", got, ok, locA)
	}

	if db.freelist.head != locB {
		t.Errorf("after reusing locA, head = %v, want %v", db.freelist.head, locB)
	}
}

func TestFreelistReuseRejectsSizeOutsideWindow(t *testing.T) {
	db := openTestDB(t)
	loc, err := db.allocateExtentFromTail(1<<20, "$freelist")
	if err != nil {
		t.Fatalf("allocateExtentFromTail: %v", err)
	}
	if err := db.freelist.splice([]Locator{loc}); err != nil {
		t.Fatalf("splice: %v", err)
	}

	// 10x the spliced extent's size falls well outside even the loose
	// 0.8x-1.4x window, so reuse must report no fit.
	_, ok, err := db.freelist.reuse(10<<20, false)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if ok {
		t.Error("reuse should not match a size far outside the acceptance window")
	}
}

func TestFreelistReuseOnEmptyListIsNoFit(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.freelist.reuse(1<<20, false)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if ok {
		t.Error("reuse on an empty freelist must report no fit")
	}
}

func TestFreelistTightWindowForCappedIsNarrower(t *testing.T) {
	lo, hi := windowFor(1000, false)
	tlo, thi := windowFor(1000, true)
	if tlo < lo || thi > hi {
		t.Errorf("tight window (%d,%d) should nest inside the loose window (%d,%d)", tlo, thi, lo, hi)
	}
	if thi-tlo >= hi-lo {
		t.Error("a capped collection's tight acceptance window should be narrower than the default")
	}
}
