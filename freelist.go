// The $freelist system pseudo-collection (C4): a database-wide chain of
// extents returned by dropped collections, reused by later creates whose
// requested size falls within a window of an available extent's length.
package pagedb

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

// freelistScanWarnThreshold is the number of extents scanned without a fit
// before the scan logs a diagnostic warning, per the documented "more than
// ~512 extents" heuristic. It never aborts the scan.
const freelistScanWarnThreshold = 512

// extentStore is the subset of Database/File operations the free-list needs
// to walk and relink extent headers.
type extentStore interface {
	extentAt(loc Locator) (*extentView, error)
	linkExtent(loc Locator, prev, next Locator)
}

// freeExtentList manages the $freelist chain. bucketFilter is a Bloom
// filter over the size buckets currently present on the list: a miss lets
// reuse() skip the scan entirely, a hit means "probably present, walk and
// check" since a Bloom filter never produces false negatives.
type freeExtentList struct {
	mu           sync.Mutex
	store        extentStore
	head, tail   Locator
	bucketFilter *bloom.BloomFilter
	log          *zap.SugaredLogger
}

func newFreeExtentList(store extentStore, log *zap.SugaredLogger) *freeExtentList {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &freeExtentList{
		store:        store,
		head:         NullLocator(),
		tail:         NullLocator(),
		bucketFilter: bloom.NewWithEstimates(4096, 0.01),
		log:          log,
	}
}

// splice appends extents, already unlinked from their former collection, to
// the free-list's tail in order. O(1) per extent.
func (fl *freeExtentList) splice(extents []Locator) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, loc := range extents {
		ev, err := fl.store.extentAt(loc)
		if err != nil {
			return err
		}
		fl.bucketFilter.Add(bucketKey(sizeBucket(ev.length())))
		if fl.tail.IsNull() {
			fl.store.linkExtent(loc, NullLocator(), NullLocator())
			fl.head, fl.tail = loc, loc
			continue
		}
		fl.store.linkExtent(loc, fl.tail, NullLocator())
		oldTail, err := fl.store.extentAt(fl.tail)
		if err != nil {
			return err
		}
		fl.store.linkExtent(fl.tail, oldTail.prev(), loc)
		fl.tail = loc
	}
	return nil
}

// reuse scans the free-list for an extent whose length falls within the
// window for wantSize, unlinking and returning it. tight selects a capped
// collection's narrow acceptance window; normal collections accept
// 0.8x-1.4x of the request.
func (fl *freeExtentList) reuse(wantSize int32, tight bool) (Locator, bool, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if !fl.bucketFilter.Test(bucketKey(sizeBucket(wantSize))) {
		return Locator{}, false, nil
	}

	lo, hi := windowFor(wantSize, tight)
	scanned := 0
	cur := fl.head
	for !cur.IsNull() {
		ev, err := fl.store.extentAt(cur)
		if err != nil {
			return Locator{}, false, err
		}
		scanned++
		if scanned == freelistScanWarnThreshold {
			fl.log.Warnw("freelist scan exceeded diagnostic threshold without a fit",
				"scanned", scanned, "wantSize", wantSize)
		}
		if ev.length() >= lo && ev.length() <= hi {
			fl.unlink(cur, ev)
			return cur, true, nil
		}
		cur = ev.next()
	}
	return Locator{}, false, nil
}

func (fl *freeExtentList) unlink(loc Locator, ev *extentView) {
	prev, next := ev.prev(), ev.next()
	if !prev.IsNull() {
		pv, _ := fl.store.extentAt(prev)
		fl.store.linkExtent(prev, pv.prev(), next)
	} else {
		fl.head = next
	}
	if !next.IsNull() {
		nv, _ := fl.store.extentAt(next)
		fl.store.linkExtent(next, prev, nv.next())
	} else {
		fl.tail = prev
	}
}

func windowFor(wantSize int32, tight bool) (lo, hi int32) {
	if tight {
		return wantSize, wantSize + wantSize/20 // +5%
	}
	return int32(float64(wantSize) * 0.8), int32(float64(wantSize) * 1.4)
}

func bucketKey(bucket int) []byte {
	return []byte{byte(bucket)}
}
