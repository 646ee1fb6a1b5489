// External sort (C7): an in-memory buffer of (key, locator) pairs bounded
// by a byte budget, spilled to zstd-compressed temp-file runs and merged
// with a k-way heap. Used by the bulk builder and by collection compaction.
package pagedb

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// DefaultSortBudget is the default in-memory buffer size before a run is
// flushed to disk.
const DefaultSortBudget = 100 << 20

type sortEntry struct {
	key []byte
	loc Locator
}

// ExternalSorter accumulates (key, locator) pairs and produces them back in
// sorted order, spilling to disk once the budget is exceeded.
type ExternalSorter struct {
	ordering Ordering
	budget   int64
	tmpDir   string

	buf      []sortEntry
	bufBytes int64
	runs     []string
}

// NewExternalSorter creates a sorter that spills run files under tmpDir.
func NewExternalSorter(ordering Ordering, budgetBytes int64, tmpDir string) *ExternalSorter {
	if budgetBytes <= 0 {
		budgetBytes = DefaultSortBudget
	}
	return &ExternalSorter{ordering: ordering, budget: budgetBytes, tmpDir: tmpDir}
}

// Add buffers one (key, locator) pair, flushing a run if the budget is exceeded.
func (s *ExternalSorter) Add(key []byte, loc Locator) error {
	kc := append([]byte(nil), key...)
	s.buf = append(s.buf, sortEntry{key: kc, loc: loc})
	s.bufBytes += int64(len(kc) + 8)
	if s.bufBytes >= s.budget {
		return s.flush()
	}
	return nil
}

func (s *ExternalSorter) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	sortEntries(s.buf, s.ordering)

	var body []byte
	var hdr [12]byte
	for _, e := range s.buf {
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(e.key)))
		binary.LittleEndian.PutUint64(hdr[4:12], e.loc.Uint64())
		body = append(body, hdr[:]...)
		body = append(body, e.key...)
	}
	sum := checksum(body, AlgBlake2b)

	f, err := os.CreateTemp(s.tmpDir, "pagedb-sort-run-*.tmp")
	if err != nil {
		return err
	}
	defer f.Close()

	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], sum)
	if _, err := f.Write(sumBuf[:]); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := zw.Write(body); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	s.runs = append(s.runs, f.Name())
	s.buf = nil
	s.bufBytes = 0
	return nil
}

// Close removes any temp run files still on disk.
func (s *ExternalSorter) Close() error {
	var firstErr error
	for _, p := range s.runs {
		if err := os.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.runs = nil
	return firstErr
}

// Finish returns a MergeIterator over everything added so far: the
// in-memory tail plus every spilled run, merged in sorted order.
func (s *ExternalSorter) Finish() (*MergeIterator, error) {
	sortEntries(s.buf, s.ordering)
	m := &MergeIterator{ordering: s.ordering, sorter: s}
	for _, path := range s.runs {
		r, err := newRunReader(path)
		if err != nil {
			return nil, err
		}
		m.sources = append(m.sources, r)
	}
	m.tail = s.buf
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

// sortEntries orders buf by the index comparator (key, then locator), the
// same total order the B-tree itself maintains, so a run's contents are
// already in the shape the bulk builder expects to consume.
func sortEntries(buf []sortEntry, ordering Ordering) {
	sort.Slice(buf, func(i, j int) bool { return entryLess(buf[i], buf[j], ordering) })
}

func entryLess(a, b sortEntry, ordering Ordering) bool {
	if c := compareKeyBlobs(a.key, b.key, ordering); c != 0 {
		return c < 0
	}
	return a.loc.Uint64() < b.loc.Uint64()
}

// runReader streams decoded (key, locator) pairs from one spilled run file.
type runReader struct {
	path    string
	f       *os.File
	zr      *zstd.Decoder
	br      *bufio.Reader
	wantSum uint64
	seen    []byte // accumulated body bytes, hashed and discarded once EOF confirms the run
	done    bool
}

func newRunReader(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var sumBuf [8]byte
	if _, err := io.ReadFull(f, sumBuf[:]); err != nil {
		f.Close()
		return nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &runReader{
		path:    path,
		f:       f,
		zr:      zr,
		br:      bufio.NewReader(zr),
		wantSum: binary.LittleEndian.Uint64(sumBuf[:]),
	}, nil
}

func (r *runReader) next() (sortEntry, bool, error) {
	if r.done {
		return sortEntry{}, false, nil
	}
	var hdr [12]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if err == io.EOF {
			r.done = true
			if got := checksum(r.seen, AlgBlake2b); got != r.wantSum {
				return sortEntry{}, false, newCorruption("checksum", 0, "sort run %s: got %x want %x", r.path, got, r.wantSum)
			}
			return sortEntry{}, false, nil
		}
		return sortEntry{}, false, err
	}
	r.seen = append(r.seen, hdr[:]...)
	klen := binary.LittleEndian.Uint32(hdr[0:4])
	loc := LocatorFromUint64(binary.LittleEndian.Uint64(hdr[4:12]))
	key := make([]byte, klen)
	if _, err := io.ReadFull(r.br, key); err != nil {
		return sortEntry{}, false, err
	}
	r.seen = append(r.seen, key...)
	return sortEntry{key: key, loc: loc}, true, nil
}

func (r *runReader) close() error {
	r.zr.Close()
	return r.f.Close()
}

// heapItem is one run's current front entry, tracked in the merge heap.
type heapItem struct {
	entry    sortEntry
	srcIndex int // >=0: sources[srcIndex]; -1: the in-memory tail
}

type mergeHeap struct {
	items    []heapItem
	ordering Ordering
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	return entryLess(h.items[i].entry, h.items[j].entry, h.ordering)
}
func (h *mergeHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// MergeIterator yields (key, locator) pairs across every run and the
// in-memory tail, in sorted order, via Next.
type MergeIterator struct {
	ordering Ordering
	sorter   *ExternalSorter
	sources  []*runReader
	tail     []sortEntry
	tailPos  int
	h        mergeHeap
}

func (m *MergeIterator) init() error {
	m.h.ordering = m.ordering
	for i, r := range m.sources {
		e, ok, err := r.next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(&m.h, heapItem{entry: e, srcIndex: i})
		}
	}
	if m.tailPos < len(m.tail) {
		heap.Push(&m.h, heapItem{entry: m.tail[m.tailPos], srcIndex: -1})
		m.tailPos++
	}
	return nil
}

// Next returns the next pair in sorted order, or ok=false at end of input.
func (m *MergeIterator) Next() (key []byte, loc Locator, ok bool, err error) {
	if m.h.Len() == 0 {
		return nil, Locator{}, false, nil
	}
	top := heap.Pop(&m.h).(heapItem)
	key, loc = top.entry.key, top.entry.loc

	if top.srcIndex == -1 {
		if m.tailPos < len(m.tail) {
			heap.Push(&m.h, heapItem{entry: m.tail[m.tailPos], srcIndex: -1})
			m.tailPos++
		}
	} else {
		r := m.sources[top.srcIndex]
		next, hasNext, rerr := r.next()
		if rerr != nil {
			return nil, Locator{}, false, rerr
		}
		if hasNext {
			heap.Push(&m.h, heapItem{entry: next, srcIndex: top.srcIndex})
		}
	}
	return key, loc, true, nil
}

// Close releases every run reader's file handle.
func (m *MergeIterator) Close() error {
	var firstErr error
	for _, r := range m.sources {
		if err := r.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
