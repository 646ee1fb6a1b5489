// B-tree range and multi-interval cursors (C9): ordered iteration over one
// bound interval of an index, or several disjoint intervals merged into a
// single ordered stream (the shape an $in-style predicate needs), with
// duplicate-locator suppression for multikey indexes whose array expansion
// can otherwise surface the same document more than once.
package pagedb

import "container/heap"

// BTreeCursor iterates one bound interval of an index in key order,
// resuming each step by re-locating (lastKey, lastLoc) rather than trusting
// a cached bucket offset, so a concurrent structural change to the tree
// between two calls cannot strand the cursor on a stale page.
type BTreeCursor struct {
	db        *Database
	tok       *LockToken
	tree      *BTree
	ordering  Ordering
	direction int

	startKey  []byte
	startIncl bool
	endKey    []byte
	endIncl   bool

	dedup map[uint64]bool

	started bool
	lastKey []byte
	lastLoc Locator

	id    int64
	state cursorState
}

// newBTreeCursor opens a cursor over one interval. direction>0 scans from
// lowerKey (or the very first key, if nil) toward upperKey; direction<0
// scans the other way.
func (db *Database) newBTreeCursor(tok *LockToken, tree *BTree, lowerKey []byte, lowerIncl bool, upperKey []byte, upperIncl bool, direction int, multikey bool) *BTreeCursor {
	c := &BTreeCursor{db: db, tok: tok, tree: tree, ordering: tree.ordering, direction: direction}
	if direction > 0 {
		c.startKey, c.startIncl = lowerKey, lowerIncl
		c.endKey, c.endIncl = upperKey, upperIncl
	} else {
		c.startKey, c.startIncl = upperKey, upperIncl
		c.endKey, c.endIncl = lowerKey, lowerIncl
	}
	if multikey {
		c.dedup = make(map[uint64]bool)
	}
	c.id = db.cursors.register(c)
	return c
}

func (c *BTreeCursor) advancePosition(root Locator) (Locator, int, error) {
	if !c.started {
		if c.startKey == nil {
			if c.direction > 0 {
				return c.tree.leftmost(root)
			}
			return c.tree.rightmost(root)
		}
		// The tie-break sentinel decides where a run of keys equal to the
		// start key begins: the lowest locator sorts before all of them, the
		// null locator after all of them.
		sentinel := NullLocator()
		if (c.direction > 0) == c.startIncl {
			sentinel = Locator{}
		}
		loc, pos, _, err := c.tree.Locate(root, c.startKey, sentinel, c.direction)
		if err != nil {
			return Locator{}, 0, err
		}
		return loc, pos, nil
	}
	loc, pos, found, err := c.tree.Locate(root, c.lastKey, c.lastLoc, c.direction)
	if err != nil {
		return Locator{}, 0, err
	}
	if !found && !loc.IsNull() {
		// A slot marked unused since the last call no longer compares equal
		// to its own (key, loc); it is still the position we left off at.
		b, err := c.tree.store.GetBucket(loc)
		if err != nil {
			return Locator{}, 0, err
		}
		found = pos >= 0 && pos < b.n() && b.recordValue(pos).Loc == c.lastLoc &&
			compareKeyBlobs(b.keyAt(pos), c.lastKey, c.ordering) == 0
	}
	if !found {
		// The exact (key, loc) we returned last time is gone — unindexed
		// and then compacted away between calls. Locate already lands on
		// the slot that would follow it, which is exactly where we resume.
		return loc, pos, nil
	}
	return c.tree.Advance(loc, pos, c.direction)
}

// Next returns the next (locator, key) pair in the interval, or ok=false
// once the interval or the end bound is exhausted.
func (c *BTreeCursor) Next() (Locator, []byte, bool, error) {
	if c.state == cursorExhausted || c.state == cursorDead {
		return Locator{}, nil, false, nil
	}
	c.db.lock.LockRead(c.tok)
	defer c.db.lock.UnlockRead(c.tok)

	root := c.tree.store.Root()
	if root.IsNull() {
		c.state = cursorExhausted
		return Locator{}, nil, false, nil
	}

	for {
		bucketLoc, pos, err := c.advancePosition(root)
		if err != nil {
			c.state = cursorDead
			return Locator{}, nil, false, err
		}
		if bucketLoc.IsNull() {
			c.state = cursorExhausted
			return Locator{}, nil, false, nil
		}
		b, err := c.tree.store.GetBucket(bucketLoc)
		if err != nil {
			c.state = cursorDead
			return Locator{}, nil, false, err
		}
		if pos < 0 || pos >= b.n() {
			c.state = cursorExhausted
			return Locator{}, nil, false, nil
		}
		key := append([]byte(nil), b.keyAt(pos)...)
		rv := b.recordValue(pos)

		if c.endKey != nil {
			cmp := compareKeyBlobs(key, c.endKey, c.ordering)
			if (c.direction > 0 && (cmp > 0 || (cmp == 0 && !c.endIncl))) ||
				(c.direction < 0 && (cmp < 0 || (cmp == 0 && !c.endIncl))) {
				c.state = cursorExhausted
				return Locator{}, nil, false, nil
			}
		}

		c.lastKey, c.lastLoc, c.started = key, rv.Loc, true

		if rv.Unused {
			continue
		}
		if c.dedup != nil {
			k := rv.Loc.Uint64()
			if c.dedup[k] {
				continue
			}
			c.dedup[k] = true
		}
		c.db.cursors.touch(c.id)
		return rv.Loc, key, true, nil
	}
}

// Close releases the cursor's registry slot.
func (c *BTreeCursor) Close() error {
	c.db.cursors.unregister(c.id)
	c.state = cursorExhausted
	return nil
}

// KeyRange is one bound interval of a multi-interval scan.
type KeyRange struct {
	LowerKey  []byte
	LowerIncl bool
	UpperKey  []byte
	UpperIncl bool
}

type rangeHeapItem struct {
	key []byte
	loc Locator
	src int
}

type rangeHeap struct {
	items     []rangeHeapItem
	ordering  Ordering
	direction int
}

func (h *rangeHeap) Len() int { return len(h.items) }
func (h *rangeHeap) Less(i, j int) bool {
	c := compareKeyBlobs(h.items[i].key, h.items[j].key, h.ordering)
	if h.direction > 0 {
		return c < 0
	}
	return c > 0
}
func (h *rangeHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *rangeHeap) Push(x interface{}) { h.items = append(h.items, x.(rangeHeapItem)) }
func (h *rangeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// MultiRangeCursor merges several disjoint KeyRange scans into one ordered
// stream, the shape an $in-style predicate over an indexed field needs.
type MultiRangeCursor struct {
	db      *Database
	cursors []*BTreeCursor
	dedup   map[uint64]bool
	heap    rangeHeap
	started bool
	id      int64
}

func (db *Database) newMultiRangeCursor(tok *LockToken, tree *BTree, ranges []KeyRange, direction int, multikey bool) *MultiRangeCursor {
	m := &MultiRangeCursor{db: db, heap: rangeHeap{ordering: tree.ordering, direction: direction}}
	if multikey || len(ranges) > 1 {
		m.dedup = make(map[uint64]bool)
	}
	for _, r := range ranges {
		m.cursors = append(m.cursors, db.newBTreeCursor(tok, tree, r.LowerKey, r.LowerIncl, r.UpperKey, r.UpperIncl, direction, false))
	}
	m.id = db.cursors.register(m)
	return m
}

func (m *MultiRangeCursor) fill() error {
	for i, cur := range m.cursors {
		if cur == nil {
			continue
		}
		loc, key, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			m.cursors[i] = nil
			continue
		}
		heap.Push(&m.heap, rangeHeapItem{key: key, loc: loc, src: i})
	}
	return nil
}

// Next returns the next (locator, key) pair across every interval, merged
// into index order, or ok=false once every interval is exhausted.
func (m *MultiRangeCursor) Next() (Locator, []byte, bool, error) {
	if !m.started {
		if err := m.fill(); err != nil {
			return Locator{}, nil, false, err
		}
		m.started = true
	}
	for m.heap.Len() > 0 {
		top := heap.Pop(&m.heap).(rangeHeapItem)
		if cur := m.cursors[top.src]; cur != nil {
			loc, key, ok, err := cur.Next()
			if err != nil {
				return Locator{}, nil, false, err
			}
			if ok {
				heap.Push(&m.heap, rangeHeapItem{key: key, loc: loc, src: top.src})
			} else {
				m.cursors[top.src] = nil
			}
		}
		if m.dedup != nil {
			k := top.loc.Uint64()
			if m.dedup[k] {
				continue
			}
			m.dedup[k] = true
		}
		return top.loc, top.key, true, nil
	}
	return Locator{}, nil, false, nil
}

// Close closes every interval's underlying cursor.
func (m *MultiRangeCursor) Close() error {
	m.db.cursors.unregister(m.id)
	var firstErr error
	for _, cur := range m.cursors {
		if cur == nil {
			continue
		}
		if err := cur.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
