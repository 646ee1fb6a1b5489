// Top-level B-tree operations (C6): search descent, insert with split,
// unused-mark delete, and ordered traversal via advance/locate.
package pagedb

// BucketStore allocates, loads, and frees the pages a BTree is built from.
// It is implemented by Database over a file's mapped pages plus the
// internal page free-list (kept separate from the extent free-list).
type BucketStore interface {
	GetBucket(loc Locator) (*Bucket, error)
	NewBucket() (Locator, *Bucket, error)
	FreeBucket(loc Locator) error
	Commit(loc Locator, b *Bucket) error
	SetRoot(loc Locator)
	Root() Locator
}

// BTree is a disk-resident B-tree over composite keys, rooted at the
// locator held by its index descriptor.
type BTree struct {
	store       BucketStore
	ordering    Ordering
	dupsAllowed bool
}

// NewBTree opens a tree already rooted via store.Root().
func NewBTree(store BucketStore, ordering Ordering, dupsAllowed bool) *BTree {
	return &BTree{store: store, ordering: ordering, dupsAllowed: dupsAllowed}
}

// Insert adds (key, loc) to the tree, descending from the root and
// splitting any leaf that overflows.
func (t *BTree) Insert(key []byte, loc Locator) error {
	if len(key) > BucketSize-bucketHeaderSize-slotSize {
		return ErrKeyTooLarge
	}
	root := t.store.Root()
	if root.IsNull() {
		rloc, b, err := t.store.NewBucket()
		if err != nil {
			return err
		}
		b.basicInsert(0, key, TaggedLocator{Loc: loc}, NullLocator())
		if err := t.store.Commit(rloc, b); err != nil {
			return err
		}
		t.store.SetRoot(rloc)
		return nil
	}
	return t.insertAt(root, key, loc)
}

func (t *BTree) insertAt(bucketLoc Locator, key []byte, loc Locator) error {
	b, err := t.store.GetBucket(bucketLoc)
	if err != nil {
		return err
	}
	pos, found := b.search(key, loc, t.ordering)
	if found && !t.dupsAllowed {
		return ErrDuplicateKey
	}

	var child Locator
	if pos < b.n() {
		child = b.leftChild(pos)
	} else {
		child = b.nextChild()
	}

	if !child.IsNull() {
		return t.insertAt(child, key, loc)
	}

	if b.basicInsert(pos, key, TaggedLocator{Loc: loc}, NullLocator()) {
		return t.store.Commit(bucketLoc, b)
	}
	return t.split(bucketLoc, b, pos, key, loc, NullLocator())
}

// split divides an overfull bucket, promoting the median (or, for
// monotonic inserts, an edge key) to the parent.
func (t *BTree) split(bucketLoc Locator, b *Bucket, pos int, key []byte, loc Locator, leftChild Locator) error {
	n := b.n()
	mid := n / 2
	switch {
	case pos >= n: // incoming key is the new rightmost: bias split right
		mid = n - 1
	case pos == 0: // incoming key is the new leftmost: symmetric bias
		mid = 0
	}

	rightLoc, right, err := t.store.NewBucket()
	if err != nil {
		return err
	}

	type moved struct {
		key      []byte
		loc      TaggedLocator
		leftCh   Locator
	}
	var rightEntries []moved
	for i := mid + 1; i < n; i++ {
		rightEntries = append(rightEntries, moved{
			key:    append([]byte(nil), b.keyAt(i)...),
			loc:    b.recordValue(i),
			leftCh: b.leftChild(i),
		})
	}
	medianKey := append([]byte(nil), b.keyAt(mid)...)
	medianLoc := b.recordValue(mid)
	medianLeft := b.leftChild(mid)

	right.setNextChild(b.nextChild())
	right.setParent(b.parent())
	for _, e := range rightEntries {
		right.basicInsert(right.n(), e.key, e.loc, e.leftCh)
	}
	if err := t.reparent(right, rightLoc); err != nil {
		return err
	}

	newB := newBucket(make([]byte, BucketSize))
	for i := 0; i < mid; i++ {
		newB.basicInsert(newB.n(), b.keyAt(i), b.recordValue(i), b.leftChild(i))
	}
	newB.setNextChild(medianLeft)
	newB.setParent(b.parent())
	if err := t.reparent(newB, bucketLoc); err != nil {
		return err
	}
	if err := t.store.Commit(bucketLoc, newB); err != nil {
		return err
	}

	// insert the pending (key,loc) into whichever side it now belongs on
	target, targetLoc := newB, bucketLoc
	if pos > mid {
		target, targetLoc = right, rightLoc
	}
	tpos, _ := target.search(key, loc, t.ordering)
	if !target.basicInsert(tpos, key, TaggedLocator{Loc: loc}, leftChild) {
		return errAssertion("btree: key does not fit freshly split bucket")
	}
	if !leftChild.IsNull() {
		if err := t.reparent(target, targetLoc); err != nil {
			return err
		}
	}
	if err := t.store.Commit(targetLoc, target); err != nil {
		return err
	}
	if targetLoc != rightLoc {
		if err := t.store.Commit(rightLoc, right); err != nil {
			return err
		}
	}

	parent := newB.parent()
	if parent.IsNull() {
		root := newBucket(make([]byte, BucketSize))
		root.basicInsert(0, medianKey, medianLoc, bucketLoc)
		root.setNextChild(rightLoc)
		rloc, rb, err := t.store.NewBucket()
		if err != nil {
			return err
		}
		*rb = *root
		if err := t.store.Commit(rloc, rb); err != nil {
			return err
		}
		newB.setParent(rloc)
		right.setParent(rloc)
		if err := t.store.Commit(bucketLoc, newB); err != nil {
			return err
		}
		if err := t.store.Commit(rightLoc, right); err != nil {
			return err
		}
		t.store.SetRoot(rloc)
		return nil
	}

	pb, err := t.store.GetBucket(parent)
	if err != nil {
		return err
	}
	ppos, _ := pb.search(medianKey, medianLoc.Loc, t.ordering)
	if pb.basicInsert(ppos, medianKey, medianLoc, bucketLoc) {
		if ppos+1 == pb.n() {
			pb.setNextChild(rightLoc)
		} else {
			pb.setLeftChild(ppos+1, rightLoc)
		}
		return t.store.Commit(parent, pb)
	}
	// The parent is full: the pointer that led to bucketLoc now leads to the
	// new right sibling, and the parent's split re-inserts the median with
	// bucketLoc as its left child.
	if ppos < pb.n() {
		pb.setLeftChild(ppos, rightLoc)
	} else {
		pb.setNextChild(rightLoc)
	}
	return t.split(parent, pb, ppos, medianKey, medianLoc.Loc, bucketLoc)
}

// reparent sets parent pointers on bucket b's children to selfLoc.
func (t *BTree) reparent(b *Bucket, selfLoc Locator) error {
	for i := 0; i < b.n(); i++ {
		if c := b.leftChild(i); !c.IsNull() {
			cb, err := t.store.GetBucket(c)
			if err != nil {
				return err
			}
			cb.setParent(selfLoc)
			if err := t.store.Commit(c, cb); err != nil {
				return err
			}
		}
	}
	if c := b.nextChild(); !c.IsNull() {
		cb, err := t.store.GetBucket(c)
		if err != nil {
			return err
		}
		cb.setParent(selfLoc)
		if err := t.store.Commit(c, cb); err != nil {
			return err
		}
	}
	return nil
}

// Unindex marks (key, loc) unused. The slot is left in place so the
// bucket's shape and comparator ordering do not change; actual removal
// happens opportunistically in maybeCompact.
func (t *BTree) Unindex(key []byte, loc Locator) error {
	root := t.store.Root()
	if root.IsNull() {
		return nil
	}
	bucketLoc, pos, found, err := t.Locate(root, key, loc, 1)
	if err != nil || !found {
		return err
	}
	b, err := t.store.GetBucket(bucketLoc)
	if err != nil {
		return err
	}
	b.markUnused(pos)
	t.maybeCompact(bucketLoc, b)
	return t.store.Commit(bucketLoc, b)
}

// hasOtherKey reports whether a live slot for key already belongs to some
// locator other than exclude, i.e. whether key is already claimed by a
// different record. Used as the uniqueness dup-check pre-pass: since
// locator only breaks ties between otherwise-equal keys, every slot whose
// key equals the target forms one contiguous run starting at the slot
// Locate lands on when probed with the lowest possible locator.
func (t *BTree) hasOtherKey(key []byte, exclude Locator) (bool, error) {
	root := t.store.Root()
	if root.IsNull() {
		return false, nil
	}
	bucketLoc, pos, _, err := t.Locate(root, key, Locator{}, 1)
	if err != nil {
		return false, err
	}
	for !bucketLoc.IsNull() {
		b, err := t.store.GetBucket(bucketLoc)
		if err != nil {
			return false, err
		}
		if pos < 0 || pos >= b.n() {
			return false, nil
		}
		if compareKeyBlobs(b.keyAt(pos), key, t.ordering) != 0 {
			return false, nil
		}
		rv := b.recordValue(pos)
		if !rv.Unused && rv.Loc != exclude {
			return true, nil
		}
		bucketLoc, pos, err = t.Advance(bucketLoc, pos, 1)
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// maybeCompact opportunistically removes a leaf's unused slots when the
// bucket is within four slots' worth of empty space of forcing a split, or
// when the leaf no longer holds any live slot; this is the resolved policy
// for the open question of when to collapse unused-marked slots. Internal
// buckets are left as they are, since removing one of their slots would
// drop that slot's left subtree.
func (t *BTree) maybeCompact(bucketLoc Locator, b *Bucket) {
	if !b.nextChild().IsNull() {
		return
	}
	live := 0
	for i := 0; i < b.n(); i++ {
		if !b.recordValue(i).Unused {
			live++
		}
	}
	if b.emptySize() > slotSize*4 && live > 0 {
		return
	}
	for i := b.n() - 1; i >= 0; i-- {
		if b.recordValue(i).Unused {
			b.removeSlot(i)
		}
	}
}

// Locate finds the first slot whose (key, loc) is >= target (direction>0)
// or <= target (direction<0), descending from bucketLoc. The returned
// bucket locator is null when no such slot exists.
func (t *BTree) Locate(bucketLoc Locator, key []byte, loc Locator, direction int) (Locator, int, bool, error) {
	cur := bucketLoc
	for {
		b, err := t.store.GetBucket(cur)
		if err != nil {
			return Locator{}, 0, false, err
		}
		pos, found := b.search(key, loc, t.ordering)
		if found {
			return cur, pos, true, nil
		}
		var child Locator
		if pos < b.n() {
			child = b.leftChild(pos)
		} else {
			child = b.nextChild()
		}
		if child.IsNull() {
			if direction > 0 {
				if pos < b.n() {
					return cur, pos, false, nil
				}
				nb, npos, err := t.ascend(b, cur, true)
				return nb, npos, false, err
			}
			if pos > 0 {
				return cur, pos - 1, false, nil
			}
			nb, npos, err := t.ascend(b, cur, false)
			return nb, npos, false, err
		}
		cur = child
	}
}

// Advance yields the in-order successor (direction>0) or predecessor
// (direction<0) of (bucketLoc, pos), automatically skipping unused slots.
func (t *BTree) Advance(bucketLoc Locator, pos int, direction int) (Locator, int, error) {
	nb, npos, err := t.advanceOnce(bucketLoc, pos, direction)
	for err == nil && !nb.IsNull() {
		b, gerr := t.store.GetBucket(nb)
		if gerr != nil {
			return Locator{}, 0, gerr
		}
		if npos < 0 || npos >= b.n() || !b.recordValue(npos).Unused {
			return nb, npos, nil
		}
		nb, npos, err = t.advanceOnce(nb, npos, direction)
	}
	return nb, npos, err
}

func (t *BTree) advanceOnce(bucketLoc Locator, pos int, direction int) (Locator, int, error) {
	b, err := t.store.GetBucket(bucketLoc)
	if err != nil {
		return Locator{}, 0, err
	}
	if direction > 0 {
		var child Locator
		if pos+1 <= b.n()-1 {
			child = b.leftChild(pos + 1)
		} else {
			child = b.nextChild()
		}
		if !child.IsNull() {
			return t.leftmost(child)
		}
		if pos+1 < b.n() {
			return bucketLoc, pos + 1, nil
		}
		return t.ascend(b, bucketLoc, true)
	}
	child := b.leftChild(pos)
	if !child.IsNull() {
		return t.rightmost(child)
	}
	if pos-1 >= 0 {
		return bucketLoc, pos - 1, nil
	}
	return t.ascend(b, bucketLoc, false)
}

func (t *BTree) leftmost(loc Locator) (Locator, int, error) {
	for {
		b, err := t.store.GetBucket(loc)
		if err != nil {
			return Locator{}, 0, err
		}
		if b.n() == 0 {
			return loc, 0, nil
		}
		child := b.leftChild(0)
		if child.IsNull() {
			return loc, 0, nil
		}
		loc = child
	}
}

func (t *BTree) rightmost(loc Locator) (Locator, int, error) {
	for {
		b, err := t.store.GetBucket(loc)
		if err != nil {
			return Locator{}, 0, err
		}
		child := b.nextChild()
		if child.IsNull() {
			return loc, b.n() - 1, nil
		}
		loc = child
	}
}

func (t *BTree) ascend(b *Bucket, bucketLoc Locator, forward bool) (Locator, int, error) {
	parent := b.parent()
	child := bucketLoc
	for !parent.IsNull() {
		pb, err := t.store.GetBucket(parent)
		if err != nil {
			return Locator{}, 0, err
		}
		for i := 0; i < pb.n(); i++ {
			if pb.leftChild(i) == child {
				if forward {
					return parent, i, nil
				}
				if i-1 >= 0 {
					return parent, i - 1, nil
				}
				break
			}
		}
		if forward && pb.nextChild() == child {
			// already past the rightmost slot; keep climbing
		} else if !forward {
			if pb.nextChild() == child {
				return parent, pb.n() - 1, nil
			}
		}
		child = parent
		parent = pb.parent()
	}
	return NullLocator(), -1, nil
}
