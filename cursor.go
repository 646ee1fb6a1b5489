// The cursor registry and table-scan cursor (C9): a long-lived iterator
// over a collection's record chain that reacquires the global lock for
// each step rather than holding it across calls — the same "yield between
// batches" pattern a long-running getMore uses — and resumes by re-reading
// on-disk chain pointers instead of caching an offset that a concurrent
// writer might have invalidated.
package pagedb

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

type cursorState int

const (
	cursorBeforeFirst cursorState = iota
	cursorPositioned
	cursorExhausted
	cursorDead
)

type registeredCursor struct {
	c       interface{ Close() error }
	touched time.Time
}

// CursorRegistry tracks every open cursor so CloseAll can tear them down
// (e.g. on Database.Close), and Reap can invalidate ones idle too long —
// the same role clientcursor.cpp's timeout sweep plays, except the sweep
// schedule itself stays the embedding server's call. Its mutex sits below
// the global lock in the locking hierarchy: a caller may take the registry
// lock while holding the global lock, never the other way around.
type CursorRegistry struct {
	mu      sync.Mutex
	nextID  int64
	cursors map[int64]*registeredCursor
}

func newCursorRegistry() *CursorRegistry {
	return &CursorRegistry{cursors: make(map[int64]*registeredCursor)}
}

func (r *CursorRegistry) register(c interface{ Close() error }) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.cursors[id] = &registeredCursor{c: c, touched: time.Now()}
	return id
}

func (r *CursorRegistry) unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cursors, id)
}

// touch records that id made progress just now, resetting its idle clock.
func (r *CursorRegistry) touch(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.cursors[id]; ok {
		rc.touched = time.Now()
	}
}

// CloseAll closes every still-open cursor.
func (r *CursorRegistry) CloseAll() error {
	r.mu.Lock()
	open := make([]interface{ Close() error }, 0, len(r.cursors))
	for _, rc := range r.cursors {
		open = append(open, rc.c)
	}
	r.cursors = make(map[int64]*registeredCursor)
	r.mu.Unlock()

	var firstErr error
	for _, c := range open {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reap closes every cursor that has not made progress in at least idleFor,
// the mechanism behind a long-idle-cursor timeout sweep. The embedding
// server decides when to call this; the registry only knows how.
func (r *CursorRegistry) Reap(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	r.mu.Lock()
	var stale []*registeredCursor
	for id, rc := range r.cursors {
		if rc.touched.Before(cutoff) {
			stale = append(stale, rc)
			delete(r.cursors, id)
		}
	}
	r.mu.Unlock()

	for _, rc := range stale {
		rc.c.Close()
	}
	return len(stale)
}

// TableScanCursor walks a collection's extent chain in physical order.
type TableScanCursor struct {
	db    *Database
	tok   *LockToken
	desc  *CollectionDescriptor
	id    int64
	state cursorState

	curExtent Locator
	lastLoc   Locator
}

func (db *Database) newTableScanCursor(tok *LockToken, desc *CollectionDescriptor) (*TableScanCursor, error) {
	c := &TableScanCursor{db: db, tok: tok, desc: desc, state: cursorBeforeFirst, curExtent: desc.FirstExtent}
	c.id = db.cursors.register(c)
	return c, nil
}

// Next returns the next live (locator, document) pair in physical order, or
// ok=false once the chain is exhausted.
func (c *TableScanCursor) Next() (Locator, map[string]any, bool, error) {
	if c.state == cursorExhausted || c.state == cursorDead {
		return Locator{}, nil, false, nil
	}
	c.db.lock.LockRead(c.tok)
	defer c.db.lock.UnlockRead(c.tok)

	var nextLoc Locator
	if c.state == cursorBeforeFirst {
		loc, err := c.firstRecordFrom(c.curExtent)
		if err != nil {
			c.state = cursorDead
			return Locator{}, nil, false, err
		}
		nextLoc = loc
	} else {
		rv, err := c.db.recordAt(c.lastLoc)
		if err != nil {
			c.state = cursorDead
			return Locator{}, nil, false, ErrCursorDead
		}
		if rv.nextOffset() == nullOffset {
			loc, err := c.firstRecordFrom(c.nextExtentAfter(rv.extentOffset()))
			if err != nil {
				c.state = cursorDead
				return Locator{}, nil, false, err
			}
			nextLoc = loc
		} else {
			nextLoc = Locator{File: c.lastLoc.File, Offset: rv.nextOffset()}
		}
	}

	if nextLoc.IsNull() {
		c.state = cursorExhausted
		return Locator{}, nil, false, nil
	}

	rv, err := c.db.recordAt(nextLoc)
	if err != nil {
		c.state = cursorDead
		return Locator{}, nil, false, err
	}
	var doc map[string]any
	if err := json.Unmarshal(rv.payload(), &doc); err != nil {
		return Locator{}, nil, false, err
	}
	c.lastLoc = nextLoc
	c.curExtent = Locator{File: nextLoc.File, Offset: rv.extentOffset()}
	c.state = cursorPositioned
	c.db.cursors.touch(c.id)
	return nextLoc, doc, true, nil
}

func (c *TableScanCursor) firstRecordFrom(extLoc Locator) (Locator, error) {
	cur := extLoc
	for !cur.IsNull() {
		ev, err := c.db.extentAt(cur)
		if err != nil {
			return Locator{}, err
		}
		if fr := ev.firstRecord(); !fr.IsNull() {
			return fr, nil
		}
		cur = ev.next()
	}
	return NullLocator(), nil
}

func (c *TableScanCursor) nextExtentAfter(extOffset int32) Locator {
	extLoc := Locator{File: c.lastLoc.File, Offset: extOffset}
	ev, err := c.db.extentAt(extLoc)
	if err != nil {
		return NullLocator()
	}
	return ev.next()
}

// Close releases the cursor's registry slot. The underlying global lock is
// never held between calls, so Close has nothing else to release.
func (c *TableScanCursor) Close() error {
	c.db.cursors.unregister(c.id)
	c.state = cursorExhausted
	return nil
}
