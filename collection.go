// Collection descriptor and the record-manager operations layered on top
// of the extent/record primitives: insert, in-place update with padding
// slack, delete onto size-bucketed free lists, and capped-collection ring
// behavior.
package pagedb

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/bits-and-blooms/bitset"
)

var objectIDCounter atomic.Uint32

// ensureID synthesizes an "_id" field when doc does not already carry one,
// mirroring the original engine's implicit id assignment on insert into any
// collection that maintains an id index. The id is a 12-byte value (4-byte
// unix timestamp, 8 bytes of random/counter state) hex-encoded, monotonic
// enough to keep id-order scans roughly insertion-ordered without requiring
// a centralized sequence.
func ensureID(doc map[string]any) {
	if _, ok := doc["_id"]; ok {
		return
	}
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(time.Now().Unix()))
	rand.Read(b[4:10])
	binary.BigEndian.PutUint16(b[10:12], uint16(objectIDCounter.Add(1)))
	doc["_id"] = hex.EncodeToString(b[:])
}

// IndexDescriptor names one secondary index: its field ordering, whether it
// rejects duplicate keys, its root bucket, and a diagnostic copy of the
// spec the caller originally supplied.
type IndexDescriptor struct {
	Name       string   `json:"name"`
	Ordering   Ordering `json:"ordering"`
	Unique     bool     `json:"unique"`
	RootBucket Locator  `json:"-"`
	RawSpec    string   `json:"rawSpec"` // original user-supplied spec, for diagnostics
}

// CollectionDescriptor is the system record describing one collection:
// its extent chain, its size-bucketed deleted-record free lists, document
// counters, its secondary indexes, the padding factor, and capped/
// multikey flags.
type CollectionDescriptor struct {
	Name          string             `json:"name"`
	FirstExtent   Locator            `json:"-"`
	LastExtent    Locator            `json:"-"`
	LastExtentLen int32              `json:"lastExtentLen"`
	DeletedHeads  [numSizeBuckets]Locator
	NumRecords    int64 `json:"numRecords"`
	NumBytes      int64 `json:"numBytes"`
	PaddingFactor float64 `json:"paddingFactor"`
	Capped        bool  `json:"capped"`
	CappedMaxSize int64 `json:"cappedMaxSize"`
	CappedMaxDocs int64 `json:"cappedMaxDocs"`
	HasIDIndex    bool  `json:"hasIdIndex"`
	Indexes       []*IndexDescriptor `json:"-"`
	Multikey      *bitset.BitSet     `json:"-"`
}

func newCollectionDescriptor(name string) *CollectionDescriptor {
	return &CollectionDescriptor{
		Name:          name,
		FirstExtent:   NullLocator(),
		LastExtent:    NullLocator(),
		PaddingFactor: 1.0,
		Multikey:      bitset.New(64),
	}
	// DeletedHeads zero value is the all-null-locator array only by
	// coincidence of Locator{}'s zero value not being null; callers must
	// call initDeletedHeads.
}

func initDeletedHeads(d *CollectionDescriptor) {
	for i := range d.DeletedHeads {
		d.DeletedHeads[i] = NullLocator()
	}
}

// Collection is the open handle through which record operations flow. It
// holds a reference to the owning Database for extent/page access and a
// BTree per secondary index.
type Collection struct {
	db    *Database
	desc  *CollectionDescriptor
	trees map[string]*BTree
}

func openCollection(db *Database, desc *CollectionDescriptor) *Collection {
	c := &Collection{db: db, desc: desc, trees: make(map[string]*BTree)}
	for _, idx := range desc.Indexes {
		c.trees[idx.Name] = NewBTree(db.indexStore(idx), idx.Ordering, !idx.Unique)
	}
	return c
}

// Insert stores doc, updates every secondary index, and returns the new
// record's locator.
func (c *Collection) Insert(doc map[string]any) (Locator, error) {
	tok := NewLockToken()
	c.db.lock.LockWrite(tok)
	defer c.db.lock.UnlockWrite(tok)
	return c.insertLocked(tok, doc)
}

func (c *Collection) insertLocked(tok *LockToken, doc map[string]any) (Locator, error) {
	if c.desc.HasIDIndex {
		ensureID(doc)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return Locator{}, err
	}
	if recordHeaderSize+len(payload) > MaxRecordSize {
		return Locator{}, ErrRecordTooLarge
	}

	if c.desc.Capped {
		return c.insertCappedLocked(tok, doc, payload)
	}

	loc, err := c.db.allocateRecord(c.desc, payload)
	if err != nil {
		return Locator{}, err
	}
	if err := c.indexDocument(doc, loc); err != nil {
		return Locator{}, err
	}
	c.desc.NumRecords++
	c.desc.NumBytes += int64(len(payload))
	return loc, nil
}

func (c *Collection) insertCappedLocked(tok *LockToken, doc map[string]any, payload []byte) (Locator, error) {
	if int64(recordHeaderSize+len(payload)) > c.desc.CappedMaxSize {
		return Locator{}, ErrCappedOverflow
	}
	for (c.desc.CappedMaxDocs > 0 && c.desc.NumRecords >= c.desc.CappedMaxDocs) ||
		c.desc.NumBytes+int64(len(payload)) > c.desc.CappedMaxSize {
		if err := c.removeOldestLocked(tok); err != nil {
			return Locator{}, err
		}
	}
	loc, err := c.db.allocateRecord(c.desc, payload)
	if err != nil {
		return Locator{}, err
	}
	if err := c.indexDocument(doc, loc); err != nil {
		return Locator{}, err
	}
	c.desc.NumRecords++
	c.desc.NumBytes += int64(len(payload))
	return loc, nil
}

func (c *Collection) removeOldestLocked(tok *LockToken) error {
	first := c.desc.FirstExtent
	if first.IsNull() {
		return errAssertion("capped collection: remove from empty chain")
	}
	ev, err := c.db.extentAt(first)
	if err != nil {
		return err
	}
	oldest := ev.firstRecord()
	if oldest.IsNull() {
		return errAssertion("capped collection: extent has no first record")
	}
	rv, err := c.db.recordAt(oldest)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(rv.payload(), &doc); err != nil {
		return err
	}
	return c.deleteLocked(oldest, doc)
}

// indexDocument inserts doc's keys, for every secondary index, at loc. A
// field that expands to multiple keys marks the index's multikey bit
// durably before any of its keys are inserted, per the ordering the
// descriptor's multikey bit must reflect.
func (c *Collection) indexDocument(doc map[string]any, loc Locator) error {
	for i, idx := range c.desc.Indexes {
		keys, multikey := EncodeIndexKeys(doc, idx.Ordering)
		if multikey {
			c.desc.Multikey.Set(uint(i))
		}
		tree := c.trees[idx.Name]
		for _, k := range keys {
			if err := tree.Insert(k, loc); err != nil {
				return fmt.Errorf("pagedb: index %q: %w", idx.Name, err)
			}
		}
	}
	return nil
}

func (c *Collection) unindexDocument(doc map[string]any, loc Locator) error {
	for _, idx := range c.desc.Indexes {
		keys, _ := EncodeIndexKeys(doc, idx.Ordering)
		tree := c.trees[idx.Name]
		for _, k := range keys {
			if err := tree.Unindex(k, loc); err != nil {
				return err
			}
		}
	}
	return nil
}

// Update overwrites loc's document. If newDoc's encoding fits within the
// record's existing capacity (net of the padding-factor slack granted at
// insert time) it is rewritten in place and only the indexes whose keys
// actually changed are touched; otherwise the record moves: delete, then
// insert, reindexing every secondary index for the new locator.
func (c *Collection) Update(loc Locator, oldDoc, newDoc map[string]any) (Locator, error) {
	tok := NewLockToken()
	c.db.lock.LockWrite(tok)
	defer c.db.lock.UnlockWrite(tok)

	payload, err := json.Marshal(newDoc)
	if err != nil {
		return Locator{}, err
	}
	rv, err := c.db.recordAt(loc)
	if err != nil {
		return Locator{}, err
	}

	// Compute every index's key diff up front, against the still-untouched
	// trees, and run the uniqueness dup-check pre-pass over all of them
	// before mutating any tree. This is the two-pass strategy §4.6 calls
	// for: a unique index rejecting the new key must not leave an earlier
	// index already pointing at it, nor the old record already freed.
	type indexUpdate struct {
		tree     *BTree
		oldKeys  [][]byte
		newKeys  [][]byte
		added    [][]byte
		multikey bool
	}
	updates := make([]indexUpdate, len(c.desc.Indexes))
	for i, idx := range c.desc.Indexes {
		oldKeys, _ := EncodeIndexKeys(oldDoc, idx.Ordering)
		newKeys, multikey := EncodeIndexKeys(newDoc, idx.Ordering)
		_, added := diffKeySets(oldKeys, newKeys, idx.Ordering)
		updates[i] = indexUpdate{tree: c.trees[idx.Name], oldKeys: oldKeys, newKeys: newKeys, added: added, multikey: multikey}

		if !idx.Unique {
			continue
		}
		for _, k := range added {
			conflict, err := updates[i].tree.hasOtherKey(k, loc)
			if err != nil {
				return Locator{}, err
			}
			if conflict {
				return Locator{}, ErrDuplicateKey
			}
		}
	}

	if int32(len(payload)) <= rv.netLength() {
		for i := range c.desc.Indexes {
			if updates[i].multikey {
				c.desc.Multikey.Set(uint(i))
			}
			if err := reindexDiff(updates[i].tree, updates[i].oldKeys, updates[i].newKeys, loc); err != nil {
				return Locator{}, err
			}
		}
		c.db.writeRecordPayload(loc, payload)
		c.desc.PaddingFactor = nudgePaddingFactor(c.desc.PaddingFactor, false)
		return loc, nil
	}

	if c.desc.Capped {
		return Locator{}, errAssertion("pagedb: capped documents may not grow past their allocated slot")
	}

	for i := range c.desc.Indexes {
		for _, k := range updates[i].oldKeys {
			if err := updates[i].tree.Unindex(k, loc); err != nil {
				return Locator{}, err
			}
		}
	}
	if err := c.db.freeRecord(c.desc, loc); err != nil {
		return Locator{}, err
	}
	c.desc.PaddingFactor = nudgePaddingFactor(c.desc.PaddingFactor, true)
	newLoc, err := c.db.allocateRecord(c.desc, payload)
	if err != nil {
		return Locator{}, err
	}
	for i := range c.desc.Indexes {
		if updates[i].multikey {
			c.desc.Multikey.Set(uint(i))
		}
		for _, k := range updates[i].newKeys {
			if err := updates[i].tree.Insert(k, newLoc); err != nil {
				return Locator{}, err
			}
		}
	}
	return newLoc, nil
}

// reindexDiff applies only the key changes between oldKeys and newKeys,
// the "key-diff" pre-pass the engine uses to keep an in-place update from
// touching indexes whose relevant fields did not change.
func reindexDiff(tree *BTree, oldKeys, newKeys [][]byte, loc Locator) error {
	removed, added := diffKeySets(oldKeys, newKeys, tree.ordering)
	for _, k := range removed {
		if err := tree.Unindex(k, loc); err != nil {
			return err
		}
	}
	for _, k := range added {
		if err := tree.Insert(k, loc); err != nil {
			return err
		}
	}
	return nil
}

func diffKeySets(oldKeys, newKeys [][]byte, ordering Ordering) (removed, added [][]byte) {
	oldSet := make(map[string]bool, len(oldKeys))
	for _, k := range oldKeys {
		oldSet[string(k)] = true
	}
	newSet := make(map[string]bool, len(newKeys))
	for _, k := range newKeys {
		newSet[string(k)] = true
		if !oldSet[string(k)] {
			added = append(added, k)
		}
	}
	for _, k := range oldKeys {
		if !newSet[string(k)] {
			removed = append(removed, k)
		}
	}
	return removed, added
}

// Delete removes the record at loc: unindexes it, unlinks it from its
// extent's chain, and threads it onto the collection's size-bucketed
// deleted list.
func (c *Collection) Delete(loc Locator, doc map[string]any) error {
	tok := NewLockToken()
	c.db.lock.LockWrite(tok)
	defer c.db.lock.UnlockWrite(tok)
	return c.deleteLocked(loc, doc)
}

func (c *Collection) deleteLocked(loc Locator, doc map[string]any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := c.unindexDocument(doc, loc); err != nil {
		return err
	}
	if err := c.db.freeRecord(c.desc, loc); err != nil {
		return err
	}
	c.desc.NumRecords--
	c.desc.NumBytes -= int64(len(payload))
	return nil
}

// Compact copies the collection's live records, in table order, into a
// fresh extent chain and rebuilds every index from them through the
// external sorter, reclaiming space fragmented by deletes and growths.
// System namespaces refuse to compact.
func (c *Collection) Compact() error {
	if isSystemNamespace(c.desc.Name) {
		return ErrSystemNamespace
	}
	tok := NewLockToken()
	c.db.lock.LockWrite(tok)
	defer c.db.lock.UnlockWrite(tok)
	return c.db.compactCollection(tok, c)
}

// Scan opens a table-scan cursor over the collection's record chain in
// physical insertion order. tok identifies the caller across the cursor's
// repeated Next calls, each of which takes and releases the global lock in
// read mode rather than holding it for the cursor's whole lifetime.
func (c *Collection) Scan(tok *LockToken) (*TableScanCursor, error) {
	return c.db.newTableScanCursor(tok, c.desc)
}

// IndexScan opens a B-tree range cursor over one bound interval of the
// named secondary index, ascending (direction>0) or descending
// (direction<0). A nil bound key scans from/to the very end of the index
// on that side. Results are deduplicated automatically when the index is
// multikey.
func (c *Collection) IndexScan(indexName string, tok *LockToken, lowerKey []byte, lowerIncl bool, upperKey []byte, upperIncl bool, direction int) (*BTreeCursor, error) {
	tree, idxPos, err := c.lookupIndex(indexName)
	if err != nil {
		return nil, err
	}
	multikey := c.desc.Multikey.Test(uint(idxPos))
	return c.db.newBTreeCursor(tok, tree, lowerKey, lowerIncl, upperKey, upperIncl, direction, multikey), nil
}

// IndexMultiScan merges several disjoint key ranges of the named index
// into one ordered stream, the shape an $in/$or predicate over an indexed
// field needs (spec.md §4.9's "optionally a list of intervals").
func (c *Collection) IndexMultiScan(indexName string, tok *LockToken, ranges []KeyRange, direction int) (*MultiRangeCursor, error) {
	tree, idxPos, err := c.lookupIndex(indexName)
	if err != nil {
		return nil, err
	}
	multikey := c.desc.Multikey.Test(uint(idxPos))
	return c.db.newMultiRangeCursor(tok, tree, ranges, direction, multikey), nil
}

func (c *Collection) lookupIndex(name string) (*BTree, int, error) {
	for i, idx := range c.desc.Indexes {
		if idx.Name == name {
			return c.trees[idx.Name], i, nil
		}
	}
	return nil, 0, ErrNotFound
}
