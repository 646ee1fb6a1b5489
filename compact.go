// Collection compaction: rebuild a collection's extent chain and every
// secondary index from scratch, reclaiming space fragmented by deletes,
// in-place growths, and capped eviction. Records are copied in table-scan
// (physical) order into a fresh chain built with the same allocator the
// collection already uses, then every index is rebuilt with the external
// sort and bulk builder a CreateIndex scan uses, rather than paying for
// incremental B-tree inserts one record at a time.
package pagedb

import (
	json "github.com/goccy/go-json"
)

// compactCollection rebuilds c onto a fresh extent chain and rebuilds its
// secondary indexes, then retires the old chain onto $freelist. tok must
// already hold the global write lock.
func (db *Database) compactCollection(tok *LockToken, c *Collection) error {
	oldExtents, err := db.collectExtents(c.desc)
	if err != nil {
		return err
	}

	fresh := newCollectionDescriptor(c.desc.Name)
	initDeletedHeads(fresh)
	fresh.PaddingFactor = c.desc.PaddingFactor
	fresh.Capped = c.desc.Capped
	fresh.CappedMaxSize = c.desc.CappedMaxSize
	fresh.CappedMaxDocs = c.desc.CappedMaxDocs
	fresh.HasIDIndex = c.desc.HasIDIndex

	cur, err := db.newTableScanCursor(tok, c.desc)
	if err != nil {
		return err
	}
	defer cur.Close()

	type relocated struct {
		newLoc Locator
		doc    map[string]any
	}
	var moved []relocated

	for {
		_, doc, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		newLoc, err := db.allocateRecord(fresh, payload)
		if err != nil {
			return err
		}
		fresh.NumRecords++
		fresh.NumBytes += int64(len(payload))
		moved = append(moved, relocated{newLoc: newLoc, doc: doc})
	}

	// Swap the descriptor's identity in place so every outstanding
	// *Collection handle (there is exactly one per name, cached on
	// Database) observes the rebuilt chain without a re-lookup. Indexes
	// and their multikey bits survive the swap unchanged; only the
	// records move, not the index definitions.
	indexes, multikey := c.desc.Indexes, c.desc.Multikey
	*c.desc = *fresh
	c.desc.Indexes = indexes
	c.desc.Multikey = multikey

	for _, idx := range c.desc.Indexes {
		builder := NewBulkBuilder(db.indexStore(idx), idx.Ordering, !idx.Unique, false)
		sorter := NewExternalSorter(idx.Ordering, db.cfg.SortBudget, db.dir)
		for _, m := range moved {
			keys, multikey := EncodeIndexKeys(m.doc, idx.Ordering)
			if multikey {
				c.desc.Multikey.Set(uint(indexPosition(c.desc, idx.Name)))
			}
			for _, k := range keys {
				if err := sorter.Add(k, m.newLoc); err != nil {
					sorter.Close()
					return err
				}
			}
		}
		merged, err := sorter.Finish()
		if err != nil {
			sorter.Close()
			return err
		}
		for {
			key, loc, ok, err := merged.Next()
			if err != nil {
				merged.Close()
				sorter.Close()
				return err
			}
			if !ok {
				break
			}
			if err := builder.AddKey(key, loc); err != nil {
				merged.Close()
				sorter.Close()
				return err
			}
		}
		merged.Close()
		sorter.Close()
		root, err := builder.Commit()
		if err != nil {
			return err
		}
		idx.RootBucket = root
		c.trees[idx.Name] = NewBTree(db.indexStore(idx), idx.Ordering, !idx.Unique)
	}

	if err := db.freelist.splice(oldExtents); err != nil {
		return err
	}

	db.catalog.mu.Lock()
	defer db.catalog.mu.Unlock()
	return db.catalog.save()
}

func (db *Database) collectExtents(desc *CollectionDescriptor) ([]Locator, error) {
	var extents []Locator
	cur := desc.FirstExtent
	for !cur.IsNull() {
		ev, err := db.extentAt(cur)
		if err != nil {
			return nil, err
		}
		extents = append(extents, cur)
		cur = ev.next()
	}
	return extents, nil
}

func indexPosition(desc *CollectionDescriptor, name string) int {
	for i, idx := range desc.Indexes {
		if idx.Name == name {
			return i
		}
	}
	return -1
}
