// Catalog bookkeeping: the collection/index descriptors that would live in
// system.namespaces and system.indexes, plus the public create/drop/index
// façade. Descriptor metadata is small and changes rarely, so rather than
// bootstrap a self-hosted record collection for it (the awkward
// chicken-and-egg every mmapv1-style engine has to solve for its own system
// namespaces) it is kept in one JSON side file per database directory,
// rewritten atomically on every structural change.
package pagedb

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	atomicfile "github.com/natefinch/atomic"
)

const catalogFileName = "catalog.json"

// isSystemNamespace reports whether name is reserved for internal
// bookkeeping ($freelist, system.namespaces-equivalents) and therefore
// refuses user operations like Compact or Drop.
func isSystemNamespace(name string) bool {
	return strings.HasPrefix(name, "system.") || strings.HasPrefix(name, "$")
}

// catalogSnapshot is the on-disk shape of catalog.json.
type catalogSnapshot struct {
	Collections  map[string]*CollectionDescriptor `json:"collections"`
	FreelistHead Locator                          `json:"freelistHead"`
	FreelistTail Locator                          `json:"freelistTail"`
	PageFreeHead Locator                           `json:"pageFreeHead"`
}

// Catalog tracks every open collection's descriptor and persists structural
// changes (create, drop, index add/drop) to catalog.json.
type Catalog struct {
	mu   sync.Mutex
	db   *Database
	path string
	desc map[string]*CollectionDescriptor
}

func openCatalog(db *Database) (*Catalog, error) {
	cat := &Catalog{db: db, path: filepath.Join(db.dir, catalogFileName), desc: make(map[string]*CollectionDescriptor)}

	raw, err := os.ReadFile(cat.path)
	if os.IsNotExist(err) {
		return cat, nil
	}
	if err != nil {
		return nil, err
	}
	var snap catalogSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, newCorruption("catalog", 0, "catalog.json: %v", err)
	}
	for name, d := range snap.Collections {
		initDeletedHeads(d)
		cat.desc[name] = d
	}
	db.freelist.head = snap.FreelistHead
	db.freelist.tail = snap.FreelistTail
	db.pageFreeHead = snap.PageFreeHead
	return cat, nil
}

// save rewrites catalog.json atomically. Caller must hold cat.mu.
func (cat *Catalog) save() error {
	snap := catalogSnapshot{
		Collections:  cat.desc,
		FreelistHead: cat.db.freelist.head,
		FreelistTail: cat.db.freelist.tail,
		PageFreeHead: cat.db.pageFreeHead,
	}
	buf, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(cat.path, strings.NewReader(string(buf)))
}

// CreateCollectionOptions configures CreateCollection. Capped/CappedMaxSize/
// CappedMaxDocs configure a capped ring buffer; the zero value is a normal
// growable collection with padding factor 1.0.
type CreateCollectionOptions struct {
	Capped        bool
	CappedMaxSize int64
	CappedMaxDocs int64
}

// CreateCollection registers a new collection.
func (db *Database) CreateCollection(name string, opts CreateCollectionOptions) (*Collection, error) {
	tok := NewLockToken()
	db.lock.LockWrite(tok)
	defer db.lock.UnlockWrite(tok)

	cat := db.catalog
	cat.mu.Lock()
	defer cat.mu.Unlock()

	if _, exists := cat.desc[name]; exists {
		return nil, ErrCollectionExists
	}
	desc := newCollectionDescriptor(name)
	initDeletedHeads(desc)
	desc.Capped = opts.Capped
	desc.CappedMaxSize = opts.CappedMaxSize
	desc.CappedMaxDocs = opts.CappedMaxDocs
	cat.desc[name] = desc
	if err := cat.save(); err != nil {
		delete(cat.desc, name)
		return nil, err
	}

	c := openCollection(db, desc)
	db.mu.Lock()
	db.collections[name] = c
	db.mu.Unlock()
	return c, nil
}

// Collection returns the already-open handle for name, opening it from the
// catalog if this is the first reference since Open.
func (db *Database) Collection(name string) (*Collection, error) {
	db.mu.Lock()
	if c, ok := db.collections[name]; ok {
		db.mu.Unlock()
		return c, nil
	}
	db.mu.Unlock()

	cat := db.catalog
	cat.mu.Lock()
	desc, ok := cat.desc[name]
	cat.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	c := openCollection(db, desc)
	db.mu.Lock()
	db.collections[name] = c
	db.mu.Unlock()
	return c, nil
}

// DropCollection unindexes nothing (the whole tree goes with it), splices
// the collection's extent chain onto $freelist, and removes its descriptor.
func (db *Database) DropCollection(name string) error {
	if isSystemNamespace(name) {
		return ErrSystemNamespace
	}
	tok := NewLockToken()
	db.lock.LockWrite(tok)
	defer db.lock.UnlockWrite(tok)

	cat := db.catalog
	cat.mu.Lock()
	desc, ok := cat.desc[name]
	if !ok {
		cat.mu.Unlock()
		return ErrNotFound
	}

	var extents []Locator
	cur := desc.FirstExtent
	for !cur.IsNull() {
		ev, err := db.extentAt(cur)
		if err != nil {
			cat.mu.Unlock()
			return err
		}
		next := ev.next()
		extents = append(extents, cur)
		cur = next
	}

	delete(cat.desc, name)
	err := cat.save()
	cat.mu.Unlock()
	if err != nil {
		return err
	}

	db.mu.Lock()
	delete(db.collections, name)
	db.mu.Unlock()

	return db.freelist.splice(extents)
}

// CreateIndex adds a secondary index over ordering to an open collection,
// building it via the bulk builder from a table scan rather than incremental
// inserts when the collection already holds documents.
func (c *Collection) CreateIndex(name string, ordering Ordering, unique bool, rawSpec string) error {
	tok := NewLockToken()
	c.db.lock.LockWrite(tok)
	defer c.db.lock.UnlockWrite(tok)

	for _, idx := range c.desc.Indexes {
		if idx.Name == name {
			return ErrIndexExists
		}
	}
	idx := &IndexDescriptor{Name: name, Ordering: ordering, Unique: unique, RootBucket: NullLocator(), RawSpec: rawSpec}

	builder := NewBulkBuilder(c.db.indexStore(idx), ordering, !unique, false)
	cur, err := c.db.newTableScanCursor(tok, c.desc)
	if err != nil {
		return err
	}
	defer cur.Close()

	sorter := NewExternalSorter(ordering, c.db.cfg.SortBudget, c.db.dir)
	defer sorter.Close()

	for {
		loc, doc, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		keys, multikey := EncodeIndexKeys(doc, ordering)
		if multikey {
			c.desc.Multikey.Set(uint(len(c.desc.Indexes)))
		}
		for _, k := range keys {
			if err := sorter.Add(k, loc); err != nil {
				return err
			}
		}
	}

	merged, err := sorter.Finish()
	if err != nil {
		return err
	}
	defer merged.Close()
	for {
		key, loc, ok, err := merged.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := builder.AddKey(key, loc); err != nil {
			return err
		}
	}
	root, err := builder.Commit()
	if err != nil {
		return err
	}
	idx.RootBucket = root

	c.desc.Indexes = append(c.desc.Indexes, idx)
	c.trees[idx.Name] = NewBTree(c.db.indexStore(idx), idx.Ordering, !idx.Unique)

	c.db.catalog.mu.Lock()
	defer c.db.catalog.mu.Unlock()
	return c.db.catalog.save()
}

// ListCollections returns every non-system collection name, sorted.
func (db *Database) ListCollections() []string {
	cat := db.catalog
	cat.mu.Lock()
	defer cat.mu.Unlock()
	names := make([]string, 0, len(cat.desc))
	for name := range cat.desc {
		if isSystemNamespace(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
