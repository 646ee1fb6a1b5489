// Database lifecycle (C1/C2): opening and creating the file set, wiring the
// durability, preallocation, free-list, catalog, lock, and cursor-registry
// collaborators together, and the low-level page/record primitives every
// higher-level component reads and writes through.
package pagedb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config configures a Database. Zero-value fields are replaced with sane
// defaults inside Open, the same pattern folio's own Config applies.
type Config struct {
	// Dir is the directory holding the database's numbered data files. It
	// is created if it does not already exist.
	Dir string

	// CommitThreshold is the number of dirty bytes that accumulate before
	// CommitIfNeeded forces an msync. Zero selects an internal default.
	CommitThreshold int64

	// SortBudget bounds the in-memory buffer used by bulk index builds and
	// compaction before they spill a run to disk. Zero selects
	// DefaultSortBudget.
	SortBudget int64

	// Checksum is kept with the configuration but is not consulted: spilled
	// sort runs are always checksummed with AlgBlake2b.
	Checksum ChecksumAlgorithm

	// Logger receives structural diagnostics (free-list scan warnings,
	// repair findings). A nil Logger is replaced with a no-op one.
	Logger *zap.Logger

	// Preallocator controls how new and growing data files are sized on
	// disk. A nil Preallocator uses defaultPreallocator.
	Preallocator Preallocator
}

func (c *Config) setDefaults() {
	if c.CommitThreshold <= 0 {
		c.CommitThreshold = 8 << 20
	}
	if c.SortBudget <= 0 {
		c.SortBudget = DefaultSortBudget
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Preallocator == nil {
		c.Preallocator = defaultPreallocator{}
	}
}

// Database is the open handle onto an on-disk collection store: its data
// files, free lists, catalog, and the global lock guarding every operation.
type Database struct {
	mu             sync.Mutex
	dir            string
	cfg            Config
	files          map[int32]*file
	currentFileNum int32
	pageFreeHead   Locator

	durability *mmapDurability
	freelist   *freeExtentList
	catalog    *Catalog
	lock       *GlobalLock
	cursors    *CursorRegistry
	log        *zap.SugaredLogger

	flockFile *os.File
	flock     *fileLock

	collections map[string]*Collection
}

// Open creates dir if needed and opens (or creates) its data files.
func Open(cfg Config) (*Database, error) {
	cfg.setDefaults()
	if cfg.Dir == "" {
		return nil, errAssertion("pagedb: Config.Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	// Hold an OS-level exclusive lock on the directory's LOCK file for as
	// long as the Database is open, so a second process cannot open the
	// same data files out from under this one's in-memory state. The
	// global lock (GlobalLock) only serializes goroutines within this
	// process; it has no reach across a process boundary.
	lockFile, err := os.OpenFile(filepath.Join(cfg.Dir, "LOCK"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagedb: open LOCK file: %w", err)
	}
	flock := &fileLock{f: lockFile}
	flock.setFile(lockFile)
	if err := flock.Lock(LockExclusive); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("pagedb: %s is already open by another process: %w", cfg.Dir, err)
	}

	db := &Database{
		dir:          cfg.Dir,
		cfg:          cfg,
		files:        make(map[int32]*file),
		pageFreeHead: NullLocator(),
		log:          cfg.Logger.Sugar(),
		flockFile:    lockFile,
		flock:        flock,
		collections:  make(map[string]*Collection),
	}
	db.durability = newMmapDurability(db, cfg.CommitThreshold)
	db.freelist = newFreeExtentList(db, db.log)
	db.cursors = newCursorRegistry()
	db.lock = newGlobalLock()

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, err
	}
	found := false
	for _, ent := range entries {
		var num int32
		if _, err := fmt.Sscanf(ent.Name(), "pagedb.%d", &num); err != nil {
			continue
		}
		f, err := openFile(filepath.Join(cfg.Dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("pagedb: open %s: %w", ent.Name(), err)
		}
		db.files[num] = f
		if num > db.currentFileNum {
			db.currentFileNum = num
		}
		found = true
	}
	if !found {
		f, err := createFile(filepath.Join(cfg.Dir, "pagedb.0"), 0, cfg.Preallocator)
		if err != nil {
			return nil, err
		}
		db.files[0] = f
		db.currentFileNum = 0
	}

	cat, err := openCatalog(db)
	if err != nil {
		return nil, err
	}
	db.catalog = cat
	return db, nil
}

// Close invalidates every open cursor, flushes every dirty page, and
// unmaps every data file.
func (db *Database) Close() error {
	db.cursors.CloseAll()
	if err := db.durability.CommitNow(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	for _, f := range db.files {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.flock != nil {
		if err := db.flock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.flock.setFile(nil)
	}
	if db.flockFile != nil {
		if err := db.flockFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReapIdleCursors closes every cursor that has not advanced in at least
// idleFor and reports how many were reaped. The embedding server decides
// the sweep schedule; this is the mechanism it calls into.
func (db *Database) ReapIdleCursors(idleFor time.Duration) int {
	return db.cursors.Reap(idleFor)
}

func (db *Database) allFiles() []*file {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*file, 0, len(db.files))
	for _, f := range db.files {
		out = append(out, f)
	}
	return out
}

func (db *Database) fileAt(n int32) (*file, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, ok := db.files[n]
	if !ok {
		return nil, errAssertion(fmt.Sprintf("pagedb: unknown file number %d", n))
	}
	return f, nil
}

// growOrAddFile grows the current file (capped at maxFileSize) or, if that
// cannot supply minSize more bytes, opens a new numbered file.
func (db *Database) growOrAddFile(minSize int64) (*file, error) {
	db.mu.Lock()
	f := db.files[db.currentFileNum]
	db.mu.Unlock()

	if f.header.Length >= maxFileSize {
		return db.newFile()
	}
	newLen := f.header.Length * 2
	if newLen > maxFileSize {
		newLen = maxFileSize
	}
	if newLen-f.header.Length < minSize {
		return db.newFile()
	}
	if err := f.grow(newLen, db.cfg.Preallocator); err != nil {
		return nil, err
	}
	return f, nil
}

func (db *Database) newFile() (*file, error) {
	db.mu.Lock()
	num := db.currentFileNum + 1
	db.mu.Unlock()
	path := filepath.Join(db.dir, fmt.Sprintf("pagedb.%d", num))
	f, err := createFile(path, num, db.cfg.Preallocator)
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	db.files[num] = f
	db.currentFileNum = num
	db.mu.Unlock()
	return f, nil
}

// ---- extentStore ----

func (db *Database) extentAt(loc Locator) (*extentView, error) {
	f, err := db.fileAt(loc.File)
	if err != nil {
		return nil, err
	}
	buf := f.bytes(int64(loc.Offset), int64(extentHeaderSize))
	ev := &extentView{self: loc, buf: buf}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (db *Database) linkExtent(loc Locator, prev, next Locator) {
	ev, err := db.extentAt(loc)
	if err != nil {
		return
	}
	ev.setPrev(prev)
	ev.setNext(next)
}

// allocateExtentFromTail carves a fresh, newly initialized extent of size
// bytes from the current file's unused tail, growing or rolling over to a
// new file first if necessary.
func (db *Database) allocateExtentFromTail(size int32, ns string) (Locator, error) {
	db.mu.Lock()
	f := db.files[db.currentFileNum]
	db.mu.Unlock()

	off, ok := f.carveTail(int64(size))
	if !ok {
		nf, err := db.growOrAddFile(int64(size))
		if err != nil {
			return Locator{}, err
		}
		f = nf
		off, ok = f.carveTail(int64(size))
		if !ok {
			return Locator{}, errAssertion("pagedb: fresh file too small for extent")
		}
	}
	loc := Locator{File: f.header.FileNumber, Offset: int32(off)}
	buf := f.bytes(off, int64(size))
	buf = db.durability.WritingPtr(buf)
	newExtentHeader(buf, loc, NullLocator(), NullLocator(), size, ns)
	return loc, nil
}

func (db *Database) resetExtentForReuse(ev *extentView, loc Locator, ns string) {
	buf := db.durability.WritingPtr(ev.buf)
	newExtentHeader(buf, loc, NullLocator(), NullLocator(), ev.length(), ns)
}

// ---- BucketStore primitives (per-index Root/SetRoot wired by indexBucketStore) ----

// GetBucket loads a copy of the page at loc; mutations are local until
// passed back to Commit.
func (db *Database) GetBucket(loc Locator) (*Bucket, error) {
	f, err := db.fileAt(loc.File)
	if err != nil {
		return nil, err
	}
	raw := f.bytes(int64(loc.Offset), int64(BucketSize))
	cp := make([]byte, BucketSize)
	copy(cp, raw)
	return &Bucket{buf: cp}, nil
}

// NewBucket allocates a page, preferring the internal page free-list (kept
// separate from the extent free-list) over carving fresh space.
func (db *Database) NewBucket() (Locator, *Bucket, error) {
	db.mu.Lock()
	head := db.pageFreeHead
	db.mu.Unlock()
	if !head.IsNull() {
		f, err := db.fileAt(head.File)
		if err != nil {
			return Locator{}, nil, err
		}
		raw := f.bytes(int64(head.Offset), int64(BucketSize))
		next := decodeLocator(raw[0:8])
		db.mu.Lock()
		db.pageFreeHead = next
		db.mu.Unlock()
		return head, newBucket(make([]byte, BucketSize)), nil
	}

	db.mu.Lock()
	f := db.files[db.currentFileNum]
	db.mu.Unlock()
	off, ok := f.carveTail(int64(BucketSize))
	if !ok {
		nf, err := db.growOrAddFile(int64(BucketSize))
		if err != nil {
			return Locator{}, nil, err
		}
		f = nf
		off, ok = f.carveTail(int64(BucketSize))
		if !ok {
			return Locator{}, nil, errAssertion("pagedb: fresh file too small for a bucket page")
		}
	}
	loc := Locator{File: f.header.FileNumber, Offset: int32(off)}
	return loc, newBucket(make([]byte, BucketSize)), nil
}

// FreeBucket threads loc onto the page free-list, reusing the freed page's
// own first 8 bytes as the next-free pointer.
func (db *Database) FreeBucket(loc Locator) error {
	f, err := db.fileAt(loc.File)
	if err != nil {
		return err
	}
	raw := f.bytes(int64(loc.Offset), int64(BucketSize))
	raw = db.durability.WritingPtr(raw)
	db.mu.Lock()
	encodeLocator(raw[0:8], db.pageFreeHead)
	db.pageFreeHead = loc
	db.mu.Unlock()
	return nil
}

// Commit writes b's contents back to loc's mapped page.
func (db *Database) Commit(loc Locator, b *Bucket) error {
	f, err := db.fileAt(loc.File)
	if err != nil {
		return err
	}
	raw := f.bytes(int64(loc.Offset), int64(BucketSize))
	raw = db.durability.WritingPtr(raw)
	copy(raw, b.buf)
	return db.durability.CommitIfNeeded()
}

// indexBucketStore adapts Database's page primitives to one index's root
// pointer, which lives in that index's own descriptor rather than globally.
type indexBucketStore struct {
	db   *Database
	desc *IndexDescriptor
}

func (db *Database) indexStore(desc *IndexDescriptor) BucketStore {
	return &indexBucketStore{db: db, desc: desc}
}

func (s *indexBucketStore) GetBucket(loc Locator) (*Bucket, error) { return s.db.GetBucket(loc) }
func (s *indexBucketStore) NewBucket() (Locator, *Bucket, error)   { return s.db.NewBucket() }
func (s *indexBucketStore) FreeBucket(loc Locator) error           { return s.db.FreeBucket(loc) }
func (s *indexBucketStore) Commit(loc Locator, b *Bucket) error    { return s.db.Commit(loc, b) }
func (s *indexBucketStore) SetRoot(loc Locator)                    { s.desc.RootBucket = loc }
func (s *indexBucketStore) Root() Locator                          { return s.desc.RootBucket }

// ---- record primitives ----

func (db *Database) recordAt(loc Locator) (*recordView, error) {
	f, err := db.fileAt(loc.File)
	if err != nil {
		return nil, err
	}
	hdr := f.bytes(int64(loc.Offset), int64(recordHeaderSize))
	length := int32(binary.LittleEndian.Uint32(hdr[0:4]))
	if length < recordHeaderSize || int64(loc.Offset)+int64(length) > f.header.Length {
		return nil, newCorruption("record", int64(loc.Offset), "implausible length %d", length)
	}
	return &recordView{buf: f.bytes(int64(loc.Offset), int64(length))}, nil
}

func (db *Database) deletedAt(loc Locator) (*deletedRecordView, error) {
	f, err := db.fileAt(loc.File)
	if err != nil {
		return nil, err
	}
	return &deletedRecordView{buf: f.bytes(int64(loc.Offset), int64(recordHeaderSize))}, nil
}

func (db *Database) writeRecordPayload(loc Locator, payload []byte) {
	rv, err := db.recordAt(loc)
	if err != nil {
		return
	}
	buf := db.durability.WritingPtr(rv.buf)
	rv2 := &recordView{buf: buf}
	dst := rv2.payload()
	n := copy(dst, payload)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	_ = db.durability.CommitIfNeeded()
}

func (db *Database) writeRecordHeaderAndPayload(loc Locator, payload []byte, totalLen, extOffset int32) {
	f, err := db.fileAt(loc.File)
	if err != nil {
		return
	}
	buf := f.bytes(int64(loc.Offset), int64(totalLen))
	buf = db.durability.WritingPtr(buf)
	rv := &recordView{buf: buf}
	rv.setLengthWithHeader(totalLen)
	rv.setExtentOffset(extOffset)
	rv.setPrevOffset(nullOffset)
	rv.setNextOffset(nullOffset)
	dst := rv.payload()
	n := copy(dst, payload)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func (db *Database) linkRecordIntoExtent(extLoc Locator, ev *extentView, loc Locator) {
	last := ev.lastRecord()
	if last.IsNull() {
		ev.setFirstRecord(loc)
	} else {
		lv, err := db.recordAt(last)
		if err == nil {
			lv.setNextOffset(loc.Offset)
			rv, err := db.recordAt(loc)
			if err == nil {
				rv.setPrevOffset(last.Offset)
			}
		}
	}
	ev.setLastRecord(loc)
}

func (db *Database) carveFromExtent(ev *extentView, padded int32) (int32, bool) {
	var cursor int32
	last := ev.lastRecord()
	if last.IsNull() {
		cursor = ev.self.Offset + int32(extentHeaderSize)
	} else {
		lv, err := db.recordAt(last)
		if err != nil {
			return 0, false
		}
		cursor = last.Offset + lv.lengthWithHeader()
	}
	end := ev.self.Offset + ev.length()
	if cursor+padded > end {
		return 0, false
	}
	return cursor, true
}

func (db *Database) extentForInsert(desc *CollectionDescriptor, padded int32) (Locator, *extentView, error) {
	if !desc.LastExtent.IsNull() {
		ev, err := db.extentAt(desc.LastExtent)
		if err != nil {
			return Locator{}, nil, err
		}
		if _, ok := db.carveFromExtent(ev, padded); ok {
			return desc.LastExtent, ev, nil
		}
	}
	return db.growExtentChain(desc, padded)
}

func (db *Database) growExtentChain(desc *CollectionDescriptor, minPayload int32) (Locator, *extentView, error) {
	var size int32
	if desc.LastExtent.IsNull() {
		size = initialExtentSize(minPayload)
	} else {
		size = followupExtentSize(minPayload+int32(extentHeaderSize), desc.LastExtentLen)
	}

	if loc, ok, err := db.freelist.reuse(size, desc.Capped); err != nil {
		return Locator{}, nil, err
	} else if ok {
		ev, err := db.extentAt(loc)
		if err != nil {
			return Locator{}, nil, err
		}
		db.resetExtentForReuse(ev, loc, desc.Name)
		db.linkExtentIntoCollection(desc, loc, ev.length())
		return loc, ev, nil
	}

	loc, err := db.allocateExtentFromTail(size, desc.Name)
	if err != nil {
		return Locator{}, nil, err
	}
	ev, err := db.extentAt(loc)
	if err != nil {
		return Locator{}, nil, err
	}
	db.linkExtentIntoCollection(desc, loc, size)
	return loc, ev, nil
}

func (db *Database) linkExtentIntoCollection(desc *CollectionDescriptor, loc Locator, length int32) {
	if desc.FirstExtent.IsNull() {
		desc.FirstExtent = loc
	} else {
		prevLoc := desc.LastExtent
		if pv, err := db.extentAt(prevLoc); err == nil {
			pv.setNext(loc)
		}
		if nv, err := db.extentAt(loc); err == nil {
			nv.setPrev(prevLoc)
		}
	}
	desc.LastExtent = loc
	desc.LastExtentLen = length
}

// reuseDeleted finds the first deleted record at least padded bytes long in
// desc's own size bucket or the next larger ones (first-fit across
// buckets), unlinking it from the deleted chain.
func (db *Database) reuseDeleted(desc *CollectionDescriptor, padded int32) (Locator, bool, error) {
	for bucket := sizeBucket(padded); bucket < numSizeBuckets; bucket++ {
		prevLoc := NullLocator()
		cur := desc.DeletedHeads[bucket]
		for !cur.IsNull() {
			dv, err := db.deletedAt(cur)
			if err != nil {
				return Locator{}, false, err
			}
			if dv.lengthWithHeader() >= padded {
				next := dv.nextDeleted()
				if prevLoc.IsNull() {
					desc.DeletedHeads[bucket] = next
				} else if pdv, err := db.deletedAt(prevLoc); err == nil {
					pdv.setNextDeleted(next)
				}
				return cur, true, nil
			}
			prevLoc = cur
			cur = dv.nextDeleted()
		}
	}
	return Locator{}, false, nil
}

// allocateRecord places payload in desc, reusing a deleted record from
// desc's free lists big enough to hold it before carving fresh space from
// the extent chain.
func (db *Database) allocateRecord(desc *CollectionDescriptor, payload []byte) (Locator, error) {
	need := int32(recordHeaderSize + len(payload))
	padded := int32(float64(need) * desc.PaddingFactor)
	if padded < need {
		padded = need
	}

	if loc, ok, err := db.reuseDeleted(desc, padded); err != nil {
		return Locator{}, err
	} else if ok {
		dv, err := db.deletedAt(loc)
		if err != nil {
			return Locator{}, err
		}
		length := dv.lengthWithHeader()
		extLoc := Locator{File: loc.File, Offset: dv.extentOffset()}
		ev, err := db.extentAt(extLoc)
		if err != nil {
			return Locator{}, err
		}
		db.writeRecordHeaderAndPayload(loc, payload, length, extLoc.Offset)
		db.linkRecordIntoExtent(extLoc, ev, loc)
		if err := db.durability.CommitIfNeeded(); err != nil {
			return Locator{}, err
		}
		return loc, nil
	}

	extLoc, ev, err := db.extentForInsert(desc, padded)
	if err != nil {
		return Locator{}, err
	}
	offset, ok := db.carveFromExtent(ev, padded)
	if !ok {
		return Locator{}, errAssertion("pagedb: fresh extent too small for record")
	}
	loc := Locator{File: extLoc.File, Offset: offset}
	db.writeRecordHeaderAndPayload(loc, payload, padded, extLoc.Offset)
	db.linkRecordIntoExtent(extLoc, ev, loc)
	if err := db.durability.CommitIfNeeded(); err != nil {
		return Locator{}, err
	}
	return loc, nil
}

// freeRecord unlinks loc from its extent's live chain and threads it onto
// desc's size-bucketed deleted list.
func (db *Database) freeRecord(desc *CollectionDescriptor, loc Locator) error {
	rv, err := db.recordAt(loc)
	if err != nil {
		return err
	}
	length := rv.lengthWithHeader()
	extOff := rv.extentOffset()
	prevOff, nextOff := rv.prevOffset(), rv.nextOffset()
	ev, err := db.extentAt(Locator{File: loc.File, Offset: extOff})
	if err != nil {
		return err
	}

	switch {
	case prevOff == nullOffset && nextOff == nullOffset:
		ev.setFirstRecord(NullLocator())
		ev.setLastRecord(NullLocator())
	case prevOff == nullOffset:
		ev.setFirstRecord(Locator{File: loc.File, Offset: nextOff})
		if nv, err := db.recordAt(Locator{File: loc.File, Offset: nextOff}); err == nil {
			nv.setPrevOffset(nullOffset)
		}
	case nextOff == nullOffset:
		ev.setLastRecord(Locator{File: loc.File, Offset: prevOff})
		if pv, err := db.recordAt(Locator{File: loc.File, Offset: prevOff}); err == nil {
			pv.setNextOffset(nullOffset)
		}
	default:
		if pv, err := db.recordAt(Locator{File: loc.File, Offset: prevOff}); err == nil {
			pv.setNextOffset(nextOff)
		}
		if nv, err := db.recordAt(Locator{File: loc.File, Offset: nextOff}); err == nil {
			nv.setPrevOffset(prevOff)
		}
	}

	bucket := sizeBucket(length)
	dv := &deletedRecordView{buf: rv.buf}
	dv.setLengthWithHeader(length)
	dv.setExtentOffset(extOff)
	dv.setNextDeleted(desc.DeletedHeads[bucket])
	desc.DeletedHeads[bucket] = loc
	return nil
}
