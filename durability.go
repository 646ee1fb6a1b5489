// External collaborators the engine assumes rather than implements itself:
// the durability layer, the preallocator, and the per-operation context.
// Mongo's mmapv1 engine delegates these to the journal and the background
// file-grower thread; here they are explicit interfaces so the engine's
// entry points stay testable without a real journal.
package pagedb

import (
	"bytes"
	"context"
	"os"
	"sync/atomic"

	atomicfile "github.com/natefinch/atomic"
)

// Durability marks mapped byte ranges dirty and flushes them on demand.
// Every mutation to a mapped page must be routed through WritingPtr before
// the bytes are modified.
type Durability interface {
	// WritingPtr declares [ptr, ptr+n) about to be written and returns the
	// writable alias to use.
	WritingPtr(ptr []byte) []byte
	// CommitIfNeeded flushes pending writes once a configured dirty-byte
	// threshold has been crossed. It is cheap to call after every mutation.
	CommitIfNeeded() error
	// CommitNow forces an immediate flush. A successful return means the
	// mutation survives a process crash; no stronger fsync-timing guarantee
	// is assumed.
	CommitNow() error
}

// mmapDurability is the default Durability: it tracks how many bytes have
// been dirtied since the last flush and calls msync once that crosses
// commitThreshold, mirroring the journal's "commit if needed" checkpoint. It
// asks the owning Database for the current file set on every commit rather
// than caching one, since the set grows as collections outrun a file.
type mmapDurability struct {
	db              *Database
	dirty           atomic.Int64
	commitThreshold int64
}

func newMmapDurability(db *Database, commitThreshold int64) *mmapDurability {
	if commitThreshold <= 0 {
		commitThreshold = 8 << 20
	}
	return &mmapDurability{db: db, commitThreshold: commitThreshold}
}

func (d *mmapDurability) WritingPtr(ptr []byte) []byte {
	d.dirty.Add(int64(len(ptr)))
	return ptr
}

func (d *mmapDurability) CommitIfNeeded() error {
	if d.dirty.Load() < d.commitThreshold {
		return nil
	}
	return d.CommitNow()
}

func (d *mmapDurability) CommitNow() error {
	for _, f := range d.db.allFiles() {
		if err := f.sync(); err != nil {
			return err
		}
	}
	d.dirty.Store(0)
	return nil
}

// Preallocator grows data files asynchronously, or at least out of line
// from the mapping operation that needs the space. The engine calls
// RequestAllocation and proceeds once it returns.
type Preallocator interface {
	RequestAllocation(filename string, size int64) error
}

// defaultPreallocator creates a new file of exactly size bytes using an
// atomic replace, so a crash mid-preallocate never leaves a half-sized file
// visible under its final name. A file that already exists is left as it
// is; file.grow extends it with Truncate.
type defaultPreallocator struct{}

func (defaultPreallocator) RequestAllocation(filename string, size int64) error {
	if _, err := os.Stat(filename); err == nil {
		// Existing file: grown in place by file.grow via Truncate; nothing
		// to do here, the allocation request is informational.
		return nil
	}
	zeros := make([]byte, size)
	return atomicfile.WriteFile(filename, bytes.NewReader(zeros))
}

// OpContext carries per-operation cooperative-cancellation state: the
// interrupt flag long operations probe between chunks, the last error seen
// on this connection, and a hint that the caller would like the holder to
// yield the global lock soon.
type OpContext struct {
	ctx         context.Context
	interrupted atomic.Bool
	lastErr     atomic.Value
	yieldHint   atomic.Bool
}

// NewOpContext wraps a context.Context so blocking engine operations can
// select on its cancellation alongside the cooperative interrupt flag.
func NewOpContext(ctx context.Context) *OpContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &OpContext{ctx: ctx}
}

// Interrupt requests cooperative cancellation of any operation using this context.
func (o *OpContext) Interrupt() { o.interrupted.Store(true) }

// Interrupted reports whether Interrupt was called or the underlying
// context was cancelled.
func (o *OpContext) Interrupted() bool {
	if o.interrupted.Load() {
		return true
	}
	select {
	case <-o.ctx.Done():
		return true
	default:
		return false
	}
}

// RequestYield sets the cooperative "please yield soon" hint consulted at
// the next safe suspension point inside a long operation.
func (o *OpContext) RequestYield() { o.yieldHint.Store(true) }

func (o *OpContext) consumeYieldHint() bool {
	return o.yieldHint.CompareAndSwap(true, false)
}

func (o *OpContext) setLastError(err error) {
	if err != nil {
		o.lastErr.Store(err)
	}
}

// LastError returns the most recent error recorded on this context.
func (o *OpContext) LastError() error {
	v := o.lastErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}
