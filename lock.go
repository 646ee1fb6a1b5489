// The global recursive reader/writer lock (C10) guarding every operation.
// Go has no thread-local storage, so recursion is tracked against an
// explicit LockToken the caller carries through a call chain instead of
// against a goroutine identity: acquiring the lock again with the same
// token that already holds it is free, acquiring with a different token
// blocks normally. A long operation can TempRelease and Restore around a
// safe suspension point so other waiters are not starved.
package pagedb

import (
	"sync"
	"sync/atomic"
)

var lockTokenSeq atomic.Uint64

// LockToken identifies one logical caller (a request, a cursor, a
// background job) across a chain of calls that may re-enter the global
// lock. Create one per top-level operation with NewLockToken and pass it
// down to anything that might recurse.
type LockToken struct {
	id uint64
}

// NewLockToken allocates a fresh, never-reused token.
func NewLockToken() *LockToken {
	return &LockToken{id: lockTokenSeq.Add(1)}
}

// GlobalLock is a recursive readers/writer lock: any number of readers, or
// exactly one writer, with a writer also satisfying any read requests made
// with its own token (write implies read).
type GlobalLock struct {
	mu          sync.Mutex
	cond        *sync.Cond
	readers     int
	readerDepth map[uint64]int
	writerToken uint64 // 0 means no writer
	writerDepth int
}

func newGlobalLock() *GlobalLock {
	l := &GlobalLock{readerDepth: make(map[uint64]int)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// LockWrite acquires exclusive access, recursively if tok already holds it.
func (l *GlobalLock) LockWrite(tok *LockToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writerToken == tok.id {
		l.writerDepth++
		return
	}
	for l.writerToken != 0 || l.readers > 0 {
		l.cond.Wait()
	}
	l.writerToken = tok.id
	l.writerDepth = 1
}

// UnlockWrite releases one level of tok's exclusive hold.
func (l *GlobalLock) UnlockWrite(tok *LockToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writerToken != tok.id {
		panic("pagedb: UnlockWrite called by a token that does not hold the write lock")
	}
	l.writerDepth--
	if l.writerDepth == 0 {
		l.writerToken = 0
		l.cond.Broadcast()
	}
}

// LockRead acquires shared access. A token already holding the write lock
// is granted read access for free (write implies read); otherwise it waits
// out any current writer.
func (l *GlobalLock) LockRead(tok *LockToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writerToken == tok.id {
		l.writerDepth++
		return
	}
	for l.writerToken != 0 {
		l.cond.Wait()
	}
	l.readers++
	l.readerDepth[tok.id]++
}

// UnlockRead releases one level of tok's shared (or write-implied) hold.
func (l *GlobalLock) UnlockRead(tok *LockToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writerToken == tok.id {
		l.writerDepth--
		if l.writerDepth == 0 {
			l.writerToken = 0
			l.cond.Broadcast()
		}
		return
	}
	l.readerDepth[tok.id]--
	if l.readerDepth[tok.id] == 0 {
		delete(l.readerDepth, tok.id)
		l.readers--
		if l.readers == 0 {
			l.cond.Broadcast()
		}
	}
}

// lockState captures what tok held so TempRelease/Restore can put it back.
type lockState struct {
	wasWriter   bool
	writerDepth int
	readerDepth int
}

// TempRelease fully releases whatever tok currently holds (any recursion
// depth) and returns a handle Restore uses to put it back. Used by long
// table scans and bulk operations at a safe suspension point so other
// waiters are not starved for the operation's whole duration.
func (l *GlobalLock) TempRelease(tok *LockToken) *lockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := &lockState{}
	if l.writerToken == tok.id {
		st.wasWriter = true
		st.writerDepth = l.writerDepth
		l.writerToken = 0
		l.writerDepth = 0
		l.cond.Broadcast()
		return st
	}
	if d := l.readerDepth[tok.id]; d > 0 {
		st.readerDepth = d
		delete(l.readerDepth, tok.id)
		l.readers -= d
		if l.readers == 0 {
			l.cond.Broadcast()
		}
	}
	return st
}

// Restore reacquires whatever TempRelease gave up, in the same shape.
func (l *GlobalLock) Restore(tok *LockToken, st *lockState) {
	if st.wasWriter {
		for i := 0; i < st.writerDepth; i++ {
			l.LockWrite(tok)
		}
		return
	}
	for i := 0; i < st.readerDepth; i++ {
		l.LockRead(tok)
	}
}
