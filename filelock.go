// OS-level advisory file locking for cross-process coordination. The
// GlobalLock (lock.go) only serializes goroutines within one process;
// fileLock keeps a second pagedb process from opening the same data
// directory concurrently.
//
// fileLock wraps flock(2) / LockFileEx with a mutex that guards the file
// handle's lifetime so Fd() cannot race with Close() on the same *os.File.
package pagedb

import (
	"os"
	"sync"
)

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// fileLock coordinates an OS-level lock with safe handle teardown. mu
// serializes the platform lock syscall against setFile so a concurrent
// Close cannot invalidate the fd mid-syscall.
type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

// Lock acquires a shared or exclusive OS-level lock on the whole file.
// Returns nil immediately if the handle has been cleared via setFile(nil).
func (l *fileLock) Lock(mode LockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.lock(mode)
}

// Unlock releases the OS-level lock. Returns nil immediately if the handle
// has been cleared via setFile(nil).
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.unlock()
}

// setFile swaps the underlying file handle. Passing nil drains any
// in-flight lock call (blocks until mu is available) and disables further
// locking; used by Close before the fd itself is closed.
func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
