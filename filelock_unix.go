//go:build unix || linux || darwin

// flock(2) implementation for Unix platforms, via golang.org/x/sys/unix.
// Both methods are called with l.mu held by the exported Lock/Unlock.
package pagedb

import "golang.org/x/sys/unix"

func (l *fileLock) lock(mode LockMode) error {
	op := unix.LOCK_SH
	if mode == LockExclusive {
		op = unix.LOCK_EX
	}
	// Blocking flock — no LOCK_NB so the call waits for the lock.
	return unix.Flock(int(l.f.Fd()), op)
}

func (l *fileLock) unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
