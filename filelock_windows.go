//go:build windows

// LockFileEx/UnlockFileEx implementation for Windows, via
// golang.org/x/sys/windows. Both methods are called with l.mu held by the
// exported Lock/Unlock.
package pagedb

import "golang.org/x/sys/windows"

func (l *fileLock) lock(mode LockMode) error {
	var flags uint32
	if mode == LockExclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	// Blocking lock over the entire file region (0 to max).
	var overlapped windows.Overlapped
	return windows.LockFileEx(windows.Handle(l.f.Fd()), flags, 0, 0xFFFFFFFF, 0xFFFFFFFF, &overlapped)
}

func (l *fileLock) unlock() error {
	var overlapped windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, 0xFFFFFFFF, 0xFFFFFFFF, &overlapped)
}
