//go:build unix || linux || darwin

// mmap(2)/msync(2) implementation for Unix platforms.
package pagedb

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, size int64) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func munmapFile(b []byte) error {
	return unix.Munmap(b)
}

// msyncRange flushes the dirty pages covering b to disk. This is the
// mechanism backing the durability layer's commitNow.
func msyncRange(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Msync(b, unix.MS_SYNC)
}
