//go:build windows

// File mapping implementation for Windows via golang.org/x/sys/windows'
// CreateFileMapping/MapViewOfFile family, mirroring the Unix mmap/msync
// pair in mmap_unix.go.
package pagedb

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmapFile(f *os.File, size int64) ([]byte, error) {
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE,
		uint32(size>>32), uint32(size&0xFFFFFFFF), nil)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(h)

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return nil, err
	}

	var b []byte
	sh := (*struct {
		data uintptr
		len  int
		cap  int
	})(unsafe.Pointer(&b))
	sh.data = addr
	sh.len = int(size)
	sh.cap = int(size)
	return b, nil
}

func munmapFile(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	return windows.UnmapViewOfFile(addr)
}

func msyncRange(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	return windows.FlushViewOfFile(addr, uintptr(len(b)))
}
