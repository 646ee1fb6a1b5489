// Data file lifecycle: creation, growth, and memory mapping.
//
// A File is a fixed-size memory-mapped region beginning with a Header. Its
// unused tail — the byte range not yet carved into an extent — is tracked
// in the header so extent allocation never needs to rescan the file.
package pagedb

import (
	"fmt"
	"os"
	"sync"
)

// maxFileSize caps a single data file at roughly 2 GiB, matching the
// platform-independent ceiling a 64-bit build uses before linking in a new
// file for a growing collection.
const maxFileSize int64 = 2 << 30

// initialFileSize is the size a brand-new data file is preallocated to.
const initialFileSize int64 = 64 << 20

type file struct {
	mu     sync.RWMutex
	f      *os.File
	name   string
	header *Header
	data   []byte // mmap'd view of the whole file, header included
}

func createFile(path string, fileNumber int32, prealloc Preallocator) (*file, error) {
	if err := prealloc.RequestAllocation(path, initialFileSize); err != nil {
		return nil, fmt.Errorf("pagedb: preallocate %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(initialFileSize); err != nil {
		f.Close()
		return nil, err
	}
	hdr := &Header{
		Magic:        fileMagic,
		Version:      formatVersion,
		FileNumber:   fileNumber,
		Length:       initialFileSize,
		UnusedOffset: int64(HeaderSize),
		UnusedLength: initialFileSize - int64(HeaderSize),
	}
	if err := writeHeader(f, hdr); err != nil {
		f.Close()
		return nil, err
	}
	data, err := mmapFile(f, initialFileSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &file{f: f, name: path, header: hdr, data: data}, nil
}

func openFile(path string) (*file, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	hdr, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := mmapFile(f, hdr.Length)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &file{f: f, name: path, header: hdr, data: data}, nil
}

func (ff *file) close() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	var firstErr error
	if ff.data != nil {
		if err := munmapFile(ff.data); err != nil && firstErr == nil {
			firstErr = err
		}
		ff.data = nil
	}
	if err := ff.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (ff *file) sync() error {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	return msyncRange(ff.data)
}

// bytes returns a slice view into the mapped file at [off, off+n).
func (ff *file) bytes(off, n int64) []byte {
	return ff.data[off : off+n]
}

// carveTail allocates n bytes from this file's unused tail, persisting the
// shrunk tail in the header, and returns the starting offset. ok is false
// if the tail is too small.
func (ff *file) carveTail(n int64) (offset int64, ok bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.header.UnusedLength < n {
		return 0, false
	}
	offset = ff.header.UnusedOffset
	ff.header.UnusedOffset += n
	ff.header.UnusedLength -= n
	_ = writeHeader(ff.f, ff.header)
	return offset, true
}

// grow extends the file to newLength, remapping it. Used when the tail is
// too small for the current request but the file has not yet reached
// maxFileSize.
func (ff *file) grow(newLength int64, prealloc Preallocator) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if newLength <= ff.header.Length {
		return nil
	}
	if err := prealloc.RequestAllocation(ff.name, newLength); err != nil {
		return err
	}
	if err := munmapFile(ff.data); err != nil {
		return err
	}
	if err := ff.f.Truncate(newLength); err != nil {
		return err
	}
	grown := newLength - ff.header.Length
	ff.header.UnusedLength += grown
	ff.header.Length = newLength
	if err := writeHeader(ff.f, ff.header); err != nil {
		return err
	}
	data, err := mmapFile(ff.f, newLength)
	if err != nil {
		return err
	}
	ff.data = data
	return nil
}
