// Data file lifecycle tests: header round-trip, tail carving and its
// shrinking effect on the header, and growth past the initial size.
package pagedb

import (
	"path/filepath"
	"testing"
)

func TestCreateFileWritesValidHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.pagedb")
	f, err := createFile(path, 0, defaultPreallocator{})
	if err != nil {
		t.Fatalf("createFile: %v", err)
	}
	defer f.close()

	if f.header.Magic != fileMagic {
		t.Errorf("Magic = %x, want %x", f.header.Magic, fileMagic)
	}
	if f.header.Length != initialFileSize {
		t.Errorf("Length = %d, want %d", f.header.Length, initialFileSize)
	}
	if f.header.UnusedOffset != int64(HeaderSize) {
		t.Errorf("UnusedOffset = %d, want %d", f.header.UnusedOffset, HeaderSize)
	}
}

func TestOpenFileReadsBackHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.pagedb")
	f, err := createFile(path, 3, defaultPreallocator{})
	if err != nil {
		t.Fatalf("createFile: %v", err)
	}
	if _, ok := f.carveTail(1024); !ok {
		t.Fatal("carveTail should have succeeded against a fresh file")
	}
	if err := f.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f2, err := openFile(path)
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	defer f2.close()
	if f2.header.FileNumber != 3 {
		t.Errorf("FileNumber = %d, want 3", f2.header.FileNumber)
	}
	if f2.header.UnusedOffset != int64(HeaderSize)+1024 {
		t.Errorf("UnusedOffset after reopen = %d, want %d", f2.header.UnusedOffset, int64(HeaderSize)+1024)
	}
}

func TestCarveTailShrinksUnusedRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.pagedb")
	f, err := createFile(path, 0, defaultPreallocator{})
	if err != nil {
		t.Fatalf("createFile: %v", err)
	}
	defer f.close()

	before := f.header.UnusedLength
	off, ok := f.carveTail(4096)
	if !ok {
		t.Fatal("carveTail(4096) should fit in a fresh 64MiB file")
	}
	if off != int64(HeaderSize) {
		t.Errorf("first carveTail offset = %d, want %d", off, HeaderSize)
	}
	if f.header.UnusedLength != before-4096 {
		t.Errorf("UnusedLength after carve = %d, want %d", f.header.UnusedLength, before-4096)
	}

	off2, ok := f.carveTail(4096)
	if !ok || off2 != off+4096 {
		t.Errorf("second carveTail = (%d, %v), want (%d, true)", off2, ok, off+4096)
	}
}

func TestCarveTailFailsWhenRequestExceedsUnusedLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.pagedb")
	f, err := createFile(path, 0, defaultPreallocator{})
	if err != nil {
		t.Fatalf("createFile: %v", err)
	}
	defer f.close()

	if _, ok := f.carveTail(initialFileSize * 2); ok {
		t.Error("carveTail should refuse a request larger than the file's unused tail")
	}
}

func TestFileGrowExtendsLengthAndUnusedRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.pagedb")
	f, err := createFile(path, 0, defaultPreallocator{})
	if err != nil {
		t.Fatalf("createFile: %v", err)
	}
	defer f.close()

	newLen := initialFileSize * 2
	if err := f.grow(newLen, defaultPreallocator{}); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if f.header.Length != newLen {
		t.Errorf("Length after grow = %d, want %d", f.header.Length, newLen)
	}
	if _, ok := f.carveTail(initialFileSize + 1); !ok {
		t.Error("after doubling the file, carving past the original size should now succeed")
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		Magic:        fileMagic,
		Version:      formatVersion,
		FileNumber:   7,
		Dirty:        1,
		Length:       1 << 20,
		UnusedOffset: 4096,
		UnusedLength: 1 << 19,
	}
	got, err := decodeHeader(h.encode())
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if *got != *h {
		t.Errorf("decodeHeader(encode(h)) = %+v, want %+v", *got, *h)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	h := &Header{Magic: 0xdeadbeef, Version: formatVersion}
	if _, err := decodeHeader(h.encode()); !IsCorruption(err) {
		t.Errorf("decodeHeader(bad magic) = %v, want a *CorruptionError", err)
	}
}
