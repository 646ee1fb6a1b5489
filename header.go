// File header management.
//
// The header occupies the first HeaderSize bytes of every data file: magic,
// format version, file number, total length, and the offset/length of the
// file's contiguous unused tail. It is fixed and packed, little-endian, so
// it can be read with a single ReadAt before the file is mapped.
package pagedb

import (
	"encoding/binary"
	"os"
)

// HeaderSize is the fixed size of a data file header in bytes.
const HeaderSize = 64

// fileMagic identifies a pagedb data file.
const fileMagic uint32 = 0x50414744 // "PAGD"

// formatVersion is the current on-disk format version.
const formatVersion uint32 = 1

// Header is the fixed-layout record stored at offset 0 of every data file.
type Header struct {
	Magic        uint32
	Version      uint32
	FileNumber   int32
	Dirty        uint32 // 0=clean, 1=dirty (unclean-shutdown indicator)
	Length       int64  // total mapped length of the file
	UnusedOffset int64  // start of the file's contiguous unused tail
	UnusedLength int64  // length of that tail
}

func (h *Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.FileNumber))
	binary.LittleEndian.PutUint32(b[12:16], h.Dirty)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.Length))
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.UnusedOffset))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.UnusedLength))
	return b
}

func decodeHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, newCorruption("header", 0, "short read: got %d bytes want %d", len(b), HeaderSize)
	}
	h := &Header{
		Magic:        binary.LittleEndian.Uint32(b[0:4]),
		Version:      binary.LittleEndian.Uint32(b[4:8]),
		FileNumber:   int32(binary.LittleEndian.Uint32(b[8:12])),
		Dirty:        binary.LittleEndian.Uint32(b[12:16]),
		Length:       int64(binary.LittleEndian.Uint64(b[16:24])),
		UnusedOffset: int64(binary.LittleEndian.Uint64(b[24:32])),
		UnusedLength: int64(binary.LittleEndian.Uint64(b[32:40])),
	}
	if h.Magic != fileMagic {
		return nil, newCorruption("header", 0, "bad magic %x", h.Magic)
	}
	return h, nil
}

// readHeader reads and validates the header at the start of f.
func readHeader(f *os.File) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return decodeHeader(buf)
}

// writeHeader writes h to the start of f.
func writeHeader(f *os.File, h *Header) error {
	_, err := f.WriteAt(h.encode(), 0)
	return err
}

// setDirty flips the header's dirty flag at its fixed byte offset, used by
// the durability layer to mark an unclean shutdown without rewriting the
// whole header.
func setDirty(f *os.File, dirty bool) error {
	v := byte(0)
	if dirty {
		v = 1
	}
	_, err := f.WriteAt([]byte{v}, 12)
	return err
}
