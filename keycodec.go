package pagedb

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
)

// OrderField names one field of an index's key and its sort direction.
type OrderField struct {
	Field string
	Desc  bool
}

// Ordering is the ordered list of fields an index is built over, e.g.
// {"last_name", false}, {"age", true} for an index on last_name ascending
// then age descending.
type Ordering []OrderField

// Field type tags. A tag always sorts before the payload of any other tag,
// giving a total order across heterogeneous field values without needing
// per-type comparison logic at search time.
const (
	tagNull byte = iota
	tagFalse
	tagTrue
	tagNumber
	tagString
	tagBinary
)

// encodeFieldValue renders a single document field value into its
// order-preserving byte form. Supported Go types mirror what a decoded
// document field can hold: nil, bool, integer/float kinds, string, []byte.
func encodeFieldValue(v any) []byte {
	switch x := v.(type) {
	case nil:
		return []byte{tagNull}
	case bool:
		if x {
			return []byte{tagTrue}
		}
		return []byte{tagFalse}
	case string:
		b := make([]byte, 1+len(x))
		b[0] = tagString
		copy(b[1:], x)
		return b
	case []byte:
		b := make([]byte, 1+len(x))
		b[0] = tagBinary
		copy(b[1:], x)
		return b
	default:
		f, ok := toFloat64(x)
		if !ok {
			// Unrepresentable value types sort as null; this matches the
			// engine's policy of never failing an insert over an index
			// field's type alone.
			return []byte{tagNull}
		}
		b := make([]byte, 9)
		b[0] = tagNumber
		binary.BigEndian.PutUint64(b[1:], orderedFloatBits(f))
		return b
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// orderedFloatBits maps a float64's bit pattern to one that sorts, as an
// unsigned big-endian integer, in the same order as the float values
// themselves (standard IEEE-754 order-preserving transform).
func orderedFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// decodeFieldValue is the inverse of encodeFieldValue, used by diagnostics
// and tests that need to show a human a key's original field values.
func decodeFieldValue(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case tagNull:
		return nil
	case tagFalse:
		return false
	case tagTrue:
		return true
	case tagString:
		return string(b[1:])
	case tagBinary:
		return append([]byte(nil), b[1:]...)
	case tagNumber:
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits)
	default:
		return nil
	}
}

// encodeKeyBlob packs one composite key's per-field byte strings into the
// self-describing form stored in a bucket: a 4-byte total length, then for
// each field a 2-byte length prefix and its bytes. The leading length lets
// a bucket slot record only a byte offset, since the key can report its own
// extent, the same trick BSON uses for embedded documents.
func encodeKeyBlob(fields [][]byte) []byte {
	size := 4
	for _, f := range fields {
		size += 2 + len(f)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	off := 4
	for _, f := range fields {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(f)))
		off += 2
		copy(buf[off:], f)
		off += len(f)
	}
	return buf
}

// keyBlobLen reports the self-described length of the key blob starting at
// buf[0], without requiring the caller to know it in advance.
func keyBlobLen(buf []byte) int {
	return int(binary.LittleEndian.Uint32(buf[0:4]))
}

// keyBlobFields splits an encoded key blob back into its per-field slices.
func keyBlobFields(buf []byte) [][]byte {
	var fields [][]byte
	off := 4
	total := keyBlobLen(buf)
	for off < total {
		n := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		fields = append(fields, buf[off:off+n])
		off += n
	}
	return fields
}

// compareKeyBlobs orders two encoded keys per ordering, applying each
// field's direction, and returns 0 if every field compares equal.
func compareKeyBlobs(a, b []byte, ordering Ordering) int {
	fa, fb := keyBlobFields(a), keyBlobFields(b)
	n := len(ordering)
	if len(fa) < n {
		n = len(fa)
	}
	if len(fb) < n {
		n = len(fb)
	}
	for i := 0; i < n; i++ {
		c := bytes.Compare(fa[i], fb[i])
		if c == 0 {
			continue
		}
		if i < len(ordering) && ordering[i].Desc {
			c = -c
		}
		return c
	}
	return 0
}

// DecodeKey renders an encoded key blob back into plain field values, in
// ordering's field order, for diagnostics and tests.
func DecodeKey(blob []byte) []any {
	fields := keyBlobFields(blob)
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = decodeFieldValue(f)
	}
	return out
}

// EncodeIndexKeys projects doc through ordering, producing the set of index
// keys the document contributes. A field whose document value is an array
// yields one key per array element; with more than one array field the
// keys are the cross product, mirroring the "multikey" index behavior
// described for compound indexes over array fields. multikey reports
// whether any expansion actually happened.
func EncodeIndexKeys(doc map[string]any, ordering Ordering) (keys [][]byte, multikey bool) {
	perField := make([][][]byte, len(ordering))
	for i, of := range ordering {
		v := lookupDotted(doc, of.Field)
		if arr, ok := v.([]any); ok {
			multikey = true
			enc := make([][]byte, len(arr))
			for j, e := range arr {
				enc[j] = encodeFieldValue(e)
			}
			if len(enc) == 0 {
				enc = [][]byte{encodeFieldValue(nil)}
			}
			perField[i] = enc
		} else {
			perField[i] = [][]byte{encodeFieldValue(v)}
		}
	}

	combos := [][][]byte{{}}
	for _, choices := range perField {
		var next [][][]byte
		for _, prefix := range combos {
			for _, c := range choices {
				row := make([][]byte, len(prefix)+1)
				copy(row, prefix)
				row[len(prefix)] = c
				next = append(next, row)
			}
		}
		combos = next
	}

	keys = make([][]byte, len(combos))
	for i, row := range combos {
		keys[i] = encodeKeyBlob(row)
	}
	sort.Slice(keys, func(i, j int) bool { return compareKeyBlobs(keys[i], keys[j], ordering) < 0 })
	return keys, multikey
}

func lookupDotted(doc map[string]any, field string) any {
	v, ok := doc[field]
	if ok {
		return v
	}
	return nil
}
