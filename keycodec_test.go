// Key codec tests: ordered encoding of document field values into the
// composite key blobs a B-tree bucket stores, and the comparator every
// insert/search/delete uses to order them.
//
// Property 3 of the testable-properties list requires that encoding then
// decoding a key is identity, and that comparing two encoded keys agrees
// in sign with comparing the original values under the ordering's
// direction vector. These tests check both directly.
package pagedb

import "testing"

func TestEncodeDecodeFieldValueRoundTrip(t *testing.T) {
	values := []any{nil, true, false, "hello", []byte{1, 2, 3}, 42.0, -7.5}
	for _, v := range values {
		enc := encodeFieldValue(v)
		got := decodeFieldValue(enc)
		switch want := v.(type) {
		case []byte:
			gb, ok := got.([]byte)
			if !ok || string(gb) != string(want) {
				t.Errorf("round trip of %v = %v", v, got)
			}
		default:
			if got != v {
				t.Errorf("round trip of %#v = %#v", v, got)
			}
		}
	}
}

func TestOrderedFloatBitsPreservesOrder(t *testing.T) {
	values := []float64{-100, -1, -0.5, 0, 0.5, 1, 100}
	for i := 0; i < len(values)-1; i++ {
		a, b := orderedFloatBits(values[i]), orderedFloatBits(values[i+1])
		if a >= b {
			t.Errorf("orderedFloatBits(%v)=%x should be < orderedFloatBits(%v)=%x", values[i], a, values[i+1], b)
		}
	}
}

func TestCompareKeyBlobsAscending(t *testing.T) {
	ordering := Ordering{{Field: "a"}}
	lo := encodeKeyBlob([][]byte{encodeFieldValue(1.0)})
	hi := encodeKeyBlob([][]byte{encodeFieldValue(2.0)})

	if compareKeyBlobs(lo, hi, ordering) >= 0 {
		t.Error("1 should compare less than 2 under ascending order")
	}
	if compareKeyBlobs(hi, lo, ordering) <= 0 {
		t.Error("2 should compare greater than 1 under ascending order")
	}
	if compareKeyBlobs(lo, lo, ordering) != 0 {
		t.Error("a key must compare equal to itself")
	}
}

func TestCompareKeyBlobsDescendingFlipsSign(t *testing.T) {
	ordering := Ordering{{Field: "a", Desc: true}}
	lo := encodeKeyBlob([][]byte{encodeFieldValue(1.0)})
	hi := encodeKeyBlob([][]byte{encodeFieldValue(2.0)})

	if compareKeyBlobs(lo, hi, ordering) <= 0 {
		t.Error("1 should compare greater than 2 under descending order")
	}
}

func TestCompareKeyBlobsCompoundFieldsBreakTiesLeftToRight(t *testing.T) {
	ordering := Ordering{{Field: "a"}, {Field: "b"}}
	k1 := encodeKeyBlob([][]byte{encodeFieldValue(1.0), encodeFieldValue(9.0)})
	k2 := encodeKeyBlob([][]byte{encodeFieldValue(1.0), encodeFieldValue(10.0)})
	if compareKeyBlobs(k1, k2, ordering) >= 0 {
		t.Error("first field tied, second field 9 < 10 should decide the comparison")
	}
}

func TestEncodeIndexKeysSingleValue(t *testing.T) {
	doc := map[string]any{"age": 30.0}
	ordering := Ordering{{Field: "age"}}
	keys, multikey := EncodeIndexKeys(doc, ordering)
	if multikey {
		t.Error("a scalar field must not set multikey")
	}
	if len(keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(keys))
	}
	got := DecodeKey(keys[0])
	if len(got) != 1 || got[0] != 30.0 {
		t.Errorf("decoded key = %v", got)
	}
}

func TestEncodeIndexKeysArrayFieldIsMultikey(t *testing.T) {
	doc := map[string]any{"tags": []any{"a", "b", "c"}}
	ordering := Ordering{{Field: "tags"}}
	keys, multikey := EncodeIndexKeys(doc, ordering)
	if !multikey {
		t.Error("an array-valued indexed field must set multikey")
	}
	if len(keys) != 3 {
		t.Fatalf("got %d keys, want 3 (one per array element)", len(keys))
	}
}

func TestEncodeIndexKeysCompoundArrayCrossProduct(t *testing.T) {
	// Two array fields in one compound index produce the cross product
	// of their elements, per spec.md §4.5's "a single document may emit
	// more than one key if any indexed field traverses an array".
	doc := map[string]any{
		"a": []any{1.0, 2.0},
		"b": []any{"x", "y"},
	}
	ordering := Ordering{{Field: "a"}, {Field: "b"}}
	keys, multikey := EncodeIndexKeys(doc, ordering)
	if !multikey {
		t.Error("expected multikey")
	}
	if len(keys) != 4 {
		t.Fatalf("got %d keys, want 4 (2x2 cross product)", len(keys))
	}
}

func TestEncodeIndexKeysMissingFieldEncodesNull(t *testing.T) {
	doc := map[string]any{"other": 1.0}
	ordering := Ordering{{Field: "age"}}
	keys, multikey := EncodeIndexKeys(doc, ordering)
	if multikey {
		t.Error("a missing field is not an array and must not set multikey")
	}
	if len(keys) != 1 || DecodeKey(keys[0])[0] != nil {
		t.Errorf("missing field should encode as a null key, got %v", keys)
	}
}

func TestEncodeIndexKeysAreSortedByComparator(t *testing.T) {
	doc := map[string]any{"n": []any{3.0, 1.0, 2.0}}
	ordering := Ordering{{Field: "n"}}
	keys, _ := EncodeIndexKeys(doc, ordering)
	for i := 0; i < len(keys)-1; i++ {
		if compareKeyBlobs(keys[i], keys[i+1], ordering) > 0 {
			t.Errorf("EncodeIndexKeys must return keys in comparator order, got %v", keys)
		}
	}
}
