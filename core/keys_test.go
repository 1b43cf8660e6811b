package core

import (
	"bytes"
	"testing"
)

func mustIndexKey(t *testing.T, values ...IndexValue) Key {
	t.Helper()
	paths := [][]string{{"age"}, {"id"}}
	dirs := []Direction{Ascending, Ascending}
	k, err := NewIndexKey("ns/User", paths, dirs, values)
	if err != nil {
		t.Fatalf("new index key: %v", err)
	}
	return k
}

func mustIndexKeyDirs(t *testing.T, dirs []Direction, values ...IndexValue) Key {
	t.Helper()
	paths := [][]string{{"age"}, {"id"}}
	k, err := NewIndexKey("ns/User", paths, dirs, values)
	if err != nil {
		t.Fatalf("new index key: %v", err)
	}
	return k
}

//-------------------------------------------------------------
// Cid and serialization
//-------------------------------------------------------------

func TestDataKeyCidLength(t *testing.T) {
	k, err := NewDataKey("ns/User", "1")
	if err != nil {
		t.Fatalf("new data key: %v", err)
	}
	if len(k.CID) != 36 {
		t.Fatalf("cid length = %d, want 36", len(k.CID))
	}
	raw, err := k.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(raw) != 37 {
		t.Fatalf("data key length = %d, want 37", len(raw))
	}
	if raw[0] != byte(KeyData) {
		t.Fatalf("kind byte = %#x", raw[0])
	}
}

func TestDataKeyCidBindsIdentity(t *testing.T) {
	k1, _ := NewDataKey("ns/User", "1")
	k2, _ := NewDataKey("ns/User", "2")
	k3, _ := NewDataKey("ns/User", "1")
	if bytes.Equal(k1.CID, k2.CID) {
		t.Fatal("different ids must produce different cids")
	}
	if !bytes.Equal(k1.CID, k3.CID) {
		t.Fatal("same identity must produce the same cid")
	}
}

func TestIndexKeySharedCidAcrossDirections(t *testing.T) {
	asc := mustIndexKeyDirs(t, []Direction{Ascending, Ascending}, NumberValue(1))
	desc := mustIndexKeyDirs(t, []Direction{Descending, Ascending}, NumberValue(1))
	if !bytes.Equal(asc.CID, desc.CID) {
		t.Fatal("indexes over the same paths must share a cid")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	pk := PublicKey{}
	pk.X[0] = 0xAA
	pk.Y[31] = 0xBB

	tests := []struct {
		name string
		key  func(t *testing.T) Key
	}{
		{"Data", func(t *testing.T) Key {
			k, err := NewDataKey("ns/User", "1")
			if err != nil {
				t.Fatal(err)
			}
			return k
		}},
		{"System", func(t *testing.T) Key {
			k, err := NewSystemDataKey("ns/User/1")
			if err != nil {
				t.Fatal(err)
			}
			return k
		}},
		{"IndexValues", func(t *testing.T) Key {
			return mustIndexKey(t,
				NumberValue(42.5), StringValue("1"),
			)
		}},
		{"IndexMixed", func(t *testing.T) Key {
			return mustIndexKey(t,
				NullValue{}, BooleanValue(true),
			)
		}},
		{"IndexPublicKey", func(t *testing.T) Key {
			return mustIndexKey(t, PublicKeyValue{Key: pk}, StringValue("x"))
		}},
		{"IndexForeign", func(t *testing.T) Key {
			return mustIndexKey(t,
				ForeignRecordReference{ID: "7", CollectionID: "ns/Team"},
				StringValue("x"),
			)
		}},
		{"Wildcard", func(t *testing.T) Key {
			return mustIndexKey(t, NumberValue(1)).Wildcard()
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			k := tc.key(t)
			raw, err := k.Serialize()
			if err != nil {
				t.Fatalf("serialize: %v", err)
			}
			back, err := DeserializeKey(raw)
			if err != nil {
				t.Fatalf("deserialize: %v", err)
			}
			raw2, err := back.Serialize()
			if err != nil {
				t.Fatalf("reserialize: %v", err)
			}
			if !bytes.Equal(raw, raw2) {
				t.Fatalf("round trip mismatch:\n%x\n%x", raw, raw2)
			}
		})
	}
}

func TestDeserializeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"Truncated", []byte{0x01, 0x02}},
		{"BadKind", append([]byte{0xFF}, make([]byte, 36)...)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DeserializeKey(tc.raw); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestImmediateSuccessorOnlyForIndexKeys(t *testing.T) {
	data, _ := NewDataKey("ns/User", "1")
	if _, err := data.ImmediateSuccessor(); err == nil {
		t.Fatal("expected error for data key")
	}
	ik := mustIndexKey(t, NumberValue(1))
	succ, err := ik.ImmediateSuccessor()
	if err != nil {
		t.Fatalf("successor: %v", err)
	}
	if len(succ.Values) != len(ik.Values)+1 {
		t.Fatalf("successor must append one null field")
	}
}

//-------------------------------------------------------------
// Comparator
//-------------------------------------------------------------

func compareSerialized(t *testing.T, a, b Key) int {
	t.Helper()
	ra, err := a.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	rb, err := b.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return CompareKeys(ra, rb)
}

func TestCompareNumbersAscending(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
	}{
		{"PositiveOrder", 1, 2},
		{"NegativeOrder", -2, -1},
		{"NegativeBeforePositive", -1, 1},
		{"ZeroBeforeOne", 0, 1},
		{"Fraction", 0.5, 0.6},
		{"LargeMagnitude", -1e308, 1e308},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := mustIndexKey(t, NumberValue(tc.a), StringValue("1"))
			b := mustIndexKey(t, NumberValue(tc.b), StringValue("1"))
			if got := compareSerialized(t, a, b); got != -1 {
				t.Fatalf("compare(%v, %v) = %d, want -1", tc.a, tc.b, got)
			}
			if got := compareSerialized(t, b, a); got != 1 {
				t.Fatalf("compare(%v, %v) = %d, want 1", tc.b, tc.a, got)
			}
		})
	}
}

func TestCompareNumbersDescending(t *testing.T) {
	dirs := []Direction{Descending, Ascending}
	a := mustIndexKeyDirs(t, dirs, NumberValue(1), StringValue("1"))
	b := mustIndexKeyDirs(t, dirs, NumberValue(2), StringValue("1"))
	if got := compareSerialized(t, a, b); got != 1 {
		t.Fatalf("descending compare(1, 2) = %d, want 1", got)
	}
}

func TestCompareStringsLexicographic(t *testing.T) {
	a := mustIndexKey(t, StringValue("apple"), StringValue("1"))
	b := mustIndexKey(t, StringValue("banana"), StringValue("1"))
	if got := compareSerialized(t, a, b); got != -1 {
		t.Fatalf("compare(apple, banana) = %d", got)
	}
}

func TestCompareBooleans(t *testing.T) {
	a := mustIndexKey(t, BooleanValue(false), StringValue("1"))
	b := mustIndexKey(t, BooleanValue(true), StringValue("1"))
	if got := compareSerialized(t, a, b); got != -1 {
		t.Fatalf("false must sort before true, got %d", got)
	}
}

func TestCompareCrossTypeByTag(t *testing.T) {
	null := mustIndexKey(t, NullValue{}, StringValue("1"))
	str := mustIndexKey(t, StringValue("a"), StringValue("1"))
	num := mustIndexKey(t, NumberValue(1), StringValue("1"))
	if got := compareSerialized(t, null, str); got != -1 {
		t.Fatalf("null before string, got %d", got)
	}
	if got := compareSerialized(t, str, num); got != -1 {
		t.Fatalf("string tag before number tag, got %d", got)
	}
}

func TestCompareWildcardGreaterThanPrefixed(t *testing.T) {
	prefix := mustIndexKey(t, NumberValue(30))
	full := mustIndexKey(t, NumberValue(30), StringValue("zzz"))
	if got := compareSerialized(t, full, prefix.Wildcard()); got != -1 {
		t.Fatalf("wildcard must sort after all prefixed keys, got %d", got)
	}
	if got := compareSerialized(t, prefix, prefix.Wildcard()); got != -1 {
		t.Fatalf("key must sort before its own wildcard, got %d", got)
	}
	if got := compareSerialized(t, prefix.Wildcard(), prefix.Wildcard()); got != 0 {
		t.Fatalf("equal wildcards, got %d", got)
	}
}

func TestCompareImmediateSuccessor(t *testing.T) {
	k := mustIndexKey(t, NumberValue(30), StringValue("5"))
	succ, err := k.ImmediateSuccessor()
	if err != nil {
		t.Fatal(err)
	}
	if got := compareSerialized(t, succ, k); got != 1 {
		t.Fatalf("successor must be greater, got %d", got)
	}
	// The successor still sorts below the wildcard of the same prefix.
	if got := compareSerialized(t, succ, k.Wildcard()); got != -1 {
		t.Fatalf("successor must stay below the wildcard, got %d", got)
	}
}

func TestCompareShorterIsLess(t *testing.T) {
	short := mustIndexKey(t, NumberValue(30))
	long := mustIndexKey(t, NumberValue(30), StringValue("1"))
	if got := compareSerialized(t, short, long); got != -1 {
		t.Fatalf("shorter key must be less, got %d", got)
	}
}

func TestCompareDirectionVectorsNeverInterleave(t *testing.T) {
	asc := mustIndexKeyDirs(t, []Direction{Ascending, Ascending}, NumberValue(5))
	desc := mustIndexKeyDirs(t, []Direction{Descending, Ascending}, NumberValue(5))
	if got := compareSerialized(t, asc, desc); got == 0 {
		t.Fatal("different direction vectors must not compare equal")
	}
}

func TestIndexKeyFromRecordProjection(t *testing.T) {
	record := RecordRoot{
		"id":  StringValue("1"),
		"age": NumberValue(30),
	}
	k, err := IndexKeyFromRecord("ns/User", [][]string{{"age"}, {"id"}},
		[]Direction{Ascending, Ascending}, record)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(k.Values) != 2 {
		t.Fatalf("values = %d", len(k.Values))
	}
	if _, ok := k.Values[0].(NumberValue); !ok {
		t.Fatalf("age value type %T", k.Values[0])
	}

	// Missing fields project as null.
	k2, err := IndexKeyFromRecord("ns/User", [][]string{{"missing"}, {"id"}},
		[]Direction{Ascending, Ascending}, record)
	if err != nil {
		t.Fatalf("project missing: %v", err)
	}
	if _, ok := k2.Values[0].(NullValue); !ok {
		t.Fatalf("missing field should be null, got %T", k2.Values[0])
	}
}

func TestNewIndexKeyLengthMismatch(t *testing.T) {
	_, err := NewIndexKey("ns/User", [][]string{{"a"}}, []Direction{Ascending, Ascending}, nil)
	if err == nil {
		t.Fatal("expected paths/directions mismatch error")
	}
}
