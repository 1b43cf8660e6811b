package core

// Byte comparator over serialized keys. Backends must order their key space
// with this comparator; it groups keys by kind-and-cid, orders index keys by
// their value tuple under the per-field direction vector and gives wildcard
// sentinels their "just past the prefix" position.

import (
	"bytes"
	"encoding/binary"
)

// CompareKeys compares two serialized keys, returning -1, 0 or 1.
func CompareKeys(k1, k2 []byte) int {
	// Keys shorter than the kind-and-cid prefix cannot be parsed; fall back
	// to a plain byte compare to keep the order total.
	if len(k1) < keyComparePrefix || len(k2) < keyComparePrefix {
		return bytes.Compare(k1, k2)
	}

	k1Wildcard := k1[0] == keyWildcard
	if k1Wildcard {
		k1 = k1[1:]
	}
	k2Wildcard := k2[0] == keyWildcard
	if k2Wildcard {
		k2 = k2[1:]
	}
	if len(k1) < keyComparePrefix || len(k2) < keyComparePrefix {
		return bytes.Compare(k1, k2)
	}

	if c := bytes.Compare(k1[:keyComparePrefix], k2[:keyComparePrefix]); c != 0 {
		return c
	}

	if KeyKind(k1[0]) != KeyIndex {
		// Data and system keys have no fields; only the sentinels remain.
		return compareWildcardTail(k1Wildcard, k2Wildcard)
	}

	rest1 := k1[keyComparePrefix:]
	rest2 := k2[keyComparePrefix:]

	// Indexes with different direction vectors never interleave.
	dirs1, rest1 := eatDirections(rest1)
	dirs2, rest2 := eatDirections(rest2)
	if c := bytes.Compare(dirs1, dirs2); c != 0 {
		return c
	}

	directions := dirs1
	if len(directions) >= 2 {
		directions = directions[2:]
	}

	for i := 0; ; i++ {
		if len(rest1) == 0 || len(rest2) == 0 {
			break
		}
		var f1, f2 []byte
		f1, rest1 = eatField(rest1)
		f2, rest2 = eatField(rest2)
		c := bytes.Compare(f1, f2)
		if c == 0 {
			continue
		}
		if i < len(directions) && Direction(directions[i]) == Descending {
			return -c
		}
		return c
	}

	switch {
	case len(rest1) == 0 && len(rest2) == 0:
		return compareWildcardTail(k1Wildcard, k2Wildcard)
	case len(rest1) == 0:
		if k1Wildcard {
			return 1
		}
		return -1
	default:
		if k2Wildcard {
			return -1
		}
		return 1
	}
}

func compareWildcardTail(k1Wildcard, k2Wildcard bool) int {
	switch {
	case k1Wildcard == k2Wildcard:
		return 0
	case k1Wildcard:
		return 1
	default:
		return -1
	}
}

// eatDirections splits off the directions segment (length prefix included).
func eatDirections(data []byte) (dirs, rest []byte) {
	if len(data) < 2 {
		return data, nil
	}
	n := int(binary.LittleEndian.Uint16(data))
	if 2+n > len(data) {
		return data, nil
	}
	return data[:2+n], data[2+n:]
}

// eatField splits off one length-prefixed field. The returned field excludes
// the length prefix.
func eatField(data []byte) (field, rest []byte) {
	if len(data) < 2 {
		return nil, nil
	}
	n := int(binary.LittleEndian.Uint16(data))
	if 2+n > len(data) {
		return nil, nil
	}
	return data[2 : 2+n], data[2+n:]
}
