package core

// Record value model. A stored record is a RecordRoot: a map of field names to
// tagged values. The indexable subset (IndexValue) is what the key codec can
// encode into index keys.

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// RecordValue is the tagged sum of every value a record field can hold.
type RecordValue interface {
	isRecordValue()
}

// IndexValue is the subset of RecordValue that can appear inside index keys:
// Null, Boolean, Number, String, PublicKey and ForeignRecordReference.
type IndexValue interface {
	RecordValue
	isIndexValue()
}

type NullValue struct{}

type BooleanValue bool

type NumberValue float64

type StringValue string

type BytesValue []byte

// PublicKey is a secp256k1 point. Records carry it as a JWK-style object on
// the wire; the codec serializes it as the 64-byte x||y concatenation.
type PublicKey struct {
	X [32]byte
	Y [32]byte
}

type PublicKeyValue struct {
	Key PublicKey
}

// RecordReference points at a record in the same collection.
type RecordReference struct {
	ID string
}

// ForeignRecordReference points at a record in another collection.
type ForeignRecordReference struct {
	ID           string
	CollectionID string
}

type MapValue map[string]RecordValue

type ArrayValue []RecordValue

// RecordRoot is the top-level map of one stored record. It must contain an
// "id" field of type String.
type RecordRoot map[string]RecordValue

func (NullValue) isRecordValue()              {}
func (BooleanValue) isRecordValue()           {}
func (NumberValue) isRecordValue()            {}
func (StringValue) isRecordValue()            {}
func (BytesValue) isRecordValue()             {}
func (PublicKeyValue) isRecordValue()         {}
func (RecordReference) isRecordValue()        {}
func (ForeignRecordReference) isRecordValue() {}
func (MapValue) isRecordValue()               {}
func (ArrayValue) isRecordValue()             {}

func (NullValue) isIndexValue()              {}
func (BooleanValue) isIndexValue()           {}
func (NumberValue) isIndexValue()            {}
func (StringValue) isIndexValue()            {}
func (PublicKeyValue) isIndexValue()         {}
func (ForeignRecordReference) isIndexValue() {}

// ID returns the record's id or an error when missing or not a string.
func (r RecordRoot) ID() (string, error) {
	v, ok := r["id"]
	if !ok {
		return "", userErrf(KindMissingField, "record is missing the id field")
	}
	s, ok := v.(StringValue)
	if !ok {
		return "", userErrf(KindInvalidFieldValueType, "record id is not a string")
	}
	return string(s), nil
}

// Clone produces a deep copy. The engine hands out clones so callers can
// never mutate backend-owned state.
func (r RecordRoot) Clone() RecordRoot {
	if r == nil {
		return nil
	}
	out := make(RecordRoot, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v RecordValue) RecordValue {
	switch tv := v.(type) {
	case MapValue:
		out := make(MapValue, len(tv))
		for k, e := range tv {
			out[k] = cloneValue(e)
		}
		return out
	case ArrayValue:
		out := make(ArrayValue, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case BytesValue:
		return BytesValue(append([]byte(nil), tv...))
	default:
		return v
	}
}

// EqualValues reports deep equality of two record values.
func EqualValues(a, b RecordValue) bool {
	switch av := a.(type) {
	case NullValue:
		_, ok := b.(NullValue)
		return ok
	case BooleanValue:
		bv, ok := b.(BooleanValue)
		return ok && av == bv
	case NumberValue:
		bv, ok := b.(NumberValue)
		return ok && av == bv
	case StringValue:
		bv, ok := b.(StringValue)
		return ok && av == bv
	case BytesValue:
		bv, ok := b.(BytesValue)
		return ok && bytes.Equal(av, bv)
	case PublicKeyValue:
		bv, ok := b.(PublicKeyValue)
		return ok && av.Key == bv.Key
	case RecordReference:
		bv, ok := b.(RecordReference)
		return ok && av == bv
	case ForeignRecordReference:
		bv, ok := b.(ForeignRecordReference)
		return ok && av == bv
	case MapValue:
		bv, ok := b.(MapValue)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, e := range av {
			o, ok := bv[k]
			if !ok || !EqualValues(e, o) {
				return false
			}
		}
		return true
	case ArrayValue:
		bv, ok := b.(ArrayValue)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i, e := range av {
			if !EqualValues(e, bv[i]) {
				return false
			}
		}
		return true
	}
	return false
}

//---------------------------------------------------------------------
// Public keys
//---------------------------------------------------------------------

// Bytes returns the 64-byte x||y serialization used by the key codec.
func (pk PublicKey) Bytes() []byte {
	out := make([]byte, 64)
	copy(out[:32], pk.X[:])
	copy(out[32:], pk.Y[:])
	return out
}

// Hex returns the 0x-prefixed 128-hex-char concatenated (x, y) form.
func (pk PublicKey) Hex() string {
	return "0x" + hex.EncodeToString(pk.X[:]) + hex.EncodeToString(pk.Y[:])
}

// Validate checks that the point lies on the secp256k1 curve.
func (pk PublicKey) Validate() error {
	raw := make([]byte, 65)
	raw[0] = 0x04
	copy(raw[1:33], pk.X[:])
	copy(raw[33:], pk.Y[:])
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return userErrf(KindInvalidFieldValueType, "invalid secp256k1 public key: %v", err)
	}
	return nil
}

// ParsePublicKeyHex parses the permissive 0x-prefixed 128-hex-char form.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	var pk PublicKey
	if !strings.HasPrefix(s, "0x") || len(s) != 2+128 {
		return pk, userErrf(KindInvalidFieldValueType, "public key hex must be 0x-prefixed and 128 chars")
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return pk, userErrf(KindInvalidFieldValueType, "public key hex: %v", err)
	}
	copy(pk.X[:], raw[:32])
	copy(pk.Y[:], raw[32:])
	return pk, nil
}

// publicKeyFromBytes rebuilds a key from the codec's 64-byte form.
func publicKeyFromBytes(raw []byte) (PublicKey, error) {
	var pk PublicKey
	if len(raw) != 64 {
		return pk, engineErrf(KindCodecError, "public key payload must be 64 bytes, got %d", len(raw))
	}
	copy(pk.X[:], raw[:32])
	copy(pk.Y[:], raw[32:])
	return pk, nil
}

// jwk is the object wire form of a public key.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (pk PublicKey) toJWK() jwk {
	return jwk{
		Kty: "EC",
		Crv: "secp256k1",
		Alg: "ES256K",
		Use: "sig",
		X:   base64.RawURLEncoding.EncodeToString(pk.X[:]),
		Y:   base64.RawURLEncoding.EncodeToString(pk.Y[:]),
	}
}

func publicKeyFromJWKMap(m map[string]interface{}) (PublicKey, error) {
	var pk PublicKey
	kty, _ := m["kty"].(string)
	crv, _ := m["crv"].(string)
	if kty != "EC" || crv != "secp256k1" {
		return pk, userErrf(KindInvalidFieldValueType, "public key must be an EC secp256k1 JWK")
	}
	xs, _ := m["x"].(string)
	ys, _ := m["y"].(string)
	x, err := base64.RawURLEncoding.DecodeString(xs)
	if err != nil || len(x) != 32 {
		return pk, userErrf(KindInvalidFieldValueType, "public key x coordinate is invalid")
	}
	y, err := base64.RawURLEncoding.DecodeString(ys)
	if err != nil || len(y) != 32 {
		return pk, userErrf(KindInvalidFieldValueType, "public key y coordinate is invalid")
	}
	copy(pk.X[:], x)
	copy(pk.Y[:], y)
	return pk, nil
}

//---------------------------------------------------------------------
// Walkers
//---------------------------------------------------------------------

// WalkIndexValues visits every indexable scalar leaf (skipping Bytes and
// same-collection record references), descending into maps and arrays. Array
// elements contribute their numeric position as a path segment.
func WalkIndexValues(root RecordRoot, fn func(path []string, v IndexValue) error) error {
	return walkIndex(nil, MapValue(root), fn)
}

func walkIndex(path []string, v RecordValue, fn func(path []string, v IndexValue) error) error {
	switch tv := v.(type) {
	case MapValue:
		for _, k := range sortedKeys(tv) {
			if err := walkIndex(append(path[:len(path):len(path)], k), tv[k], fn); err != nil {
				return err
			}
		}
	case ArrayValue:
		for i, e := range tv {
			if err := walkIndex(append(path[:len(path):len(path)], strconv.Itoa(i)), e, fn); err != nil {
				return err
			}
		}
	case BytesValue, RecordReference:
		// not indexable
	default:
		iv, ok := tv.(IndexValue)
		if !ok {
			return nil
		}
		return fn(path, iv)
	}
	return nil
}

// WalkValues visits every node of the record including intermediate maps and
// arrays. The visitor sees containers before their children.
func WalkValues(root RecordRoot, fn func(path []string, v RecordValue) error) error {
	return walkAll(nil, MapValue(root), fn)
}

func walkAll(path []string, v RecordValue, fn func(path []string, v RecordValue) error) error {
	if len(path) > 0 {
		if err := fn(path, v); err != nil {
			return err
		}
	}
	switch tv := v.(type) {
	case MapValue:
		for _, k := range sortedKeys(tv) {
			if err := walkAll(append(path[:len(path):len(path)], k), tv[k], fn); err != nil {
				return err
			}
		}
	case ArrayValue:
		for i, e := range tv {
			if err := walkAll(append(path[:len(path):len(path)], strconv.Itoa(i)), e, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys(m MapValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FindPath returns the value at a dotted path. Arrays are followed by numeric
// path segments.
func FindPath(root RecordRoot, path []string) (RecordValue, bool) {
	var cur RecordValue = MapValue(root)
	for _, seg := range path {
		switch tv := cur.(type) {
		case MapValue:
			v, ok := tv[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case ArrayValue:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(tv) {
				return nil, false
			}
			cur = tv[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func pathString(path []string) string { return strings.Join(path, ".") }

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

func (f IndexField) String() string {
	return fmt.Sprintf("%s %s", pathString(f.Path), f.Direction)
}
