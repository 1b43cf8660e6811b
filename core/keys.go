package core

// Composite key codec. Every key the engine writes is one of four kinds: a
// data key (the record itself), a system data key (engine metadata), an index
// key (one entry of one index) or a wildcard-wrapped key used as a range
// sentinel. Keys serialize to byte strings whose ordering under CompareKeys
// drives range scans in any backend honoring the comparator.
//
// Layout:
//
//	DATA:     [0x01][cid:36]
//	INDEX:    [0x02][cid:36][dirs_len:u16 LE][dirs][field*]
//	WILDCARD: [0x03][inner bytes]
//	SYSTEM:   [0x04][cid:36]
//	field:    [len:u16 LE][tag:u8][payload]
//
// The cid is a 36-byte CIDv1 (protobuf multicodec, sha2-256 multihash) of the
// protobuf-encoded key descriptor, binding a (collection, path-set) identity.

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"google.golang.org/protobuf/encoding/protowire"
)

type KeyKind byte

const (
	KeyData     KeyKind = 0x01
	KeyIndex    KeyKind = 0x02
	keyWildcard byte    = 0x03
	KeySystem   KeyKind = 0x04
)

// Value type tags. Cross-type ordering follows the tag byte.
const (
	tagNull      byte = 0x00
	tagString    byte = 0x04
	tagNumber    byte = 0x05
	tagBoolean   byte = 0x06
	tagBytes     byte = 0x07
	tagPublicKey byte = 0x08
	tagForeign   byte = 0x09
)

const (
	multicodecProtobuf = 0x50
	cidLen             = 36
	// keyComparePrefix is the kind byte plus the cid.
	keyComparePrefix = 1 + cidLen
)

// Key is a parsed composite key.
type Key struct {
	Kind       KeyKind
	IsWildcard bool
	CID        []byte
	Directions []Direction
	Values     []IndexValue
}

func generateCID(descriptor []byte) ([]byte, error) {
	mh, err := multihash.Sum(descriptor, multihash.SHA2_256, -1)
	if err != nil {
		return nil, engineErr(KindCodecError, fmt.Errorf("hash key descriptor: %w", err))
	}
	return cid.NewCidV1(multicodecProtobuf, mh).Bytes(), nil
}

// NewDataKey builds the data key for (namespace, id). The namespace of a data
// key is the collection id.
func NewDataKey(namespace, id string) (Key, error) {
	var descriptor []byte
	descriptor = protowire.AppendTag(descriptor, 1, protowire.BytesType)
	descriptor = protowire.AppendString(descriptor, namespace)
	descriptor = protowire.AppendTag(descriptor, 2, protowire.BytesType)
	descriptor = protowire.AppendString(descriptor, id)

	c, err := generateCID(descriptor)
	if err != nil {
		return Key{}, err
	}
	return Key{Kind: KeyData, CID: c}, nil
}

// NewSystemDataKey builds a system data key for engine-internal metadata.
func NewSystemDataKey(id string) (Key, error) {
	var descriptor []byte
	descriptor = protowire.AppendTag(descriptor, 1, protowire.BytesType)
	descriptor = protowire.AppendString(descriptor, id)

	c, err := generateCID(descriptor)
	if err != nil {
		return Key{}, err
	}
	return Key{Kind: KeySystem, CID: c}, nil
}

// NewIndexKey builds an index key. The paths are the index's set identity
// used for the cid; values may be shorter than paths for prefix queries.
func NewIndexKey(namespace string, paths [][]string, directions []Direction, values []IndexValue) (Key, error) {
	if len(paths) != len(directions) {
		return Key{}, engineErrf(KindCodecError, "paths length %d does not match directions length %d",
			len(paths), len(directions))
	}
	var descriptor []byte
	descriptor = protowire.AppendTag(descriptor, 1, protowire.BytesType)
	descriptor = protowire.AppendString(descriptor, namespace)
	for _, p := range paths {
		descriptor = protowire.AppendTag(descriptor, 2, protowire.BytesType)
		descriptor = protowire.AppendString(descriptor, pathString(p))
	}

	c, err := generateCID(descriptor)
	if err != nil {
		return Key{}, err
	}
	return Key{
		Kind:       KeyIndex,
		CID:        c,
		Directions: append([]Direction(nil), directions...),
		Values:     append([]IndexValue(nil), values...),
	}, nil
}

// Wildcard wraps the key as an exclusive upper sentinel: it sorts immediately
// after every key whose prefix matches this one.
func (k Key) Wildcard() Key {
	k.IsWildcard = true
	return k
}

// ImmediateSuccessor returns the smallest key strictly greater than this
// index key, formed by appending a Null-valued field. Defined only for index
// keys.
func (k Key) ImmediateSuccessor() (Key, error) {
	if k.Kind != KeyIndex {
		return Key{}, engineErrf(KindCodecError, "key kind %#x has no immediate successor", byte(k.Kind))
	}
	k.Values = append(append([]IndexValue(nil), k.Values...), NullValue{})
	return k, nil
}

// Serialize emits the stable byte form of the key.
func (k Key) Serialize() ([]byte, error) {
	if len(k.CID) != cidLen {
		return nil, engineErrf(KindCodecError, "cid must be %d bytes, got %d", cidLen, len(k.CID))
	}
	var buf []byte
	if k.IsWildcard {
		buf = append(buf, keyWildcard)
	}
	buf = append(buf, byte(k.Kind))
	buf = append(buf, k.CID...)

	if k.Kind == KeyIndex {
		dirs := make([]byte, len(k.Directions))
		for i, d := range k.Directions {
			dirs[i] = byte(d)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(dirs)))
		buf = append(buf, dirs...)

		for _, v := range k.Values {
			typed, err := encodeIndexValue(v)
			if err != nil {
				return nil, err
			}
			if len(typed) > math.MaxUint16 {
				return nil, engineErrf(KindCodecError, "index field value of %d bytes exceeds the field limit", len(typed))
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(typed)))
			buf = append(buf, typed...)
		}
	}
	return buf, nil
}

// DeserializeKey parses a serialized key.
func DeserializeKey(raw []byte) (Key, error) {
	var k Key
	data := raw
	if len(data) > 0 && data[0] == keyWildcard {
		k.IsWildcard = true
		data = data[1:]
	}
	if len(data) < keyComparePrefix {
		return Key{}, engineErrf(KindCodecError, "key of %d bytes is truncated", len(raw))
	}
	switch KeyKind(data[0]) {
	case KeyData, KeySystem, KeyIndex:
		k.Kind = KeyKind(data[0])
	default:
		return Key{}, engineErrf(KindCodecError, "invalid key kind byte %#x", data[0])
	}
	k.CID = append([]byte(nil), data[1:keyComparePrefix]...)
	data = data[keyComparePrefix:]

	if k.Kind != KeyIndex {
		if len(data) != 0 {
			return Key{}, engineErrf(KindCodecError, "trailing bytes after %#x key", byte(k.Kind))
		}
		return k, nil
	}

	if len(data) < 2 {
		return Key{}, engineErrf(KindCodecError, "index key missing directions length")
	}
	dirsLen := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < dirsLen {
		return Key{}, engineErrf(KindCodecError, "index key directions truncated")
	}
	k.Directions = make([]Direction, dirsLen)
	for i := 0; i < dirsLen; i++ {
		switch data[i] {
		case 0x00:
			k.Directions[i] = Ascending
		case 0x01:
			k.Directions[i] = Descending
		default:
			return Key{}, engineErrf(KindCodecError, "invalid direction byte %#x", data[i])
		}
	}
	data = data[dirsLen:]

	for len(data) > 0 {
		if len(data) < 2 {
			return Key{}, engineErrf(KindCodecError, "index field length truncated")
		}
		fieldLen := int(binary.LittleEndian.Uint16(data))
		data = data[2:]
		if len(data) < fieldLen {
			return Key{}, engineErrf(KindCodecError, "index field truncated")
		}
		v, err := decodeIndexValue(data[:fieldLen])
		if err != nil {
			return Key{}, err
		}
		k.Values = append(k.Values, v)
		data = data[fieldLen:]
	}
	return k, nil
}

//---------------------------------------------------------------------
// Index value encoding
//---------------------------------------------------------------------

// encodeIndexValue emits [tag][payload] such that byte comparison of equal
// tags matches the value ordering.
func encodeIndexValue(v IndexValue) ([]byte, error) {
	switch tv := v.(type) {
	case NullValue:
		return []byte{tagNull}, nil
	case StringValue:
		return append([]byte{tagString}, tv...), nil
	case NumberValue:
		buf := make([]byte, 9)
		buf[0] = tagNumber
		binary.BigEndian.PutUint64(buf[1:], orderPreservingBits(float64(tv)))
		return buf, nil
	case BooleanValue:
		b := byte(0)
		if tv {
			b = 1
		}
		return []byte{tagBoolean, b}, nil
	case PublicKeyValue:
		return append([]byte{tagPublicKey}, tv.Key.Bytes()...), nil
	case ForeignRecordReference:
		buf := []byte{tagForeign}
		if len(tv.CollectionID) > math.MaxUint16 {
			return nil, engineErrf(KindCodecError, "collection id too long to encode")
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tv.CollectionID)))
		buf = append(buf, tv.CollectionID...)
		buf = append(buf, tv.ID...)
		return buf, nil
	}
	return nil, engineErrf(KindCodecError, "value %T is not indexable", v)
}

func decodeIndexValue(typed []byte) (IndexValue, error) {
	if len(typed) == 0 {
		return nil, engineErrf(KindCodecError, "empty index field")
	}
	payload := typed[1:]
	switch typed[0] {
	case tagNull:
		return NullValue{}, nil
	case tagString:
		return StringValue(payload), nil
	case tagNumber:
		if len(payload) != 8 {
			return nil, engineErrf(KindCodecError, "number payload must be 8 bytes")
		}
		return NumberValue(bitsToFloat(binary.BigEndian.Uint64(payload))), nil
	case tagBoolean:
		if len(payload) != 1 {
			return nil, engineErrf(KindCodecError, "boolean payload must be 1 byte")
		}
		return BooleanValue(payload[0] != 0), nil
	case tagPublicKey:
		pk, err := publicKeyFromBytes(payload)
		if err != nil {
			return nil, err
		}
		return PublicKeyValue{Key: pk}, nil
	case tagForeign:
		if len(payload) < 2 {
			return nil, engineErrf(KindCodecError, "foreign reference payload truncated")
		}
		n := int(binary.LittleEndian.Uint16(payload))
		payload = payload[2:]
		if len(payload) < n {
			return nil, engineErrf(KindCodecError, "foreign reference collection id truncated")
		}
		return ForeignRecordReference{
			CollectionID: string(payload[:n]),
			ID:           string(payload[n:]),
		}, nil
	}
	return nil, engineErrf(KindCodecError, "invalid index value tag %#x", typed[0])
}

// orderPreservingBits maps an f64 to a u64 whose big-endian byte order
// matches numeric order across all finite values: non-negative numbers get
// their sign bit flipped, negative numbers get all bits flipped.
func orderPreservingBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		return bits ^ (1 << 63)
	}
	return ^bits
}

func bitsToFloat(enc uint64) float64 {
	if enc&(1<<63) != 0 {
		return math.Float64frombits(enc ^ (1 << 63))
	}
	return math.Float64frombits(^enc)
}

//---------------------------------------------------------------------
// Record projection
//---------------------------------------------------------------------

// IndexKeyFromRecord projects the record's values along the index paths into
// an index key. Missing fields become Null.
func IndexKeyFromRecord(namespace string, paths [][]string, directions []Direction, record RecordRoot) (Key, error) {
	values := make([]IndexValue, 0, len(paths))
	for _, p := range paths {
		v, ok := FindPath(record, p)
		if !ok || v == nil {
			values = append(values, NullValue{})
			continue
		}
		iv, ok := v.(IndexValue)
		if !ok {
			return Key{}, engineErrf(KindCodecError, "field %q holds a non-indexable %T", pathString(p), v)
		}
		values = append(values, iv)
	}
	return NewIndexKey(namespace, paths, directions, values)
}

func mustSerialize(k Key) []byte {
	raw, err := k.Serialize()
	if err != nil {
		panic(err)
	}
	return raw
}
