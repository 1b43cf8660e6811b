package core

// Opaque list cursors: the base64-std serialization of the index key that
// produced the last (or first) delivered record.

import (
	"encoding/base64"
)

// EncodeCursor serializes an index key into its opaque cursor form.
func EncodeCursor(k Key) (string, error) {
	if k.Kind != KeyIndex {
		return "", engineErrf(KindCodecError, "cursor must wrap an index key")
	}
	raw, err := k.Serialize()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses an opaque cursor, validating that it wraps an index
// key.
func DecodeCursor(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, userErrf(KindInvalidCursor, "cursor is not valid base64: %v", err)
	}
	k, err := DeserializeKey(raw)
	if err != nil {
		return Key{}, userErrf(KindInvalidCursor, "cursor does not decode to a key")
	}
	if k.Kind != KeyIndex {
		return Key{}, userErrf(KindInvalidCursor, "cursor key kind is not an index key")
	}
	return k, nil
}
