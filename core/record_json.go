package core

// JSON <-> record conversion. Records cross process boundaries as JSON; the
// schema drives conversion in both directions. Strict mode rejects any type
// mismatch; cast mode (alwaysCast) applies the documented coercions and falls
// back to type defaults.

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// RecordFromJSON converts a JSON document into a RecordRoot under the given
// schema.
func RecordFromJSON(schema *Schema, data []byte, alwaysCast bool) (RecordRoot, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, engineErr(KindSerializationFailure, fmt.Errorf("decode record json: %w", err))
	}
	return RecordFromValue(schema, raw, alwaysCast)
}

// RecordFromValue is RecordFromJSON over an already-decoded JSON value.
func RecordFromValue(schema *Schema, raw interface{}, alwaysCast bool) (RecordRoot, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, userErrf(KindRecordRootNotObject, "record root should be an object")
	}

	root := make(RecordRoot, len(obj))
	declared := make(map[string]bool, len(schema.Properties))
	for _, prop := range schema.Properties {
		declared[prop.Name] = true
		v, present := obj[prop.Name]
		if !present || v == nil {
			if prop.Required {
				if !alwaysCast {
					return nil, userErrf(KindMissingField, "missing required field %q", prop.Name)
				}
				root[prop.Name] = typeDefault(prop.Type)
			}
			continue
		}
		converted, err := valueFromJSON(prop.Type, v, alwaysCast, prop.Name)
		if err != nil {
			return nil, err
		}
		root[prop.Name] = converted
	}

	for name := range obj {
		if !declared[name] {
			if !alwaysCast {
				return nil, userErrf(KindUnexpectedFields, "unexpected field %q", name)
			}
			// cast mode drops unknown fields
		}
	}
	return root, nil
}

func valueFromJSON(t ASTType, v interface{}, alwaysCast bool, field string) (RecordValue, error) {
	switch t.Kind {
	case TypeString:
		if s, ok := v.(string); ok {
			return StringValue(s), nil
		}
		if !alwaysCast {
			return nil, typeErr(field, "string", v)
		}
		return castToString(v), nil

	case TypeNumber:
		if n, ok := v.(float64); ok {
			return NumberValue(n), nil
		}
		if !alwaysCast {
			return nil, typeErr(field, "number", v)
		}
		return castToNumber(v), nil

	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return BooleanValue(b), nil
		}
		if !alwaysCast {
			return nil, typeErr(field, "boolean", v)
		}
		return castToBoolean(v), nil

	case TypeBytes:
		s, ok := v.(string)
		if !ok {
			if alwaysCast {
				return BytesValue(nil), nil
			}
			return nil, typeErr(field, "bytes", v)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			if alwaysCast {
				return BytesValue(nil), nil
			}
			return nil, userErrf(KindInvalidFieldValueType, "field %q: invalid base64 bytes: %v", field, err)
		}
		return BytesValue(raw), nil

	case TypePublicKey:
		if m, ok := v.(map[string]interface{}); ok {
			pk, err := publicKeyFromJWKMap(m)
			if err != nil {
				return nil, err
			}
			return PublicKeyValue{Key: pk}, nil
		}
		if s, ok := v.(string); ok && alwaysCast {
			pk, err := ParsePublicKeyHex(s)
			if err != nil {
				return nil, err
			}
			return PublicKeyValue{Key: pk}, nil
		}
		return nil, typeErr(field, "publicKey", v)

	case TypeArray:
		arr, ok := v.([]interface{})
		if !ok {
			if alwaysCast {
				return ArrayValue(nil), nil
			}
			return nil, typeErr(field, "array", v)
		}
		out := make(ArrayValue, 0, len(arr))
		for i, e := range arr {
			elem, err := valueFromJSON(*t.Items, e, alwaysCast, fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil

	case TypeMap:
		m, ok := v.(map[string]interface{})
		if !ok {
			if alwaysCast {
				return MapValue{}, nil
			}
			return nil, typeErr(field, "map", v)
		}
		out := make(MapValue, len(m))
		for k, e := range m {
			elem, err := valueFromJSON(*t.Values, e, alwaysCast, field+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = elem
		}
		return out, nil

	case TypeObject:
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, typeErr(field, "object", v)
		}
		out := make(MapValue, len(m))
		declared := make(map[string]bool, len(t.Fields))
		for _, prop := range t.Fields {
			declared[prop.Name] = true
			e, present := m[prop.Name]
			if !present || e == nil {
				if prop.Required {
					if !alwaysCast {
						return nil, userErrf(KindMissingField, "missing required field %q", field+"."+prop.Name)
					}
					out[prop.Name] = typeDefault(prop.Type)
				}
				continue
			}
			elem, err := valueFromJSON(prop.Type, e, alwaysCast, field+"."+prop.Name)
			if err != nil {
				return nil, err
			}
			out[prop.Name] = elem
		}
		for k := range m {
			if !declared[k] && !alwaysCast {
				return nil, userErrf(KindUnexpectedFields, "unexpected field %q", field+"."+k)
			}
		}
		return out, nil

	case TypeRecord:
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, typeErr(field, "record reference", v)
		}
		id, ok := m["id"].(string)
		if !ok {
			return nil, userErrf(KindInvalidFieldValueType, "field %q: record reference id must be a string", field)
		}
		if len(m) > 1 && !alwaysCast {
			return nil, userErrf(KindUnexpectedFields, "field %q: record reference has %d fields, expected 1", field, len(m))
		}
		return RecordReference{ID: id}, nil

	case TypeForeignRecord:
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, typeErr(field, "foreign record reference", v)
		}
		id, ok := m["id"].(string)
		if !ok {
			return nil, userErrf(KindInvalidFieldValueType, "field %q: foreign record id must be a string", field)
		}
		cid, ok := m["collectionId"].(string)
		if !ok {
			return nil, userErrf(KindInvalidFieldValueType, "field %q: foreign record collectionId must be a string", field)
		}
		if len(m) > 2 && !alwaysCast {
			return nil, userErrf(KindUnexpectedFields, "field %q: foreign record reference has %d fields, expected 2", field, len(m))
		}
		if collectionShortName(cid) != collectionShortName(t.Collection) {
			return nil, userErrf(KindInvalidFieldValueType,
				"field %q: reference collection %q does not match declared collection %q", field, cid, t.Collection)
		}
		return ForeignRecordReference{ID: id, CollectionID: cid}, nil
	}

	return nil, engineErrf(KindSchemaError, "unknown type kind %q for field %q", t.Kind, field)
}

func typeErr(field, want string, got interface{}) error {
	return userErrf(KindInvalidFieldValueType, "field %q: expected %s, got %T", field, want, got)
}

func typeDefault(t ASTType) RecordValue {
	switch t.Kind {
	case TypeString:
		return StringValue("")
	case TypeNumber:
		return NumberValue(0)
	case TypeBoolean:
		return BooleanValue(false)
	case TypeBytes:
		return BytesValue(nil)
	case TypeArray:
		return ArrayValue(nil)
	case TypeMap, TypeObject:
		return MapValue{}
	default:
		return NullValue{}
	}
}

func castToString(v interface{}) RecordValue {
	switch tv := v.(type) {
	case nil:
		return StringValue("")
	case float64:
		return StringValue(strconv.FormatFloat(tv, 'f', -1, 64))
	case bool:
		return StringValue(strconv.FormatBool(tv))
	case []interface{}, map[string]interface{}:
		raw, err := json.Marshal(tv)
		if err != nil {
			return StringValue("")
		}
		return StringValue(raw)
	default:
		return StringValue("")
	}
}

func castToNumber(v interface{}) RecordValue {
	switch tv := v.(type) {
	case nil:
		return NumberValue(0)
	case bool:
		if tv {
			return NumberValue(1)
		}
		return NumberValue(0)
	case string:
		n, err := strconv.ParseFloat(tv, 64)
		if err != nil {
			return NumberValue(0)
		}
		return NumberValue(n)
	default:
		return NumberValue(0)
	}
}

func castToBoolean(v interface{}) RecordValue {
	switch tv := v.(type) {
	case nil:
		return BooleanValue(false)
	case float64:
		return BooleanValue(tv != 0)
	case string:
		return BooleanValue(tv != "")
	default:
		return BooleanValue(false)
	}
}

//---------------------------------------------------------------------
// Record -> JSON
//---------------------------------------------------------------------

// RecordToJSON serializes a record for storage and the wire. Output is
// canonical: object keys are emitted in sorted order.
func RecordToJSON(root RecordRoot) ([]byte, error) {
	v := ValueToJSON(MapValue(root))
	raw, err := marshalCanonical(v)
	if err != nil {
		return nil, engineErr(KindSerializationFailure, err)
	}
	return raw, nil
}

// ValueToJSON converts a record value into the plain-JSON shape. NaN and
// infinite numbers collapse to 0.
func ValueToJSON(v RecordValue) interface{} {
	switch tv := v.(type) {
	case NullValue:
		return nil
	case BooleanValue:
		return bool(tv)
	case NumberValue:
		f := float64(tv)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return float64(0)
		}
		return f
	case StringValue:
		return string(tv)
	case BytesValue:
		return base64.StdEncoding.EncodeToString(tv)
	case PublicKeyValue:
		k := tv.Key.toJWK()
		return map[string]interface{}{
			"kty": k.Kty, "crv": k.Crv, "alg": k.Alg, "use": k.Use, "x": k.X, "y": k.Y,
		}
	case RecordReference:
		return map[string]interface{}{"id": tv.ID}
	case ForeignRecordReference:
		return map[string]interface{}{"id": tv.ID, "collectionId": tv.CollectionID}
	case MapValue:
		out := make(map[string]interface{}, len(tv))
		for k, e := range tv {
			out[k] = ValueToJSON(e)
		}
		return out
	case ArrayValue:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = ValueToJSON(e)
		}
		return out
	}
	return nil
}

// marshalCanonical emits JSON with sorted object keys so serialized records
// are byte-stable inputs for hashing.
func marshalCanonical(v interface{}) ([]byte, error) {
	switch tv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalCanonical(tv[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []interface{}:
		buf := []byte{'['}
		for i, e := range tv {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(v)
	}
}
