package core

// Read authorization. A user can read a record when the schema is readAll,
// when any readFields value equals the caller's public key, or when a
// referenced record grants delegate access through its own delegateFields
// (recursively). Cycles are cut by tracking the (collection, record, key)
// triples already being evaluated.

import (
	"context"
	"fmt"
)

// AuthContext identifies the caller. A nil context (or nil key) is an
// unauthenticated caller.
type AuthContext struct {
	PublicKey *PublicKey
}

func (a *AuthContext) key() *PublicKey {
	if a == nil {
		return nil
	}
	return a.PublicKey
}

// UserCanRead reports whether auth may read the record under schema.
func (s *Store) UserCanRead(ctx context.Context, schema *Schema, record RecordRoot, auth *AuthContext) (bool, error) {
	if schema.ReadAll {
		return true, nil
	}
	pk := auth.key()
	if pk == nil {
		return false, nil
	}
	seen := make(map[string]bool)
	return s.fieldsGrant(ctx, schema, schema.ReadFields, record, *pk, seen)
}

// fieldsGrant checks the given paths disjunctively.
func (s *Store) fieldsGrant(ctx context.Context, schema *Schema, paths [][]string, record RecordRoot, pk PublicKey, seen map[string]bool) (bool, error) {
	for _, path := range paths {
		v, ok := FindPath(record, path)
		if !ok {
			continue
		}
		granted, err := s.valueGrants(ctx, schema.ID, v, pk, seen)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

// valueGrants checks one field value. Arrays are disjunctive over elements;
// references recurse through the referenced record's delegate fields.
func (s *Store) valueGrants(ctx context.Context, collectionID string, v RecordValue, pk PublicKey, seen map[string]bool) (bool, error) {
	switch tv := v.(type) {
	case PublicKeyValue:
		return tv.Key == pk, nil
	case ArrayValue:
		for _, e := range tv {
			granted, err := s.valueGrants(ctx, collectionID, e, pk, seen)
			if err != nil {
				return false, err
			}
			if granted {
				return true, nil
			}
		}
		return false, nil
	case RecordReference:
		return s.delegateGrants(ctx, collectionID, tv.ID, pk, seen)
	case ForeignRecordReference:
		return s.delegateGrants(ctx, tv.CollectionID, tv.ID, pk, seen)
	default:
		return false, nil
	}
}

// delegateGrants loads the referenced record and checks its delegateFields.
func (s *Store) delegateGrants(ctx context.Context, collectionID, recordID string, pk PublicKey, seen map[string]bool) (bool, error) {
	cycleKey := fmt.Sprintf("%s/%s/%s", collectionID, recordID, pk.Hex())
	if seen[cycleKey] {
		return false, nil
	}
	seen[cycleKey] = true

	meta, err := s.RecordMetadata(ctx, collectionID, recordID)
	if err != nil {
		return false, err
	}
	memoKey := cycleKey + "/" + meta.UpdatedAt
	if granted, ok := s.authMemo.Get(memoKey); ok {
		return granted, nil
	}

	schema, err := s.CollectionSchema(ctx, collectionID)
	if err != nil {
		return false, err
	}
	record, err := s.getRecord(ctx, collectionID, recordID)
	if err != nil || record == nil {
		return false, err
	}

	granted, err := s.fieldsGrant(ctx, schema, schema.DelegateFields, record, pk, seen)
	if err != nil {
		return false, err
	}
	s.authMemo.Add(memoKey, granted)
	return granted, nil
}
