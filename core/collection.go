package core

// Indexed storage engine. Collections are stored as records of the
// Collection-of-collections; each record write maintains the collection's
// index entries, the per-record metadata and the authenticated state root.

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// CollectionCollection is the id of the collection that stores collection
// definitions.
const CollectionCollection = "Collection"

const (
	schemaCacheSize = 512
	authMemoSize    = 8192
)

// Store is the indexed storage engine over a KV backend.
type Store struct {
	kv       KV
	log      *logrus.Logger
	hasher   Hasher
	mu       sync.Mutex
	tree     *RBMerkle
	schemas  *lru.Cache[string, *Schema]
	authMemo *lru.Cache[string, bool]
}

// NewStore wires a storage engine over the backend.
func NewStore(kv KV, lg *logrus.Logger) (*Store, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	schemas, err := lru.New[string, *Schema](schemaCacheSize)
	if err != nil {
		return nil, err
	}
	authMemo, err := lru.New[string, bool](authMemoSize)
	if err != nil {
		return nil, err
	}
	hasher := SHA256Hasher{}
	return &Store{
		kv:       kv,
		log:      lg,
		hasher:   hasher,
		tree:     NewRBMerkle(CompareKeys, hasher),
		schemas:  schemas,
		authMemo: authMemo,
	}, nil
}

//---------------------------------------------------------------------
// Collection-of-collections
//---------------------------------------------------------------------

var (
	collectionASTOnce sync.Once
	collectionAST     *CollectionAST
	collectionRecord  RecordRoot
)

const collectionCollectionCode = `collection Collection {
  id: string;
  code: string;
  ast: string;

  @public;

  constructor (id: string, code: string, ast: string) {
    this.id = id;
    this.code = code;
    this.ast = ast;
  }
}`

// builtinCollection returns the process-wide Collection AST and its
// hard-coded record.
func builtinCollection() (*CollectionAST, RecordRoot) {
	collectionASTOnce.Do(func() {
		collectionAST = &CollectionAST{
			Kind: "collection",
			Name: CollectionCollection,
			Directives: []ASTDirective{
				{Name: "public"},
			},
			Properties: []ASTProperty{
				{Name: "id", Type: ASTType{Kind: TypeString}, Required: true},
				{Name: "code", Type: ASTType{Kind: TypeString}},
				{Name: "ast", Type: ASTType{Kind: TypeString}},
			},
			Methods: []ASTMethod{
				{
					Name: "constructor",
					Params: []ASTParam{
						{Name: "id", Type: ASTType{Kind: TypeString}, Required: true},
						{Name: "code", Type: ASTType{Kind: TypeString}},
						{Name: "ast", Type: ASTType{Kind: TypeString}},
					},
					Code: "this.id = id;\nthis.code = code;\nthis.ast = ast;",
				},
			},
		}
		raw, err := json.Marshal([]*CollectionAST{collectionAST})
		if err != nil {
			panic(fmt.Sprintf("encode builtin collection ast: %v", err))
		}
		collectionRecord = RecordRoot{
			"id":   StringValue(CollectionCollection),
			"code": StringValue(collectionCollectionCode),
			"ast":  StringValue(raw),
		}
	})
	return collectionAST, collectionRecord
}

// CollectionSchema loads and compiles the schema of a collection.
func (s *Store) CollectionSchema(ctx context.Context, collectionID string) (*Schema, error) {
	if collectionID == CollectionCollection {
		ast, _ := builtinCollection()
		return s.compileCached(collectionID, nil, ast)
	}

	record, err := s.getRecord(ctx, CollectionCollection, collectionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, userErrf(KindCollectionNotFound, "collection %q not found", collectionID)
	}
	astStr, ok := record["ast"].(StringValue)
	if !ok {
		return nil, engineErrf(KindSchemaError, "collection %q record has no ast", collectionID)
	}
	return s.compileCached(collectionID, []byte(astStr), nil)
}

func (s *Store) compileCached(collectionID string, astJSON []byte, ast *CollectionAST) (*Schema, error) {
	sum := sha256.Sum256(astJSON)
	cacheKey := collectionID + "/" + hex.EncodeToString(sum[:8])
	if schema, ok := s.schemas.Get(cacheKey); ok {
		return schema, nil
	}
	if ast == nil {
		var err error
		ast, err = ParseCollectionAST(astJSON, collectionID)
		if err != nil {
			return nil, err
		}
		// The stored namespace must agree with the id the collection is
		// registered under.
		if ast.ID() != collectionID && ast.Name != collectionID {
			ast.Namespace = collectionNamespace(collectionID)
		}
	}
	schema, err := CompileSchema(ast)
	if err != nil {
		return nil, err
	}
	schema.ID = collectionID
	s.schemas.Add(cacheKey, schema)
	return schema, nil
}

//---------------------------------------------------------------------
// Metadata
//---------------------------------------------------------------------

// RecordMetadata is the engine-internal per-record bookkeeping.
type RecordMetadata struct {
	UpdatedAt string `json:"updatedAt"`
}

// CollectionMetadata is the engine-internal per-collection bookkeeping.
type CollectionMetadata struct {
	LastRecordUpdated string `json:"lastRecordUpdated"`
}

// RecordMetadata returns the stored metadata for a record (zero value when
// absent).
func (s *Store) RecordMetadata(ctx context.Context, collectionID, recordID string) (RecordMetadata, error) {
	var meta RecordMetadata
	key, err := NewSystemDataKey(collectionID + "/" + recordID)
	if err != nil {
		return meta, err
	}
	raw, err := s.kvGet(ctx, key)
	if err != nil || raw == nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, engineErr(KindSerializationFailure, err)
	}
	return meta, nil
}

// CollectionMetadata returns the stored metadata for a collection.
func (s *Store) CollectionMetadata(ctx context.Context, collectionID string) (CollectionMetadata, error) {
	var meta CollectionMetadata
	key, err := NewSystemDataKey(collectionID)
	if err != nil {
		return meta, err
	}
	raw, err := s.kvGet(ctx, key)
	if err != nil || raw == nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, engineErr(KindSerializationFailure, err)
	}
	return meta, nil
}

func (s *Store) touchMetadata(ctx context.Context, collectionID, recordID string, now time.Time) error {
	stamp := now.UTC().Format(time.RFC3339Nano)

	recordKey, err := NewSystemDataKey(collectionID + "/" + recordID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(RecordMetadata{UpdatedAt: stamp})
	if err != nil {
		return engineErr(KindSerializationFailure, err)
	}
	if err := s.kvSet(ctx, recordKey, raw); err != nil {
		return err
	}

	collectionKey, err := NewSystemDataKey(collectionID)
	if err != nil {
		return err
	}
	raw, err = json.Marshal(CollectionMetadata{LastRecordUpdated: stamp})
	if err != nil {
		return engineErr(KindSerializationFailure, err)
	}
	return s.kvSet(ctx, collectionKey, raw)
}

//---------------------------------------------------------------------
// KV helpers
//---------------------------------------------------------------------

func (s *Store) kvGet(ctx context.Context, key Key) ([]byte, error) {
	raw, err := key.Serialize()
	if err != nil {
		return nil, err
	}
	v, err := s.kv.Get(ctx, raw)
	if err != nil {
		return nil, engineErr(KindBackendFailure, err)
	}
	return v, nil
}

func (s *Store) kvSet(ctx context.Context, key Key, value []byte) error {
	raw, err := key.Serialize()
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, raw, value); err != nil {
		return engineErr(KindBackendFailure, err)
	}
	return nil
}

func (s *Store) kvDelete(ctx context.Context, key Key) error {
	raw, err := key.Serialize()
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, raw); err != nil {
		return engineErr(KindBackendFailure, err)
	}
	return nil
}

// getRecord loads and decodes a record without any authorization check.
func (s *Store) getRecord(ctx context.Context, collectionID, recordID string) (RecordRoot, error) {
	if collectionID == CollectionCollection && recordID == CollectionCollection {
		_, record := builtinCollection()
		return record.Clone(), nil
	}
	key, err := NewDataKey(collectionID, recordID)
	if err != nil {
		return nil, err
	}
	raw, err := s.kvGet(ctx, key)
	if err != nil || raw == nil {
		return nil, err
	}
	schema, err := s.CollectionSchema(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return RecordFromJSON(schema, raw, true)
}

//---------------------------------------------------------------------
// Public operations
//---------------------------------------------------------------------

// Set writes a record and rewrites the collection's index entries.
func (s *Store) Set(ctx context.Context, collectionID, recordID string, record RecordRoot) error {
	id, err := record.ID()
	if err != nil {
		return err
	}
	if id != recordID {
		return userErrf(KindRecordIDChanged, "record id %q does not match %q", id, recordID)
	}

	schema, err := s.CollectionSchema(ctx, collectionID)
	if err != nil {
		return err
	}

	old, err := s.getRecord(ctx, collectionID, recordID)
	if err != nil {
		return err
	}

	// When a collection definition changes shape, the target collection's
	// records must be re-indexed before the new definition takes effect.
	if collectionID == CollectionCollection && old != nil {
		if err := s.reindexCollection(ctx, recordID, old, record); err != nil {
			return err
		}
	}

	dataKey, err := NewDataKey(collectionID, recordID)
	if err != nil {
		return err
	}
	dataKeyRaw, err := dataKey.Serialize()
	if err != nil {
		return err
	}
	value, err := RecordToJSON(record)
	if err != nil {
		return err
	}
	if err := s.kvSet(ctx, dataKey, value); err != nil {
		return err
	}

	s.mu.Lock()
	s.tree.Insert(dataKeyRaw, s.hasher.Hash(value))
	s.mu.Unlock()

	newKeys, err := s.indexEntries(schema, collectionID, record)
	if err != nil {
		return err
	}
	for _, ik := range newKeys {
		if err := s.kv.Set(ctx, ik, dataKeyRaw); err != nil {
			return engineErr(KindBackendFailure, err)
		}
	}

	if old != nil {
		oldKeys, err := s.indexEntries(schema, collectionID, old)
		if err != nil {
			return err
		}
		for _, ok := range oldKeys {
			if !containsKey(newKeys, ok) {
				if err := s.kv.Delete(ctx, ok); err != nil {
					return engineErr(KindBackendFailure, err)
				}
			}
		}
	}

	if err := s.touchMetadata(ctx, collectionID, recordID, time.Now()); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"collection": collectionID,
		"record":     recordID,
	}).Debug("record set")
	return nil
}

// indexEntries serializes every index key the record occupies.
func (s *Store) indexEntries(schema *Schema, collectionID string, record RecordRoot) ([][]byte, error) {
	keys := make([][]byte, 0, len(schema.Indexes))
	for _, ix := range schema.Indexes {
		k, err := IndexKeyFromRecord(collectionID, ix.paths(), ix.directions(), record)
		if err != nil {
			return nil, err
		}
		raw, err := k.Serialize()
		if err != nil {
			return nil, err
		}
		keys = append(keys, raw)
	}
	return keys, nil
}

func containsKey(keys [][]byte, k []byte) bool {
	for _, e := range keys {
		if bytes.Equal(e, k) {
			return true
		}
	}
	return false
}

// Get returns a clone of the record or nil when absent, enforcing read
// authorization.
func (s *Store) Get(ctx context.Context, collectionID, recordID string, auth *AuthContext) (RecordRoot, error) {
	schema, err := s.CollectionSchema(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	record, err := s.getRecord(ctx, collectionID, recordID)
	if err != nil || record == nil {
		return nil, err
	}
	ok, err := s.UserCanRead(ctx, schema, record, auth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, userErrf(KindUnauthorizedRead, "not authorized to read %s/%s", collectionID, recordID)
	}
	return record, nil
}

// Delete removes the record, every index entry and its metadata.
func (s *Store) Delete(ctx context.Context, collectionID, recordID string) error {
	schema, err := s.CollectionSchema(ctx, collectionID)
	if err != nil {
		return err
	}
	old, err := s.getRecord(ctx, collectionID, recordID)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}

	oldKeys, err := s.indexEntries(schema, collectionID, old)
	if err != nil {
		return err
	}
	for _, ok := range oldKeys {
		if err := s.kv.Delete(ctx, ok); err != nil {
			return engineErr(KindBackendFailure, err)
		}
	}

	dataKey, err := NewDataKey(collectionID, recordID)
	if err != nil {
		return err
	}
	dataKeyRaw, err := dataKey.Serialize()
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, dataKeyRaw); err != nil {
		return engineErr(KindBackendFailure, err)
	}

	s.mu.Lock()
	s.tree.Delete(dataKeyRaw)
	s.mu.Unlock()

	recordMetaKey, err := NewSystemDataKey(collectionID + "/" + recordID)
	if err != nil {
		return err
	}
	if err := s.kvDelete(ctx, recordMetaKey); err != nil {
		return err
	}
	if err := s.touchCollectionOnly(ctx, collectionID, time.Now()); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"collection": collectionID,
		"record":     recordID,
	}).Debug("record deleted")
	return nil
}

func (s *Store) touchCollectionOnly(ctx context.Context, collectionID string, now time.Time) error {
	key, err := NewSystemDataKey(collectionID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(CollectionMetadata{LastRecordUpdated: now.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return engineErr(KindSerializationFailure, err)
	}
	return s.kvSet(ctx, key, raw)
}

// ListResult is one delivered record with its cursor position.
type ListResult struct {
	Record RecordRoot
	Cursor string
}

// List runs an index range scan for the query, filtering out records the
// caller cannot read.
func (s *Store) List(ctx context.Context, collectionID string, q ListQuery, auth *AuthContext) ([]ListResult, error) {
	schema, err := s.CollectionSchema(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	sorts := q.sortIndexFields()
	ix, err := selectIndex(schema, q.Where, sorts)
	if err != nil {
		return nil, err
	}

	where := q.Where
	if where == nil {
		where = WhereQuery{}
	}
	rng, err := where.keyRange(schema, collectionID, ix.paths(), ix.directions())
	if err != nil {
		return nil, err
	}

	reverse := ix.shouldListInReverse(sorts)

	if q.After != "" && q.Before != "" {
		return nil, userErrf(KindInvalidCursor, "cannot specify both an after and a before cursor")
	}
	switch {
	case q.After != "":
		k, err := DecodeCursor(q.After)
		if err != nil {
			return nil, err
		}
		succ, err := k.ImmediateSuccessor()
		if err != nil {
			return nil, userErrf(KindInvalidCursor, "cursor has no successor")
		}
		rng.Lower = succ
	case q.Before != "":
		k, err := DecodeCursor(q.Before)
		if err != nil {
			return nil, err
		}
		reverse = !reverse
		rng.Upper = k
	}

	lower, err := rng.Lower.Serialize()
	if err != nil {
		return nil, err
	}
	upper, err := rng.Upper.Serialize()
	if err != nil {
		return nil, err
	}

	it, err := s.kv.List(ctx, lower, upper, reverse)
	if err != nil {
		return nil, engineErr(KindBackendFailure, err)
	}
	listScans.Inc()

	var out []ListResult
	for it.Next() {
		dataKeyRaw := it.Value()
		raw, err := s.kv.Get(ctx, dataKeyRaw)
		if err != nil {
			return nil, engineErr(KindBackendFailure, err)
		}
		if raw == nil {
			continue
		}
		record, err := RecordFromJSON(schema, raw, true)
		if err != nil {
			return nil, err
		}
		ok, err := s.UserCanRead(ctx, schema, record, auth)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		indexKey, err := DeserializeKey(it.Key())
		if err != nil {
			return nil, err
		}
		cursor, err := EncodeCursor(indexKey)
		if err != nil {
			return nil, err
		}
		out = append(out, ListResult{Record: record, Cursor: cursor})
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, engineErr(KindBackendFailure, err)
	}
	return out, nil
}

//---------------------------------------------------------------------
// Collection lifecycle
//---------------------------------------------------------------------

// CreateCollection validates a collection definition and stores it in the
// Collection-of-collections.
func (s *Store) CreateCollection(ctx context.Context, collectionID, code string, astJSON []byte) error {
	ast, err := ParseCollectionAST(astJSON, collectionID)
	if err != nil {
		return err
	}
	if _, err := CompileSchema(ast); err != nil {
		return err
	}
	record := RecordRoot{
		"id":   StringValue(collectionID),
		"code": StringValue(code),
		"ast":  StringValue(astJSON),
	}
	return s.Set(ctx, CollectionCollection, collectionID, record)
}

// reindexCollection rewrites the index entries of every record in the target
// collection when its definition's index set changed.
func (s *Store) reindexCollection(ctx context.Context, targetCollectionID string, oldRecord, newRecord RecordRoot) error {
	oldAST, ok := oldRecord["ast"].(StringValue)
	if !ok {
		return nil
	}
	newAST, ok := newRecord["ast"].(StringValue)
	if !ok || oldAST == newAST {
		return nil
	}
	oldSchema, err := s.compileCached(targetCollectionID, []byte(oldAST), nil)
	if err != nil {
		return err
	}
	newSchema, err := s.compileCached(targetCollectionID, []byte(newAST), nil)
	if err != nil {
		return err
	}
	if indexesEqual(oldSchema.Indexes, newSchema.Indexes) {
		return nil
	}

	// Scan the target collection via its mandatory id index, which both
	// schemas share.
	idIndex := NewIndex(nil)
	rng, err := WhereQuery{}.keyRange(oldSchema, targetCollectionID, idIndex.paths(), idIndex.directions())
	if err != nil {
		return err
	}
	lower, err := rng.Lower.Serialize()
	if err != nil {
		return err
	}
	upper, err := rng.Upper.Serialize()
	if err != nil {
		return err
	}
	it, err := s.kv.List(ctx, lower, upper, false)
	if err != nil {
		return engineErr(KindBackendFailure, err)
	}

	type pending struct{ record RecordRoot }
	var records []pending
	for it.Next() {
		raw, err := s.kv.Get(ctx, it.Value())
		if err != nil {
			return engineErr(KindBackendFailure, err)
		}
		if raw == nil {
			continue
		}
		record, err := RecordFromJSON(oldSchema, raw, true)
		if err != nil {
			return err
		}
		records = append(records, pending{record: record})
	}
	if err := it.Error(); err != nil {
		return engineErr(KindBackendFailure, err)
	}

	for _, p := range records {
		id, err := p.record.ID()
		if err != nil {
			continue
		}
		oldKeys, err := s.indexEntries(oldSchema, targetCollectionID, p.record)
		if err != nil {
			return err
		}
		newKeys, err := s.indexEntries(newSchema, targetCollectionID, p.record)
		if err != nil {
			return err
		}
		dataKey, err := NewDataKey(targetCollectionID, id)
		if err != nil {
			return err
		}
		dataKeyRaw, err := dataKey.Serialize()
		if err != nil {
			return err
		}
		for _, ok := range oldKeys {
			if !containsKey(newKeys, ok) {
				if err := s.kv.Delete(ctx, ok); err != nil {
					return engineErr(KindBackendFailure, err)
				}
			}
		}
		for _, nk := range newKeys {
			if err := s.kv.Set(ctx, nk, dataKeyRaw); err != nil {
				return engineErr(KindBackendFailure, err)
			}
		}
	}
	s.log.WithField("collection", targetCollectionID).Info("collection reindexed")
	return nil
}

func indexesEqual(a, b []Index) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equalFields(b[i]) {
			return false
		}
	}
	return true
}

//---------------------------------------------------------------------
// Change application
//---------------------------------------------------------------------

// ChangeKind discriminates the change variants ordered by consensus.
type ChangeKind uint8

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

// Change is the unit of mutation ordered by consensus and applied to storage.
// Locally produced changes carry the typed Record; changes received over the
// wire carry RawRecord and are decoded against the schema at apply time, so
// a record can reference a collection created earlier in the same chain.
type Change struct {
	Kind         ChangeKind
	CollectionID string
	RecordID     string
	Record       RecordRoot
	RawRecord    []byte
}

// recordJSON returns the canonical JSON bytes of the change's record.
func (c *Change) recordJSON() ([]byte, error) {
	if c.Record != nil {
		return RecordToJSON(c.Record)
	}
	return c.RawRecord, nil
}

// Apply replays a committed proposal's changes in listed order. A
// mid-sequence failure leaves the store in an intermediate state; the next
// commit must reconcile.
func (s *Store) Apply(ctx context.Context, changes []Change) error {
	for i, c := range changes {
		var err error
		switch c.Kind {
		case ChangeCreate, ChangeUpdate:
			record := c.Record
			if record == nil && c.RawRecord != nil {
				schema, serr := s.CollectionSchema(ctx, c.CollectionID)
				if serr != nil {
					return fmt.Errorf("apply change %d (%s/%s): %w", i, c.CollectionID, c.RecordID, serr)
				}
				record, serr = RecordFromJSON(schema, c.RawRecord, true)
				if serr != nil {
					return fmt.Errorf("apply change %d (%s/%s): %w", i, c.CollectionID, c.RecordID, serr)
				}
			}
			err = s.Set(ctx, c.CollectionID, c.RecordID, record)
		case ChangeDelete:
			err = s.Delete(ctx, c.CollectionID, c.RecordID)
		default:
			err = engineErrf(KindSerializationFailure, "unknown change kind %d", c.Kind)
		}
		if err != nil {
			return fmt.Errorf("apply change %d (%s/%s): %w", i, c.CollectionID, c.RecordID, err)
		}
		changesCommitted.Inc()
	}
	return nil
}

// StateRoot returns the authenticated root over all stored records.
func (s *Store) StateRoot() Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.RootHash()
}
