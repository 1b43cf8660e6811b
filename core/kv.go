package core

// Backend contract of the storage engine plus the in-memory implementation.
// Backends must order their key space with CompareKeys so that index range
// scans observe the codec's semantics. The engine requires no transactions:
// public operations are serialized upstream by the consensus pipeline.

import (
	"context"
	"sync"

	"github.com/google/btree"
)

// Iterator streams (key, value) pairs of a range scan. Next must be called
// before the first Key/Value access.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

// KV is the pluggable storage backend. Get returns (nil, nil) for a missing
// key. List streams the half-open range [lower, upper) in comparator order,
// or in reverse when requested.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	List(ctx context.Context, lower, upper []byte, reverse bool) (Iterator, error)
}

//---------------------------------------------------------------------
// In-memory backend
//---------------------------------------------------------------------

type kvItem struct {
	key   []byte
	value []byte
}

// MemoryKV is a btree-backed in-memory backend ordered by CompareKeys.
type MemoryKV struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[kvItem]
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		tree: btree.NewG(32, func(a, b kvItem) bool {
			return CompareKeys(a.key, b.key) < 0
		}),
	}
}

func (m *MemoryKV) Get(_ context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tree.Get(kvItem{key: key})
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), item.value...), nil
}

func (m *MemoryKV) Set(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(kvItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Delete(kvItem{key: key})
	return nil
}

func (m *MemoryKV) List(_ context.Context, lower, upper []byte, reverse bool) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []kvItem
	collect := func(it kvItem) bool {
		items = append(items, it)
		return true
	}
	switch {
	case lower == nil && upper == nil:
		m.tree.Ascend(collect)
	case lower == nil:
		m.tree.AscendLessThan(kvItem{key: upper}, collect)
	case upper == nil:
		m.tree.AscendGreaterOrEqual(kvItem{key: lower}, collect)
	default:
		m.tree.AscendRange(kvItem{key: lower}, kvItem{key: upper}, collect)
	}
	if reverse {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	return &sliceIterator{items: items, idx: -1}, nil
}

// Len reports the number of stored pairs.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

type sliceIterator struct {
	items []kvItem
	idx   int
}

func (it *sliceIterator) Next() bool {
	it.idx++
	return it.idx < len(it.items)
}

func (it *sliceIterator) Key() []byte {
	if it.idx < 0 || it.idx >= len(it.items) {
		return nil
	}
	return it.items[it.idx].key
}

func (it *sliceIterator) Value() []byte {
	if it.idx < 0 || it.idx >= len(it.items) {
		return nil
	}
	return it.items[it.idx].value
}

func (it *sliceIterator) Error() error { return nil }
