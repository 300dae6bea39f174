package db

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Compile-time interface checks.
var (
	_ Store    = (*MockStore)(nil)
	_ Snapshot = (*mockSnapshot)(nil)
)

// MockStore is a fully functional, thread-safe, in-memory implementation of
// [Store]. It backs ephemeral databases and engine-independent tests.
//
//	store := db.NewMockStore("records", "indexes")
//	defer store.Close()
type MockStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte // cf -> key(string) -> value
	closed atomic.Bool

	// commits counts successfully applied batches; tests use it to prove
	// that aborted transactions never reach the engine.
	commits atomic.Int64
}

// NewMockStore creates a MockStore with the given column families.
// The [DefaultColumnFamily] ("default") is always included.
func NewMockStore(cfs ...string) *MockStore {
	m := &MockStore{
		data: make(map[string]map[string][]byte, 1+len(cfs)),
	}
	m.data[DefaultColumnFamily] = make(map[string][]byte)
	for _, cf := range cfs {
		if cf != DefaultColumnFamily {
			m.data[cf] = make(map[string][]byte)
		}
	}
	return m
}

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

func (m *MockStore) Get(cf string, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return nil, ErrClosed
	}
	return mockGet(m.data, cf, key)
}

func (m *MockStore) Put(cf string, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	if key == nil {
		return ErrNilKey
	}

	bucket, ok := m.data[cf]
	if !ok {
		return fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}

	bucket[string(key)] = bytes.Clone(value)
	return nil
}

func (m *MockStore) Delete(cf string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	if key == nil {
		return ErrNilKey
	}

	bucket, ok := m.data[cf]
	if !ok {
		return fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}

	delete(bucket, string(key))
	return nil
}

func (m *MockStore) Has(cf string, key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false, ErrClosed
	}
	return mockHas(m.data, cf, key)
}

func (m *MockStore) NewBatch() Batch {
	return &mockBatch{store: m}
}

func (m *MockStore) NewIterator(cf string) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return nil, ErrClosed
	}
	return mockNewIterator(m.data, cf)
}

// NewSnapshot deep-copies every column family. Values are immutable once
// stored, so sharing the byte slices with the live map is safe.
func (m *MockStore) NewSnapshot() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return nil, ErrClosed
	}

	frozen := make(map[string]map[string][]byte, len(m.data))
	for cf, bucket := range m.data {
		cp := make(map[string][]byte, len(bucket))
		for k, v := range bucket {
			cp[k] = v
		}
		frozen[cf] = cp
	}
	return &mockSnapshot{data: frozen}, nil
}

func (m *MockStore) Flush() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil // in-memory, nothing to flush
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	m.closed.Store(true)
	m.data = nil
	return nil
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// Len returns the number of keys in the given column family. Returns -1 if
// the column family does not exist or the store is closed.
func (m *MockStore) Len(cf string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return -1
	}
	bucket, ok := m.data[cf]
	if !ok {
		return -1
	}
	return len(bucket)
}

// Commits returns the number of batches committed so far.
func (m *MockStore) Commits() int64 {
	return m.commits.Load()
}

// Reset clears all data in every column family without closing the store.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for cf := range m.data {
		m.data[cf] = make(map[string][]byte)
	}
}

// ---------------------------------------------------------------------------
// Snapshot implementation
// ---------------------------------------------------------------------------

type mockSnapshot struct {
	data   map[string]map[string][]byte
	closed atomic.Bool
}

func (s *mockSnapshot) Get(cf string, key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrSnapshotClosed
	}
	return mockGet(s.data, cf, key)
}

func (s *mockSnapshot) Has(cf string, key []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrSnapshotClosed
	}
	return mockHas(s.data, cf, key)
}

func (s *mockSnapshot) NewIterator(cf string) (Iterator, error) {
	if s.closed.Load() {
		return nil, ErrSnapshotClosed
	}
	return mockNewIterator(s.data, cf)
}

func (s *mockSnapshot) Close() error {
	if s.closed.Swap(true) {
		return ErrSnapshotClosed
	}
	s.data = nil
	return nil
}

func mockGet(data map[string]map[string][]byte, cf string, key []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	bucket, ok := data[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	v, ok := bucket[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func mockHas(data map[string]map[string][]byte, cf string, key []byte) (bool, error) {
	if key == nil {
		return false, ErrNilKey
	}
	bucket, ok := data[cf]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	_, exists := bucket[string(key)]
	return exists, nil
}

// mockNewIterator materialises a sorted copy of one column family.
func mockNewIterator(data map[string]map[string][]byte, cf string) (Iterator, error) {
	bucket, ok := data[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}

	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]mockEntry, len(keys))
	for i, k := range keys {
		entries[i] = mockEntry{key: []byte(k), value: bytes.Clone(bucket[k])}
	}
	return &mockIterator{entries: entries, pos: -1}, nil
}

// ---------------------------------------------------------------------------
// Batch implementation
// ---------------------------------------------------------------------------

type mockOp struct {
	del   bool
	cf    string
	key   string
	value []byte
}

type mockBatch struct {
	store  *MockStore
	ops    []mockOp
	closed bool
}

func (b *mockBatch) Put(cf string, key, value []byte) error {
	if b.closed {
		return ErrBatchClosed
	}
	if key == nil {
		return ErrNilKey
	}
	if err := b.checkCF(cf); err != nil {
		return err
	}
	b.ops = append(b.ops, mockOp{cf: cf, key: string(key), value: bytes.Clone(value)})
	return nil
}

func (b *mockBatch) Delete(cf string, key []byte) error {
	if b.closed {
		return ErrBatchClosed
	}
	if key == nil {
		return ErrNilKey
	}
	if err := b.checkCF(cf); err != nil {
		return err
	}
	b.ops = append(b.ops, mockOp{del: true, cf: cf, key: string(key)})
	return nil
}

func (b *mockBatch) checkCF(cf string) error {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	if b.store.closed.Load() {
		return ErrClosed
	}
	if _, ok := b.store.data[cf]; !ok {
		return fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	return nil
}

func (b *mockBatch) Count() int {
	return len(b.ops)
}

func (b *mockBatch) Commit() error {
	if b.closed {
		return ErrBatchClosed
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if b.store.closed.Load() {
		return ErrClosed
	}

	for _, op := range b.ops {
		if op.del {
			delete(b.store.data[op.cf], op.key)
		} else {
			b.store.data[op.cf][op.key] = op.value
		}
	}
	b.store.commits.Add(1)
	return nil
}

func (b *mockBatch) Close() {
	b.closed = true
	b.ops = nil
}

// ---------------------------------------------------------------------------
// Iterator implementation
// ---------------------------------------------------------------------------

type mockEntry struct {
	key   []byte
	value []byte
}

type mockIterator struct {
	entries []mockEntry
	pos     int
}

func (it *mockIterator) Seek(target []byte) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].key, target) >= 0
	})
}

func (it *mockIterator) SeekToFirst() { it.pos = 0 }

func (it *mockIterator) SeekToLast() {
	it.pos = len(it.entries) - 1
}

func (it *mockIterator) Next() { it.pos++ }
func (it *mockIterator) Prev() { it.pos-- }

func (it *mockIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

func (it *mockIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return bytes.Clone(it.entries[it.pos].key)
}

func (it *mockIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return bytes.Clone(it.entries[it.pos].value)
}

func (it *mockIterator) Err() error { return nil }
func (it *mockIterator) Close()     {}
