package db

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/beyondbrewing/brewkv/pkg/logger"
	"go.etcd.io/bbolt"
)

// Compile-time interface checks.
var (
	_ Store    = (*BoltDB)(nil)
	_ Snapshot = (*boltSnapshot)(nil)
)

// boltInitialMmapSize is large enough that the mmap is rarely remapped.
// A remap waits for every open read transaction, and snapshots are read
// transactions.
const boltInitialMmapSize = 1 << 30

// BoltDB is a [Store] backed by a single bbolt file. Each column family is
// a top-level bucket created at open time. Snapshots are read-only bbolt
// transactions, which bbolt already isolates from concurrent writers.
type BoltDB struct {
	db      *bbolt.DB
	buckets map[string][]byte
	path    string
	logger  logger.Logger

	closed atomic.Bool
	mu     sync.RWMutex
}

// OpenBolt creates or opens a bbolt database file at path.
func OpenBolt(path string, opts ...Option) (*BoltDB, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.With("component", "db", "engine", "bolt")

	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:         cfg.OpenTimeout,
		NoSync:          !cfg.SyncWrites,
		InitialMmapSize: boltInitialMmapSize,
	})
	if err != nil {
		return nil, fmt.Errorf("db: failed to open %s: %w", path, err)
	}

	cfs := cfg.columnFamilies()
	buckets := make(map[string][]byte, len(cfs))
	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, cf := range cfs {
			if _, err := tx.CreateBucketIfNotExists([]byte(cf)); err != nil {
				return fmt.Errorf("create bucket %s: %w", cf, err)
			}
			buckets[cf] = []byte(cf)
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("db: failed to initialise %s: %w", path, err)
	}

	log.Info("database opened",
		"path", path,
		"column_families", fmt.Sprintf("%v", cfs),
	)
	return &BoltDB{db: bdb, buckets: buckets, path: path, logger: log}, nil
}

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

func (b *BoltDB) Get(cf string, key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v, err := b.get(tx, cf, key)
		out = v
		return err
	})
	return out, err
}

func (b *BoltDB) Has(cf string, key []byte) (bool, error) {
	_, err := b.Get(cf, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *BoltDB) Put(cf string, key, value []byte) error {
	batch := b.NewBatch()
	defer batch.Close()
	if err := batch.Put(cf, key, value); err != nil {
		return err
	}
	return batch.Commit()
}

func (b *BoltDB) Delete(cf string, key []byte) error {
	batch := b.NewBatch()
	defer batch.Close()
	if err := batch.Delete(cf, key); err != nil {
		return err
	}
	return batch.Commit()
}

func (b *BoltDB) NewBatch() Batch {
	return &boltBatch{owner: b}
}

// NewIterator opens a read transaction that lives until the iterator is
// closed.
func (b *BoltDB) NewIterator(cf string) (Iterator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("db: begin read tx: %w", err)
	}
	it, err := b.newIterator(tx, cf)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	it.ownTx = true
	return it, nil
}

func (b *BoltDB) NewSnapshot() (Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("db: begin snapshot: %w", err)
	}
	return &boltSnapshot{owner: b, tx: tx}, nil
}

func (b *BoltDB) Flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("db: flush failed: %w", err)
	}
	return nil
}

func (b *BoltDB) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrClosed
	}
	b.closed.Store(true)

	b.logger.Info("closing database", "path", b.path)

	if err := b.db.Sync(); err != nil {
		b.logger.Error("sync failed during shutdown", "error", err)
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("db: close failed: %w", err)
	}

	b.logger.Info("database closed", "path", b.path)
	return nil
}

// ---------------------------------------------------------------------------
// Shared read paths
// ---------------------------------------------------------------------------

func (b *BoltDB) bucket(tx *bbolt.Tx, cf string) (*bbolt.Bucket, error) {
	name, ok := b.buckets[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	bkt := tx.Bucket(name)
	if bkt == nil {
		return nil, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	return bkt, nil
}

func (b *BoltDB) get(tx *bbolt.Tx, cf string, key []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	bkt, err := b.bucket(tx, cf)
	if err != nil {
		return nil, err
	}
	v := bkt.Get(key)
	if v == nil {
		return nil, ErrKeyNotFound
	}
	// Bolt values are only valid for the life of the transaction.
	return bytes.Clone(v), nil
}

func (b *BoltDB) newIterator(tx *bbolt.Tx, cf string) (*boltIterator, error) {
	bkt, err := b.bucket(tx, cf)
	if err != nil {
		return nil, err
	}
	return &boltIterator{tx: tx, cursor: bkt.Cursor()}, nil
}

// ---------------------------------------------------------------------------
// Snapshot implementation
// ---------------------------------------------------------------------------

type boltSnapshot struct {
	owner  *BoltDB
	tx     *bbolt.Tx
	mu     sync.Mutex // bbolt read transactions are not goroutine-safe
	closed bool
}

func (s *boltSnapshot) Get(cf string, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSnapshotClosed
	}
	return s.owner.get(s.tx, cf, key)
}

func (s *boltSnapshot) Has(cf string, key []byte) (bool, error) {
	_, err := s.Get(cf, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *boltSnapshot) NewIterator(cf string) (Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSnapshotClosed
	}
	return s.owner.newIterator(s.tx, cf)
}

func (s *boltSnapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSnapshotClosed
	}
	s.closed = true
	if err := s.tx.Rollback(); err != nil {
		return fmt.Errorf("db: snapshot close failed: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Batch implementation
// ---------------------------------------------------------------------------

type boltBatch struct {
	owner  *BoltDB
	ops    []mockOp
	closed bool
}

func (bb *boltBatch) Put(cf string, key, value []byte) error {
	if bb.closed {
		return ErrBatchClosed
	}
	if key == nil {
		return ErrNilKey
	}
	if _, ok := bb.owner.buckets[cf]; !ok {
		return fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	bb.ops = append(bb.ops, mockOp{cf: cf, key: string(key), value: bytes.Clone(value)})
	return nil
}

func (bb *boltBatch) Delete(cf string, key []byte) error {
	if bb.closed {
		return ErrBatchClosed
	}
	if key == nil {
		return ErrNilKey
	}
	if _, ok := bb.owner.buckets[cf]; !ok {
		return fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	bb.ops = append(bb.ops, mockOp{del: true, cf: cf, key: string(key)})
	return nil
}

func (bb *boltBatch) Count() int { return len(bb.ops) }

// Commit applies every staged operation inside one bbolt read-write
// transaction.
func (bb *boltBatch) Commit() error {
	if bb.closed {
		return ErrBatchClosed
	}

	bb.owner.mu.RLock()
	defer bb.owner.mu.RUnlock()

	if bb.owner.closed.Load() {
		return ErrClosed
	}

	err := bb.owner.db.Update(func(tx *bbolt.Tx) error {
		for _, op := range bb.ops {
			bkt, err := bb.owner.bucket(tx, op.cf)
			if err != nil {
				return err
			}
			if op.del {
				err = bkt.Delete([]byte(op.key))
			} else {
				// bbolt rejects nil values; an empty slice stores "".
				v := op.value
				if v == nil {
					v = []byte{}
				}
				err = bkt.Put([]byte(op.key), v)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("db: batch commit failed: %w", err)
	}
	return nil
}

func (bb *boltBatch) Close() {
	bb.closed = true
	bb.ops = nil
}

// ---------------------------------------------------------------------------
// Iterator implementation
// ---------------------------------------------------------------------------

type boltIterator struct {
	tx     *bbolt.Tx
	ownTx  bool
	cursor *bbolt.Cursor
	key    []byte
	value  []byte
	closed bool
}

func (it *boltIterator) set(k, v []byte) { it.key, it.value = k, v }

func (it *boltIterator) Seek(target []byte) { it.set(it.cursor.Seek(target)) }
func (it *boltIterator) SeekToFirst()       { it.set(it.cursor.First()) }
func (it *boltIterator) SeekToLast()        { it.set(it.cursor.Last()) }
func (it *boltIterator) Next()              { it.set(it.cursor.Next()) }
func (it *boltIterator) Prev()              { it.set(it.cursor.Prev()) }
func (it *boltIterator) Valid() bool        { return !it.closed && it.key != nil }

func (it *boltIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return bytes.Clone(it.key)
}

func (it *boltIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return bytes.Clone(it.value)
}

func (it *boltIterator) Err() error { return nil }

func (it *boltIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	if it.ownTx {
		_ = it.tx.Rollback()
	}
}
