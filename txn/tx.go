package txn

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/beyondbrewing/brewkv/db"
)

// Tx is an admitted transaction. It reads from the snapshot taken at
// admission, overlaid with its own staged writes. A Tx is not safe for
// concurrent use.
type Tx struct {
	c         *Coordinator
	mode      Mode
	scope     []string
	exclusive bool
	snap      db.Snapshot
	req       *request
	writes    *overlay
	started   time.Time
	done      bool
}

// Mode returns the transaction's access mode.
func (t *Tx) Mode() Mode { return t.mode }

// Exclusive reports whether the transaction holds the whole store.
func (t *Tx) Exclusive() bool { return t.exclusive }

// Tables returns the declared table scope, sorted.
func (t *Tx) Tables() []string { return slices.Clone(t.scope) }

// Allows reports whether table may be touched by this transaction.
func (t *Tx) Allows(table string) bool {
	if t.exclusive {
		return true
	}
	_, ok := slices.BinarySearch(t.scope, table)
	return ok
}

// Get returns the value of key as seen by this transaction.
func (t *Tx) Get(cf string, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if t.writes != nil {
		if e, ok := t.writes.get(cf, key); ok {
			if e.deleted {
				return nil, db.ErrKeyNotFound
			}
			return slices.Clone(e.value), nil
		}
	}
	return t.snap.Get(cf, key)
}

// Has reports whether key exists as seen by this transaction.
func (t *Tx) Has(cf string, key []byte) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	if t.writes != nil {
		if e, ok := t.writes.get(cf, key); ok {
			return !e.deleted, nil
		}
	}
	return t.snap.Has(cf, key)
}

// NewIterator returns an iterator over cf merging the snapshot with the
// writes staged so far. Writes staged after the call are not visible to it.
func (t *Tx) NewIterator(cf string) (db.Iterator, error) {
	if t.done {
		return nil, ErrTxDone
	}
	base, err := t.snap.NewIterator(cf)
	if err != nil {
		return nil, err
	}
	if t.writes == nil || t.writes.empty(cf) {
		return base, nil
	}
	return newMergeIterator(base, t.writes.sorted(cf)), nil
}

// Put stages a write.
func (t *Tx) Put(cf string, key, value []byte) error {
	if err := t.writable(key); err != nil {
		return err
	}
	t.writes.put(cf, key, value)
	return nil
}

// Delete stages a deletion.
func (t *Tx) Delete(cf string, key []byte) error {
	if err := t.writable(key); err != nil {
		return err
	}
	t.writes.delete(cf, key)
	return nil
}

func (t *Tx) writable(key []byte) error {
	switch {
	case t.done:
		return ErrTxDone
	case t.mode != ReadWrite:
		return ErrReadOnly
	case key == nil:
		return db.ErrNilKey
	}
	return nil
}

// Pending returns the number of staged writes.
func (t *Tx) Pending() int {
	if t.writes == nil {
		return 0
	}
	return t.writes.len()
}

// Commit applies every staged write in one atomic batch and releases the
// transaction. A failed commit applies nothing and returns *AbortedError.
func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.finish()

	// Release the snapshot before writing: some engines cannot grow their
	// file while a reader from the same goroutine is open.
	if err := t.snap.Close(); err != nil {
		t.c.logger.Warn("snapshot close failed", "error", err)
	}

	n := t.Pending()
	if n > 0 {
		if err := t.apply(); err != nil {
			t.c.observer.Aborted(t.mode, err)
			return &AbortedError{Tables: t.scope, Err: err}
		}
	}
	t.c.observer.Committed(t.mode, n, time.Since(t.started))
	return nil
}

func (t *Tx) apply() error {
	b := t.c.store.NewBatch()
	defer b.Close()

	for _, cf := range slices.Sorted(maps.Keys(t.writes.cfs)) {
		for _, e := range t.writes.sorted(cf) {
			var err error
			if e.deleted {
				err = b.Delete(cf, []byte(e.key))
			} else {
				err = b.Put(cf, []byte(e.key), e.value)
			}
			if err != nil {
				return fmt.Errorf("txn: stage %s: %w", cf, err)
			}
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("txn: commit: %w", err)
	}
	return nil
}

// Rollback discards staged writes and releases the transaction. It is a
// no-op on a finished transaction. Observers see a nil cause.
func (t *Tx) Rollback() {
	if t.done {
		return
	}
	t.rollback(nil)
}

func (t *Tx) rollback(cause error) {
	t.done = true
	defer t.finish()

	t.writes = nil
	if err := t.snap.Close(); err != nil {
		t.c.logger.Warn("snapshot close failed", "error", err)
	}
	t.c.observer.Aborted(t.mode, cause)
}

func (t *Tx) finish() {
	if t.req != nil {
		t.c.locks.release(t.req)
		t.req = nil
	}
	t.c.wg.Done()
}

// run executes fn and then commits or aborts.
func (t *Tx) run(fn func(*Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cause := &PanicError{Value: r}
			t.c.logger.Error("transaction body panicked", "mode", t.mode, "tables", t.scope, "panic", r)
			if !t.done {
				t.rollback(cause)
			}
			err = &AbortedError{Tables: t.scope, Err: cause}
		}
	}()

	if ferr := fn(t); ferr != nil {
		if !t.done {
			t.rollback(ferr)
		}
		return &AbortedError{Tables: t.scope, Err: ferr}
	}
	if t.done {
		// The body finished the transaction itself.
		return nil
	}
	return t.Commit()
}
