package store

import (
	"context"
	"errors"
	"iter"

	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/table"
	"github.com/beyondbrewing/brewkv/txn"
)

// Record is a mapping from field name to value. Values are string,
// float64, bool or []byte; Go integers are accepted on input and stored as
// float64.
type Record = record.Record

// Tx is a multi-operation transaction opened by Update or View.
type Tx struct {
	d       *DB
	tx      *txn.Tx
	handles map[string]*table.Table
}

// Table returns the handle on a table in the transaction's scope.
func (t *Tx) Table(name string) (*table.Table, error) {
	if h, ok := t.handles[name]; ok {
		return h, nil
	}
	def, err := t.d.catalog.Table(name)
	if err != nil {
		return nil, err
	}
	h, err := table.Open(t.tx, def, t.d.codec)
	if err != nil {
		return nil, err
	}
	t.handles[name] = h
	return h, nil
}

// Update runs fn in a read-write transaction over tables. fn's writes
// commit together when it returns nil; otherwise none apply and the error
// comes back as *AbortedError. fn must not call other DB methods on the
// same tables: they would wait for this transaction to finish.
func (d *DB) Update(ctx context.Context, tables []string, fn func(*Tx) error) error {
	return d.run(ctx, tables, txn.ReadWrite, fn)
}

// View runs fn in a read-only transaction over a snapshot of tables.
func (d *DB) View(ctx context.Context, tables []string, fn func(*Tx) error) error {
	return d.run(ctx, tables, txn.ReadOnly, fn)
}

func (d *DB) run(ctx context.Context, tables []string, mode txn.Mode, fn func(*Tx) error) error {
	if d.closed.Load() {
		return ErrStoreClosed
	}
	for _, name := range tables {
		if _, err := d.catalog.Table(name); err != nil {
			return err
		}
	}
	err := d.coord.Run(ctx, tables, mode, func(tx *txn.Tx) error {
		return fn(&Tx{d: d, tx: tx, handles: make(map[string]*table.Table, len(tables))})
	})
	if errors.Is(err, txn.ErrClosed) {
		return ErrStoreClosed
	}
	return err
}

// withTable runs fn against one table in its own transaction.
func (d *DB) withTable(ctx context.Context, name string, mode txn.Mode, fn func(*table.Table) error) error {
	return d.run(ctx, []string{name}, mode, func(tx *Tx) error {
		tbl, err := tx.Table(name)
		if err != nil {
			return err
		}
		return fn(tbl)
	})
}

// Put inserts or replaces r and returns its primary key.
func (d *DB) Put(ctx context.Context, tableName string, r Record) (any, error) {
	var pk any
	err := d.withTable(ctx, tableName, txn.ReadWrite, func(tbl *table.Table) (err error) {
		pk, err = tbl.Put(r)
		return err
	})
	return pk, err
}

// Add inserts r and fails with ErrKeyExists when its key is taken.
func (d *DB) Add(ctx context.Context, tableName string, r Record) (any, error) {
	var pk any
	err := d.withTable(ctx, tableName, txn.ReadWrite, func(tbl *table.Table) (err error) {
		pk, err = tbl.Add(r)
		return err
	})
	return pk, err
}

// Get returns a copy of the record stored under pk, or ErrNotFound.
func (d *DB) Get(ctx context.Context, tableName string, pk any) (Record, error) {
	var (
		r      Record
		getErr error
	)
	err := d.withTable(ctx, tableName, txn.ReadOnly, func(tbl *table.Table) error {
		r, getErr = tbl.Get(pk)
		if errors.Is(getErr, table.ErrNotFound) {
			// A miss is an answer, not a failed transaction.
			return nil
		}
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return r, getErr
}

// Delete removes the record stored under pk. A missing key is not an error.
func (d *DB) Delete(ctx context.Context, tableName string, pk any) error {
	return d.withTable(ctx, tableName, txn.ReadWrite, func(tbl *table.Table) error {
		return tbl.Delete(pk)
	})
}

// Count returns the number of records in a table.
func (d *DB) Count(ctx context.Context, tableName string) (int, error) {
	var n int
	err := d.withTable(ctx, tableName, txn.ReadOnly, func(tbl *table.Table) (err error) {
		n, err = tbl.Count()
		return err
	})
	return n, err
}

// Clear removes every record of a table.
func (d *DB) Clear(ctx context.Context, tableName string) error {
	return d.withTable(ctx, tableName, txn.ReadWrite, func(tbl *table.Table) error {
		return tbl.Clear()
	})
}

// Scan yields every record of a table in primary key order. Each range
// over the sequence reads its own snapshot, so the sequence can be
// restarted and later ranges see later commits.
func (d *DB) Scan(ctx context.Context, tableName string) iter.Seq2[Record, error] {
	return d.snapshotSeq(ctx, tableName, func(tbl *table.Table) iter.Seq2[Record, error] {
		return tbl.Scan()
	})
}

// ScanByIndex yields the records whose indexed field equals value, in
// primary key order: zero or one for a unique index. Like Scan, every
// range reads a fresh snapshot.
func (d *DB) ScanByIndex(ctx context.Context, tableName, indexName string, value any) iter.Seq2[Record, error] {
	return d.snapshotSeq(ctx, tableName, func(tbl *table.Table) iter.Seq2[Record, error] {
		return tbl.ScanIndex(indexName, value)
	})
}

func (d *DB) snapshotSeq(ctx context.Context, tableName string, seq func(*table.Table) iter.Seq2[Record, error]) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if d.closed.Load() {
			yield(nil, ErrStoreClosed)
			return
		}
		def, err := d.catalog.Table(tableName)
		if err != nil {
			yield(nil, err)
			return
		}

		// Not Coordinator.Run: a panic in the caller's loop body must pass
		// through untouched.
		tx, err := d.coord.Begin(ctx, []string{tableName}, txn.ReadOnly)
		if errors.Is(err, txn.ErrClosed) {
			err = ErrStoreClosed
		}
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() { _ = tx.Commit() }()

		tbl, err := table.Open(tx, def, d.codec)
		if err != nil {
			yield(nil, err)
			return
		}
		for r, err := range seq(tbl) {
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}
