// Package table provides record operations for one table inside a
// transaction: codec, primary key storage and index maintenance composed
// so every write keeps indexes equal to a recomputation from records.
package table

import (
	"errors"
	"fmt"
	"iter"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/index"
	"github.com/beyondbrewing/brewkv/keyspace"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/schema"
	"github.com/beyondbrewing/brewkv/txn"
)

// Sentinel errors for the table package.
var (
	ErrNotFound  = errors.New("table: record not found")
	ErrKeyExists = errors.New("table: key already exists")
)

// Tx is the transaction surface a Table needs. *txn.Tx satisfies it.
type Tx interface {
	db.ReadWriter
	Allows(table string) bool
}

// Table is a handle on one table within one transaction. It is valid only
// until the transaction finishes.
type Table struct {
	tx    Tx
	def   *schema.Table
	codec *record.Codec
}

// Open binds def to tx. Tables outside the transaction's scope are refused
// with txn.ErrTableNotInScope.
func Open(tx Tx, def *schema.Table, codec *record.Codec) (*Table, error) {
	if !tx.Allows(def.Name) {
		return nil, fmt.Errorf("%w: %q", txn.ErrTableNotInScope, def.Name)
	}
	return &Table{tx: tx, def: def, codec: codec}, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.def.Name }

// Schema returns the table definition.
func (t *Table) Schema() *schema.Table { return t.def }

// key normalizes pk, checks it against the declared key kind and encodes it.
func (t *Table) key(pk any) ([]byte, error) {
	if pk == nil {
		return nil, fmt.Errorf("%w: field %q", record.ErrMissingPrimaryKey, t.def.KeyPath)
	}
	v, err := record.NormalizeValue(pk)
	if err != nil {
		var tm *record.TypeMismatchError
		if errors.As(err, &tm) {
			tm.Field = t.def.KeyPath
		}
		return nil, err
	}
	if got := record.KindOf(v); got != t.def.KeyKind {
		return nil, &record.TypeMismatchError{Field: t.def.KeyPath, Want: t.def.KeyKind, Got: got.String()}
	}
	return record.EncodeKey(v)
}

func (t *Table) load(pk []byte) (record.Record, error) {
	data, err := t.tx.Get(keyspace.CFRecords, keyspace.RecordKey(t.def.Name, pk))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t.codec.Decode(data)
}

// Get returns a copy of the record stored under pk, or ErrNotFound.
func (t *Table) Get(pk any) (record.Record, error) {
	k, err := t.key(pk)
	if err != nil {
		return nil, err
	}
	r, err := t.load(k)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s[%v]", ErrNotFound, t.def.Name, pk)
		}
		return nil, err
	}
	return r, nil
}

// Put inserts or replaces r by primary key and returns the stored key.
func (t *Table) Put(r record.Record) (any, error) {
	return t.write(r, false)
}

// Add inserts r and fails with ErrKeyExists when its key is taken.
func (t *Table) Add(r record.Record) (any, error) {
	return t.write(r, true)
}

func (t *Table) write(r record.Record, insertOnly bool) (any, error) {
	rec, err := record.Normalize(r)
	if err != nil {
		return nil, err
	}
	layout := t.def.Layout()
	data, err := t.codec.Encode(layout, rec)
	if err != nil {
		return nil, err
	}
	pkValue, _ := layout.Key(rec)
	pk, err := record.EncodeKey(pkValue)
	if err != nil {
		return nil, err
	}

	old, err := t.load(pk)
	switch {
	case errors.Is(err, ErrNotFound):
		err = index.OnInsert(t.tx, t.def, rec)
	case err != nil:
		return nil, err
	case insertOnly:
		return nil, fmt.Errorf("%w: %s[%v]", ErrKeyExists, t.def.Name, pkValue)
	default:
		err = index.OnUpdate(t.tx, t.def, old, rec)
	}
	if err != nil {
		return nil, err
	}
	if err := t.tx.Put(keyspace.CFRecords, keyspace.RecordKey(t.def.Name, pk), data); err != nil {
		return nil, err
	}
	return pkValue, nil
}

// Delete removes the record stored under pk. A missing key is not an error.
func (t *Table) Delete(pk any) error {
	k, err := t.key(pk)
	if err != nil {
		return err
	}
	old, err := t.load(k)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := index.OnDelete(t.tx, t.def, old); err != nil {
		return err
	}
	return t.tx.Delete(keyspace.CFRecords, keyspace.RecordKey(t.def.Name, k))
}

// Count returns the number of records.
func (t *Table) Count() (int, error) {
	n := 0
	for _, err := range keyspace.Scan(t.tx, keyspace.CFRecords, keyspace.TablePrefix(t.def.Name)) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Clear removes every record and index entry of the table.
func (t *Table) Clear() error {
	prefix := keyspace.TablePrefix(t.def.Name)
	if _, err := keyspace.DeletePrefix(t.tx, keyspace.CFRecords, prefix); err != nil {
		return err
	}
	_, err := keyspace.DeletePrefix(t.tx, keyspace.CFIndexes, prefix)
	return err
}

// Scan lazily yields every record in primary key order.
func (t *Table) Scan() iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		for e, err := range keyspace.Scan(t.tx, keyspace.CFRecords, keyspace.TablePrefix(t.def.Name)) {
			if err != nil {
				yield(nil, err)
				return
			}
			r, err := t.codec.Decode(e.Value)
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

// ScanIndex lazily yields the records whose indexed field equals value, in
// primary key order.
func (t *Table) ScanIndex(name string, value any) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		for pk, err := range index.Lookup(t.tx, t.def, name, value) {
			if err != nil {
				yield(nil, err)
				return
			}
			r, err := t.load(pk)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					err = fmt.Errorf("table: %s.%s points at missing record: %w", t.def.Name, name, record.ErrCorrupt)
				}
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
