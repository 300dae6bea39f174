// Package keyspace fixes how tables, records and index entries map onto
// storage column families and keys.
//
//	meta     catalog                                -> schema catalog JSON
//	meta     database                               -> owning database name
//	records  table 0x00 key(pk)                     -> encoded record
//	indexes  table 0x00 index 0x00 key(v) key(pk)   -> key(pk)
//
// Table and index names never contain NUL, so the separators are
// unambiguous and a table prefix never matches another table.
package keyspace

import (
	"bytes"
	"iter"

	"github.com/beyondbrewing/brewkv/db"
)

// Column families used by brewkv.
const (
	CFMeta    = "meta"
	CFRecords = "records"
	CFIndexes = "indexes"
)

const sep = 0x00

// CatalogKey is the meta key holding the schema catalog.
var CatalogKey = []byte("catalog")

// DatabaseKey is the meta key holding the name of the database that owns
// the storage. One storage holds exactly one database.
var DatabaseKey = []byte("database")

// ColumnFamilies lists every column family a store must register.
func ColumnFamilies() []string {
	return []string{CFMeta, CFRecords, CFIndexes}
}

// TablePrefix is the prefix shared by every record of table in CFRecords
// and every index entry of table in CFIndexes.
func TablePrefix(table string) []byte {
	b := make([]byte, 0, len(table)+1)
	b = append(b, table...)
	return append(b, sep)
}

// RecordKey returns the CFRecords key of an encoded primary key.
func RecordKey(table string, pk []byte) []byte {
	return append(TablePrefix(table), pk...)
}

// IndexPrefix is the prefix of every entry of one index.
func IndexPrefix(table, index string) []byte {
	b := TablePrefix(table)
	b = append(b, index...)
	return append(b, sep)
}

// IndexValuePrefix is the prefix of the entries for one encoded value.
func IndexValuePrefix(table, index string, value []byte) []byte {
	return append(IndexPrefix(table, index), value...)
}

// IndexKey returns the CFIndexes key for one (value, pk) pair.
func IndexKey(table, index string, value, pk []byte) []byte {
	return append(IndexValuePrefix(table, index, value), pk...)
}

// Entry is one key/value pair produced by Scan. Key includes the prefix.
type Entry struct {
	Key   []byte
	Value []byte
}

// Scan lazily yields every entry of cf whose key starts with prefix, in key
// order. Breaking out of the loop closes the underlying iterator.
func Scan(r db.Reader, cf string, prefix []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		it, err := r.NewIterator(cf)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer it.Close()

		for it.Seek(prefix); it.Valid(); it.Next() {
			k := it.Key()
			if !bytes.HasPrefix(k, prefix) {
				return
			}
			if !yield(Entry{Key: k, Value: it.Value()}, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(Entry{}, err)
		}
	}
}

// DeletePrefix removes every key of cf starting with prefix and returns how
// many were removed. Keys are collected before deletion so rw never mutates
// under its own iterator.
func DeletePrefix(rw db.ReadWriter, cf string, prefix []byte) (int, error) {
	var keys [][]byte
	for e, err := range Scan(rw, cf, prefix) {
		if err != nil {
			return 0, err
		}
		keys = append(keys, e.Key)
	}
	for _, k := range keys {
		if err := rw.Delete(cf, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
