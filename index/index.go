// Package index maintains secondary indexes as derived state of a table's
// records. Every function works against a db.ReadWriter, normally a
// read-write transaction, so index and record changes commit together.
package index

import (
	"bytes"
	"errors"
	"fmt"
	"iter"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/keyspace"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/schema"
)

// ErrUniqueConstraint matches every *UniqueConstraintError.
var ErrUniqueConstraint = errors.New("index: unique constraint violation")

// UniqueConstraintError reports a unique index that already maps Value to a
// different primary key.
type UniqueConstraintError struct {
	Table       string
	Index       string
	Field       string
	Value       any
	ExistingKey any
	NewKey      any
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("index: %s.%s: %s=%v already used by key %v (inserting key %v)",
		e.Table, e.Index, e.Field, e.Value, e.ExistingKey, e.NewKey)
}

// Is makes errors.Is(err, ErrUniqueConstraint) match.
func (e *UniqueConstraintError) Is(target error) bool { return target == ErrUniqueConstraint }

// indexedValue returns the encoded value r carries for spec, or nil when the
// record is not indexed by spec.
func indexedValue(spec schema.IndexSpec, r record.Record) ([]byte, error) {
	v, ok := r[spec.KeyPath]
	if !ok || v == nil {
		return nil, nil
	}
	return record.EncodeKey(v)
}

func primaryKey(t *schema.Table, r record.Record) ([]byte, error) {
	pk, err := t.Layout().Key(r)
	if err != nil {
		return nil, err
	}
	return record.EncodeKey(pk)
}

// OnInsert adds r's primary key to every index of t. All unique indexes are
// checked before anything is written, so a violation leaves rw untouched.
func OnInsert(rw db.ReadWriter, t *schema.Table, r record.Record) error {
	return insert(rw, t, r, t.IndexNames())
}

func insert(rw db.ReadWriter, t *schema.Table, r record.Record, names []string) error {
	pk, err := primaryKey(t, r)
	if err != nil {
		return err
	}

	type pending struct {
		spec  schema.IndexSpec
		value []byte
	}
	todo := make([]pending, 0, len(names))
	for _, name := range names {
		spec, err := t.Index(name)
		if err != nil {
			return err
		}
		value, err := indexedValue(spec, r)
		if err != nil {
			return err
		}
		if value == nil {
			continue
		}
		if spec.Unique {
			if err := checkUnique(rw, t, spec, value, pk, r); err != nil {
				return err
			}
		}
		todo = append(todo, pending{spec: spec, value: value})
	}

	for _, p := range todo {
		key := keyspace.IndexKey(t.Name, p.spec.Name, p.value, pk)
		if err := rw.Put(keyspace.CFIndexes, key, pk); err != nil {
			return fmt.Errorf("index: put %s.%s: %w", t.Name, p.spec.Name, err)
		}
	}
	return nil
}

func checkUnique(r db.Reader, t *schema.Table, spec schema.IndexSpec, value, pk []byte, rec record.Record) error {
	prefix := keyspace.IndexValuePrefix(t.Name, spec.Name, value)
	for e, err := range keyspace.Scan(r, keyspace.CFIndexes, prefix) {
		if err != nil {
			return err
		}
		if bytes.Equal(e.Value, pk) {
			continue
		}
		return uniqueViolation(t, spec, e.Value, rec)
	}
	return nil
}

// uniqueViolation reports rec colliding on spec with the record whose
// encoded primary key is existingPK.
func uniqueViolation(t *schema.Table, spec schema.IndexSpec, existingPK []byte, rec record.Record) error {
	existing, _, err := record.DecodeKey(existingPK)
	if err != nil {
		return fmt.Errorf("index: %s.%s: %w", t.Name, spec.Name, err)
	}
	newKey, _ := t.Layout().Key(rec)
	return &UniqueConstraintError{
		Table:       t.Name,
		Index:       spec.Name,
		Field:       spec.KeyPath,
		Value:       cloneValue(rec[spec.KeyPath]),
		ExistingKey: existing,
		NewKey:      newKey,
	}
}

func cloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return bytes.Clone(b)
	}
	return v
}

// OnDelete removes r's primary key from every index of t. Entries that are
// already absent are ignored.
func OnDelete(rw db.ReadWriter, t *schema.Table, r record.Record) error {
	pk, err := primaryKey(t, r)
	if err != nil {
		return err
	}
	for _, name := range t.IndexNames() {
		spec := t.Indexes[name]
		value, err := indexedValue(spec, r)
		if err != nil {
			return err
		}
		if value == nil {
			continue
		}
		if err := rw.Delete(keyspace.CFIndexes, keyspace.IndexKey(t.Name, name, value, pk)); err != nil {
			return fmt.Errorf("index: delete %s.%s: %w", t.Name, name, err)
		}
	}
	return nil
}

// OnUpdate replaces old's index entries with updated's. Uniqueness is
// verified against the state without old before any entry changes.
func OnUpdate(rw db.ReadWriter, t *schema.Table, old, updated record.Record) error {
	pk, err := primaryKey(t, updated)
	if err != nil {
		return err
	}
	for _, name := range t.IndexNames() {
		spec := t.Indexes[name]
		if !spec.Unique {
			continue
		}
		value, err := indexedValue(spec, updated)
		if err != nil {
			return err
		}
		if value == nil {
			continue
		}
		// checkUnique skips entries owned by pk, which covers old's entry.
		if err := checkUnique(rw, t, spec, value, pk, updated); err != nil {
			return err
		}
	}
	if err := OnDelete(rw, t, old); err != nil {
		return err
	}
	return OnInsert(rw, t, updated)
}

// Drop removes every entry of the named index.
func Drop(rw db.ReadWriter, t *schema.Table, name string) error {
	_, err := keyspace.DeletePrefix(rw, keyspace.CFIndexes, keyspace.IndexPrefix(t.Name, name))
	return err
}

// Rebuild recomputes the named indexes of t, or all of them when names is
// empty, from every stored record. Entries are computed and unique indexes
// checked before the old entries are dropped, so a *UniqueConstraintError
// leaves every index as it was.
func Rebuild(rw db.ReadWriter, t *schema.Table, codec *record.Codec, names ...string) error {
	if len(names) == 0 {
		names = t.IndexNames()
	}
	specs := make([]schema.IndexSpec, 0, len(names))
	for _, name := range names {
		spec, err := t.Index(name)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	type entry struct{ key, pk []byte }
	var entries []entry
	// owners maps index name and encoded value to the first primary key
	// seen, for unique indexes only.
	owners := make(map[string]map[string][]byte, len(specs))
	for _, spec := range specs {
		if spec.Unique {
			owners[spec.Name] = make(map[string][]byte)
		}
	}

	for e, err := range keyspace.Scan(rw, keyspace.CFRecords, keyspace.TablePrefix(t.Name)) {
		if err != nil {
			return err
		}
		r, err := codec.Decode(e.Value)
		if err != nil {
			return fmt.Errorf("index: rebuild %s: %w", t.Name, err)
		}
		pk, err := primaryKey(t, r)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			value, err := indexedValue(spec, r)
			if err != nil {
				return err
			}
			if value == nil {
				continue
			}
			if seen, ok := owners[spec.Name]; ok {
				if first, dup := seen[string(value)]; dup {
					return uniqueViolation(t, spec, first, r)
				}
				seen[string(value)] = pk
			}
			entries = append(entries, entry{key: keyspace.IndexKey(t.Name, spec.Name, value, pk), pk: pk})
		}
	}

	for _, spec := range specs {
		if err := Drop(rw, t, spec.Name); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := rw.Put(keyspace.CFIndexes, e.key, e.pk); err != nil {
			return fmt.Errorf("index: rebuild %s: %w", t.Name, err)
		}
	}
	return nil
}

// Lookup lazily yields the encoded primary keys indexed under value, in
// ascending key order.
func Lookup(r db.Reader, t *schema.Table, name string, value any) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		spec, err := t.Index(name)
		if err != nil {
			yield(nil, err)
			return
		}
		v, err := record.NormalizeValue(value)
		if err != nil {
			yield(nil, err)
			return
		}
		enc, err := record.EncodeKey(v)
		if err != nil {
			yield(nil, err)
			return
		}
		prefix := keyspace.IndexValuePrefix(t.Name, spec.Name, enc)
		for e, err := range keyspace.Scan(r, keyspace.CFIndexes, prefix) {
			if !yield(e.Value, err) || err != nil {
				return
			}
		}
	}
}

// Entries returns the (value, pk) pairs of the named index, decoded, in
// index order. It backs consistency checks and tooling.
func Entries(r db.Reader, t *schema.Table, name string) ([][2]any, error) {
	prefix := keyspace.IndexPrefix(t.Name, name)
	var out [][2]any
	for e, err := range keyspace.Scan(r, keyspace.CFIndexes, prefix) {
		if err != nil {
			return nil, err
		}
		rest := e.Key[len(prefix):]
		v, n, err := record.DecodeKey(rest)
		if err != nil {
			return nil, err
		}
		pk, _, err := record.DecodeKey(rest[n:])
		if err != nil {
			return nil, err
		}
		out = append(out, [2]any{v, pk})
	}
	return out, nil
}
