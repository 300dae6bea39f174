package migrate

import (
	"fmt"

	"github.com/beyondbrewing/brewkv/index"
	"github.com/beyondbrewing/brewkv/keyspace"
	"github.com/beyondbrewing/brewkv/pkg/logger"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/schema"
	"github.com/beyondbrewing/brewkv/table"
	"github.com/beyondbrewing/brewkv/txn"
)

// TableOption configures a table created by CreateTable.
type TableOption func(*schema.Table)

// WithField declares the kind of a non-key field.
func WithField(name string, kind record.Kind) TableOption {
	return func(t *schema.Table) {
		if t.Fields == nil {
			t.Fields = make(map[string]record.Kind)
		}
		t.Fields[name] = kind
	}
}

// WithIndex declares an index at creation time.
func WithIndex(name, keyPath string, unique bool) TableOption {
	return func(t *schema.Table) {
		if t.Indexes == nil {
			t.Indexes = make(map[string]schema.IndexSpec)
		}
		t.Indexes[name] = schema.IndexSpec{Name: name, KeyPath: keyPath, Unique: unique}
	}
}

// Upgrade is the handle a migration step works through. Every change lands
// in the migration's single exclusive transaction and in a working copy of
// the catalog; both are discarded if any step fails.
type Upgrade struct {
	tx      *txn.Tx
	catalog *schema.Catalog
	codec   *record.Codec
	logger  logger.Logger

	oldVersion uint64
	newVersion uint64
	version    uint64 // version the running step produces
}

// OldVersion is the version stored before this open.
func (u *Upgrade) OldVersion() uint64 { return u.oldVersion }

// NewVersion is the target version of this open.
func (u *Upgrade) NewVersion() uint64 { return u.newVersion }

// Version is the version the running step upgrades to.
func (u *Upgrade) Version() uint64 { return u.version }

// Catalog returns the working catalog. Callers must not modify it.
func (u *Upgrade) Catalog() *schema.Catalog { return u.catalog }

// CreateTable adds an empty table keyed by keyPath.
func (u *Upgrade) CreateTable(name, keyPath string, keyKind record.Kind, opts ...TableOption) error {
	if _, ok := u.catalog.Tables[name]; ok {
		return fmt.Errorf("%w: %q", schema.ErrTableExists, name)
	}
	t := &schema.Table{Name: name, KeyPath: keyPath, KeyKind: keyKind}
	for _, o := range opts {
		o(t)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	u.catalog.Tables[name] = t
	u.logger.Debug("table created", "table", name, "key_path", keyPath, "version", u.version)
	return nil
}

// DeleteTable drops a table with its records and index entries.
func (u *Upgrade) DeleteTable(name string) error {
	t, err := u.catalog.Table(name)
	if err != nil {
		return err
	}
	tbl, err := table.Open(u.tx, t, u.codec)
	if err != nil {
		return err
	}
	if err := tbl.Clear(); err != nil {
		return err
	}
	delete(u.catalog.Tables, name)
	u.logger.Debug("table deleted", "table", name, "version", u.version)
	return nil
}

// CreateIndex adds an index on keyPath and builds it from existing records.
func (u *Upgrade) CreateIndex(tableName, name, keyPath string, unique bool) error {
	t, err := u.catalog.Table(tableName)
	if err != nil {
		return err
	}
	if _, ok := t.Indexes[name]; ok {
		return fmt.Errorf("%w: %s.%s", schema.ErrIndexExists, tableName, name)
	}
	next := t.Clone()
	if next.Indexes == nil {
		next.Indexes = make(map[string]schema.IndexSpec)
	}
	next.Indexes[name] = schema.IndexSpec{Name: name, KeyPath: keyPath, Unique: unique}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := index.Rebuild(u.tx, next, u.codec, name); err != nil {
		return err
	}
	u.catalog.Tables[tableName] = next
	u.logger.Debug("index created", "table", tableName, "index", name, "unique", unique, "version", u.version)
	return nil
}

// DeleteIndex removes an index and its entries.
func (u *Upgrade) DeleteIndex(tableName, name string) error {
	t, err := u.catalog.Table(tableName)
	if err != nil {
		return err
	}
	if _, err := t.Index(name); err != nil {
		return err
	}
	if err := index.Drop(u.tx, t, name); err != nil {
		return err
	}
	next := t.Clone()
	delete(next.Indexes, name)
	u.catalog.Tables[tableName] = next
	u.logger.Debug("index deleted", "table", tableName, "index", name, "version", u.version)
	return nil
}

// SetIndexUnique changes an index's unique flag and rebuilds it. Making an
// index unique fails with a unique constraint error when existing records
// already share a value.
func (u *Upgrade) SetIndexUnique(tableName, name string, unique bool) error {
	t, err := u.catalog.Table(tableName)
	if err != nil {
		return err
	}
	spec, err := t.Index(name)
	if err != nil {
		return err
	}
	if spec.Unique == unique {
		return nil
	}
	next := t.Clone()
	spec.Unique = unique
	next.Indexes[name] = spec
	if err := index.Rebuild(u.tx, next, u.codec, name); err != nil {
		return err
	}
	u.catalog.Tables[tableName] = next
	u.logger.Debug("index uniqueness changed", "table", tableName, "index", name, "unique", unique)
	return nil
}

// Table opens a record handle on a table of the working catalog.
func (u *Upgrade) Table(name string) (*table.Table, error) {
	t, err := u.catalog.Table(name)
	if err != nil {
		return nil, err
	}
	return table.Open(u.tx, t, u.codec)
}

// Put upserts a record, typically seed data.
func (u *Upgrade) Put(tableName string, r record.Record) error {
	tbl, err := u.Table(tableName)
	if err != nil {
		return err
	}
	_, err = tbl.Put(r)
	return err
}

// Add inserts a record and fails if its key exists.
func (u *Upgrade) Add(tableName string, r record.Record) error {
	tbl, err := u.Table(tableName)
	if err != nil {
		return err
	}
	_, err = tbl.Add(r)
	return err
}

func (u *Upgrade) persist() error {
	data, err := u.catalog.Marshal()
	if err != nil {
		return fmt.Errorf("migrate: encode catalog: %w", err)
	}
	return u.tx.Put(keyspace.CFMeta, keyspace.CatalogKey, data)
}
