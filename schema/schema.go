// Package schema holds the catalog of a brewkv database: its schema
// version and the definitions of every table and index. The catalog is
// persisted as one JSON document so a migration replaces it atomically.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/beyondbrewing/brewkv/record"
)

// Sentinel errors for the schema package.
var (
	ErrNoSuchTable  = errors.New("schema: no such table")
	ErrNoSuchIndex  = errors.New("schema: no such index")
	ErrTableExists  = errors.New("schema: table already exists")
	ErrIndexExists  = errors.New("schema: index already exists")
	ErrInvalidName  = errors.New("schema: invalid name")
	ErrInvalidTable = errors.New("schema: invalid table definition")
)

// IndexSpec declares a secondary index on one field.
type IndexSpec struct {
	Name    string `json:"name"`
	KeyPath string `json:"key_path"`
	Unique  bool   `json:"unique"`
}

// Table is the definition of one table.
type Table struct {
	Name    string                 `json:"name"`
	KeyPath string                 `json:"key_path"`
	KeyKind record.Kind            `json:"key_kind"`
	Fields  map[string]record.Kind `json:"fields,omitempty"`
	Indexes map[string]IndexSpec   `json:"indexes,omitempty"`
}

// Layout returns the record layout the codec enforces for this table.
func (t *Table) Layout() record.Layout {
	fields := make(map[string]record.Kind, len(t.Fields)+1)
	maps.Copy(fields, t.Fields)
	fields[t.KeyPath] = t.KeyKind
	return record.Layout{KeyPath: t.KeyPath, Fields: fields}
}

// Index returns the named index.
func (t *Table) Index(name string) (IndexSpec, error) {
	spec, ok := t.Indexes[name]
	if !ok {
		return IndexSpec{}, fmt.Errorf("%w: %s.%s", ErrNoSuchIndex, t.Name, name)
	}
	return spec, nil
}

// IndexNames returns index names in sorted order.
func (t *Table) IndexNames() []string {
	return slices.Sorted(maps.Keys(t.Indexes))
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	cp := *t
	cp.Fields = maps.Clone(t.Fields)
	cp.Indexes = maps.Clone(t.Indexes)
	return &cp
}

// Validate checks the table definition for internal consistency.
func (t *Table) Validate() error {
	if err := ValidateName(t.Name); err != nil {
		return err
	}
	if t.KeyPath == "" {
		return fmt.Errorf("%w: %s: empty key path", ErrInvalidTable, t.Name)
	}
	if t.KeyKind == record.KindInvalid {
		return fmt.Errorf("%w: %s: primary key kind not set", ErrInvalidTable, t.Name)
	}
	if k, ok := t.Fields[t.KeyPath]; ok && k != t.KeyKind {
		return fmt.Errorf("%w: %s: key path %q declared %s, key kind is %s",
			ErrInvalidTable, t.Name, t.KeyPath, k, t.KeyKind)
	}
	for name, spec := range t.Indexes {
		if err := ValidateName(name); err != nil {
			return err
		}
		if spec.Name != name {
			return fmt.Errorf("%w: %s: index %q stored as %q", ErrInvalidTable, t.Name, spec.Name, name)
		}
		if spec.KeyPath == "" {
			return fmt.Errorf("%w: %s.%s: empty key path", ErrInvalidTable, t.Name, name)
		}
	}
	return nil
}

// ValidateName rejects names that cannot be embedded in storage keys.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	}
	return nil
}

// Catalog is the versioned set of table definitions.
type Catalog struct {
	Version uint64            `json:"version"`
	Tables  map[string]*Table `json:"tables"`
}

// New returns an empty catalog at version 0.
func New() *Catalog {
	return &Catalog{Tables: make(map[string]*Table)}
}

// Table returns the named table.
func (c *Catalog) Table(name string) (*Table, error) {
	t, ok := c.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchTable, name)
	}
	return t, nil
}

// TableNames returns table names in sorted order.
func (c *Catalog) TableNames() []string {
	return slices.Sorted(maps.Keys(c.Tables))
}

// Clone returns a deep copy.
func (c *Catalog) Clone() *Catalog {
	cp := &Catalog{Version: c.Version, Tables: make(map[string]*Table, len(c.Tables))}
	for name, t := range c.Tables {
		cp.Tables[name] = t.Clone()
	}
	return cp
}

// Validate checks every table.
func (c *Catalog) Validate() error {
	for name, t := range c.Tables {
		if t == nil || t.Name != name {
			return fmt.Errorf("%w: table %q stored under %q", ErrInvalidTable, tableName(t), name)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func tableName(t *Table) string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// Marshal encodes the catalog for storage.
func (c *Catalog) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes and validates a stored catalog.
func Unmarshal(data []byte) (*Catalog, error) {
	c := New()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("schema: decode catalog: %w", err)
	}
	if c.Tables == nil {
		c.Tables = make(map[string]*Table)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
