package schema

import (
	"testing"

	"github.com/beyondbrewing/brewkv/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customers() *Table {
	return &Table{
		Name:    "customers",
		KeyPath: "ssn",
		KeyKind: record.KindString,
		Fields:  map[string]record.Kind{"email": record.KindString},
		Indexes: map[string]IndexSpec{
			"name":  {Name: "name", KeyPath: "name"},
			"email": {Name: "email", KeyPath: "email", Unique: true},
		},
	}
}

func TestCatalogPersistRoundTrip(t *testing.T) {
	c := New()
	c.Version = 3
	c.Tables["customers"] = customers()

	data, err := c.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"key_kind":"string"`)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Equal(t, []string{"email", "name"}, got.Tables["customers"].IndexNames())
}

func TestCatalogCloneIsDeep(t *testing.T) {
	c := New()
	c.Tables["customers"] = customers()

	cp := c.Clone()
	cp.Tables["customers"].Indexes["phone"] = IndexSpec{Name: "phone", KeyPath: "phone"}
	cp.Version = 9

	assert.NotContains(t, c.Tables["customers"].Indexes, "phone")
	assert.Zero(t, c.Version)
}

func TestTableLayoutIncludesKey(t *testing.T) {
	l := customers().Layout()
	assert.Equal(t, "ssn", l.KeyPath)
	assert.Equal(t, record.KindString, l.Fields["ssn"])
	assert.Equal(t, record.KindString, l.Fields["email"])
}

func TestValidate(t *testing.T) {
	bad := customers()
	bad.KeyKind = record.KindInvalid
	assert.ErrorIs(t, bad.Validate(), ErrInvalidTable)

	bad = customers()
	bad.Fields["ssn"] = record.KindNumber
	assert.ErrorIs(t, bad.Validate(), ErrInvalidTable)

	bad = customers()
	bad.Name = "cust\x00omers"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidName)

	_, err := Unmarshal([]byte(`{"version":1,"tables":{"a":{"name":"b","key_path":"k","key_kind":"string"}}}`))
	assert.ErrorIs(t, err, ErrInvalidTable)

	_, err = Unmarshal([]byte(`{"version":`))
	assert.Error(t, err)
}

func TestLookups(t *testing.T) {
	c := New()
	c.Tables["customers"] = customers()

	_, err := c.Table("orders")
	assert.ErrorIs(t, err, ErrNoSuchTable)

	tbl, err := c.Table("customers")
	require.NoError(t, err)
	_, err = tbl.Index("phone")
	assert.ErrorIs(t, err, ErrNoSuchIndex)
	assert.Equal(t, []string{"customers"}, c.TableNames())
}
