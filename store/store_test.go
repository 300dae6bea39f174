package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/keyspace"
	"github.com/beyondbrewing/brewkv/migrate"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func customerMigrations() []migrate.Step {
	return []migrate.Step{
		func(u *migrate.Upgrade) error {
			return u.CreateTable("customers", "ssn", record.KindString,
				migrate.WithField("email", record.KindString))
		},
		func(u *migrate.Upgrade) error { return u.CreateIndex("customers", "name", "name", false) },
		func(u *migrate.Upgrade) error { return u.CreateIndex("customers", "email", "email", true) },
	}
}

func customerSeed(u *migrate.Upgrade) error {
	for _, r := range []record.Record{
		{"ssn": "444-44-4444", "name": "Bill", "age": 35, "email": "bill@company.com"},
		{"ssn": "555-55-5555", "name": "Donna", "age": 32, "email": "donna@home.org"},
	} {
		if err := u.Add("customers", r); err != nil {
			return err
		}
	}
	return nil
}

func customersRequest(name string) Request {
	return Request{Name: name, Version: 3, Migrations: customerMigrations(), Seed: customerSeed}
}

// engines returns option sets for every engine; on-disk engines share dir
// between opens of one test.
func engines(t *testing.T) map[string][]Option {
	t.Helper()
	return map[string][]Option{
		"memory": {WithEngine(EngineMemory)},
		"pebble": {WithEngine(EnginePebble), WithDataDir(t.TempDir())},
		"bolt":   {WithEngine(EngineBolt), WithDataDir(t.TempDir())},
		"pebble-zstd": {
			WithEngine(EnginePebble),
			WithDataDir(t.TempDir()),
			WithCompression(record.CompressionZSTD),
			WithCompressThreshold(1),
		},
	}
}

func openCustomers(t *testing.T, opts ...Option) *DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	d, err := Open(context.Background(), customersRequest(name), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func ssns(t *testing.T, seq func(func(Record, error) bool)) []string {
	t.Helper()
	var out []string
	for r, err := range seq {
		require.NoError(t, err)
		out = append(out, r["ssn"].(string))
	}
	return out
}

func TestCustomersScenario(t *testing.T) {
	for name, opts := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := openCustomers(t, opts...)

			assert.EqualValues(t, 3, d.Version())
			assert.Equal(t, []string{"customers"}, d.Tables())
			assert.Equal(t, migrate.StateReady, d.State())

			assert.Equal(t, []string{"444-44-4444"}, ssns(t, d.ScanByIndex(ctx, "customers", "name", "Bill")))
			assert.Equal(t, []string{"555-55-5555"}, ssns(t, d.ScanByIndex(ctx, "customers", "email", "donna@home.org")))
			assert.Equal(t, []string{"444-44-4444", "555-55-5555"}, ssns(t, d.Scan(ctx, "customers")))

			_, err := d.Put(ctx, "customers", Record{"ssn": "666-66-6666", "name": "Eve", "email": "bill@company.com"})
			require.ErrorIs(t, err, ErrUniqueConstraint)
			require.ErrorIs(t, err, ErrTransactionAborted)
			var uc *UniqueConstraintError
			require.ErrorAs(t, err, &uc)
			assert.Equal(t, "444-44-4444", uc.ExistingKey)

			_, err = d.Get(ctx, "customers", "666-66-6666")
			assert.ErrorIs(t, err, ErrNotFound)
			n, err := d.Count(ctx, "customers")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := openCustomers(t, WithEngine(EngineMemory))

	in := Record{"ssn": "1", "name": "Ann", "avatar": []byte{1, 2}, "vip": true, "age": 40}
	pk, err := d.Put(ctx, "customers", in)
	require.NoError(t, err)
	assert.Equal(t, "1", pk)

	// Records are copied in: mutating the caller's value changes nothing.
	in["avatar"].([]byte)[0] = 9
	in["name"] = "Changed"

	got, err := d.Get(ctx, "customers", "1")
	require.NoError(t, err)
	assert.True(t, record.Equal(Record{"ssn": "1", "name": "Ann", "avatar": []byte{1, 2}, "vip": true, "age": float64(40)}, got))

	// And copied out.
	got["avatar"].([]byte)[0] = 7
	again, err := d.Get(ctx, "customers", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, again["avatar"])

	require.NoError(t, d.Delete(ctx, "customers", "1"))
	require.NoError(t, d.Delete(ctx, "customers", "1"))
	_, err = d.Get(ctx, "customers", "1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTransactionAborted)
}

func TestUniqueViolationKeepsFirstRecord(t *testing.T) {
	ctx := context.Background()
	d := openCustomers(t, WithEngine(EngineMemory))

	_, err := d.Put(ctx, "customers", Record{"ssn": "1", "email": "same@x"})
	require.NoError(t, err)
	_, err = d.Put(ctx, "customers", Record{"ssn": "2", "email": "same@x"})
	require.ErrorIs(t, err, ErrUniqueConstraint)

	assert.Equal(t, []string{"1"}, ssns(t, d.ScanByIndex(ctx, "customers", "email", "same@x")))
	n, err := d.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAddAndValidationErrors(t *testing.T) {
	ctx := context.Background()
	d := openCustomers(t, WithEngine(EngineMemory))

	_, err := d.Add(ctx, "customers", Record{"ssn": "444-44-4444"})
	assert.ErrorIs(t, err, ErrKeyExists)

	_, err = d.Put(ctx, "customers", Record{"name": "no key"})
	assert.ErrorIs(t, err, ErrMissingPrimaryKey)

	_, err = d.Put(ctx, "customers", Record{"ssn": "9", "email": 5})
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, "email", tm.Field)

	_, err = d.Put(ctx, "orders", Record{"id": 1})
	assert.ErrorIs(t, err, ErrNoSuchTable)

	for _, err := range d.ScanByIndex(ctx, "customers", "phone", "x") {
		assert.ErrorIs(t, err, ErrNoSuchIndex)
	}
}

func TestConcurrentPutsLoseNothing(t *testing.T) {
	for name, opts := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := openCustomers(t, opts...)
			require.NoError(t, d.Clear(ctx, "customers"))

			var g errgroup.Group
			for i := range 100 {
				g.Go(func() error {
					_, err := d.Put(ctx, "customers", Record{
						"ssn":   fmt.Sprintf("%03d", i),
						"name":  "Same",
						"email": fmt.Sprintf("c%d@x", i),
					})
					return err
				})
			}
			require.NoError(t, g.Wait())

			got := ssns(t, d.Scan(ctx, "customers"))
			require.Len(t, got, 100)
			for i, s := range got {
				assert.Equal(t, fmt.Sprintf("%03d", i), s)
			}
			assert.Len(t, ssns(t, d.ScanByIndex(ctx, "customers", "name", "Same")), 100)
		})
	}
}

func TestUpdateIsAtomicAcrossOperations(t *testing.T) {
	ctx := context.Background()
	d := openCustomers(t, WithEngine(EngineMemory))

	err := d.Update(ctx, []string{"customers"}, func(tx *Tx) error {
		tbl, err := tx.Table("customers")
		if err != nil {
			return err
		}
		if err := tbl.Delete("555-55-5555"); err != nil {
			return err
		}
		if _, err := tbl.Put(Record{"ssn": "777", "email": "new@x"}); err != nil {
			return err
		}
		return errors.New("changed my mind")
	})
	require.ErrorIs(t, err, ErrTransactionAborted)

	assert.Equal(t, []string{"444-44-4444", "555-55-5555"}, ssns(t, d.Scan(ctx, "customers")))

	require.NoError(t, d.Update(ctx, []string{"customers"}, func(tx *Tx) error {
		tbl, err := tx.Table("customers")
		if err != nil {
			return err
		}
		_, err = tbl.Put(Record{"ssn": "777", "email": "new@x"})
		return err
	}))
	assert.Equal(t, []string{"777"}, ssns(t, d.ScanByIndex(ctx, "customers", "email", "new@x")))
}

func TestViewScopeAndReadOnly(t *testing.T) {
	ctx := context.Background()
	d, err := Open(ctx, Request{
		Name:    t.Name(),
		Version: 1,
		Migrations: []migrate.Step{func(u *migrate.Upgrade) error {
			if err := u.CreateTable("a", "id", record.KindNumber); err != nil {
				return err
			}
			return u.CreateTable("b", "id", record.KindNumber)
		}},
	}, WithEngine(EngineMemory))
	require.NoError(t, err)
	defer d.Close()

	err = d.View(ctx, []string{"a"}, func(tx *Tx) error {
		_, err := tx.Table("b")
		return err
	})
	assert.ErrorIs(t, err, ErrTableNotInScope)

	err = d.View(ctx, []string{"a"}, func(tx *Tx) error {
		tbl, err := tx.Table("a")
		if err != nil {
			return err
		}
		_, err = tbl.Put(Record{"id": 1})
		return err
	})
	assert.Error(t, err)

	require.NoError(t, d.View(ctx, []string{"a", "b"}, func(tx *Tx) error {
		_, err := tx.Table("b")
		return err
	}))
}

func TestScanIsRestartable(t *testing.T) {
	ctx := context.Background()
	d := openCustomers(t, WithEngine(EngineMemory))

	seq := d.ScanByIndex(ctx, "customers", "name", "Bill")
	assert.Len(t, ssns(t, seq), 1)

	_, err := d.Put(ctx, "customers", Record{"ssn": "000", "name": "Bill"})
	require.NoError(t, err)
	assert.Equal(t, []string{"000", "444-44-4444"}, ssns(t, seq))

	// Breaking early releases the snapshot; writers are not held up.
	for range d.Scan(ctx, "customers") {
		break
	}
	require.NoError(t, d.Delete(ctx, "customers", "000"))
}

func TestReopenIsIdempotent(t *testing.T) {
	for _, engine := range []Engine{EnginePebble, EngineBolt} {
		t.Run(string(engine), func(t *testing.T) {
			ctx := context.Background()
			opts := []Option{WithEngine(engine), WithDataDir(t.TempDir())}

			d, err := Open(ctx, customersRequest("shop"), opts...)
			require.NoError(t, err)
			_, err = d.Put(ctx, "customers", Record{"ssn": "9", "name": "Zed"})
			require.NoError(t, err)
			require.NoError(t, d.Close())

			calls := 0
			steps := customerMigrations()
			for i, s := range steps {
				steps[i] = func(u *migrate.Upgrade) error { calls++; return s(u) }
			}
			d, err = Open(ctx, Request{Name: "shop", Version: 3, Migrations: steps, Seed: customerSeed}, opts...)
			require.NoError(t, err)
			defer d.Close()

			assert.Zero(t, calls)
			n, err := d.Count(ctx, "customers")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			// Going back is refused and leaves the database usable on reopen.
			require.NoError(t, d.Close())
			_, err = Open(ctx, Request{Name: "shop", Version: 2, Migrations: steps[:2]}, opts...)
			require.ErrorIs(t, err, ErrOpen)
			require.ErrorIs(t, err, ErrUnsupportedDowngrade)
			var oe *OpenError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, "shop", oe.Name)
		})
	}
}

func TestSingleOpenPerName(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := Open(ctx, customersRequest("once"), WithDataDir(dir))
	require.NoError(t, err)

	_, err = Open(ctx, customersRequest("once"), WithDataDir(dir))
	require.ErrorIs(t, err, ErrAlreadyOpen)
	require.ErrorIs(t, err, ErrOpen)

	require.NoError(t, d.Close())
	d, err = Open(ctx, customersRequest("once"), WithDataDir(dir))
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestFailedMigrationReleasesName(t *testing.T) {
	ctx := context.Background()
	steps := customerMigrations()
	steps[1] = func(*migrate.Upgrade) error { return errors.New("broken step") }

	_, err := Open(ctx, Request{Name: "fragile", Version: 3, Migrations: steps}, WithEngine(EngineMemory))
	require.ErrorIs(t, err, ErrMigration)
	var me *MigrationError
	require.ErrorAs(t, err, &me)
	assert.EqualValues(t, 2, me.Version)

	_, err = Open(ctx, Request{Name: "fragile", Version: 3, Migrations: customerMigrations()[:2]}, WithEngine(EngineMemory))
	assert.ErrorIs(t, err, ErrMissingStep)

	d, err := Open(ctx, customersRequest("fragile"), WithEngine(EngineMemory))
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestOperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	d, err := Open(ctx, customersRequest(t.Name()), WithEngine(EngineMemory))
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.Get(ctx, "customers", "444-44-4444")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = d.Put(ctx, "customers", Record{"ssn": "1"})
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, d.Delete(ctx, "customers", "1"), ErrStoreClosed)
	for _, err := range d.Scan(ctx, "customers") {
		assert.ErrorIs(t, err, ErrStoreClosed)
	}
}

func TestInjectedStorageStaysOpen(t *testing.T) {
	ctx := context.Background()
	mem := db.NewMockStore(keyspace.ColumnFamilies()...)
	defer mem.Close()

	d, err := Open(ctx, customersRequest(t.Name()), WithStorage(mem))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	ok, err := mem.Has(keyspace.CFMeta, keyspace.CatalogKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInjectedStorageHoldsOneDatabase(t *testing.T) {
	ctx := context.Background()
	mem := db.NewMockStore(keyspace.ColumnFamilies()...)
	defer mem.Close()

	d, err := Open(ctx, customersRequest("shop"), WithStorage(mem))
	require.NoError(t, err)
	defer d.Close()

	_, err = Open(ctx, Request{Name: "other", Version: 1, Migrations: customerMigrations()[:1]}, WithStorage(mem))
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, err, ErrForeignStorage)

	// The refused open changed nothing.
	owner, err := mem.Get(keyspace.CFMeta, keyspace.DatabaseKey)
	require.NoError(t, err)
	assert.Equal(t, "shop", string(owner))
	assert.EqualValues(t, 3, d.Version())
	n, err := d.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, d.Close())
	d, err = Open(ctx, customersRequest("shop"), WithStorage(mem))
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestMemoryEngineRunsOnPebble(t *testing.T) {
	ctx := context.Background()
	d := openCustomers(t, WithEngine(EngineMemory))
	assert.IsType(t, &db.PebbleDB{}, d.storage)

	for i := range 500 {
		_, err := d.Put(ctx, "customers", Record{"ssn": fmt.Sprintf("%04d", i)})
		require.NoError(t, err)
	}
	n, err := d.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, 502, n)

	// Nothing survives Close.
	require.NoError(t, d.Close())
	d = openCustomers(t, WithEngine(EngineMemory))
	n, err = d.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()
	for _, req := range []Request{
		{Name: "", Version: 1},
		{Name: "a/b", Version: 1},
		{Name: "ok", Version: 0},
	} {
		_, err := Open(ctx, req, WithEngine(EngineMemory))
		assert.ErrorIs(t, err, ErrOpen, "%+v", req)
	}
	_, err := Open(ctx, customersRequest("x"), WithEngine("leveldb"))
	assert.ErrorIs(t, err, ErrOpen)
}
