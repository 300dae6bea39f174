package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/index"
	"github.com/beyondbrewing/brewkv/keyspace"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/schema"
	"github.com/beyondbrewing/brewkv/table"
	"github.com/beyondbrewing/brewkv/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customerSteps() []Step {
	return []Step{
		func(u *Upgrade) error { return u.CreateTable("customers", "ssn", record.KindString) },
		func(u *Upgrade) error { return u.CreateIndex("customers", "name", "name", false) },
		func(u *Upgrade) error { return u.CreateIndex("customers", "email", "email", true) },
	}
}

func customerSeed(u *Upgrade) error {
	if err := u.Add("customers", record.Record{"ssn": "444-44-4444", "name": "Bill", "age": 35, "email": "bill@company.com"}); err != nil {
		return err
	}
	return u.Add("customers", record.Record{"ssn": "555-55-5555", "name": "Donna", "age": 32, "email": "donna@home.org"})
}

type fixture struct {
	store *db.MockStore
	coord *txn.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMockStore(keyspace.ColumnFamilies()...)
	coord := txn.New(store)
	t.Cleanup(func() {
		coord.Close()
		_ = store.Close()
	})
	return &fixture{store: store, coord: coord}
}

func (f *fixture) catalog(t *testing.T) *schema.Catalog {
	t.Helper()
	cat, err := LoadCatalog(f.store)
	require.NoError(t, err)
	return cat
}

func TestFreshMigrationToVersionThree(t *testing.T) {
	f := newFixture(t)
	m := New(f.coord)
	assert.Equal(t, StateUnopened, m.State())

	res, err := m.Run(context.Background(), Plan{Version: 3, Steps: customerSteps(), Seed: customerSeed})
	require.NoError(t, err)
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 3, res.StepsRun)
	assert.True(t, res.Seeded)
	assert.EqualValues(t, 3, res.Catalog.Version)

	cat := f.catalog(t)
	assert.EqualValues(t, 3, cat.Version)
	def, err := cat.Table("customers")
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "name"}, def.IndexNames())
	assert.EqualValues(t, 1, f.store.Commits())

	err = f.coord.Run(context.Background(), []string{"customers"}, txn.ReadWrite, func(tx *txn.Tx) error {
		tbl, err := table.Open(tx, def, record.NewCodec())
		require.NoError(t, err)

		var names []string
		for r, err := range tbl.ScanIndex("name", "Bill") {
			require.NoError(t, err)
			names = append(names, r["ssn"].(string))
		}
		assert.Equal(t, []string{"444-44-4444"}, names)

		_, err = tbl.Put(record.Record{"ssn": "666-66-6666", "name": "Eve", "email": "bill@company.com"})
		return err
	})
	assert.ErrorIs(t, err, index.ErrUniqueConstraint)
}

func TestReopenAtSameVersionRunsNothing(t *testing.T) {
	f := newFixture(t)
	plan := Plan{Version: 3, Steps: customerSteps(), Seed: customerSeed}
	_, err := New(f.coord).Run(context.Background(), plan)
	require.NoError(t, err)

	calls := 0
	counted := make([]Step, len(plan.Steps))
	for i, s := range plan.Steps {
		counted[i] = func(u *Upgrade) error { calls++; return s(u) }
	}
	seeded := false

	m := New(f.coord)
	res, err := m.Run(context.Background(), Plan{
		Version: 3,
		Steps:   counted,
		Seed:    func(*Upgrade) error { seeded = true; return nil },
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.False(t, seeded)
	assert.Zero(t, res.StepsRun)
	assert.Equal(t, StateReady, m.State())
	assert.EqualValues(t, 1, f.store.Commits())
}

func TestIncrementalUpgradeRunsOnlyNewSteps(t *testing.T) {
	f := newFixture(t)
	steps := customerSteps()
	_, err := New(f.coord).Run(context.Background(), Plan{Version: 2, Steps: steps[:2], Seed: func(u *Upgrade) error {
		// Two Bills are fine while "name" is not unique.
		if err := u.Put("customers", record.Record{"ssn": "1", "name": "Bill", "email": "a@x"}); err != nil {
			return err
		}
		return u.Put("customers", record.Record{"ssn": "2", "name": "Bill", "email": "b@x"})
	}})
	require.NoError(t, err)

	var sawOld, sawNew uint64
	steps = append(steps, func(u *Upgrade) error {
		sawOld, sawNew = u.OldVersion(), u.NewVersion()
		return u.CreateIndex("customers", "by_email", "email", true)
	})
	seeded := false
	res, err := New(f.coord).Run(context.Background(), Plan{
		Version: 4,
		Steps:   steps,
		Seed:    func(*Upgrade) error { seeded = true; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.StepsRun)
	assert.False(t, seeded)
	assert.EqualValues(t, 2, sawOld)
	assert.EqualValues(t, 4, sawNew)

	// The new unique index was built from existing records.
	def, err := f.catalog(t).Table("customers")
	require.NoError(t, err)
	entries, err := index.Entries(f.store, def, "by_email")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFailingStepRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	steps := customerSteps()
	steps[2] = func(u *Upgrade) error { return boom }

	m := New(f.coord)
	_, err := m.Run(context.Background(), Plan{Version: 3, Steps: steps, Seed: customerSeed})
	require.ErrorIs(t, err, ErrMigration)
	require.ErrorIs(t, err, boom)

	var me *MigrationError
	require.ErrorAs(t, err, &me)
	assert.EqualValues(t, 3, me.Version)
	assert.Equal(t, StateFailed, m.State())

	assert.Zero(t, f.store.Commits())
	assert.Zero(t, f.catalog(t).Version)
	assert.Zero(t, f.store.Len(keyspace.CFRecords))

	// A later open with working steps succeeds from scratch.
	m2 := New(f.coord)
	_, err = m2.Run(context.Background(), Plan{Version: 3, Steps: customerSteps(), Seed: customerSeed})
	require.NoError(t, err)
	assert.Equal(t, StateReady, m2.State())
}

func TestSeedFailureAndPanicAbort(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.coord).Run(context.Background(), Plan{
		Version: 3,
		Steps:   customerSteps(),
		Seed: func(u *Upgrade) error {
			if err := customerSeed(u); err != nil {
				return err
			}
			return u.Add("customers", record.Record{"ssn": "9", "email": "bill@company.com"})
		},
	})
	require.ErrorIs(t, err, index.ErrUniqueConstraint)
	assert.Zero(t, f.store.Commits())

	_, err = New(f.coord).Run(context.Background(), Plan{
		Version: 1,
		Steps:   []Step{func(*Upgrade) error { panic("bad step") }},
	})
	var pe *txn.PanicError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrMigration)
	assert.Zero(t, f.store.Commits())
}

func TestDowngradeIsRefusedWithoutChanges(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.coord).Run(context.Background(), Plan{Version: 3, Steps: customerSteps(), Seed: customerSeed})
	require.NoError(t, err)

	m := New(f.coord)
	_, err = m.Run(context.Background(), Plan{Version: 2, Steps: customerSteps()[:2]})
	assert.ErrorIs(t, err, ErrUnsupportedDowngrade)
	assert.Equal(t, StateUnopened, m.State())
	assert.EqualValues(t, 3, f.catalog(t).Version)
	assert.EqualValues(t, 1, f.store.Commits())
}

func TestPlanValidation(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.coord).Run(context.Background(), Plan{Version: 0})
	assert.ErrorIs(t, err, ErrInvalidVersion)

	m := New(f.coord)
	_, err = m.Run(context.Background(), Plan{Version: 3, Steps: customerSteps()[:2]})
	assert.ErrorIs(t, err, ErrMissingStep)
	assert.Equal(t, StateFailed, m.State())
}

func TestUpgradeOperations(t *testing.T) {
	f := newFixture(t)
	steps := []Step{
		func(u *Upgrade) error {
			return u.CreateTable("orders", "id", record.KindNumber,
				WithField("total", record.KindNumber),
				WithIndex("customer", "customer", false))
		},
		func(u *Upgrade) error {
			if err := u.Put("orders", record.Record{"id": 1, "customer": "a", "total": 3.5}); err != nil {
				return err
			}
			if err := u.Put("orders", record.Record{"id": 2, "customer": "a", "total": 1}); err != nil {
				return err
			}
			// Two orders share a customer, so uniqueness cannot be enforced.
			err := u.SetIndexUnique("orders", "customer", true)
			if !errors.Is(err, index.ErrUniqueConstraint) {
				return errors.New("expected unique violation")
			}
			return u.DeleteIndex("orders", "customer")
		},
		func(u *Upgrade) error {
			if err := u.CreateTable("orders", "id", record.KindNumber); !errors.Is(err, schema.ErrTableExists) {
				return errors.New("expected duplicate table error")
			}
			return u.DeleteTable("orders")
		},
	}
	_, err := New(f.coord).Run(context.Background(), Plan{Version: 3, Steps: steps})
	require.NoError(t, err)

	cat := f.catalog(t)
	assert.Empty(t, cat.Tables)
	assert.Zero(t, f.store.Len(keyspace.CFRecords))
	assert.Zero(t, f.store.Len(keyspace.CFIndexes))
}

func TestRefusedIndexChangeKeepsIndexesIntact(t *testing.T) {
	f := newFixture(t)
	steps := []Step{
		func(u *Upgrade) error {
			if err := u.CreateTable("orders", "id", record.KindNumber,
				WithIndex("customer", "customer", false)); err != nil {
				return err
			}
			for i, c := range []string{"a", "a", "b"} {
				if err := u.Put("orders", record.Record{"id": i + 1, "customer": c}); err != nil {
					return err
				}
			}
			// Tighten if possible, otherwise keep the index as it is.
			if err := u.SetIndexUnique("orders", "customer", true); !errors.Is(err, index.ErrUniqueConstraint) {
				return errors.New("expected unique violation")
			}
			if err := u.CreateIndex("orders", "customer_unique", "customer", true); !errors.Is(err, index.ErrUniqueConstraint) {
				return errors.New("expected unique violation")
			}
			return nil
		},
	}
	_, err := New(f.coord).Run(context.Background(), Plan{Version: 1, Steps: steps})
	require.NoError(t, err)

	orders, err := f.catalog(t).Table("orders")
	require.NoError(t, err)
	assert.False(t, orders.Indexes["customer"].Unique)
	assert.Equal(t, []string{"customer"}, orders.IndexNames())

	entries, err := index.Entries(f.store, orders, "customer")
	require.NoError(t, err)
	assert.Equal(t, [][2]any{{"a", 1.0}, {"a", 2.0}, {"b", 3.0}}, entries)

	orphans, err := index.Entries(f.store, orders, "customer_unique")
	require.NoError(t, err)
	assert.Empty(t, orphans)
	assert.Equal(t, 3, f.store.Len(keyspace.CFIndexes))
}

func TestCorruptCatalog(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Put(keyspace.CFMeta, keyspace.CatalogKey, []byte("{not json")))

	m := New(f.coord)
	_, err := m.Run(context.Background(), Plan{Version: 1, Steps: customerSteps()})
	assert.ErrorIs(t, err, ErrCorruptCatalog)
	assert.Equal(t, StateFailed, m.State())
}
