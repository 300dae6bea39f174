package db

import (
	"path/filepath"
	"testing"

	"github.com/beyondbrewing/brewkv/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFactory func(t *testing.T, cfs ...string) Store

func engines() map[string]engineFactory {
	return map[string]engineFactory{
		"mock": func(t *testing.T, cfs ...string) Store {
			return NewMockStore(cfs...)
		},
		"pebble": func(t *testing.T, cfs ...string) Store {
			s, err := Open(filepath.Join(t.TempDir(), "pebble"),
				WithColumnFamilies(cfs...),
				WithLogger(logger.NewNop()),
			)
			require.NoError(t, err)
			return s
		},
		"pebble-mem": func(t *testing.T, cfs ...string) Store {
			s, err := Open("mem",
				WithInMemory(true),
				WithColumnFamilies(cfs...),
				WithLogger(logger.NewNop()),
			)
			require.NoError(t, err)
			return s
		},
		"bolt": func(t *testing.T, cfs ...string) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "store.bolt"),
				WithColumnFamilies(cfs...),
				WithLogger(logger.NewNop()),
			)
			require.NoError(t, err)
			return s
		},
	}
}

func forEachEngine(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, "records", "indexes")
			fn(t, s)
		})
	}
}

func TestStoreBasicOps(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		defer s.Close()

		require.NoError(t, s.Put("records", []byte("a"), []byte("1")))

		v, err := s.Get("records", []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		ok, err := s.Has("records", []byte("a"))
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.Get("indexes", []byte("a"))
		assert.ErrorIs(t, err, ErrKeyNotFound)

		_, err = s.Get("nope", []byte("a"))
		assert.ErrorIs(t, err, ErrColumnFamilyNotFound)

		_, err = s.Get("records", nil)
		assert.ErrorIs(t, err, ErrNilKey)

		require.NoError(t, s.Delete("records", []byte("a")))
		require.NoError(t, s.Delete("records", []byte("a")))
		ok, err = s.Has("records", []byte("a"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStoreBatchIsAtomic(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		defer s.Close()

		b := s.NewBatch()
		require.NoError(t, b.Put("records", []byte("k1"), []byte("v1")))
		require.NoError(t, b.Put("indexes", []byte("k2"), []byte("v2")))
		require.NoError(t, b.Delete("records", []byte("missing")))
		assert.Equal(t, 3, b.Count())

		// Nothing is visible before commit.
		ok, err := s.Has("records", []byte("k1"))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.Commit())
		b.Close()
		assert.ErrorIs(t, b.Put("records", []byte("x"), nil), ErrBatchClosed)

		v, err := s.Get("indexes", []byte("k2"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)
	})
}

func TestStoreSnapshotIsolation(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		defer s.Close()

		require.NoError(t, s.Put("records", []byte("a"), []byte("old")))

		snap, err := s.NewSnapshot()
		require.NoError(t, err)

		require.NoError(t, s.Put("records", []byte("a"), []byte("new")))
		require.NoError(t, s.Put("records", []byte("b"), []byte("added")))

		v, err := snap.Get("records", []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("old"), v)

		ok, err := snap.Has("records", []byte("b"))
		require.NoError(t, err)
		assert.False(t, ok)

		it, err := snap.NewIterator("records")
		require.NoError(t, err)
		var keys []string
		for it.SeekToFirst(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Key()))
		}
		require.NoError(t, it.Err())
		it.Close()
		assert.Equal(t, []string{"a"}, keys)

		require.NoError(t, snap.Close())
		assert.ErrorIs(t, snap.Close(), ErrSnapshotClosed)
		_, err = snap.Get("records", []byte("a"))
		assert.ErrorIs(t, err, ErrSnapshotClosed)
	})
}

func TestStoreIteratorOrderAndSeek(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		defer s.Close()

		for _, k := range []string{"c", "a", "b", "d"} {
			require.NoError(t, s.Put("records", []byte(k), []byte("v"+k)))
		}
		// A different CF must not leak into the iteration.
		require.NoError(t, s.Put("indexes", []byte("aa"), []byte("x")))

		it, err := s.NewIterator("records")
		require.NoError(t, err)
		defer it.Close()

		var keys []string
		for it.SeekToFirst(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Key()))
		}
		assert.Equal(t, []string{"a", "b", "c", "d"}, keys)

		it.Seek([]byte("bb"))
		require.True(t, it.Valid())
		assert.Equal(t, "c", string(it.Key()))
		assert.Equal(t, "vc", string(it.Value()))

		it.SeekToLast()
		require.True(t, it.Valid())
		assert.Equal(t, "d", string(it.Key()))
	})
}

func TestStoreClose(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Close(), ErrClosed)

		_, err := s.Get("records", []byte("a"))
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.NewSnapshot()
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Flush(), ErrClosed)
	})
}

func TestPebbleReopenKeepsData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pebble")

	s, err := Open(dir, WithColumnFamilies("records"), WithLogger(logger.NewNop()))
	require.NoError(t, err)
	require.NoError(t, s.Put("records", []byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(dir, WithColumnFamilies("records"), WithLogger(logger.NewNop()))
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get("records", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestMockStoreCountsCommits(t *testing.T) {
	m := NewMockStore("records")
	defer m.Close()

	b := m.NewBatch()
	require.NoError(t, b.Put("records", []byte("a"), []byte("1")))
	require.NoError(t, b.Commit())
	b.Close()

	assert.Equal(t, int64(1), m.Commits())
	assert.Equal(t, 1, m.Len("records"))
	assert.Equal(t, -1, m.Len("missing"))

	m.Reset()
	assert.Equal(t, 0, m.Len("records"))
}
