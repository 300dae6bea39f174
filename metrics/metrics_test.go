package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/beyondbrewing/brewkv/db"
	"github.com/beyondbrewing/brewkv/txn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewTxnObserver(reg)
	require.NoError(t, err)

	store := db.NewMockStore("data")
	coord := txn.New(store, txn.WithObserver(obs))
	defer coord.Close()
	ctx := context.Background()

	require.NoError(t, coord.Run(ctx, []string{"t"}, txn.ReadWrite, func(tx *txn.Tx) error {
		require.NoError(t, tx.Put("data", []byte("a"), []byte("1")))
		return tx.Put("data", []byte("b"), []byte("2"))
	}))
	require.Error(t, coord.Run(ctx, []string{"t"}, txn.ReadWrite, func(*txn.Tx) error {
		return errors.New("nope")
	}))
	require.NoError(t, coord.Run(ctx, []string{"t"}, txn.ReadOnly, func(*txn.Tx) error { return nil }))

	assert.InDelta(t, 1, testutil.ToFloat64(obs.commits.WithLabelValues("readwrite")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(obs.commits.WithLabelValues("readonly")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(obs.aborts.WithLabelValues("readwrite")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(obs.writes), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(obs.admissionWait))

	// Registering twice on one registry is refused.
	_, err = NewTxnObserver(reg)
	assert.Error(t, err)
}
