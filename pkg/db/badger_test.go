package db

import (
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBadger_InMemory(t *testing.T) {
	bdb, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	require.NoError(t, bdb.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))

	var got []byte
	require.NoError(t, bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	}))
	assert.Equal(t, "v", string(got))
}

func TestOpenBadger_TempDir(t *testing.T) {
	bdb, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, bdb.Close())
}
