package db

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// OpenBadger opens a badger database in dir. An empty dir opens an in-memory instance.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return bdb, nil
}
