package storage

import (
	"errors"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStorage stores values in a Badger key-value database.
type BadgerStorage struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewBadgerStorage opens (or creates) a database in the directory path.
func NewBadgerStorage(path string) (*BadgerStorage, error) {
	return openBadger(badger.DefaultOptions(path))
}

// NewBadgerMemoryStorage opens a Badger database that lives in memory only.
func NewBadgerMemoryStorage() (*BadgerStorage, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerStorage, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerStorage{db: db}, nil
}

// Load returns the stored value.
func (b *BadgerStorage) Load(key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Save stores or replaces a value.
func (b *BadgerStorage) Save(key string, value []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete removes a value.
func (b *BadgerStorage) Delete(key string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close closes the database.
func (b *BadgerStorage) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}
