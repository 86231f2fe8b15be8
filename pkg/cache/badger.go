package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Badger is a Store backed by BadgerDB v4, used as the cache's disk
// tier. Rows are msgpack-encoded.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the disk store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence. Useful for
	// exercising the real badger engine in tests.
	InMemory bool

	// Logger overrides the badger logger. If nil, a logger that keeps
	// only warnings and errors is installed.
	Logger badger.Logger
}

// NewBadger opens a BadgerDB-backed Store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("cache: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(quietLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([][]float32, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.encode())
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rows [][]float32
	if err := msgpack.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (b *Badger) Set(_ context.Context, key Key, rows [][]float32) error {
	raw, err := msgpack.Marshal(rows)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.encode(), raw)
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// quietLogger forwards badger warnings and errors to slog and drops the
// rest.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{})   { slog.Error("badger", "msg", fmt.Sprintf(f, v...)) }
func (quietLogger) Warningf(f string, v ...interface{}) { slog.Warn("badger", "msg", fmt.Sprintf(f, v...)) }
func (quietLogger) Infof(string, ...interface{})        {}
func (quietLogger) Debugf(string, ...interface{})       {}
