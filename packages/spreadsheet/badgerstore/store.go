// Package badgerstore keeps spreadsheet cells in a BadgerDB database. Store
// implements spreadsheet.CellMap, so an engine created with
// spreadsheet.WithCellMap persists every committed cell.
package badgerstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

type Config struct {
	// Dir holds the database files. required unless InMemory is set.
	Dir string

	InMemory   bool
	SyncWrites bool

	// GCInterval is how often the value log is garbage collected. zero
	// disables collection; in-memory stores never collect.
	GCInterval     time.Duration
	GCDiscardRatio float64

	// Logger receives badger's own logging. nil silences it.
	Logger *slog.Logger
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to badger.Logger
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a CellMap backed by badger.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

var (
	_ spreadsheet.CellMap     = (*Store)(nil)
	_ spreadsheet.CellBatcher = (*Store)(nil)
)

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("badgerstore: dir is required for a persistent store")
	}
	if cfg.GCDiscardRatio < 0 || cfg.GCDiscardRatio > 1 {
		return nil, fmt.Errorf("badgerstore: gc discard ratio %v is not between 0 and 1", cfg.GCDiscardRatio)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.collect(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	return s.db.Close()
}

func (s *Store) collect(interval time.Duration, ratio float64) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				s.logger.Debug("badger value log collected")
			case !errors.Is(err, badger.ErrNoRewrite):
				s.logger.Warn("badger value log gc failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Store) Get(addr spreadsheet.CellAddress) (spreadsheet.Cell, bool, error) {
	var cell spreadsheet.Cell
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cellKey(addr))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cell, err = decodeCell(addr, val)
			found = err == nil
			return err
		})
	})
	if err != nil {
		return spreadsheet.Cell{}, false, fmt.Errorf("get cell %s: %w", addr, err)
	}
	return cell, found, nil
}

func (s *Store) Put(cell spreadsheet.Cell) error {
	data, err := encodeCell(cell)
	if err != nil {
		return fmt.Errorf("encode cell %s: %w", cell.Address, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cellKey(cell.Address), data)
	}); err != nil {
		return fmt.Errorf("put cell %s: %w", cell.Address, err)
	}
	return nil
}

func (s *Store) Delete(addr spreadsheet.CellAddress) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cellKey(addr))
	}); err != nil {
		return fmt.Errorf("delete cell %s: %w", addr, err)
	}
	return nil
}

// Apply writes deletes and puts in one transaction. a commit too large for a
// single transaction fails with badger.ErrTxnTooBig and stores nothing.
func (s *Store) Apply(deletes []spreadsheet.CellAddress, puts []spreadsheet.Cell) error {
	values := make([][]byte, len(puts))
	for i, cell := range puts {
		data, err := encodeCell(cell)
		if err != nil {
			return fmt.Errorf("encode cell %s: %w", cell.Address, err)
		}
		values[i] = data
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, addr := range deletes {
			if err := txn.Delete(cellKey(addr)); err != nil {
				return err
			}
		}
		for i, cell := range puts {
			if err := txn.Set(cellKey(cell.Address), values[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply %d deletes and %d puts: %w", len(deletes), len(puts), err)
	}
	return nil
}

// Scan walks the rows of bounds in key order. columns right of bounds are
// skipped by seeking straight to the next row.
func (s *Store) Scan(bounds spreadsheet.RangeAddress, fn func(spreadsheet.Cell) bool) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = cellPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(cellKey(bounds.Begin()))
		for it.ValidForPrefix(cellPrefix) {
			item := it.Item()
			addr, err := parseCellKey(item.Key())
			if err != nil {
				return err
			}
			if addr.Row > bounds.EndRow {
				return nil
			}
			if addr.Column < bounds.StartColumn {
				it.Seek(cellKey(spreadsheet.CellAddress{Row: addr.Row, Column: bounds.StartColumn}))
				continue
			}
			if addr.Column > bounds.EndColumn {
				if addr.Row == bounds.EndRow {
					return nil
				}
				it.Seek(cellKey(spreadsheet.CellAddress{Row: addr.Row + 1, Column: bounds.StartColumn}))
				continue
			}

			var cell spreadsheet.Cell
			if err := item.Value(func(val []byte) error {
				cell, err = decodeCell(addr, val)
				return err
			}); err != nil {
				return err
			}
			if !fn(cell) {
				return nil
			}
			it.Next()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", bounds, err)
	}
	return nil
}

func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = cellPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(cellPrefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count cells: %w", err)
	}
	return n, nil
}
