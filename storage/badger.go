package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
)

// BadgerStore implements AtomicStore on top of badger's serializable
// transactions. The version of an entry is the commit timestamp badger
// assigned to the write that produced it.
type BadgerStore struct {
	db  *badger.DB
	log zerolog.Logger
}

var _ AtomicStore = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a store in dir. An empty dir opens an
// in-memory store.
func OpenBadger(dir string, log zerolog.Logger) (*BadgerStore, error) {
	log = log.With().Str("component", "storage").Logger()

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %q: %w", dir, err)
	}

	return &BadgerStore{db: db, log: log}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *Entry
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(key.Bytes())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load %s: %w", key, err)
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("could not read value of %s: %w", key, err)
		}
		entry = &Entry{Key: key, Value: value, Version: item.Version()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListByPrefix returns every entry under prefix in key order.
func (s *BadgerStore) ListByPrefix(ctx context.Context, prefix Key) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.View(func(tx *badger.Txn) error {
		p := prefix.PrefixBytes()
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("could not read value during iteration: %w", err)
			}
			entries = append(entries, Entry{
				Key:     ParseKey(item.KeyCopy(nil)),
				Value:   value,
				Version: item.Version(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// AtomicCommit applies the commit if every checked key is still at its
// expected version. Reads made for the checks join badger's conflict
// detection, so a concurrent commit touching them also aborts this one.
func (s *BadgerStore) AtomicCommit(ctx context.Context, commit *Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *badger.Txn) error {
		for _, c := range commit.checks {
			var current uint64
			item, err := tx.Get(c.key.Bytes())
			switch {
			case err == nil:
				current = item.Version()
			case errors.Is(err, badger.ErrKeyNotFound):
			default:
				return fmt.Errorf("could not check %s: %w", c.key, err)
			}
			if current != c.version {
				return fmt.Errorf("%s at version %d, expected %d: %w", c.key, current, c.version, ErrConflict)
			}
		}

		for _, w := range commit.writes {
			if err := tx.Set(w.key.Bytes(), w.value); err != nil {
				return fmt.Errorf("could not store %s: %w", w.key, err)
			}
		}

		for _, key := range commit.deletes {
			if err := tx.Delete(key.Bytes()); err != nil {
				return fmt.Errorf("could not delete %s: %w", key, err)
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("concurrent transaction touched checked keys: %w", ErrConflict)
	}
	return err
}

// DropAll removes every key. Used by operator tooling only.
func (s *BadgerStore) DropAll() error {
	return s.db.DropAll()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}
