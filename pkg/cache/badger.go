package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerOptions configures a BadgerTier.
type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool

	// Prefix namespaces the tier's keys so several caches can share one
	// database.
	Prefix string

	Logger *logrus.Entry
}

// badgerLogger routes badger's own logging through logrus. Badger is chatty
// at info level, so info lines are logged at debug.
type badgerLogger struct {
	log *logrus.Entry
}

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.log.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.log.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.log.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.log.Debugf(f, args...) }

// BadgerTier is a RemoteTier backed by BadgerDB. Expiry uses badger's
// per-entry TTL.
type BadgerTier struct {
	db     *badger.DB
	prefix []byte
	log    *logrus.Entry
}

// OpenBadgerTier opens the tier.
func OpenBadgerTier(opts BadgerOptions) (*BadgerTier, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "BadgerTier")

	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.
		WithLogger(badgerLogger{log: log}).
		WithMemTableSize(8 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)
	if !opts.InMemory {
		bopts = bopts.WithValueLogFileSize(64 << 20)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger cache tier: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "ontoq/cache/"
	}
	log.WithFields(logrus.Fields{"in_memory": opts.InMemory, "dir": opts.Dir}).Info("Opened L3 cache tier")
	return &BadgerTier{db: db, prefix: []byte(prefix), log: log}, nil
}

func (b *BadgerTier) key(k string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	out = append(out, b.prefix...)
	return append(out, k...)
}

// Get returns the stored bytes of key and their remaining lifetime, zero for
// entries stored without a TTL. Badger keeps expiry in whole seconds, so the
// lifetime is rounded down and an entry in its last second reads as missing.
func (b *BadgerTier) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, false, err
	}
	var (
		out []byte
		ttl time.Duration
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		if exp := item.ExpiresAt(); exp > 0 {
			ttl = time.Until(time.Unix(int64(exp), 0))
			if ttl <= 0 {
				return badger.ErrKeyNotFound
			}
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return out, ttl, true, nil
}

// Set stores value under key for ttl. ttl <= 0 never expires.
func (b *BadgerTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(b.key(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Delete removes key.
func (b *BadgerTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(key))
	})
}

func (b *BadgerTier) keysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (b *BadgerTier) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// DeletePrefix removes every key starting with prefix.
func (b *BadgerTier) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys, err := b.keysWithPrefix(b.key(prefix))
	if err != nil {
		return err
	}
	return b.deleteKeys(keys)
}

// Clear removes every key of the tier.
func (b *BadgerTier) Clear(ctx context.Context) error {
	return b.DeletePrefix(ctx, "")
}

// Len counts the live keys of the tier.
func (b *BadgerTier) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	keys, err := b.keysWithPrefix(b.prefix)
	return len(keys), err
}

// Close closes the database.
func (b *BadgerTier) Close() error {
	return b.db.Close()
}
