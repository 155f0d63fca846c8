package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

type pebbleStore struct {
	db   *pebble.DB
	sync bool
}

// OpenPebble opens (or creates) a Pebble-backed repository at path.
// With sync set every unit of work is fsynced on commit.
func OpenPebble(path string, sync bool) (*Repository, error) {
	cache := pebble.NewCache(128 << 20) // 128MB
	defer cache.Unref()
	opts := &pebble.Options{
		Cache:                    cache,
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return newRepository(&pebbleStore{db: db, sync: sync}), nil
}

func (s *pebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *pebbleStore) scan(prefix []byte, reverse bool, fn func(key, val []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	if reverse {
		for iter.Last(); iter.Valid(); iter.Prev() {
			if !fn(iter.Key(), iter.Value()) {
				break
			}
		}
	} else {
		for iter.First(); iter.Valid(); iter.Next() {
			if !fn(iter.Key(), iter.Value()) {
				break
			}
		}
	}
	return errors.Join(iter.Error(), iter.Close())
}

func (s *pebbleStore) batch() writeBatch {
	return &pebbleBatch{b: s.db.NewBatch(), sync: s.sync}
}

func (s *pebbleStore) close() error { return s.db.Close() }

type pebbleBatch struct {
	b    *pebble.Batch
	sync bool
}

func (b *pebbleBatch) set(key, val []byte) error { return b.b.Set(key, val, nil) }
func (b *pebbleBatch) del(key []byte) error      { return b.b.Delete(key, nil) }

func (b *pebbleBatch) commit() error {
	opts := pebble.NoSync
	if b.sync {
		opts = pebble.Sync
	}
	if err := b.b.Commit(opts); err != nil {
		_ = b.b.Close()
		return err
	}
	return b.b.Close()
}

func (b *pebbleBatch) discard() { _ = b.b.Close() }
