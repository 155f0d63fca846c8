package storage

import (
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

// memoryStore keeps keys ordered in a B-tree so prefix scans behave the
// same as on Pebble.
type memoryStore struct {
	mu   sync.RWMutex
	data btree.Map[string, []byte]
}

// NewMemory returns a repository that lives only in process memory.
func NewMemory() *Repository {
	return newRepository(&memoryStore{})
}

func (s *memoryStore) get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.Get(string(key))
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *memoryStore) scan(prefix []byte, reverse bool, fn func(key, val []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := string(prefix)
	upper := string(keyUpperBound(prefix))
	if reverse {
		s.data.Descend(upper, func(k string, v []byte) bool {
			if k >= upper {
				return true
			}
			if !strings.HasPrefix(k, p) {
				return false
			}
			return fn([]byte(k), v)
		})
		return nil
	}
	s.data.Ascend(p, func(k string, v []byte) bool {
		if !strings.HasPrefix(k, p) {
			return false
		}
		return fn([]byte(k), v)
	})
	return nil
}

func (s *memoryStore) batch() writeBatch { return &memoryBatch{s: s} }

func (s *memoryStore) close() error { return nil }

type memoryOp struct {
	key string
	val []byte
	del bool
}

type memoryBatch struct {
	s   *memoryStore
	ops []memoryOp
}

func (b *memoryBatch) set(key, val []byte) error {
	b.ops = append(b.ops, memoryOp{key: string(key), val: append([]byte(nil), val...)})
	return nil
}

func (b *memoryBatch) del(key []byte) error {
	b.ops = append(b.ops, memoryOp{key: string(key), del: true})
	return nil
}

func (b *memoryBatch) commit() error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	for _, op := range b.ops {
		if op.del {
			b.s.data.Delete(op.key)
			continue
		}
		b.s.data.Set(op.key, op.val)
	}
	b.ops = nil
	return nil
}

func (b *memoryBatch) discard() { b.ops = nil }
