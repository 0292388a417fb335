package sip

import (
	"iter"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/govoip/internal/errorutil"
	"github.com/ghettovoice/govoip/internal/syncutil"
)

// TransactionStore keeps live transactions indexed by their matching key.
// Implementations must be safe for concurrent use.
type TransactionStore[K comparable, T Transaction] interface {
	// Store adds the transaction under the key.
	// It fails with [ErrTransactionExists] when the key is already taken.
	Store(key K, tx T) error
	// Load returns the transaction stored under the key.
	Load(key K) (T, bool)
	// Delete removes and returns the transaction stored under the key.
	Delete(key K) (T, bool)
	// All iterates over all stored transactions.
	All() iter.Seq2[K, T]
	// Size returns the number of stored transactions.
	Size() int
}

// memTransactionStore is a sharded in-memory transaction store.
type memTransactionStore[K comparable, T Transaction] struct {
	mu sync.Mutex
	m  *syncutil.ShardMap[K, T]
}

// NewMemoryTransactionStore creates an in-memory [TransactionStore].
func NewMemoryTransactionStore[K comparable, T Transaction]() TransactionStore[K, T] {
	return &memTransactionStore[K, T]{m: syncutil.NewShardMap[K, T]()}
}

func (s *memTransactionStore[K, T]) Store(key K, tx T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.Has(key) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionExists, "key %v", key))
	}
	s.m.Set(key, tx)
	return nil
}

func (s *memTransactionStore[K, T]) Load(key K) (T, bool) { return s.m.Get(key) }

func (s *memTransactionStore[K, T]) Delete(key K) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Del(key)
}

func (s *memTransactionStore[K, T]) All() iter.Seq2[K, T] { return s.m.Items() }

func (s *memTransactionStore[K, T]) Size() int { return s.m.Size() }
