package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store abstracts the durable key/value backend shared by the cart snapshot,
// the product mirror and the offline cache buckets.
type Store interface {
	Get(key string) (val []byte, ok bool, err error)
	Put(key string, val []byte) error
	Delete(key string) error
	// Range visits every key with the given prefix in ascending key order.
	Range(prefix string, fn func(key string, val []byte) error) error
	// ReplacePrefix atomically drops every key under prefix and writes all.
	// Keys in all must carry the prefix.
	ReplacePrefix(prefix string, all map[string][]byte) error
	Close() error
}

// StorageError reports a failure of the storage substrate itself.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, an existing *StorageError unchanged, and
// otherwise a new StorageError.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// ErrClosed is returned by operations on a closed InMemoryStore.
var ErrClosed = errors.New("store closed")

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

func (s *InMemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *InMemoryStore) Put(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data[key] = append([]byte(nil), val...)
	return nil
}

func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

func (s *InMemoryStore) Range(prefix string, fn func(key string, val []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = append([]byte(nil), s.data[k]...)
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, vals[i]); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

// ReplacePrefix swaps the prefix contents under a single write lock, so
// readers observe either the old or the new set.
func (s *InMemoryStore) ReplacePrefix(prefix string, all map[string][]byte) error {
	if err := checkPrefix(prefix, all); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	for k, v := range all {
		s.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// prefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func checkPrefix(prefix string, all map[string][]byte) error {
	for k := range all {
		if !strings.HasPrefix(k, prefix) {
			return fmt.Errorf("key %q outside prefix %q", k, prefix)
		}
	}
	return nil
}
