package offline

import (
	"context"
	"sort"
	"sync"
)

// Bucket is one named response cache.
type Bucket interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
}

// Storage holds the named buckets, across versions of every family.
type Storage interface {
	// Open returns the named bucket, creating it if needed.
	Open(ctx context.Context, name string) (Bucket, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// MemoryStorage keeps buckets in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: make(map[string]map[string]Entry)}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string]Entry)
	}
	return &memoryBucket{s: s, name: name}, nil
}

func (s *MemoryStorage) Names(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for n := range s.buckets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, name)
	return nil
}

type memoryBucket struct {
	s    *MemoryStorage
	name string
}

func (b *memoryBucket) Get(_ context.Context, key string) (Entry, bool, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	e, ok := b.s.buckets[b.name][key]
	return e, ok, nil
}

// Put on a deleted bucket recreates it, as reopening would.
func (b *memoryBucket) Put(_ context.Context, key string, e Entry) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	m, ok := b.s.buckets[b.name]
	if !ok {
		m = make(map[string]Entry)
		b.s.buckets[b.name] = m
	}
	m[key] = e
	return nil
}
