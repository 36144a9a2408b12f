package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		// A till holds a catalog and one cart; keep the footprint small.
		MemTableSize:             8 << 20,
		MaxConcurrentCompactions: func() int { return 1 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
		WALBytesPerSync:          512 << 10,
		DisableWAL:               false,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) Get(key string) ([]byte, bool, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

// Put syncs the WAL; the cart snapshot must survive a power cut at the till.
func (p *PebbleStore) Put(key string, val []byte) error {
	return p.db.Set([]byte(key), val, pebble.Sync)
}

func (p *PebbleStore) Delete(key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *PebbleStore) iter(prefix string) (*pebble.Iterator, error) {
	lower := []byte(prefix)
	return p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
}

func (p *PebbleStore) Range(prefix string, fn func(key string, val []byte) error) error {
	it, err := p.iter(prefix)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return it.Error()
}

// ReplacePrefix collects the existing keys first, then deletes and writes
// in a single batch so the swap commits atomically.
func (p *PebbleStore) ReplacePrefix(prefix string, all map[string][]byte) error {
	if err := checkPrefix(prefix, all); err != nil {
		return err
	}
	var toDelete [][]byte
	it, err := p.iter(prefix)
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Key()...))
	}
	if err := it.Close(); err != nil {
		return err
	}

	wb := p.db.NewBatch()
	defer wb.Close()
	for _, k := range toDelete {
		if err := wb.Delete(k, nil); err != nil {
			return err
		}
	}
	for k, v := range all {
		if err := wb.Set([]byte(k), v, nil); err != nil {
			return err
		}
	}
	return wb.Commit(pebble.Sync)
}
