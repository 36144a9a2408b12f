package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"offpos/internal/state"
)

const (
	bucketIndexPrefix = "cachebucket/"
	bucketDataPrefix  = "cache/"
)

// StateStorage keeps buckets in the local state.Store next to the cart and
// the mirror, so cached pages survive a restart of the terminal.
type StateStorage struct {
	st state.Store
}

func NewStateStorage(st state.Store) *StateStorage { return &StateStorage{st: st} }

func dataPrefix(bucket string) string { return bucketDataPrefix + bucket + "/" }

func (s *StateStorage) Open(_ context.Context, name string) (Bucket, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("offline: invalid bucket name %q", name)
	}
	key := bucketIndexPrefix + name
	if err := s.st.Put(key, []byte{1}); err != nil {
		return nil, state.Wrap("put", key, err)
	}
	return &stateBucket{st: s.st, name: name}, nil
}

func (s *StateStorage) Names(context.Context) ([]string, error) {
	var names []string
	err := s.st.Range(bucketIndexPrefix, func(key string, _ []byte) error {
		names = append(names, strings.TrimPrefix(key, bucketIndexPrefix))
		return nil
	})
	if err != nil {
		return nil, state.Wrap("range", bucketIndexPrefix, err)
	}
	return names, nil
}

func (s *StateStorage) Delete(_ context.Context, name string) error {
	if err := s.st.ReplacePrefix(dataPrefix(name), nil); err != nil {
		return state.Wrap("purge", dataPrefix(name), err)
	}
	return state.Wrap("delete", bucketIndexPrefix+name, s.st.Delete(bucketIndexPrefix+name))
}

type stateBucket struct {
	st   state.Store
	name string
}

func (b *stateBucket) Get(_ context.Context, key string) (Entry, bool, error) {
	k := dataPrefix(b.name) + key
	raw, ok, err := b.st.Get(k)
	if err != nil || !ok {
		return Entry{}, false, state.Wrap("get", k, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, state.Wrap("decode", k, err)
	}
	return e, true, nil
}

func (b *stateBucket) Put(_ context.Context, key string, e Entry) error {
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	k := dataPrefix(b.name) + key
	if err := b.st.Put(bucketIndexPrefix+b.name, []byte{1}); err != nil {
		return state.Wrap("put", bucketIndexPrefix+b.name, err)
	}
	return state.Wrap("put", k, b.st.Put(k, raw))
}
