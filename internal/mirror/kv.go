package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"offpos/internal/model"
	"offpos/internal/state"
)

const productPrefix = "product/"

var errStop = errors.New("stop")

// KVMirror keeps one key per product batch under "product/" in a state.Store.
type KVMirror struct {
	st state.Store
}

func NewKVMirror(st state.Store) *KVMirror { return &KVMirror{st: st} }

func productKey(id, batch string) string { return productPrefix + model.Key(id, batch) }

func (m *KVMirror) ReplaceAll(ctx context.Context, products []model.CachedProduct) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(products); err != nil {
		return err
	}
	all := make(map[string][]byte, len(products))
	for _, p := range products {
		b, err := json.Marshal(&p)
		if err != nil {
			return fmt.Errorf("marshal product %s: %w", p.Key(), err)
		}
		all[productKey(p.ID, p.BatchID)] = b
	}
	return state.Wrap("replace", productPrefix, m.st.ReplacePrefix(productPrefix, all))
}

func (m *KVMirror) All(ctx context.Context) ([]model.CachedProduct, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []model.CachedProduct{}
	err := m.st.Range(productPrefix, func(key string, val []byte) error {
		var p model.CachedProduct
		if err := json.Unmarshal(val, &p); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, state.Wrap("range", productPrefix, err)
	}
	return out, nil
}

func (m *KVMirror) ByID(ctx context.Context, id string) (model.CachedProduct, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.CachedProduct{}, false, err
	}
	var (
		p     model.CachedProduct
		found bool
	)
	prefix := productPrefix + model.IDPrefix(id)
	err := m.st.Range(prefix, func(key string, val []byte) error {
		if err := json.Unmarshal(val, &p); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		found = true
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return model.CachedProduct{}, false, state.Wrap("range", prefix, err)
	}
	return p, found, nil
}

func (m *KVMirror) ByIDAndBatch(ctx context.Context, id, batch string) (model.CachedProduct, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.CachedProduct{}, false, err
	}
	key := productKey(id, batch)
	b, ok, err := m.st.Get(key)
	if err != nil {
		return model.CachedProduct{}, false, state.Wrap("get", key, err)
	}
	if !ok {
		return model.CachedProduct{}, false, nil
	}
	var p model.CachedProduct
	if err := json.Unmarshal(b, &p); err != nil {
		return model.CachedProduct{}, false, state.Wrap("decode", key, err)
	}
	return p, true, nil
}
