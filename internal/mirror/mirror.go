package mirror

import (
	"context"
	"errors"
	"fmt"

	"offpos/internal/model"
)

// Mirror is the local read replica of the server catalog. ReplaceAll swaps
// the whole set atomically: readers see the old rows or the new ones.
type Mirror interface {
	ReplaceAll(ctx context.Context, products []model.CachedProduct) error
	All(ctx context.Context) ([]model.CachedProduct, error)
	// ByID returns the first batch of the product in key order.
	ByID(ctx context.Context, id string) (model.CachedProduct, bool, error)
	ByIDAndBatch(ctx context.Context, id, batch string) (model.CachedProduct, bool, error)
}

var (
	ErrDuplicateProduct = errors.New("mirror: duplicate product batch")
	ErrMissingID        = errors.New("mirror: product id required")
)

// AllIn returns the rows synced for the given usage context. Rows without a
// context belong to every screen.
func AllIn(ctx context.Context, m Mirror, uc model.UsageContext) ([]model.CachedProduct, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.CachedProduct, 0, len(all))
	for _, p := range all {
		if p.Context == "" || p.Context == uc {
			out = append(out, p)
		}
	}
	return out, nil
}

func validate(products []model.CachedProduct) error {
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		if p.ID == "" {
			return ErrMissingID
		}
		if _, dup := seen[p.Key()]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateProduct, p.Key())
		}
		seen[p.Key()] = struct{}{}
	}
	return nil
}
