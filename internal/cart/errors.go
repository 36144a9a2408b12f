package cart

import "errors"

var (
	ErrNegativeValue       = errors.New("cart: negative quantity, discount or price")
	ErrMissingProduct      = errors.New("cart: product id required")
	ErrNonPositiveQuantity = errors.New("cart: line quantity must be positive")
)
