package cart

import (
	"github.com/shopspring/decimal"

	"offpos/internal/model"
)

// Line is one product batch in the cart.
type Line struct {
	ProductID    string          `json:"product_id"`
	Batch        string          `json:"batch"`
	Name         string          `json:"name"`
	Image        string          `json:"image,omitempty"`
	ProductType  string          `json:"product_type,omitempty"`
	CategoryID   string          `json:"category_id,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	FreeQuantity decimal.Decimal `json:"free_quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	FlatDiscount decimal.Decimal `json:"flat_discount"`
}

// NewLine builds a line for p, taking the free quantity and flat discount
// defaults from the product.
func NewLine(p model.CachedProduct, qty decimal.Decimal) Line {
	return Line{
		ProductID:    p.ID,
		Batch:        p.BatchID,
		Name:         p.Name,
		Image:        p.Image,
		ProductType:  p.ProductType,
		CategoryID:   p.CategoryID,
		Quantity:     qty,
		FreeQuantity: p.FreeQuantity,
		UnitPrice:    p.Price,
		UnitCost:     p.Cost,
		FlatDiscount: p.Discount,
	}
}

func (l Line) Key() string { return model.Key(l.ProductID, l.Batch) }

// Amount is price × quantity minus the flat discount. Free units are not billed.
func (l Line) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(l.Quantity).Sub(l.FlatDiscount)
}

func (l Line) Profit() decimal.Decimal {
	return l.UnitPrice.Sub(l.UnitCost).Mul(l.Quantity)
}

// Equal compares numeric fields by value, so 2 and 2.00 are the same line.
func (l Line) Equal(o Line) bool {
	return l.ProductID == o.ProductID &&
		l.Batch == o.Batch &&
		l.Name == o.Name &&
		l.Image == o.Image &&
		l.ProductType == o.ProductType &&
		l.CategoryID == o.CategoryID &&
		l.Quantity.Equal(o.Quantity) &&
		l.FreeQuantity.Equal(o.FreeQuantity) &&
		l.UnitPrice.Equal(o.UnitPrice) &&
		l.UnitCost.Equal(o.UnitCost) &&
		l.FlatDiscount.Equal(o.FlatDiscount)
}

// Validate reports whether l may be held by a cart.
func (l Line) Validate() error {
	if l.ProductID == "" {
		return ErrMissingProduct
	}
	if !l.Quantity.IsPositive() {
		return ErrNonPositiveQuantity
	}
	for _, d := range []decimal.Decimal{l.FreeQuantity, l.UnitPrice, l.UnitCost, l.FlatDiscount} {
		if d.IsNegative() {
			return ErrNegativeValue
		}
	}
	return nil
}

// State is an immutable view of the cart.
type State struct {
	Lines []Line `json:"lines"`
}

func (s State) Len() int { return len(s.Lines) }

func (s State) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range s.Lines {
		sum = sum.Add(l.Amount())
	}
	return sum
}

func (s State) TotalQuantity() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range s.Lines {
		sum = sum.Add(l.Quantity)
	}
	return sum
}

func (s State) TotalProfit() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range s.Lines {
		sum = sum.Add(l.Profit())
	}
	return sum
}

func (s State) Find(productID, batch string) (Line, bool) {
	if i := indexOf(s.Lines, productID, batch); i >= 0 {
		return s.Lines[i], true
	}
	return Line{}, false
}

// With returns a copy of s with l inserted, or replacing the line with the
// same identity in place.
func (s State) With(l Line) State {
	lines := cloneLines(s.Lines)
	if i := indexOf(lines, l.ProductID, l.Batch); i >= 0 {
		lines[i] = l
	} else {
		lines = append(lines, l)
	}
	return State{Lines: lines}
}

// Without returns a copy of s minus the identified line.
func (s State) Without(productID, batch string) State {
	i := indexOf(s.Lines, productID, batch)
	if i < 0 {
		return State{Lines: cloneLines(s.Lines)}
	}
	lines := make([]Line, 0, len(s.Lines)-1)
	lines = append(lines, s.Lines[:i]...)
	lines = append(lines, s.Lines[i+1:]...)
	return State{Lines: lines}
}

// Equal reports whether both states hold equal lines in the same order.
func (s State) Equal(o State) bool {
	if len(s.Lines) != len(o.Lines) {
		return false
	}
	for i := range s.Lines {
		if !s.Lines[i].Equal(o.Lines[i]) {
			return false
		}
	}
	return true
}

func indexOf(lines []Line, productID, batch string) int {
	for i := range lines {
		if lines[i].ProductID == productID && lines[i].Batch == batch {
			return i
		}
	}
	return -1
}

func cloneLines(in []Line) []Line {
	if len(in) == 0 {
		return []Line{}
	}
	return append([]Line(nil), in...)
}
