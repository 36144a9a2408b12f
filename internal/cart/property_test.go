package cart

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"offpos/internal/model"
)

// intent is a generated cart operation: kind 0 add, 1 remove, 2 update qty.
type intent struct {
	Kind    int
	Product int
	Batch   int
	Qty     int64
	Price   int64
	Cost    int64
	Disc    int64
}

func genIntent() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(0, 3),
		gen.IntRange(0, 1),
		gen.Int64Range(0, 20),
		gen.Int64Range(0, 500),
		gen.Int64Range(0, 500),
		gen.Int64Range(0, 5),
	).Map(func(v []interface{}) intent {
		return intent{
			Kind:    v[0].(int),
			Product: v[1].(int),
			Batch:   v[2].(int),
			Qty:     v[3].(int64),
			Price:   v[4].(int64),
			Cost:    v[5].(int64),
			Disc:    v[6].(int64),
		}
	})
}

func (in intent) product() model.CachedProduct {
	return model.CachedProduct{
		ID:       fmt.Sprintf("p%d", in.Product),
		BatchID:  fmt.Sprintf("b%d", in.Batch),
		Price:    decimal.New(in.Price, -2),
		Cost:     decimal.New(in.Cost, -2),
		Discount: decimal.NewFromInt(in.Disc),
	}
}

func apply(e *Engine, in intent) {
	p := in.product()
	qty := decimal.NewFromInt(in.Qty)
	switch in.Kind {
	case 0:
		_, _ = e.AddLine(p, qty)
	case 1:
		_, _ = e.RemoveLine(p.ID, p.BatchID)
	default:
		_, _ = e.UpdateLine(p.ID, p.BatchID, LineUpdate{Quantity: &qty, Product: &p})
	}
}

func engineFrom(intents []intent) *Engine {
	e := NewEngine()
	for _, in := range intents {
		apply(e, in)
	}
	return e
}

func TestCartProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("removing an absent line leaves the cart unchanged", prop.ForAll(
		func(intents []intent) bool {
			e := engineFrom(intents)
			before := e.State()
			after, err := e.RemoveLine("absent", "none")
			return err == nil && after.Equal(before)
		},
		gen.SliceOf(genIntent()),
	))

	properties.Property("add then remove on an empty cart yields an empty cart", prop.ForAll(
		func(in intent) bool {
			e := NewEngine()
			p := in.product()
			if _, err := e.AddLine(p, decimal.NewFromInt(in.Qty)); err != nil {
				return false
			}
			st, err := e.RemoveLine(p.ID, p.BatchID)
			return err == nil && st.Len() == 0
		},
		genIntent(),
	))

	properties.Property("zero quantity removes the line and no zero line ever remains", prop.ForAll(
		func(intents []intent) bool {
			e := engineFrom(intents)
			for _, l := range e.State().Lines {
				if !l.Quantity.IsPositive() {
					return false
				}
			}
			for _, l := range e.State().Lines {
				st, err := e.UpdateLine(l.ProductID, l.Batch, LineUpdate{Quantity: &decimal.Zero})
				if err != nil {
					return false
				}
				if _, ok := st.Find(l.ProductID, l.Batch); ok {
					return false
				}
			}
			return e.State().Len() == 0
		},
		gen.SliceOf(genIntent()),
	))

	properties.Property("totals are recomputed from the current lines", prop.ForAll(
		func(intents []intent) bool {
			st := engineFrom(intents).State()
			total, profit, qty := decimal.Zero, decimal.Zero, decimal.Zero
			for _, l := range st.Lines {
				total = total.Add(l.UnitPrice.Mul(l.Quantity).Sub(l.FlatDiscount))
				profit = profit.Add(l.UnitPrice.Sub(l.UnitCost).Mul(l.Quantity))
				qty = qty.Add(l.Quantity)
			}
			return st.Total().Equal(total) && st.TotalProfit().Equal(profit) && st.TotalQuantity().Equal(qty)
		},
		gen.SliceOf(genIntent()),
	))

	properties.Property("at most one line per product batch", prop.ForAll(
		func(intents []intent) bool {
			seen := map[string]bool{}
			for _, l := range engineFrom(intents).State().Lines {
				if seen[l.Key()] {
					return false
				}
				seen[l.Key()] = true
			}
			return true
		},
		gen.SliceOf(genIntent()),
	))

	properties.TestingRun(t)
}
