package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// UsageContext tells which screen a mirrored row was synced for. A single
// table carries both instead of one table per screen.
type UsageContext string

const (
	ContextCatalog UsageContext = "catalog"
	ContextPOS     UsageContext = "pos"
)

// CachedProduct mirrors one server-side product batch.
type CachedProduct struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Image              string          `json:"image,omitempty"`
	ManageStock        bool            `json:"manage_stock"`
	BatchID            string          `json:"batch_id"`
	BatchNumber        string          `json:"batch_number,omitempty"`
	StockQuantity      decimal.Decimal `json:"stock_quantity"`
	Cost               decimal.Decimal `json:"cost"`
	Price              decimal.Decimal `json:"price"`
	ProductType        string          `json:"product_type,omitempty"`
	AlertQuantity      decimal.Decimal `json:"alert_quantity"`
	Discount           decimal.Decimal `json:"discount"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	FreeQuantity       decimal.Decimal `json:"free_quantity"`
	Meta               map[string]any  `json:"meta,omitempty"`
	CategoryID         string          `json:"category_id,omitempty"`
	Context            UsageContext    `json:"context,omitempty"`
}

// UnmarshalJSON accepts ids sent as JSON numbers as well as strings.
func (p *CachedProduct) UnmarshalJSON(b []byte) error {
	type plain CachedProduct
	aux := struct {
		*plain
		ID         flexID `json:"id"`
		BatchID    flexID `json:"batch_id"`
		CategoryID flexID `json:"category_id,omitempty"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.ID, p.BatchID, p.CategoryID = string(aux.ID), string(aux.BatchID), string(aux.CategoryID)
	return nil
}

// flexID is an identifier that the server may encode as a string or a number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number, got %s", b)
	}
	*f = flexID(n.String())
	return nil
}

// Key is the mirror identity: product id plus batch id.
func (p CachedProduct) Key() string { return Key(p.ID, p.BatchID) }

var keyEscaper = strings.NewReplacer("%", "%25", "#", "%23")

// Key returns the composite id#batch identity. A '#' inside either part is
// escaped so that distinct pairs never share a key.
func Key(id, batch string) string { return IDPrefix(id) + keyEscaper.Replace(batch) }

// IDPrefix is the part of Key shared by every batch of product id.
func IDPrefix(id string) string { return keyEscaper.Replace(id) + "#" }

// Filter is the request body sent to the product listing endpoint.
type Filter struct {
	AllProducts bool   `json:"all_products,omitempty"`
	CategoryID  string `json:"category_id,omitempty"`
	Search      string `json:"search,omitempty"`
	InStockOnly bool   `json:"in_stock_only,omitempty"`
}

// DefaultFilter asks for the whole catalog.
func DefaultFilter() Filter { return Filter{AllProducts: true} }

// IsZero reports whether no criterion is set.
func (f Filter) IsZero() bool { return f == Filter{} }
