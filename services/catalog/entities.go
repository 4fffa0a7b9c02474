package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog read model consumed by the cart and checkout flows.
// Stock is joined in from the inventory ledger so callers get a consistent hint,
// but the ledger remains the source of truth for availability.
type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	ImageURL  string          `json:"image_url"`
	Price     decimal.Decimal `json:"price"`
	IsActive  bool            `json:"is_active"`
	Stock     int             `json:"stock"`
	Variants  []Variant       `json:"variants,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Variant is a purchasable variation of a product. Its effective price is the
// product price plus the delta.
type Variant struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	PriceDelta decimal.Decimal `json:"price_delta"`
	Stock      int             `json:"stock"`
}

// UnitPrice resolves the effective unit price for an optional variant.
func (p *Product) UnitPrice(variantID string) decimal.Decimal {
	if variantID == "" {
		return p.Price
	}
	for _, v := range p.Variants {
		if v.ID == variantID {
			return p.Price.Add(v.PriceDelta)
		}
	}
	return p.Price
}

// HasVariant reports whether the product carries the given variant.
func (p *Product) HasVariant(variantID string) bool {
	for _, v := range p.Variants {
		if v.ID == variantID {
			return true
		}
	}
	return false
}
