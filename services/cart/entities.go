package cart

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrCartIdentity is returned when a cart is not tied to exactly one of a
	// customer or an anonymous session.
	ErrCartIdentity = errors.New("cart requires exactly one of customer or session")

	// ErrCartNotFound is returned when no cart exists for the requested owner or id.
	ErrCartNotFound = errors.New("cart not found")

	// ErrLineNotFound is returned when a line id is not present in the cart.
	ErrLineNotFound = errors.New("cart line not found")

	// ErrProductUnavailable is returned when the product (or variant) is
	// inactive or unknown.
	ErrProductUnavailable = errors.New("product unavailable")

	// ErrInvalidDiscountCode is returned for unknown, inactive or expired codes.
	ErrInvalidDiscountCode = errors.New("invalid discount code")

	// ErrInvalidShippingMethod is returned for unknown shipping methods.
	ErrInvalidShippingMethod = errors.New("invalid shipping method")
)

// DiscountType enumerates how a discount value is applied.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// Discount is a resolved discount code stored on the cart.
type Discount struct {
	Code        string          `json:"code"`
	Type        DiscountType    `json:"type"`
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description,omitempty"`
}

// ShippingMethod is the cart's selected shipping option.
type ShippingMethod struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Line is one product(+variant) entry in the cart. UnitPrice is captured at
// add time and refreshed on merge; MaxQuantity is a UI hint only and is never
// trusted at checkout.
type Line struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	Name        string          `json:"name"`
	SKU         string          `json:"sku,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	MaxQuantity int             `json:"max_quantity"`
}

// Cart is the mutable pre-purchase aggregate. Derived totals are recomputed
// after every mutation and never stored independently of their inputs.
type Cart struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Lines      []Line          `json:"lines"`
	Discount   *Discount       `json:"discount,omitempty"`
	Shipping   *ShippingMethod `json:"shipping,omitempty"`
	TaxRate    decimal.Decimal `json:"tax_rate"`

	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	ShippingCost   decimal.Decimal `json:"shipping_cost"`
	Total          decimal.Decimal `json:"total"`

	Version   int        `json:"-"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewCart creates an empty cart owned by exactly one of a customer or an
// anonymous session.
func NewCart(customerID, sessionID string, taxRate decimal.Decimal) (*Cart, error) {
	if (customerID == "") == (sessionID == "") {
		return nil, ErrCartIdentity
	}
	now := time.Now().UTC()
	c := &Cart{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		SessionID:  sessionID,
		TaxRate:    taxRate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.RecomputeTotals()
	return c, nil
}

// IsEmpty reports whether the cart has no line items.
func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// OwnedBy reports whether the given requester owns this cart.
func (c *Cart) OwnedBy(customerID, sessionID string) bool {
	if c.CustomerID != "" {
		return c.CustomerID == customerID
	}
	return c.SessionID == sessionID
}

// FindLine returns the line with the given id.
func (c *Cart) FindLine(lineID string) *Line {
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			return &c.Lines[i]
		}
	}
	return nil
}

// findByProduct returns the line for a product+variant pair, if present.
func (c *Cart) findByProduct(productID, variantID string) *Line {
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID && c.Lines[i].VariantID == variantID {
			return &c.Lines[i]
		}
	}
	return nil
}

// UpsertLine merges quantity into an existing line for the same
// product+variant pair (refreshing the unit price to the current catalog
// price) or appends a new line. Returns the total quantity now held for the
// pair so the caller can validate it against current stock. Totals are
// recomputed.
func (c *Cart) UpsertLine(productID, variantID, name, sku, imageURL string, unitPrice decimal.Decimal, quantity, maxQuantity int) int {
	if line := c.findByProduct(productID, variantID); line != nil {
		line.Quantity += quantity
		line.UnitPrice = unitPrice
		line.Name = name
		line.MaxQuantity = maxQuantity
		c.RecomputeTotals()
		return line.Quantity
	}
	c.Lines = append(c.Lines, Line{
		ID:          uuid.New().String(),
		ProductID:   productID,
		VariantID:   variantID,
		Name:        name,
		SKU:         sku,
		ImageURL:    imageURL,
		UnitPrice:   unitPrice,
		Quantity:    quantity,
		MaxQuantity: maxQuantity,
	})
	c.RecomputeTotals()
	return quantity
}

// SetLineQuantity updates a line's quantity; a quantity of zero or less
// removes the line.
func (c *Cart) SetLineQuantity(lineID string, quantity int) error {
	if quantity <= 0 {
		return c.RemoveLine(lineID)
	}
	line := c.FindLine(lineID)
	if line == nil {
		return ErrLineNotFound
	}
	line.Quantity = quantity
	c.RecomputeTotals()
	return nil
}

// RemoveLine drops a line from the cart.
func (c *Cart) RemoveLine(lineID string) error {
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			c.RecomputeTotals()
			return nil
		}
	}
	return ErrLineNotFound
}

// Clear empties the cart and drops the discount and shipping selections.
func (c *Cart) Clear() {
	c.Lines = nil
	c.Discount = nil
	c.Shipping = nil
	c.RecomputeTotals()
}

// SetDiscount stores a resolved discount code, replacing any prior one.
func (c *Cart) SetDiscount(d *Discount) {
	c.Discount = d
	c.RecomputeTotals()
}

// SetShipping stores the selected shipping method.
func (c *Cart) SetShipping(m *ShippingMethod) {
	c.Shipping = m
	c.RecomputeTotals()
}

// RecomputeTotals re-runs the deterministic totals algorithm:
// subtotal = Σ line subtotals; percentage discounts apply to the subtotal,
// fixed discounts are capped at the subtotal and never negative; tax applies
// to the discounted subtotal; shipping is the selected method's price.
func (c *Cart) RecomputeTotals() {
	subtotal := decimal.Zero
	for i := range c.Lines {
		c.Lines[i].Subtotal = c.Lines[i].UnitPrice.Mul(decimal.NewFromInt(int64(c.Lines[i].Quantity))).Round(2)
		subtotal = subtotal.Add(c.Lines[i].Subtotal)
	}

	discount := decimal.Zero
	if c.Discount != nil {
		switch c.Discount.Type {
		case DiscountTypePercentage:
			discount = subtotal.Mul(c.Discount.Value).Div(decimal.NewFromInt(100)).Round(2)
		case DiscountTypeFixed:
			discount = c.Discount.Value
			if discount.GreaterThan(subtotal) {
				discount = subtotal
			}
		}
		if discount.IsNegative() {
			discount = decimal.Zero
		}
	}

	tax := decimal.Zero
	if c.TaxRate.IsPositive() {
		tax = subtotal.Sub(discount).Mul(c.TaxRate).Round(2)
	}

	shipping := decimal.Zero
	if c.Shipping != nil {
		shipping = c.Shipping.Price
	}

	c.Subtotal = subtotal
	c.DiscountAmount = discount
	c.TaxAmount = tax
	c.ShippingCost = shipping
	c.Total = subtotal.Sub(discount).Add(tax).Add(shipping).Round(2)
	c.UpdatedAt = time.Now().UTC()
}
