package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/matheusmosca/checkout-core/services/cart"
)

var (
	// ErrOrderNotFound is returned when the order id or number is unknown.
	ErrOrderNotFound = errors.New("order not found")

	// ErrForbidden is returned when the requester does not own the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrEmptyCart is returned when checkout is attempted on a cart with no lines.
	ErrEmptyCart = errors.New("cart is empty")

	// ErrInvalidStateTransition is the sentinel wrapped by InvalidTransitionError.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrTotalMismatch is returned when a snapshot's totals do not satisfy
	// total = subtotal - discount + tax + shipping.
	ErrTotalMismatch = errors.New("order total does not match its components")
)

// Status enumerates the order lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// transitions is the closed transition table. Side effects (stock restore on
// cancellation) key off the old->new pair, never off the post-state, so a
// retried cancellation can be recognized as a no-op.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusRefunded},
	StatusProcessing: {StatusShipped, StatusCancelled, StatusRefunded},
	StatusShipped:    {StatusDelivered, StatusCancelled, StatusRefunded},
	StatusDelivered:  {StatusRefunded},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

// InvalidTransitionError reports a rejected lifecycle transition.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// PaymentStatus enumerates the payment sub-record states.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Payment is the one-to-one payment sub-record of an order. TransactionID is
// the provider's intent id, unique per order once set. Amount always equals
// the order total.
type Payment struct {
	Method        string        `json:"method"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

// Item is an immutable line-item snapshot copied, not referenced, from the
// cart at creation time.
type Item struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	ImageURL  string          `json:"image_url,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Address is a postal address snapshot.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// ShippingMethod is the frozen shipping selection.
type ShippingMethod struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// StatusChange is one append-only history entry.
type StatusChange struct {
	From  Status    `json:"from,omitempty"`
	To    Status    `json:"to"`
	Actor string    `json:"actor,omitempty"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Refund records one settled provider refund.
type Refund struct {
	ID               string          `json:"id"`
	ProviderRefundID string          `json:"provider_refund_id"`
	Amount           decimal.Decimal `json:"amount"`
	Reason           string          `json:"reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Order is the immutable snapshot produced from a cart at checkout. Number,
// customer, items, addresses and totals are frozen at creation; only status,
// the payment sub-record, tracking, notes, refunds and the history log mutate.
type Order struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`

	Items           []Item          `json:"items"`
	ShippingAddress Address         `json:"shipping_address"`
	BillingAddress  Address         `json:"billing_address"`
	Shipping        *ShippingMethod `json:"shipping_method,omitempty"`

	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	ShippingCost   decimal.Decimal `json:"shipping_cost"`
	Total          decimal.Decimal `json:"total"`

	Status         Status         `json:"status"`
	Payment        Payment        `json:"payment"`
	TrackingNumber string         `json:"tracking_number,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Refunds        []Refund       `json:"refunds,omitempty"`
	History        []StatusChange `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PeriodFor returns the order-number period (year+month) for a point in time.
func PeriodFor(t time.Time) string {
	return t.UTC().Format("200601")
}

// FormatNumber renders the human-readable order number for a period sequence.
func FormatNumber(period string, seq int) string {
	return fmt.Sprintf("ORD-%s-%05d", period, seq)
}

// NewFromCart snapshots a cart into an order. The cart's computed totals are
// frozen as-is after verifying the total identity; items are deep-copied so
// later product or cart mutations cannot reach the order.
func NewFromCart(c *cart.Cart, number, customerID, email string, shippingAddr, billingAddr Address, paymentMethod, notes string) (*Order, error) {
	if c.IsEmpty() {
		return nil, ErrEmptyCart
	}
	if !c.Total.Equal(c.Subtotal.Sub(c.DiscountAmount).Add(c.TaxAmount).Add(c.ShippingCost).Round(2)) {
		return nil, ErrTotalMismatch
	}

	items := make([]Item, 0, len(c.Lines))
	for _, line := range c.Lines {
		items = append(items, Item{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Name:      line.Name,
			SKU:       line.SKU,
			ImageURL:  line.ImageURL,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal,
		})
	}

	var shipping *ShippingMethod
	if c.Shipping != nil {
		shipping = &ShippingMethod{ID: c.Shipping.ID, Name: c.Shipping.Name, Price: c.Shipping.Price}
	}

	now := time.Now().UTC()
	return &Order{
		ID:              uuid.New().String(),
		Number:          number,
		CustomerID:      customerID,
		Email:           email,
		Items:           items,
		ShippingAddress: shippingAddr,
		BillingAddress:  billingAddr,
		Shipping:        shipping,
		Subtotal:        c.Subtotal,
		DiscountAmount:  c.DiscountAmount,
		TaxAmount:       c.TaxAmount,
		ShippingCost:    c.ShippingCost,
		Total:           c.Total,
		Status:          StatusPending,
		Payment:         Payment{Method: paymentMethod, Status: PaymentPending},
		Notes:           notes,
		History: []StatusChange{{
			To:   StatusPending,
			Note: "Order created",
			At:   now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CanTransition reports whether the lifecycle allows moving to the target state.
func (o *Order) CanTransition(to Status) bool {
	for _, next := range transitions[o.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the order to the target state, appending a history entry.
// On an invalid transition the order is left untouched.
func (o *Order) Transition(to Status, actor, note string) error {
	if !o.CanTransition(to) {
		return &InvalidTransitionError{From: o.Status, To: to}
	}
	from := o.Status
	o.Status = to
	o.History = append(o.History, StatusChange{
		From:  from,
		To:    to,
		Actor: actor,
		Note:  note,
		At:    time.Now().UTC(),
	})
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// IsTerminal reports whether no further lifecycle transition is possible.
func (o *Order) IsTerminal() bool {
	return len(transitions[o.Status]) == 0
}

// RefundedAmount sums the settled refunds.
func (o *Order) RefundedAmount() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range o.Refunds {
		sum = sum.Add(r.Amount)
	}
	return sum
}
