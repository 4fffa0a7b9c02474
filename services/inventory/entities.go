package inventory

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientStock is the sentinel wrapped by InsufficientStockError so
// callers can match with errors.Is without caring about the offending line.
var ErrInsufficientStock = errors.New("insufficient stock")

// InsufficientStockError reports which product could not cover the requested
// quantity. Checkout failures must name the offending line item.
type InsufficientStockError struct {
	ProductID string
	VariantID string
	Requested int
}

func (e *InsufficientStockError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("insufficient stock for product %s (variant %s): requested %d", e.ProductID, e.VariantID, e.Requested)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d", e.ProductID, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// Movement types recorded per order so the same order can never decrement or
// restore stock twice.
const (
	MovementTypeDecreased = "decreased"
	MovementTypeRestored  = "restored"
)

// Movement is one stock mutation tied to an order.
type Movement struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	VariantID      string    `json:"variant_id"`
	OrderID        string    `json:"order_id"`
	ChangeQuantity int       `json:"change_quantity"`
	MovementType   string    `json:"movement_type"`
	CreatedAt      time.Time `json:"created_at"`
}
