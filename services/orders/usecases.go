package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/matheusmosca/checkout-core/services/cart"
	"github.com/matheusmosca/checkout-core/services/catalog"
	"github.com/matheusmosca/checkout-core/services/inventory"
	"github.com/matheusmosca/checkout-core/services/notifications"
)

// CartStore is the slice of the cart subsystem checkout needs.
type CartStore interface {
	GetByID(ctx context.Context, cartID string) (*cart.Cart, error)
	GetShippingMethod(ctx context.Context, methodID string) (*cart.ShippingMethod, error)
	Delete(ctx context.Context, cartID string) error
}

// CacheInvalidator drops a cached cart after its conversion to an order.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, ownerKey string) error
}

// Ledger is the slice of the inventory ledger checkout and cancellation need.
// Every method runs inside the caller's transaction.
type Ledger interface {
	GetStockForUpdate(ctx context.Context, q inventory.DBTX, productID, variantID string) (int, error)
	Decrement(ctx context.Context, q inventory.DBTX, productID, variantID string, quantity int, orderID string) error
	RestoreForOrder(ctx context.Context, q inventory.DBTX, orderID string) error
}

// CheckoutRequest carries everything needed to turn a cart into an order.
type CheckoutRequest struct {
	CartID           string
	CustomerID       string
	SessionID        string
	Email            string
	ShippingAddress  Address
	BillingAddress   *Address
	PaymentMethod    string
	ShippingMethodID string
	Notes            string
}

// Service contains the order business logic: the checkout orchestrator, the
// lifecycle operations and the pending-payment reaper.
type Service struct {
	repository Repository
	carts      CartStore
	cartCache  CacheInvalidator
	catalog    catalog.Catalog
	ledger     Ledger
	events     notifications.Events

	checkouts        metric.Int64Counter
	checkoutFailures metric.Int64Counter
	cancellations    metric.Int64Counter
}

// NewService creates a new order Service.
func NewService(repository Repository, carts CartStore, cartCache CacheInvalidator,
	cat catalog.Catalog, ledger Ledger, events notifications.Events, meter metric.Meter) *Service {
	s := &Service{
		repository: repository,
		carts:      carts,
		cartCache:  cartCache,
		catalog:    cat,
		ledger:     ledger,
		events:     events,
	}
	if meter != nil {
		s.checkouts, _ = meter.Int64Counter("orders.checkouts")
		s.checkoutFailures, _ = meter.Int64Counter("orders.checkout_failures")
		s.cancellations, _ = meter.Int64Counter("orders.cancellations")
	}
	return s
}

// Checkout converts a cart into an order: it re-validates every line against
// the live catalog and ledger, snapshots the cart, draws an order number,
// creates the order and reserves stock — all inside one transaction, so a
// failure at any step leaves no order and no stock touched. The cart is
// cleared only after the commit.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*Order, error) {
	log.Printf("➡️ [CHECKOUT] CartID=%s", req.CartID)

	crt, err := s.carts.GetByID(ctx, req.CartID)
	if err != nil {
		return nil, err
	}
	if !crt.OwnedBy(req.CustomerID, req.SessionID) {
		return nil, ErrForbidden
	}
	if crt.IsEmpty() {
		return nil, ErrEmptyCart
	}

	// A shipping method passed at checkout overrides the cart's selection and
	// re-runs the totals computation before the snapshot is frozen.
	if req.ShippingMethodID != "" && (crt.Shipping == nil || crt.Shipping.ID != req.ShippingMethodID) {
		method, err := s.carts.GetShippingMethod(ctx, req.ShippingMethodID)
		if err != nil {
			return nil, err
		}
		crt.SetShipping(method)
	}

	billing := req.ShippingAddress
	if req.BillingAddress != nil {
		billing = *req.BillingAddress
	}

	customerRef := crt.CustomerID
	if customerRef == "" {
		// Guest checkout: the session token stands in as the customer reference.
		customerRef = crt.SessionID
	}

	tx, err := s.repository.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin checkout transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the inventory rows in a stable order so two concurrent checkouts
	// sharing products cannot deadlock, then re-validate every line. The cart
	// enforced stock earlier, but it may have changed since.
	lines := make([]cart.Line, len(crt.Lines))
	copy(lines, crt.Lines)
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].ProductID != lines[j].ProductID {
			return lines[i].ProductID < lines[j].ProductID
		}
		return lines[i].VariantID < lines[j].VariantID
	})

	for _, line := range lines {
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				return nil, fmt.Errorf("%w: %s", cart.ErrProductUnavailable, line.Name)
			}
			return nil, err
		}
		if !product.IsActive || (line.VariantID != "" && !product.HasVariant(line.VariantID)) {
			return nil, fmt.Errorf("%w: %s", cart.ErrProductUnavailable, line.Name)
		}

		stock, err := s.ledger.GetStockForUpdate(ctx, tx, line.ProductID, line.VariantID)
		if err != nil {
			return nil, err
		}
		if stock < line.Quantity {
			s.countFailure(ctx)
			return nil, &inventory.InsufficientStockError{
				ProductID: line.ProductID,
				VariantID: line.VariantID,
				Requested: line.Quantity,
			}
		}
	}

	now := time.Now().UTC()
	seq, err := s.repository.NextNumber(ctx, tx, PeriodFor(now))
	if err != nil {
		return nil, err
	}

	order, err := NewFromCart(crt, FormatNumber(PeriodFor(now), seq), customerRef, req.Email,
		req.ShippingAddress, billing, req.PaymentMethod, req.Notes)
	if err != nil {
		return nil, err
	}

	if err := s.repository.Create(ctx, tx, order); err != nil {
		return nil, err
	}

	for _, line := range lines {
		if err := s.ledger.Decrement(ctx, tx, line.ProductID, line.VariantID, line.Quantity, order.ID); err != nil {
			// The rows are locked and were just validated; a failure here is
			// unexpected and aborts the whole transaction.
			s.countFailure(ctx)
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit checkout: %w", err)
	}

	// Post-commit cleanup is best effort: the order and its reservation are
	// durable, a leftover cart only costs a repeat delete.
	if err := s.carts.Delete(ctx, crt.ID); err != nil {
		log.Printf("⚠️ [CHECKOUT] OrderID=%s failed to clear cart %s: %v", order.ID, crt.ID, err)
	}
	if err := s.cartCache.Invalidate(ctx, cart.Identity{CustomerID: crt.CustomerID, SessionID: crt.SessionID}.Key()); err != nil {
		log.Printf("cache invalidate error: %v", err)
	}

	if s.checkouts != nil {
		s.checkouts.Add(ctx, 1)
	}
	log.Printf("✅ [CHECKOUT] OrderID=%s Number=%s Total=%s", order.ID, order.Number, order.Total.StringFixed(2))
	return order, nil
}

func (s *Service) countFailure(ctx context.Context) {
	if s.checkoutFailures != nil {
		s.checkoutFailures.Add(ctx, 1)
	}
}

// Get loads an order, enforcing ownership for non-admin requesters.
func (s *Service) Get(ctx context.Context, orderID string, requester *cart.Identity) (*Order, error) {
	o, err := s.repository.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if requester != nil && !ownedBy(o, *requester) {
		return nil, ErrForbidden
	}
	return o, nil
}

// List returns the requester's orders, newest first.
func (s *Service) List(ctx context.Context, requester cart.Identity, limit int) ([]*Order, error) {
	ref := requester.CustomerID
	if ref == "" {
		ref = requester.SessionID
	}
	if ref == "" {
		return nil, ErrForbidden
	}
	return s.repository.ListByCustomer(ctx, ref, limit)
}

func ownedBy(o *Order, id cart.Identity) bool {
	return (id.CustomerID != "" && o.CustomerID == id.CustomerID) ||
		(id.SessionID != "" && o.CustomerID == id.SessionID)
}

// Cancel transitions an order to cancelled and restores its reserved stock,
// in one transaction. Cancelling an already-cancelled order is a no-op; the
// movement guard makes the stock restoration exactly-once even if two
// cancellations race past that check.
func (s *Service) Cancel(ctx context.Context, orderID string, requester *cart.Identity, actor, note string) (*Order, error) {
	log.Printf("↩️ [CANCEL] OrderID=%s actor=%s", orderID, actor)

	tx, err := s.repository.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repository.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if requester != nil && !ownedBy(o, *requester) {
		return nil, ErrForbidden
	}

	if o.Status == StatusCancelled {
		log.Printf("ℹ️  [CANCEL] OrderID=%s already cancelled", orderID)
		return o, nil
	}

	if err := o.Transition(StatusCancelled, actor, note); err != nil {
		return nil, err
	}
	if o.Payment.Status != PaymentCompleted && o.Payment.Status != PaymentRefunded {
		o.Payment.Status = PaymentFailed
	}

	if err := s.ledger.RestoreForOrder(ctx, tx, o.ID); err != nil {
		return nil, err
	}
	if err := s.repository.Update(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit cancel: %w", err)
	}

	if s.cancellations != nil {
		s.cancellations.Add(ctx, 1)
	}
	log.Printf("✅ [CANCEL] OrderID=%s", orderID)
	return o, nil
}

// MarkShipped transitions the order to shipped, recording the tracking number
// and publishing the shipping notification.
func (s *Service) MarkShipped(ctx context.Context, orderID, trackingNumber, actor string) (*Order, error) {
	o, err := s.transition(ctx, orderID, StatusShipped, actor, "Order shipped", func(o *Order) {
		o.TrackingNumber = trackingNumber
	})
	if err != nil {
		return nil, err
	}
	s.events.OrderShipped(ctx, notifications.OrderShipped{
		OrderID:        o.ID,
		OrderNumber:    o.Number,
		Email:          o.Email,
		TrackingNumber: o.TrackingNumber,
	})
	return o, nil
}

// MarkDelivered closes the order lifecycle.
func (s *Service) MarkDelivered(ctx context.Context, orderID, actor string) (*Order, error) {
	return s.transition(ctx, orderID, StatusDelivered, actor, "Order delivered", nil)
}

func (s *Service) transition(ctx context.Context, orderID string, to Status, actor, note string, mutate func(*Order)) (*Order, error) {
	tx, err := s.repository.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repository.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if err := o.Transition(to, actor, note); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(o)
	}
	if err := s.repository.Update(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	log.Printf("✅ [STATUS] OrderID=%s -> %s", orderID, to)
	return o, nil
}

// CancelExpiredPending cancels orders whose payment never arrived within the
// TTL, releasing their reserved stock. This is the expiry policy for
// abandoned checkouts.
func (s *Service) CancelExpiredPending(ctx context.Context, ttl time.Duration) {
	ids, err := s.repository.FindExpiredPending(ctx, time.Now().UTC().Add(-ttl), 100)
	if err != nil {
		log.Printf("❌ [REAPER] failed to find expired orders: %v", err)
		return
	}
	for _, id := range ids {
		if _, err := s.Cancel(ctx, id, nil, "system", "Payment not received in time"); err != nil {
			log.Printf("❌ [REAPER] failed to cancel order %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("🧹 [REAPER] cancelled %d expired pending order(s)", len(ids))
	}
}
