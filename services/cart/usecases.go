package cart

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/matheusmosca/checkout-core/services/catalog"
	"github.com/matheusmosca/checkout-core/services/inventory"
)

// Identity is the requester: exactly one of customer or anonymous session.
type Identity struct {
	CustomerID string
	SessionID  string
}

// Validate enforces the exactly-one-owner invariant.
func (id Identity) Validate() error {
	if (id.CustomerID == "") == (id.SessionID == "") {
		return ErrCartIdentity
	}
	return nil
}

// Key is the cache/singleflight key for the identity.
func (id Identity) Key() string {
	if id.CustomerID != "" {
		return "customer:" + id.CustomerID
	}
	return "session:" + id.SessionID
}

// StockChecker is the slice of the inventory ledger the cart needs: cart
// mutations only ever read availability, they never reserve.
type StockChecker interface {
	CheckAvailable(ctx context.Context, productID, variantID string, quantity int) (bool, error)
}

// Service contains the cart business logic.
type Service struct {
	repository Repository
	cache      Cache
	catalog    catalog.Catalog
	stock      StockChecker
	taxRate    decimal.Decimal
	sfg        singleflight.Group // prevents cache stampede on cart loads
}

// NewService creates a new cart Service.
func NewService(repository Repository, cache Cache, cat catalog.Catalog, stock StockChecker, taxRate decimal.Decimal) *Service {
	return &Service{
		repository: repository,
		cache:      cache,
		catalog:    cat,
		stock:      stock,
		taxRate:    taxRate,
	}
}

// Get returns the requester's cart, creating an empty one on first access.
// Reads go through the cache; concurrent misses for the same owner collapse
// into a single repository load.
func (s *Service) Get(ctx context.Context, id Identity) (*Cart, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	v, err, _ := s.sfg.Do(id.Key(), func() (interface{}, error) {
		if c, err := s.cache.Get(ctx, id.Key()); err == nil {
			return c, nil
		} else if !errors.Is(err, ErrCacheMiss) {
			log.Printf("cache get error: %v", err)
		}

		c, err := s.load(ctx, id)
		if errors.Is(err, ErrCartNotFound) {
			c, err = NewCart(id.CustomerID, id.SessionID, s.taxRate)
			if err != nil {
				return nil, err
			}
			if err := s.repository.Save(ctx, c); err != nil {
				return nil, fmt.Errorf("failed to create cart: %w", err)
			}
		} else if err != nil {
			return nil, err
		}

		if err := s.cache.Set(ctx, id.Key(), c); err != nil {
			log.Printf("cache set error: %v", err)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Cart), nil
}

// load reads the authoritative cart for the owner, bypassing the cache.
// Mutations always start here: the cached document carries no version.
func (s *Service) load(ctx context.Context, id Identity) (*Cart, error) {
	if id.CustomerID != "" {
		return s.repository.GetByCustomer(ctx, id.CustomerID)
	}
	return s.repository.GetBySession(ctx, id.SessionID)
}

// mutate loads the cart (creating it if absent), applies fn, and saves.
// A version conflict from a racing request is retried once against the
// reloaded cart.
func (s *Service) mutate(ctx context.Context, id Identity, fn func(c *Cart) error) (*Cart, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		c, err := s.load(ctx, id)
		if errors.Is(err, ErrCartNotFound) {
			c, err = NewCart(id.CustomerID, id.SessionID, s.taxRate)
		}
		if err != nil {
			return nil, err
		}

		if err := fn(c); err != nil {
			return nil, err
		}

		err = s.repository.Save(ctx, c)
		if errors.Is(err, ErrVersionConflict) && attempt == 0 {
			log.Printf("ℹ️  [CART] version conflict for %s, retrying", id.Key())
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := s.cache.Invalidate(ctx, id.Key()); err != nil {
			log.Printf("cache invalidate error: %v", err)
		}
		return c, nil
	}
}

// AddItem resolves the product from the catalog, validates the merged
// quantity against current stock, and merges the line into the cart.
func (s *Service) AddItem(ctx context.Context, id Identity, productID, variantID string, quantity int) (*Cart, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("quantity must be at least 1")
	}

	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			return nil, ErrProductUnavailable
		}
		return nil, err
	}
	if !product.IsActive {
		return nil, ErrProductUnavailable
	}
	if variantID != "" && !product.HasVariant(variantID) {
		return nil, ErrProductUnavailable
	}

	maxQuantity := product.Stock
	if variantID != "" {
		for _, v := range product.Variants {
			if v.ID == variantID {
				maxQuantity = v.Stock
			}
		}
	}

	return s.mutate(ctx, id, func(c *Cart) error {
		merged := quantity
		if line := c.findByProduct(productID, variantID); line != nil {
			merged += line.Quantity
		}
		ok, err := s.stock.CheckAvailable(ctx, productID, variantID, merged)
		if err != nil {
			return err
		}
		if !ok {
			return &inventory.InsufficientStockError{ProductID: productID, VariantID: variantID, Requested: merged}
		}
		c.UpsertLine(productID, variantID, product.Name, product.SKU, product.ImageURL,
			product.UnitPrice(variantID), quantity, maxQuantity)
		return nil
	})
}

// UpdateItemQuantity sets a line's quantity, removing it when the quantity is
// zero or less, re-validating against current stock otherwise.
func (s *Service) UpdateItemQuantity(ctx context.Context, id Identity, lineID string, quantity int) (*Cart, error) {
	return s.mutate(ctx, id, func(c *Cart) error {
		if quantity <= 0 {
			return c.SetLineQuantity(lineID, quantity)
		}
		line := c.FindLine(lineID)
		if line == nil {
			return ErrLineNotFound
		}
		ok, err := s.stock.CheckAvailable(ctx, line.ProductID, line.VariantID, quantity)
		if err != nil {
			return err
		}
		if !ok {
			return &inventory.InsufficientStockError{ProductID: line.ProductID, VariantID: line.VariantID, Requested: quantity}
		}
		return c.SetLineQuantity(lineID, quantity)
	})
}

// RemoveItem drops a line from the cart.
func (s *Service) RemoveItem(ctx context.Context, id Identity, lineID string) (*Cart, error) {
	return s.mutate(ctx, id, func(c *Cart) error {
		return c.RemoveLine(lineID)
	})
}

// Clear empties the cart, dropping discount and shipping selections.
func (s *Service) Clear(ctx context.Context, id Identity) (*Cart, error) {
	return s.mutate(ctx, id, func(c *Cart) error {
		c.Clear()
		return nil
	})
}

// ApplyDiscount resolves a discount code and stores it on the cart. Only one
// code is active at a time; reapplying replaces the prior one.
func (s *Service) ApplyDiscount(ctx context.Context, id Identity, code string) (*Cart, error) {
	d, err := s.repository.GetDiscountCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(c *Cart) error {
		c.SetDiscount(d)
		return nil
	})
}

// SetShippingMethod resolves a shipping method and stores it on the cart.
func (s *Service) SetShippingMethod(ctx context.Context, id Identity, methodID string) (*Cart, error) {
	m, err := s.repository.GetShippingMethod(ctx, methodID)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(c *Cart) error {
		c.SetShipping(m)
		return nil
	})
}

// MergeFrom merges a guest session cart into the customer's cart on login.
// Every guest line is re-applied through AddItem so stale quantities are
// re-validated against current stock; lines that no longer fit are skipped
// and logged. Discount and shipping are copied best effort: an expired code
// must not fail the merge.
func (s *Service) MergeFrom(ctx context.Context, customerID, sessionID string) (*Cart, error) {
	if customerID == "" || sessionID == "" {
		return nil, ErrCartIdentity
	}

	guest, err := s.repository.GetBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return s.Get(ctx, Identity{CustomerID: customerID})
		}
		return nil, err
	}

	target := Identity{CustomerID: customerID}
	var merged *Cart
	for _, line := range guest.Lines {
		merged, err = s.AddItem(ctx, target, line.ProductID, line.VariantID, line.Quantity)
		if err != nil {
			log.Printf("⚠️ [MERGE] skipping line product=%s: %v", line.ProductID, err)
		}
	}

	if guest.Discount != nil {
		if merged, err = s.ApplyDiscount(ctx, target, guest.Discount.Code); err != nil {
			log.Printf("⚠️ [MERGE] discount %s not carried over: %v", guest.Discount.Code, err)
		}
	}
	if guest.Shipping != nil {
		if merged, err = s.SetShippingMethod(ctx, target, guest.Shipping.ID); err != nil {
			log.Printf("⚠️ [MERGE] shipping method %s not carried over: %v", guest.Shipping.ID, err)
		}
	}

	if err := s.repository.Delete(ctx, guest.ID); err != nil {
		log.Printf("⚠️ [MERGE] failed to delete guest cart %s: %v", guest.ID, err)
	}
	if err := s.cache.Invalidate(ctx, Identity{SessionID: sessionID}.Key()); err != nil {
		log.Printf("cache invalidate error: %v", err)
	}

	if merged == nil {
		return s.Get(ctx, target)
	}
	return merged, nil
}

// SweepExpired deletes anonymous carts past their TTL.
func (s *Service) SweepExpired(ctx context.Context) error {
	n, err := s.repository.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("🧹 [CART] swept %d expired cart(s)", n)
	}
	return nil
}
