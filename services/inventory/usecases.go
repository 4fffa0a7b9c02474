package inventory

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/metric"
)

// Ledger wraps the repository with logging and metrics. It is the only
// component allowed to mutate stock counters.
type Ledger struct {
	repository   Repository
	db           DBTX
	decrements   metric.Int64Counter
	restores     metric.Int64Counter
	stockDenials metric.Int64Counter
}

// NewLedger creates a new Ledger. db is used for operations that run outside
// a caller-owned transaction.
func NewLedger(repository Repository, db DBTX, meter metric.Meter) *Ledger {
	l := &Ledger{repository: repository, db: db}
	if meter != nil {
		l.decrements, _ = meter.Int64Counter("inventory.stock_decrements")
		l.restores, _ = meter.Int64Counter("inventory.stock_restores")
		l.stockDenials, _ = meter.Int64Counter("inventory.stock_denials")
	}
	return l
}

// CheckAvailable reports whether current stock covers the requested quantity.
func (l *Ledger) CheckAvailable(ctx context.Context, productID, variantID string, quantity int) (bool, error) {
	return l.repository.CheckAvailable(ctx, productID, variantID, quantity)
}

// Decrement reserves stock for an order inside the given transaction.
func (l *Ledger) Decrement(ctx context.Context, q DBTX, productID, variantID string, quantity int, orderID string) error {
	err := l.repository.Decrement(ctx, q, productID, variantID, quantity, orderID)
	if err != nil {
		if l.stockDenials != nil {
			l.stockDenials.Add(ctx, 1)
		}
		log.Printf("❌ [DECREMENT] OrderID=%s ProductID=%s Qty=%d: %v", orderID, productID, quantity, err)
		return err
	}
	if l.decrements != nil {
		l.decrements.Add(ctx, 1)
	}
	log.Printf("✅ [DECREMENT] OrderID=%s ProductID=%s Qty=%d", orderID, productID, quantity)
	return nil
}

// GetStockForUpdate locks and reads the stock counter inside a transaction.
func (l *Ledger) GetStockForUpdate(ctx context.Context, q DBTX, productID, variantID string) (int, error) {
	return l.repository.GetStockForUpdate(ctx, q, productID, variantID)
}

// RestoreForOrder re-credits an order's reserved stock exactly once.
func (l *Ledger) RestoreForOrder(ctx context.Context, q DBTX, orderID string) error {
	restored, err := l.repository.RestoreForOrder(ctx, q, orderID)
	if err != nil {
		log.Printf("❌ [RESTORE] OrderID=%s: %v", orderID, err)
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	if restored == 0 {
		log.Printf("ℹ️  [RESTORE] OrderID=%s already restored, nothing to do", orderID)
		return nil
	}
	if l.restores != nil {
		l.restores.Add(ctx, int64(restored))
	}
	log.Printf("↩️ [RESTORE] OrderID=%s restored %d line(s)", orderID, restored)
	return nil
}

// Increment re-credits stock outside any order flow (catalog restock).
func (l *Ledger) Increment(ctx context.Context, productID, variantID string, quantity int) error {
	return l.repository.Increment(ctx, l.db, productID, variantID, quantity)
}
