package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so every ledger
// operation can run standalone or inside a caller-owned transaction (the
// checkout transaction locks product rows and decrements within one commit).
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository defines the stock-counter operations of the inventory ledger.
type Repository interface {
	CheckAvailable(ctx context.Context, productID, variantID string, quantity int) (bool, error)
	GetStockForUpdate(ctx context.Context, q DBTX, productID, variantID string) (int, error)
	Decrement(ctx context.Context, q DBTX, productID, variantID string, quantity int, orderID string) error
	Increment(ctx context.Context, q DBTX, productID, variantID string, quantity int) error
	RestoreForOrder(ctx context.Context, q DBTX, orderID string) (int, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Pool exposes the underlying pool for operations that do not run inside a
// caller-owned transaction.
func (r *PostgresRepository) Pool() DBTX {
	return r.db
}

// CheckAvailable reports whether current stock covers the requested quantity.
func (r *PostgresRepository) CheckAvailable(ctx context.Context, productID, variantID string, quantity int) (bool, error) {
	var stock int
	err := r.db.QueryRow(ctx, `
		SELECT stock FROM inventory WHERE product_id = $1 AND variant_id = $2
	`, productID, variantID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check stock: %w", err)
	}
	return stock >= quantity, nil
}

// GetStockForUpdate reads the stock counter with a pessimistic row lock.
// Callers must lock rows in a stable order to avoid deadlocks between
// concurrent checkouts.
func (r *PostgresRepository) GetStockForUpdate(ctx context.Context, q DBTX, productID, variantID string) (int, error) {
	var stock int
	err := q.QueryRow(ctx, `
		SELECT stock FROM inventory
		WHERE product_id = $1 AND variant_id = $2
		FOR UPDATE
	`, productID, variantID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to lock stock row: %w", err)
	}
	return stock, nil
}

// Decrement atomically reduces stock by quantity, failing when stock does not
// cover it. The conditional WHERE clause is the whole point: check and
// decrement are a single statement, so concurrent checkouts can never drive
// the counter negative. A movement record ties the decrement to the order.
func (r *PostgresRepository) Decrement(ctx context.Context, q DBTX, productID, variantID string, quantity int, orderID string) error {
	tag, err := q.Exec(ctx, `
		UPDATE inventory
		SET stock = stock - $3, updated_at = NOW()
		WHERE product_id = $1 AND variant_id = $2 AND stock >= $3
	`, productID, variantID, quantity)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &InsufficientStockError{ProductID: productID, VariantID: variantID, Requested: quantity}
	}

	_, err = q.Exec(ctx, `
		INSERT INTO inventory_movements (id, product_id, variant_id, order_id, change_quantity, movement_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), productID, variantID, orderID, quantity, MovementTypeDecreased)
	if err != nil {
		return fmt.Errorf("failed to insert movement record: %w", err)
	}
	return nil
}

// Increment re-credits stock unconditionally.
func (r *PostgresRepository) Increment(ctx context.Context, q DBTX, productID, variantID string, quantity int) error {
	_, err := q.Exec(ctx, `
		INSERT INTO inventory (product_id, variant_id, stock)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id, variant_id)
		DO UPDATE SET stock = inventory.stock + $3, updated_at = NOW()
	`, productID, variantID, quantity)
	if err != nil {
		return fmt.Errorf("failed to increment stock: %w", err)
	}
	return nil
}

// RestoreForOrder re-credits every decrement recorded for the order, exactly
// once. The unique index on (order_id, product, variant, movement_type) makes
// the restored marker the idempotency guard: a retried or racing cancellation
// inserts zero rows and re-credits nothing. Returns the number of lines
// actually restored.
func (r *PostgresRepository) RestoreForOrder(ctx context.Context, q DBTX, orderID string) (int, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, variant_id, change_quantity
		FROM inventory_movements
		WHERE order_id = $1 AND movement_type = $2
	`, orderID, MovementTypeDecreased)
	if err != nil {
		return 0, fmt.Errorf("failed to load movements: %w", err)
	}

	type line struct {
		productID string
		variantID string
		quantity  int
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.productID, &l.variantID, &l.quantity); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan movement: %w", err)
		}
		lines = append(lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read movements: %w", err)
	}

	restored := 0
	for _, l := range lines {
		tag, err := q.Exec(ctx, `
			INSERT INTO inventory_movements (id, product_id, variant_id, order_id, change_quantity, movement_type)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (order_id, product_id, variant_id, movement_type) DO NOTHING
		`, uuid.New().String(), l.productID, l.variantID, orderID, l.quantity, MovementTypeRestored)
		if err != nil {
			return restored, fmt.Errorf("failed to insert restore record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already restored for this line, skip the re-credit.
			continue
		}
		if err := r.Increment(ctx, q, l.productID, l.variantID, l.quantity); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}
