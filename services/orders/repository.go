package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository defines order persistence. Writes of mutable state go through
// Update; the immutable snapshot columns are only ever written by Create.
type Repository interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	NextNumber(ctx context.Context, q DBTX, period string) (int, error)
	Create(ctx context.Context, q DBTX, o *Order) error
	GetByID(ctx context.Context, orderID string) (*Order, error)
	GetByIDForUpdate(ctx context.Context, q DBTX, orderID string) (*Order, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Order, error)
	GetByTransactionIDForUpdate(ctx context.Context, q DBTX, transactionID string) (*Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error)
	Update(ctx context.Context, q DBTX, o *Order) error
	FindExpiredPending(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Begin starts a transaction for multi-step flows (checkout, cancellation,
// payment reconciliation).
func (r *PostgresRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

// NextNumber atomically draws the next order-number sequence for a period.
// The per-period upsert-and-increment makes concurrent checkouts in the same
// month draw distinct numbers without a find-max-then-add-one race.
func (r *PostgresRepository) NextNumber(ctx context.Context, q DBTX, period string) (int, error) {
	var seq int
	err := q.QueryRow(ctx, `
		INSERT INTO order_counters (period, seq)
		VALUES ($1, 1)
		ON CONFLICT (period) DO UPDATE SET seq = order_counters.seq + 1
		RETURNING seq
	`, period).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to draw order number: %w", err)
	}
	return seq, nil
}

const orderColumns = `
	id, number, customer_id, email, status,
	payment_method, payment_status, transaction_id, paid_at,
	subtotal, discount_amount, tax_amount, shipping_cost, total,
	items, shipping_address, billing_address, shipping_method,
	refunds, status_history, tracking_number, notes, created_at, updated_at`

// Create inserts the full order snapshot.
func (r *PostgresRepository) Create(ctx context.Context, q DBTX, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	shipAddr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to encode shipping address: %w", err)
	}
	billAddr, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return fmt.Errorf("failed to encode billing address: %w", err)
	}
	var shipMethod []byte
	if o.Shipping != nil {
		if shipMethod, err = json.Marshal(o.Shipping); err != nil {
			return fmt.Errorf("failed to encode shipping method: %w", err)
		}
	}
	history, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("failed to encode status history: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO orders (
			id, number, customer_id, email, status,
			payment_method, payment_status, transaction_id, paid_at,
			subtotal, discount_amount, tax_amount, shipping_cost, total,
			items, shipping_address, billing_address, shipping_method,
			refunds, status_history, tracking_number, notes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, NULLIF($8, ''), $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18,
			'[]', $19, $20, $21, $22, $23
		)
	`, o.ID, o.Number, o.CustomerID, o.Email, o.Status,
		o.Payment.Method, o.Payment.Status, o.Payment.TransactionID, o.Payment.PaidAt,
		o.Subtotal, o.DiscountAmount, o.TaxAmount, o.ShippingCost, o.Total,
		items, shipAddr, billAddr, shipMethod,
		history, o.TrackingNumber, o.Notes, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o             Order
		transactionID *string
		items         []byte
		shipAddr      []byte
		billAddr      []byte
		shipMethod    []byte
		refunds       []byte
		history       []byte
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.CustomerID, &o.Email, &o.Status,
		&o.Payment.Method, &o.Payment.Status, &transactionID, &o.Payment.PaidAt,
		&o.Subtotal, &o.DiscountAmount, &o.TaxAmount, &o.ShippingCost, &o.Total,
		&items, &shipAddr, &billAddr, &shipMethod,
		&refunds, &history, &o.TrackingNumber, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	if transactionID != nil {
		o.Payment.TransactionID = *transactionID
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to decode order items: %w", err)
	}
	if err := json.Unmarshal(shipAddr, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}
	if err := json.Unmarshal(billAddr, &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode billing address: %w", err)
	}
	if len(shipMethod) > 0 {
		if err := json.Unmarshal(shipMethod, &o.Shipping); err != nil {
			return nil, fmt.Errorf("failed to decode shipping method: %w", err)
		}
	}
	if err := json.Unmarshal(refunds, &o.Refunds); err != nil {
		return nil, fmt.Errorf("failed to decode refunds: %w", err)
	}
	if err := json.Unmarshal(history, &o.History); err != nil {
		return nil, fmt.Errorf("failed to decode status history: %w", err)
	}
	return &o, nil
}

// GetByID loads an order by id.
func (r *PostgresRepository) GetByID(ctx context.Context, orderID string) (*Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

// GetByIDForUpdate loads an order by id with a pessimistic row lock, so
// concurrent reconciliation attempts for the same order serialize.
func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, q DBTX, orderID string) (*Order, error) {
	row := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	return scanOrder(row)
}

// GetByTransactionID locates the order owning a provider transaction id.
// Refund webhooks only carry the charge/intent id.
func (r *PostgresRepository) GetByTransactionID(ctx context.Context, transactionID string) (*Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_id = $1`, transactionID)
	return scanOrder(row)
}

// GetByTransactionIDForUpdate is GetByTransactionID with a row lock.
func (r *PostgresRepository) GetByTransactionIDForUpdate(ctx context.Context, q DBTX, transactionID string) (*Order, error) {
	row := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_id = $1 FOR UPDATE`, transactionID)
	return scanOrder(row)
}

// ListByCustomer returns a customer's orders, newest first.
func (r *PostgresRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return out, nil
}

// Update persists the mutable fields of an order. Snapshot columns are
// deliberately absent from the statement: line items and totals are frozen at
// creation and corrections go through refunds, not edits.
func (r *PostgresRepository) Update(ctx context.Context, q DBTX, o *Order) error {
	refunds, err := json.Marshal(o.Refunds)
	if err != nil {
		return fmt.Errorf("failed to encode refunds: %w", err)
	}
	history, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("failed to encode status history: %w", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE orders
		SET status = $1, payment_status = $2, transaction_id = NULLIF($3, ''),
		    paid_at = $4, refunds = $5, status_history = $6,
		    tracking_number = $7, notes = $8, updated_at = NOW()
		WHERE id = $9
	`, o.Status, o.Payment.Status, o.Payment.TransactionID,
		o.Payment.PaidAt, refunds, history,
		o.TrackingNumber, o.Notes, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// FindExpiredPending returns ids of orders stuck in pending payment past the
// cutoff, for the expiry reaper.
func (r *PostgresRepository) FindExpiredPending(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'pending'
		  AND payment_status IN ('pending', 'failed')
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired pending orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read order ids: %w", err)
	}
	return ids, nil
}
