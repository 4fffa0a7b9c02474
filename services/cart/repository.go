package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrVersionConflict is returned when a save loses an optimistic-concurrency
// race. The use case reloads and retries once.
var ErrVersionConflict = errors.New("cart version conflict")

// Repository defines cart persistence plus the discount and shipping-method
// lookup tables.
type Repository interface {
	GetByID(ctx context.Context, cartID string) (*Cart, error)
	GetByCustomer(ctx context.Context, customerID string) (*Cart, error)
	GetBySession(ctx context.Context, sessionID string) (*Cart, error)
	Save(ctx context.Context, c *Cart) error
	Delete(ctx context.Context, cartID string) error
	DeleteExpired(ctx context.Context) (int, error)
	GetDiscountCode(ctx context.Context, code string) (*Discount, error)
	GetShippingMethod(ctx context.Context, methodID string) (*ShippingMethod, error)
}

// PostgresRepository stores carts as versioned JSONB documents. A cart is
// owned by a single customer/session, so optimistic compare-and-swap on the
// version column is enough to avoid lost updates from rapid double-clicks.
type PostgresRepository struct {
	db      *pgxpool.Pool
	anonTTL time.Duration
}

// NewPostgresRepository creates a new PostgresRepository. anonTTL bounds the
// lifetime of anonymous-session carts.
func NewPostgresRepository(db *pgxpool.Pool, anonTTL time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, anonTTL: anonTTL}
}

func (r *PostgresRepository) getBy(ctx context.Context, where string, arg any) (*Cart, error) {
	var (
		doc     []byte
		version int
	)
	err := r.db.QueryRow(ctx,
		`SELECT doc, version FROM carts WHERE `+where, arg,
	).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	var c Cart
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("failed to decode cart document: %w", err)
	}
	c.Version = version
	return &c, nil
}

// GetByID loads a cart by its id.
func (r *PostgresRepository) GetByID(ctx context.Context, cartID string) (*Cart, error) {
	return r.getBy(ctx, "id = $1", cartID)
}

// GetByCustomer loads the cart owned by a customer.
func (r *PostgresRepository) GetByCustomer(ctx context.Context, customerID string) (*Cart, error) {
	return r.getBy(ctx, "customer_id = $1", customerID)
}

// GetBySession loads the cart owned by an anonymous session.
func (r *PostgresRepository) GetBySession(ctx context.Context, sessionID string) (*Cart, error) {
	return r.getBy(ctx, "session_id = $1", sessionID)
}

// Save persists the cart document. New carts (version 0) are inserted;
// existing ones are updated with a compare-and-swap on version, returning
// ErrVersionConflict when another request saved first. Anonymous carts get
// their expiry refreshed on every save.
func (r *PostgresRepository) Save(ctx context.Context, c *Cart) error {
	var expiresAt *time.Time
	if c.SessionID != "" {
		t := time.Now().UTC().Add(r.anonTTL)
		expiresAt = &t
		c.ExpiresAt = expiresAt
	}

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cart document: %w", err)
	}

	if c.Version == 0 {
		_, err := r.db.Exec(ctx, `
			INSERT INTO carts (id, customer_id, session_id, doc, version, expires_at, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, 1, $5, $6, NOW())
		`, c.ID, c.CustomerID, c.SessionID, doc, expiresAt, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert cart: %w", err)
		}
		c.Version = 1
		return nil
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE carts
		SET doc = $1, version = version + 1, expires_at = $2, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`, doc, expiresAt, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update cart: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

// Delete removes a cart (after conversion to an order, or on merge).
func (r *PostgresRepository) Delete(ctx context.Context, cartID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM carts WHERE id = $1`, cartID)
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return nil
}

// DeleteExpired sweeps abandoned anonymous carts past their TTL.
func (r *PostgresRepository) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM carts WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired carts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetDiscountCode resolves an active, unexpired discount code.
func (r *PostgresRepository) GetDiscountCode(ctx context.Context, code string) (*Discount, error) {
	var d Discount
	err := r.db.QueryRow(ctx, `
		SELECT code, type, value, description
		FROM discount_codes
		WHERE code = $1 AND active AND (expires_at IS NULL OR expires_at > NOW())
	`, code).Scan(&d.Code, &d.Type, &d.Value, &d.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidDiscountCode
		}
		return nil, fmt.Errorf("failed to resolve discount code: %w", err)
	}
	return &d, nil
}

// GetShippingMethod resolves an active shipping method.
func (r *PostgresRepository) GetShippingMethod(ctx context.Context, methodID string) (*ShippingMethod, error) {
	var m ShippingMethod
	err := r.db.QueryRow(ctx, `
		SELECT id, name, price FROM shipping_methods WHERE id = $1 AND active
	`, methodID).Scan(&m.ID, &m.Name, &m.Price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidShippingMethod
		}
		return nil, fmt.Errorf("failed to resolve shipping method: %w", err)
	}
	return &m, nil
}
