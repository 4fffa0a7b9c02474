package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProductNotFound is returned when a product id does not exist in the catalog.
var ErrProductNotFound = errors.New("product not found")

// Catalog defines the read operations the checkout core needs from the
// product subsystem. Product CRUD itself lives outside this core.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
}

// PostgresCatalog implements Catalog against the products tables.
type PostgresCatalog struct {
	db *pgxpool.Pool
}

// NewPostgresCatalog creates a new PostgresCatalog.
func NewPostgresCatalog(db *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// GetProduct loads a product with its variants and current stock counts.
func (c *PostgresCatalog) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var p Product
	err := c.db.QueryRow(ctx, `
		SELECT p.id, p.name, p.sku, p.image_url, p.price, p.is_active,
		       COALESCE(i.stock, 0), p.created_at, p.updated_at
		FROM products p
		LEFT JOIN inventory i ON i.product_id = p.id AND i.variant_id = ''
		WHERE p.id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.SKU, &p.ImageURL, &p.Price, &p.IsActive,
		&p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	rows, err := c.db.Query(ctx, `
		SELECT v.id, v.name, v.price_delta, COALESCE(i.stock, 0)
		FROM product_variants v
		LEFT JOIN inventory i ON i.product_id = v.product_id AND i.variant_id = v.id
		WHERE v.product_id = $1
		ORDER BY v.id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to get product variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.Name, &v.PriceDelta, &v.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read variants: %w", err)
	}

	return &p, nil
}
