package product

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mbaur/myshop/database"
)

func Create(ctx context.Context, db sqlx.ExtContext, p Product) error {
	const q = `
	INSERT INTO products
		(product_id, name, description, category, price, stock_quantity, reserved_quantity, is_active, created_at, updated_at)
	VALUES
		(:product_id, :name, :description, :category, :price, :stock_quantity, :reserved_quantity, :is_active, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, db, q, p); err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}

	return nil
}

func Fetch(ctx context.Context, db sqlx.ExtContext, id string) (Product, error) {
	const q = `SELECT * FROM products WHERE product_id = $1`

	var p Product
	if err := sqlx.GetContext(ctx, db, &p, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, database.ErrNotFound
		}
		return Product{}, fmt.Errorf("selecting product[%s]: %w", id, err)
	}

	return p, nil
}

func FetchAll(ctx context.Context, db sqlx.ExtContext, category string) ([]Product, error) {
	const q = `SELECT * FROM products WHERE is_active AND ($1 = '' OR category = $1) ORDER BY name`

	ps := []Product{}
	if err := sqlx.SelectContext(ctx, db, &ps, q, category); err != nil {
		return nil, fmt.Errorf("selecting products: %w", err)
	}

	return ps, nil
}

// Update writes the product back. The reserved guard repeats the Apply check
// against the live counter, so a hold taken between the caller's read and
// this write still cannot be stranded above stock.
func Update(ctx context.Context, db sqlx.ExtContext, p Product) error {
	const q = `
	UPDATE products SET
		name = :name,
		description = :description,
		category = :category,
		price = :price,
		stock_quantity = :stock_quantity,
		is_active = :is_active,
		updated_at = :updated_at
	WHERE product_id = :product_id AND reserved_quantity <= :stock_quantity`

	res, err := sqlx.NamedExecContext(ctx, db, q, p)
	if err != nil {
		return fmt.Errorf("updating product[%s]: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &StockBelowReservedError{
			ProductID:        p.ID,
			StockQuantity:    p.StockQuantity,
			ReservedQuantity: p.ReservedQuantity,
		}
	}

	return nil
}

// Store exposes the ledger primitives on the products table. All mutations of
// reserved_quantity go through here as single conditional statements: the
// availability check and the counter bump are one atomic update, never two
// round trips.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Fetch(ctx context.Context, id string) (Product, error) {
	return Fetch(ctx, s.db, id)
}

// Reserve holds qty units against the product. The returned bool reports
// whether the hold was taken; when it is false the returned product carries
// the availability the caller lost to.
func (s *Store) Reserve(ctx context.Context, id string, qty int) (Product, bool, error) {
	const q = `
	UPDATE products SET
		reserved_quantity = reserved_quantity + $2,
		updated_at = $3
	WHERE product_id = $1 AND reserved_quantity + $2 <= stock_quantity
	RETURNING *`

	var p Product
	err := sqlx.GetContext(ctx, s.db, &p, q, id, qty, time.Now().UTC())
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Product{}, false, fmt.Errorf("reserving %d of product[%s]: %w", qty, id, err)
	}

	// No row matched: either the product is missing or the stock is short.
	p, err = Fetch(ctx, s.db, id)
	if err != nil {
		return Product{}, false, err
	}

	return p, false, nil
}

// Release gives qty units back. It clamps at zero, so releasing more than is
// held (a re-run after partial failure, say) is harmless.
func (s *Store) Release(ctx context.Context, id string, qty int) (Product, error) {
	const q = `
	UPDATE products SET
		reserved_quantity = GREATEST(reserved_quantity - $2, 0),
		updated_at = $3
	WHERE product_id = $1
	RETURNING *`

	var p Product
	if err := sqlx.GetContext(ctx, s.db, &p, q, id, qty, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, database.ErrNotFound
		}
		return Product{}, fmt.Errorf("releasing %d of product[%s]: %w", qty, id, err)
	}

	return p, nil
}

// Commit permanently deducts qty from physical stock and releases the paired
// reservation, in one statement. Used on order finalization.
func (s *Store) Commit(ctx context.Context, id string, qty int) (Product, error) {
	const q = `
	UPDATE products SET
		stock_quantity = stock_quantity - $2,
		reserved_quantity = GREATEST(reserved_quantity - $2, 0),
		updated_at = $3
	WHERE product_id = $1 AND stock_quantity >= $2
	RETURNING *`

	var p Product
	if err := sqlx.GetContext(ctx, s.db, &p, q, id, qty, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, fmt.Errorf("committing %d of product[%s]: stock underflow or missing product", qty, id)
		}
		return Product{}, fmt.Errorf("committing %d of product[%s]: %w", qty, id, err)
	}

	return p, nil
}
