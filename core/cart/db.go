package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mbaur/myshop/database"
)

// Store is the Postgres persistence for carts. A cart is written as one
// logical document: Save replaces the cart row and its full item set in a
// single transaction.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const cartColumns = `cart_id, session_id, COALESCE(user_id::text, '') AS user_id, total, version, created_at, updated_at`

const itemQuery = `
	SELECT
		ci.cart_id, ci.product_id, ci.quantity, ci.price, ci.reserved_until,
		ci.created_at, ci.updated_at, p.name AS product_name
	FROM cart_items ci
	JOIN products p USING (product_id)
	WHERE ci.cart_id = $1
	ORDER BY ci.created_at, ci.product_id`

func (s *Store) FetchBySession(ctx context.Context, sessionID string) (Cart, error) {
	q := fmt.Sprintf(`SELECT %s FROM carts WHERE session_id = $1`, cartColumns)
	return s.fetch(ctx, q, sessionID)
}

func (s *Store) FetchByUser(ctx context.Context, userID string) (Cart, error) {
	q := fmt.Sprintf(`SELECT %s FROM carts WHERE user_id = $1`, cartColumns)
	return s.fetch(ctx, q, userID)
}

func (s *Store) fetch(ctx context.Context, q string, arg string) (Cart, error) {
	var c Cart
	if err := sqlx.GetContext(ctx, s.db, &c, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cart{}, database.ErrNotFound
		}
		return Cart{}, fmt.Errorf("selecting cart: %w", err)
	}

	if err := s.loadItems(ctx, &c); err != nil {
		return Cart{}, err
	}

	return c, nil
}

func (s *Store) loadItems(ctx context.Context, c *Cart) error {
	items := []Item{}
	if err := sqlx.SelectContext(ctx, s.db, &items, itemQuery, c.ID); err != nil {
		return fmt.Errorf("selecting items of cart[%s]: %w", c.ID, err)
	}
	c.Items = items
	return nil
}

func (s *Store) Create(ctx context.Context, c Cart) error {
	return database.Transaction(s.db, func(tx sqlx.ExtContext) error {
		return insertCart(ctx, tx, c)
	})
}

// Save replaces the persisted cart with c: cart row plus the complete item
// set, atomically. The write is version-guarded: saving from a stale read
// fails with ErrVersionConflict instead of overwriting a concurrent write,
// closing the window between a request handler and the expiry sweeper.
func (s *Store) Save(ctx context.Context, c Cart) error {
	return database.Transaction(s.db, func(tx sqlx.ExtContext) error {
		return saveTx(ctx, tx, c)
	})
}

// Merge persists the outcome of a cart merge: the now-redundant session cart
// is deleted and the merged cart saved in one transaction. The delete goes
// first, freeing the unique session id for the merged cart; a failure rolls
// the whole thing back, so both carts and the holds their lines reference
// stay intact.
func (s *Store) Merge(ctx context.Context, c Cart, staleCartID string) error {
	return database.Transaction(s.db, func(tx sqlx.ExtContext) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM carts WHERE cart_id = $1`, staleCartID); err != nil {
			return fmt.Errorf("deleting merged cart[%s]: %w", staleCartID, err)
		}
		return saveTx(ctx, tx, c)
	})
}

func saveTx(ctx context.Context, tx sqlx.ExtContext, c Cart) error {
	const q = `
	UPDATE carts SET
		session_id = :session_id,
		user_id = NULLIF(:user_id, '')::uuid,
		total = :total,
		version = version + 1,
		updated_at = :updated_at
	WHERE cart_id = :cart_id AND version = :version`

	res, err := sqlx.NamedExecContext(ctx, tx, q, c)
	if err != nil {
		return fmt.Errorf("updating cart[%s]: %w", c.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, c.ID); err != nil {
		return fmt.Errorf("clearing items of cart[%s]: %w", c.ID, err)
	}

	return insertItems(ctx, tx, c)
}

func (s *Store) Delete(ctx context.Context, cartID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM carts WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("deleting cart[%s]: %w", cartID, err)
	}
	return nil
}

// FetchWithExpired returns every cart holding at least one item whose
// reservation lapsed before now. Used by the expiry sweeper.
func (s *Store) FetchWithExpired(ctx context.Context, now time.Time) ([]Cart, error) {
	q := fmt.Sprintf(`
	SELECT DISTINCT %s FROM carts
	JOIN cart_items USING (cart_id)
	WHERE cart_items.reserved_until < $1`, cartColumns)

	carts := []Cart{}
	if err := sqlx.SelectContext(ctx, s.db, &carts, q, now); err != nil {
		return nil, fmt.Errorf("selecting carts with expired items: %w", err)
	}

	for i := range carts {
		if err := s.loadItems(ctx, &carts[i]); err != nil {
			return nil, err
		}
	}

	return carts, nil
}

func insertCart(ctx context.Context, tx sqlx.ExtContext, c Cart) error {
	const q = `
	INSERT INTO carts (cart_id, session_id, user_id, total, version, created_at, updated_at)
	VALUES (:cart_id, :session_id, NULLIF(:user_id, '')::uuid, :total, :version, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, tx, q, c); err != nil {
		return fmt.Errorf("inserting cart: %w", err)
	}

	return insertItems(ctx, tx, c)
}

func insertItems(ctx context.Context, tx sqlx.ExtContext, c Cart) error {
	const q = `
	INSERT INTO cart_items (cart_id, product_id, quantity, price, reserved_until, created_at, updated_at)
	VALUES (:cart_id, :product_id, :quantity, :price, :reserved_until, :created_at, :updated_at)`

	for _, it := range c.Items {
		it.CartID = c.ID
		if _, err := sqlx.NamedExecContext(ctx, tx, q, it); err != nil {
			return fmt.Errorf("inserting item[%s] of cart[%s]: %w", it.ProductID, c.ID, err)
		}
	}

	return nil
}
