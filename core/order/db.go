package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mbaur/myshop/database"
)

func Create(ctx context.Context, db sqlx.ExtContext, o Order) error {
	const q = `
	INSERT INTO orders
		(order_id, session_id, user_id, provider_id, status, total, created_at, updated_at)
	VALUES
		(:order_id, :session_id, NULLIF(:user_id, '')::uuid, :provider_id, :status, :total, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, db, q, o); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}

	return nil
}

func CreateItem(ctx context.Context, db sqlx.ExtContext, it Item) error {
	const q = `
	INSERT INTO order_items
		(order_id, product_id, quantity, price, created_at)
	VALUES
		(:order_id, :product_id, :quantity, :price, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, db, q, it); err != nil {
		return fmt.Errorf("inserting order item: %w", err)
	}

	return nil
}

func FetchByProviderID(ctx context.Context, db sqlx.ExtContext, providerID string) (Order, error) {
	const q = `
	SELECT
		order_id, session_id, COALESCE(user_id::text, '') AS user_id,
		provider_id, status, total, created_at, updated_at
	FROM orders WHERE provider_id = $1`

	var o Order
	if err := sqlx.GetContext(ctx, db, &o, q, providerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, database.ErrNotFound
		}
		return Order{}, fmt.Errorf("selecting order by provider id: %w", err)
	}

	return o, nil
}

func UpdateStatus(ctx context.Context, db sqlx.ExtContext, up StatusUp) error {
	const q = `UPDATE orders SET status = :status, updated_at = :updated_at WHERE order_id = :order_id`

	if _, err := sqlx.NamedExecContext(ctx, db, q, up); err != nil {
		return fmt.Errorf("updating order[%s] status: %w", up.ID, err)
	}

	return nil
}
