// Package inventory owns the ledger: the authoritative pair of stock and
// reserved counters on a product. Every component that holds or gives back
// stock goes through the Ledger; nothing else may touch reserved_quantity.
package inventory

import (
	"context"

	"github.com/mbaur/myshop/core/product"
	"github.com/mbaur/myshop/events"
	"github.com/sirupsen/logrus"
)

// Store is the persistence needed by the ledger. The sqlx implementation
// lives in core/product; tests use an in-memory one.
type Store interface {
	Fetch(ctx context.Context, productID string) (product.Product, error)
	Reserve(ctx context.Context, productID string, qty int) (product.Product, bool, error)
	Release(ctx context.Context, productID string, qty int) (product.Product, error)
	Commit(ctx context.Context, productID string, qty int) (product.Product, error)
}

// Emitter is the slice of the event bus the ledger publishes to.
type Emitter interface {
	ProductStockUpdated(events.ProductStock)
}

type Ledger struct {
	store Store
	bus   Emitter
	log   logrus.FieldLogger
}

func NewLedger(store Store, bus Emitter, log logrus.FieldLogger) *Ledger {
	return &Ledger{store: store, bus: bus, log: log}
}

// Reserve holds qty units of the product. On success the new counters are
// fanned out to the product's watchers. When the available stock is short it
// returns an InsufficientStockError carrying the amount the caller lost to,
// and the ledger is left untouched.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) (product.Product, error) {
	if qty <= 0 {
		return product.Product{}, ErrInvalidQuantity
	}

	p, reserved, err := l.store.Reserve(ctx, productID, qty)
	if err != nil {
		return product.Product{}, err
	}

	if !reserved {
		return p, &InsufficientStockError{
			ProductID: productID,
			Requested: qty,
			Available: p.Available(),
		}
	}

	l.notify(p)
	return p, nil
}

// Release gives qty units back to the pool. It is idempotent with respect to
// over-release: the reserved counter clamps at zero.
func (l *Ledger) Release(ctx context.Context, productID string, qty int) (product.Product, error) {
	if qty <= 0 {
		return product.Product{}, ErrInvalidQuantity
	}

	p, err := l.store.Release(ctx, productID, qty)
	if err != nil {
		return product.Product{}, err
	}

	l.notify(p)
	return p, nil
}

// Commit turns a reservation into a permanent stock deduction on order
// finalization: stock_quantity drops by qty and the paired hold is released.
func (l *Ledger) Commit(ctx context.Context, productID string, qty int) (product.Product, error) {
	if qty <= 0 {
		return product.Product{}, ErrInvalidQuantity
	}

	p, err := l.store.Commit(ctx, productID, qty)
	if err != nil {
		return product.Product{}, err
	}

	l.notify(p)
	return p, nil
}

func (l *Ledger) notify(p product.Product) {
	l.bus.ProductStockUpdated(events.ProductStock{
		ProductID:         p.ID,
		Name:              p.Name,
		StockQuantity:     p.StockQuantity,
		ReservedQuantity:  p.ReservedQuantity,
		AvailableQuantity: p.Available(),
		LastUpdated:       p.UpdatedAt,
	})
}
