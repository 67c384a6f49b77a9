// Package reservation reclaims lapsed stock holds. The sweeper is the mirror
// of a cart mutation: it evicts expired lines, releases their ledger holds
// and notifies the affected rooms, with no inbound request driving it.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/mbaur/myshop/core/cart"
	"github.com/mbaur/myshop/core/product"
	"github.com/mbaur/myshop/events"
	"github.com/sirupsen/logrus"
)

// CartStore is the cart persistence the sweeper scans.
type CartStore interface {
	FetchWithExpired(ctx context.Context, now time.Time) ([]cart.Cart, error)
	Save(ctx context.Context, c cart.Cart) error
}

// Ledger gives evicted quantities back to the stock pool.
type Ledger interface {
	Release(ctx context.Context, productID string, qty int) (product.Product, error)
}

// Emitter is the slice of the event bus the sweeper publishes to.
type Emitter interface {
	ReservationExpired(events.ReservationExpired)
	CartUpdated(events.CartUpdate)
}

// Result is what one sweep reports to the operational log.
type Result struct {
	ExpiredReservations int      `json:"expiredReservations"`
	ReleasedProducts    []string `json:"releasedProducts"`
	Errors              []string `json:"errors"`
}

type Sweeper struct {
	store  CartStore
	ledger Ledger
	bus    Emitter
	log    logrus.FieldLogger

	now func() time.Time
}

func NewSweeper(store CartStore, ledger Ledger, bus Emitter, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{
		store:  store,
		ledger: ledger,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

// Sweep runs one scan-evict-release cycle. Failures are isolated per cart
// and per product: they are collected into the result and never abort the
// remaining work. Eviction is persisted before the ledger release, so a
// re-run after a partial failure cannot evict (and release) the same line
// twice.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result
	res.ReleasedProducts = []string{}
	res.Errors = []string{}

	now := s.now().UTC()

	carts, err := s.store.FetchWithExpired(ctx, now)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("scanning carts: %v", err))
		return res
	}

	for _, c := range carts {
		expired := make([]cart.Item, 0, len(c.Items))
		kept := make([]cart.Item, 0, len(c.Items))
		for _, it := range c.Items {
			if it.ReservedUntil.Before(now) {
				expired = append(expired, it)
			} else {
				kept = append(kept, it)
			}
		}
		if len(expired) == 0 {
			continue
		}

		c.Items = kept
		c.CalculateTotal()
		c.UpdatedAt = now

		if err := s.store.Save(ctx, c); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("saving cart %s: %v", c.ID, err))
			continue
		}
		res.ExpiredReservations += len(expired)

		for _, it := range expired {
			if _, err := s.ledger.Release(ctx, it.ProductID, it.Quantity); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("releasing product %s: %v", it.ProductID, err))
				continue
			}
			res.ReleasedProducts = append(res.ReleasedProducts, it.ProductID)

			s.bus.ReservationExpired(events.ReservationExpired{
				ProductID: it.ProductID,
				SessionID: c.SessionID,
				UserID:    c.UserID,
			})
		}

		s.bus.CartUpdated(events.CartUpdate{
			CartID:     c.ID,
			SessionID:  c.SessionID,
			UserID:     c.UserID,
			TotalItems: c.TotalItems(),
			Total:      c.Total,
			UpdatedAt:  c.UpdatedAt,
		})
	}

	return res
}
