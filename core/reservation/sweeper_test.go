package reservation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbaur/myshop/core/cart"
	"github.com/mbaur/myshop/core/product"
	"github.com/mbaur/myshop/core/reservation"
	"github.com/mbaur/myshop/events"
	"github.com/sirupsen/logrus"
)

type memCarts struct {
	mu       sync.Mutex
	carts    map[string]cart.Cart
	failSave map[string]bool
}

func newMemCarts(cs ...cart.Cart) *memCarts {
	s := &memCarts{carts: make(map[string]cart.Cart), failSave: make(map[string]bool)}
	for _, c := range cs {
		s.carts[c.ID] = c
	}
	return s
}

func (s *memCarts) FetchWithExpired(ctx context.Context, now time.Time) ([]cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []cart.Cart
	for _, c := range s.carts {
		for _, it := range c.Items {
			if it.ReservedUntil.Before(now) {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (s *memCarts) Save(ctx context.Context, c cart.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave[c.ID] {
		return errors.New("save failed")
	}
	s.carts[c.ID] = c
	return nil
}

func (s *memCarts) get(id string) cart.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts[id]
}

type memLedger struct {
	mu       sync.Mutex
	released map[string]int
	fail     map[string]bool
}

func newMemLedger() *memLedger {
	return &memLedger{released: make(map[string]int), fail: make(map[string]bool)}
}

func (l *memLedger) Release(ctx context.Context, id string, qty int) (product.Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[id] {
		return product.Product{}, errors.New("release failed")
	}
	l.released[id] += qty
	return product.Product{ID: id}, nil
}

type emitRecorder struct {
	mu      sync.Mutex
	expired []events.ReservationExpired
	updates []events.CartUpdate
}

func (e *emitRecorder) ReservationExpired(ev events.ReservationExpired) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expired = append(e.expired, ev)
}

func (e *emitRecorder) CartUpdated(up events.CartUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates = append(e.updates, up)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func line(productID string, qty, price int, reservedUntil time.Time) cart.Item {
	return cart.Item{ProductID: productID, Quantity: qty, Price: price, ReservedUntil: reservedUntil}
}

func TestSweepEvictsOnlyExpiredLines(t *testing.T) {
	now := time.Now().UTC()
	store := newMemCarts(cart.Cart{
		ID:        "c1",
		SessionID: "sess-1",
		Items: []cart.Item{
			line("p1", 2, 10, now.Add(-time.Minute)),
			line("p2", 1, 5, now.Add(time.Hour)),
		},
	})
	ledger := newMemLedger()
	bus := &emitRecorder{}

	sw := reservation.NewSweeper(store, ledger, bus, testLogger())
	res := sw.Sweep(context.Background())

	if res.ExpiredReservations != 1 {
		t.Fatalf("expired %d reservations, want 1", res.ExpiredReservations)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("sweep errors: %v", res.Errors)
	}

	c := store.get("c1")
	if len(c.Items) != 1 || c.Items[0].ProductID != "p2" {
		t.Fatalf("cart items are %+v, want only p2", c.Items)
	}
	if c.Total != 5 {
		t.Fatalf("total is %d, want 5 (recomputed after eviction)", c.Total)
	}

	if ledger.released["p1"] != 2 {
		t.Fatalf("released %d of p1, want 2", ledger.released["p1"])
	}
	if ledger.released["p2"] != 0 {
		t.Fatalf("released %d of p2, want 0", ledger.released["p2"])
	}

	if len(bus.expired) != 1 || bus.expired[0].SessionID != "sess-1" || bus.expired[0].ProductID != "p1" {
		t.Fatalf("expiry events are %+v, want exactly one for p1/sess-1", bus.expired)
	}
	if len(bus.updates) != 1 {
		t.Fatalf("emitted %d cart updates, want 1", len(bus.updates))
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	store := newMemCarts(cart.Cart{
		ID:        "c1",
		SessionID: "sess-1",
		Items:     []cart.Item{line("p1", 3, 10, now.Add(-time.Minute))},
	})
	ledger := newMemLedger()
	bus := &emitRecorder{}

	sw := reservation.NewSweeper(store, ledger, bus, testLogger())
	sw.Sweep(context.Background())
	res := sw.Sweep(context.Background())

	if res.ExpiredReservations != 0 {
		t.Fatalf("second sweep expired %d reservations, want 0", res.ExpiredReservations)
	}
	if ledger.released["p1"] != 3 {
		t.Fatalf("released %d of p1 across both sweeps, want 3", ledger.released["p1"])
	}
	if len(bus.expired) != 1 {
		t.Fatalf("emitted %d expiry events across both sweeps, want 1", len(bus.expired))
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	now := time.Now().UTC()
	store := newMemCarts(
		cart.Cart{
			ID:        "c1",
			SessionID: "sess-1",
			Items:     []cart.Item{line("p1", 1, 10, now.Add(-time.Minute))},
		},
		cart.Cart{
			ID:        "c2",
			SessionID: "sess-2",
			Items:     []cart.Item{line("p2", 2, 5, now.Add(-time.Minute))},
		},
	)
	store.failSave["c1"] = true

	ledger := newMemLedger()
	bus := &emitRecorder{}

	sw := reservation.NewSweeper(store, ledger, bus, testLogger())
	res := sw.Sweep(context.Background())

	if len(res.Errors) != 1 {
		t.Fatalf("sweep errors are %v, want exactly 1", res.Errors)
	}

	// The healthy cart was still swept.
	if res.ExpiredReservations != 1 {
		t.Fatalf("expired %d reservations, want 1", res.ExpiredReservations)
	}
	if ledger.released["p2"] != 2 {
		t.Fatalf("released %d of p2, want 2", ledger.released["p2"])
	}

	// The failed cart's hold was not released: eviction persists first.
	if ledger.released["p1"] != 0 {
		t.Fatalf("released %d of p1, want 0", ledger.released["p1"])
	}
}

func TestSweepFailedReleaseStillReported(t *testing.T) {
	now := time.Now().UTC()
	store := newMemCarts(cart.Cart{
		ID:        "c1",
		SessionID: "sess-1",
		Items: []cart.Item{
			line("p1", 1, 10, now.Add(-time.Minute)),
			line("p2", 2, 5, now.Add(-time.Minute)),
		},
	})
	ledger := newMemLedger()
	ledger.fail["p1"] = true
	bus := &emitRecorder{}

	sw := reservation.NewSweeper(store, ledger, bus, testLogger())
	res := sw.Sweep(context.Background())

	if len(res.Errors) != 1 {
		t.Fatalf("sweep errors are %v, want exactly 1", res.Errors)
	}
	if ledger.released["p2"] != 2 {
		t.Fatalf("released %d of p2, want 2", ledger.released["p2"])
	}
	if len(res.ReleasedProducts) != 1 || res.ReleasedProducts[0] != "p2" {
		t.Fatalf("released products are %v, want [p2]", res.ReleasedProducts)
	}
	if len(bus.expired) != 1 {
		t.Fatalf("emitted %d expiry events, want 1 (p2 only)", len(bus.expired))
	}
}
