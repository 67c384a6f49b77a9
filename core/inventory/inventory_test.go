package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mbaur/myshop/core/inventory"
	"github.com/mbaur/myshop/core/product"
	"github.com/mbaur/myshop/database"
	"github.com/mbaur/myshop/events"
	"github.com/sirupsen/logrus"
)

// memStore mimics the conditional updates of the sqlx store: the availability
// check and the counter bump happen under one lock.
type memStore struct {
	mu       sync.Mutex
	products map[string]product.Product
}

func newMemStore(ps ...product.Product) *memStore {
	s := &memStore{products: make(map[string]product.Product)}
	for _, p := range ps {
		s.products[p.ID] = p
	}
	return s
}

func (s *memStore) Fetch(ctx context.Context, id string) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return product.Product{}, database.ErrNotFound
	}
	return p, nil
}

func (s *memStore) Reserve(ctx context.Context, id string, qty int) (product.Product, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return product.Product{}, false, database.ErrNotFound
	}
	if p.ReservedQuantity+qty > p.StockQuantity {
		return p, false, nil
	}
	p.ReservedQuantity += qty
	s.products[id] = p
	return p, true, nil
}

func (s *memStore) Release(ctx context.Context, id string, qty int) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return product.Product{}, database.ErrNotFound
	}
	p.ReservedQuantity -= qty
	if p.ReservedQuantity < 0 {
		p.ReservedQuantity = 0
	}
	s.products[id] = p
	return p, nil
}

func (s *memStore) Commit(ctx context.Context, id string, qty int) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok || p.StockQuantity < qty {
		return product.Product{}, errors.New("stock underflow or missing product")
	}
	p.StockQuantity -= qty
	p.ReservedQuantity -= qty
	if p.ReservedQuantity < 0 {
		p.ReservedQuantity = 0
	}
	s.products[id] = p
	return p, nil
}

type busRecorder struct {
	mu     sync.Mutex
	events []events.ProductStock
}

func (b *busRecorder) ProductStockUpdated(p events.ProductStock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, p)
}

func (b *busRecorder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestReserveNeverOversells(t *testing.T) {
	const stock = 10
	const workers = 100

	store := newMemStore(product.Product{ID: "p1", StockQuantity: stock})
	ledger := inventory.NewLedger(store, &busRecorder{}, testLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(context.Background(), "p1", 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != stock {
		t.Fatalf("granted %d reservations, want exactly %d", granted, stock)
	}

	p, err := store.Fetch(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.ReservedQuantity != stock {
		t.Fatalf("reserved counter is %d, want %d", p.ReservedQuantity, stock)
	}
	if p.Available() != 0 {
		t.Fatalf("available is %d, want 0", p.Available())
	}
}

func TestReserveInsufficientStock(t *testing.T) {
	store := newMemStore(product.Product{ID: "p1", StockQuantity: 3})
	ledger := inventory.NewLedger(store, &busRecorder{}, testLogger())

	if _, err := ledger.Reserve(context.Background(), "p1", 3); err != nil {
		t.Fatalf("reserving to zero: %v", err)
	}

	_, err := ledger.Reserve(context.Background(), "p1", 1)

	var ise *inventory.InsufficientStockError
	if !errors.As(err, &ise) {
		t.Fatalf("got %v, want InsufficientStockError", err)
	}
	if ise.Available != 0 {
		t.Fatalf("reported available %d, want 0", ise.Available)
	}
	if ise.Requested != 1 {
		t.Fatalf("reported requested %d, want 1", ise.Requested)
	}
}

func TestReserveInvalidQuantity(t *testing.T) {
	store := newMemStore(product.Product{ID: "p1", StockQuantity: 3})
	ledger := inventory.NewLedger(store, &busRecorder{}, testLogger())

	for _, qty := range []int{0, -1} {
		if _, err := ledger.Reserve(context.Background(), "p1", qty); !errors.Is(err, inventory.ErrInvalidQuantity) {
			t.Fatalf("reserving %d: got %v, want ErrInvalidQuantity", qty, err)
		}
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	store := newMemStore(product.Product{ID: "p1", StockQuantity: 10})
	ledger := inventory.NewLedger(store, &busRecorder{}, testLogger())

	if _, err := ledger.Reserve(context.Background(), "p1", 2); err != nil {
		t.Fatal(err)
	}

	p, err := ledger.Release(context.Background(), "p1", 5)
	if err != nil {
		t.Fatalf("over-releasing: %v", err)
	}
	if p.ReservedQuantity != 0 {
		t.Fatalf("reserved counter is %d, want 0", p.ReservedQuantity)
	}
	if p.Available() != 10 {
		t.Fatalf("available is %d, want 10", p.Available())
	}
}

func TestCommitDeductsStockAndHold(t *testing.T) {
	store := newMemStore(product.Product{ID: "p1", StockQuantity: 10})
	ledger := inventory.NewLedger(store, &busRecorder{}, testLogger())

	if _, err := ledger.Reserve(context.Background(), "p1", 4); err != nil {
		t.Fatal(err)
	}

	p, err := ledger.Commit(context.Background(), "p1", 4)
	if err != nil {
		t.Fatalf("committing: %v", err)
	}
	if p.StockQuantity != 6 {
		t.Fatalf("stock is %d, want 6", p.StockQuantity)
	}
	if p.ReservedQuantity != 0 {
		t.Fatalf("reserved counter is %d, want 0", p.ReservedQuantity)
	}
}

func TestLedgerNotifiesWatchers(t *testing.T) {
	store := newMemStore(product.Product{ID: "p1", Name: "widget", StockQuantity: 10})
	bus := &busRecorder{}
	ledger := inventory.NewLedger(store, bus, testLogger())

	if _, err := ledger.Reserve(context.Background(), "p1", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.Release(context.Background(), "p1", 2); err != nil {
		t.Fatal(err)
	}

	if bus.count() != 2 {
		t.Fatalf("published %d stock updates, want 2", bus.count())
	}

	last := bus.events[len(bus.events)-1]
	if last.AvailableQuantity != 10 {
		t.Fatalf("last update reports available %d, want 10", last.AvailableQuantity)
	}

	// A failed reserve must not publish.
	if _, err := ledger.Reserve(context.Background(), "p1", 11); err == nil {
		t.Fatal("expected insufficient stock")
	}
	if bus.count() != 2 {
		t.Fatalf("published %d stock updates after failed reserve, want 2", bus.count())
	}
}
