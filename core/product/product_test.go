package product

import (
	"errors"
	"testing"
	"time"
)

func TestApplyPartialUpdate(t *testing.T) {
	p := Product{
		ID:               "p1",
		Name:             "widget",
		Price:            10,
		StockQuantity:    10,
		ReservedQuantity: 4,
	}

	name := "gadget"
	stock := 6
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	got, err := p.Apply(ProductUp{Name: &name, StockQuantity: &stock}, now)
	if err != nil {
		t.Fatal(err)
	}

	if got.Name != "gadget" {
		t.Fatalf("name is %q, want gadget", got.Name)
	}
	if got.StockQuantity != 6 {
		t.Fatalf("stock is %d, want 6", got.StockQuantity)
	}
	if got.Price != 10 {
		t.Fatalf("price is %d, want 10 (field not in the update)", got.Price)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Fatalf("updated at is %v, want %v", got.UpdatedAt, now)
	}
}

func TestApplyRefusesStockBelowReserved(t *testing.T) {
	p := Product{
		ID:               "p1",
		Name:             "widget",
		StockQuantity:    10,
		ReservedQuantity: 4,
	}

	// 4 units are held by open carts; stock cannot drop under them.
	stock := 3
	_, err := p.Apply(ProductUp{StockQuantity: &stock}, time.Now().UTC())

	var sbr *StockBelowReservedError
	if !errors.As(err, &sbr) {
		t.Fatalf("got %v, want StockBelowReservedError", err)
	}
	if sbr.StockQuantity != 3 || sbr.ReservedQuantity != 4 {
		t.Fatalf("error carries %d/%d, want the live counters 3/4", sbr.StockQuantity, sbr.ReservedQuantity)
	}
}
