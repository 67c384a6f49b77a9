package product

import (
	"fmt"
	"time"
)

type Product struct {
	ID               string    `json:"id" db:"product_id"`
	Name             string    `json:"name" db:"name"`
	Description      string    `json:"description" db:"description"`
	Category         string    `json:"category" db:"category"`
	Price            int       `json:"price" db:"price"`
	StockQuantity    int       `json:"stockQuantity" db:"stock_quantity"`
	ReservedQuantity int       `json:"reservedQuantity" db:"reserved_quantity"`
	IsActive         bool      `json:"isActive" db:"is_active"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

// Available is the number of units not currently held by open carts.
func (p Product) Available() int {
	return p.StockQuantity - p.ReservedQuantity
}

type ProductNew struct {
	Name          string `json:"name" validate:"required"`
	Description   string `json:"description" validate:"required"`
	Category      string `json:"category" validate:"required"`
	Price         int    `json:"price" validate:"required,gte=0,lte=1000000"`
	StockQuantity int    `json:"stockQuantity" validate:"gte=0"`
}

type ProductUp struct {
	Name          *string `json:"name"`
	Description   *string `json:"description"`
	Category      *string `json:"category"`
	Price         *int    `json:"price" validate:"omitempty,gte=0,lte=1000000"`
	StockQuantity *int    `json:"stockQuantity" validate:"omitempty,gte=0"`
	IsActive      *bool   `json:"isActive"`
}

// StockBelowReservedError reports an update lowering stock under the units
// open carts currently hold. Carries the live counters so the client can see
// what it lost to.
type StockBelowReservedError struct {
	ProductID        string
	StockQuantity    int
	ReservedQuantity int
}

func (e *StockBelowReservedError) Error() string {
	return fmt.Sprintf("product[%s]: stock quantity %d is below the %d units held by open carts",
		e.ProductID, e.StockQuantity, e.ReservedQuantity)
}

// Apply merges the partial update into p. Stock cannot drop below the
// reserved counter: that would leave holds against units that no longer
// exist.
func (p Product) Apply(up ProductUp, now time.Time) (Product, error) {
	if up.Name != nil {
		p.Name = *up.Name
	}
	if up.Description != nil {
		p.Description = *up.Description
	}
	if up.Category != nil {
		p.Category = *up.Category
	}
	if up.Price != nil {
		p.Price = *up.Price
	}
	if up.StockQuantity != nil {
		p.StockQuantity = *up.StockQuantity
	}
	if up.IsActive != nil {
		p.IsActive = *up.IsActive
	}

	if p.StockQuantity < p.ReservedQuantity {
		return Product{}, &StockBelowReservedError{
			ProductID:        p.ID,
			StockQuantity:    p.StockQuantity,
			ReservedQuantity: p.ReservedQuantity,
		}
	}

	p.UpdatedAt = now
	return p, nil
}
