// Package cart implements the cart aggregate and the identity resolution
// that maps a (sessionId, userId) pair onto exactly one cart. Line items
// carry a reservation expiry; the stock they hold is owned by the inventory
// ledger and kept consistent through the reservation protocol, never by
// touching the counters directly.
package cart

import "time"

type Cart struct {
	ID        string    `json:"id" db:"cart_id"`
	SessionID string    `json:"sessionId" db:"session_id"`
	UserID    string    `json:"userId,omitempty" db:"user_id"`
	Total     int       `json:"total" db:"total"`
	Version   int       `json:"-" db:"version"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
	Items     []Item    `json:"items" db:"-"`
}

type Item struct {
	CartID        string    `json:"-" db:"cart_id"`
	ProductID     string    `json:"productId" db:"product_id"`
	ProductName   string    `json:"productName,omitempty" db:"product_name"`
	Quantity      int       `json:"quantity" db:"quantity"`
	Price         int       `json:"price" db:"price"`
	ReservedUntil time.Time `json:"reservedUntil" db:"reserved_until"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

type ItemNew struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gte=1"`
}

type ReplaceNew struct {
	Items []ItemNew `json:"items" validate:"dive"`
}

// CalculateTotal recomputes the cart total from its items. The total is
// always re-derived before persisting or emitting, never trusted as a cached
// fact.
func (c *Cart) CalculateTotal() int {
	total := 0
	for _, it := range c.Items {
		total += it.Price * it.Quantity
	}
	c.Total = total
	return total
}

// TotalItems is the summed quantity across all lines.
func (c *Cart) TotalItems() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

func (c *Cart) itemIndex(productID string) int {
	for i, it := range c.Items {
		if it.ProductID == productID {
			return i
		}
	}
	return -1
}
