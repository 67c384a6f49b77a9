package inventory

import (
	"errors"
	"fmt"
)

var ErrInvalidQuantity = errors.New("quantity must be a positive integer")

// InsufficientStockError reports a reserve attempt that exceeded the
// available stock. Available is included so clients can re-render
// immediately instead of polling.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("not enough stock for product[%s]: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}
