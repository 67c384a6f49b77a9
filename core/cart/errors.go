package cart

import (
	"errors"
	"fmt"
)

var ErrItemNotFound = errors.New("item not in cart")

// ErrVersionConflict reports a save racing a concurrent write (or delete) of
// the same cart. The caller's read is stale; re-resolve and retry.
var ErrVersionConflict = errors.New("cart was modified concurrently")

// ProductUnavailableError reports a cart operation referencing a product
// that exists but is not active for sale.
type ProductUnavailableError struct {
	ProductID string
	Name      string
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product[%s] %q is not available", e.ProductID, e.Name)
}

// ReservationExpiredError reports an update against a cart line whose
// reservation already lapsed; the client must re-add the item.
type ReservationExpiredError struct {
	ProductID string
	Name      string
}

func (e *ReservationExpiredError) Error() string {
	return fmt.Sprintf("reservation for product[%s] %q has expired", e.ProductID, e.Name)
}
