// Package events implements the real-time fan-out for cart and stock state.
// State changes are published to topic-scoped subscriber groups: one topic per
// session, per user and per product, plus a global channel for shop-wide
// stock alerts. Publication is best-effort: the durable mutation always
// happens first, and a dropped event is logged, never surfaced to the caller.
package events

import "time"

const (
	TopicGlobal = "global"

	EventCartItemReserved    = "cart_item_reserved"
	EventCartItemReleased    = "cart_item_released"
	EventCartUpdated         = "cart_updated"
	EventCartStockConflict   = "cart_stock_conflict"
	EventProductStockUpdated = "product_stock_updated"
	EventLowStockAlert       = "low_stock_alert"
	EventOutOfStockAlert     = "out_of_stock_alert"
	EventReservationExpired  = "reservation_expired"
)

const (
	ConflictInsufficientStock  = "insufficient_stock"
	ConflictProductUnavailable = "product_unavailable"
	ConflictReservationExpired = "reservation_expired"
)

func SessionTopic(sessionID string) string { return "session:" + sessionID }

func UserTopic(userID string) string { return "user:" + userID }

func ProductTopic(productID string) string { return "product:" + productID }

type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// CartItemStock describes a reserve or release of stock by a cart line,
// delivered to the owning session and user rooms.
type CartItemStock struct {
	ProductID        string `json:"productId"`
	ProductName      string `json:"productName"`
	ReservedQuantity int    `json:"reservedQuantity"`
	AvailableStock   int    `json:"availableStock"`
	CartCount        int    `json:"cartCount"`
	SessionID        string `json:"sessionId"`
	UserID           string `json:"userId,omitempty"`
}

// ProductWatch is the reduced form of CartItemStock sent to a product's
// watcher room. It carries no session identity.
type ProductWatch struct {
	ProductID      string `json:"productId"`
	CartCount      int    `json:"cartCount"`
	AvailableStock int    `json:"availableStock"`
}

type CartUpdate struct {
	CartID     string    `json:"cartId"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId,omitempty"`
	TotalItems int       `json:"totalItems"`
	Total      int       `json:"total"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type StockConflict struct {
	ProductID         string `json:"productId"`
	ProductName       string `json:"productName"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableStock    int    `json:"availableStock"`
	ConflictType      string `json:"conflictType"`
}

type ProductStock struct {
	ProductID         string    `json:"productId"`
	Name              string    `json:"name"`
	StockQuantity     int       `json:"stockQuantity"`
	ReservedQuantity  int       `json:"reservedQuantity"`
	AvailableQuantity int       `json:"availableQuantity"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

type StockAlert struct {
	ProductID         string `json:"productId"`
	Name              string `json:"name"`
	AvailableQuantity int    `json:"availableQuantity"`
}

type ReservationExpired struct {
	ProductID string `json:"productId"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}
