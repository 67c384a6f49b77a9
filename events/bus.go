package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const subscriptionBuffer = 32

// Subscription is one consumer's view of the bus. Events from all topics the
// subscription has joined arrive on C.
type Subscription struct {
	C chan Event

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (s *Subscription) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.C <- ev:
		return true
	default:
		return false
	}
}

// Bus routes events to topic subscribers. It is constructed once at process
// start and injected into every component that publishes.
type Bus struct {
	log               logrus.FieldLogger
	lowStockThreshold int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewBus(log logrus.FieldLogger, lowStockThreshold int) *Bus {
	return &Bus{
		log:               log,
		lowStockThreshold: lowStockThreshold,
		subs:              make(map[string]map[*Subscription]struct{}),
	}
}

func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, subscriptionBuffer),
		topics: make(map[string]struct{}),
	}
	for _, t := range topics {
		b.Join(sub, t)
	}
	return sub
}

func (b *Bus) Join(sub *Subscription, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	group, ok := b.subs[topic]
	if !ok {
		group = make(map[*Subscription]struct{})
		b.subs[topic] = group
	}
	group[sub] = struct{}{}

	sub.mu.Lock()
	sub.topics[topic] = struct{}{}
	sub.mu.Unlock()
}

func (b *Bus) Leave(sub *Subscription, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if group, ok := b.subs[topic]; ok {
		delete(group, sub)
		if len(group) == 0 {
			delete(b.subs, topic)
		}
	}

	sub.mu.Lock()
	delete(sub.topics, topic)
	sub.mu.Unlock()
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.mu.Lock()
	topics := make([]string, 0, len(sub.topics))
	for t := range sub.topics {
		topics = append(topics, t)
	}
	sub.closed = true
	sub.mu.Unlock()

	b.mu.Lock()
	for _, t := range topics {
		if group, ok := b.subs[t]; ok {
			delete(group, sub)
			if len(group) == 0 {
				delete(b.subs, t)
			}
		}
	}
	b.mu.Unlock()

	close(sub.C)
}

// Publish delivers ev to every subscriber of topic. Slow subscribers are
// skipped rather than blocked on: the mutation the event describes has
// already been persisted, so delivery is best-effort.
func (b *Bus) Publish(topic string, ev Event) {
	b.mu.RLock()
	group := b.subs[topic]
	subs := make([]*Subscription, 0, len(group))
	for s := range group {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.send(ev) {
			b.log.WithFields(logrus.Fields{
				"topic": topic,
				"event": ev.Name,
			}).Warn("dropping event for slow subscriber")
		}
	}
}

// CartItemReserved notifies the owning session (and user room, if the cart is
// linked) with the full payload, and the product's watchers with the reduced
// one.
func (b *Bus) CartItemReserved(it CartItemStock) {
	b.cartItemStock(EventCartItemReserved, it)
}

func (b *Bus) CartItemReleased(it CartItemStock) {
	b.cartItemStock(EventCartItemReleased, it)
}

func (b *Bus) cartItemStock(name string, it CartItemStock) {
	ev := Event{Name: name, Payload: it}
	b.Publish(SessionTopic(it.SessionID), ev)
	if it.UserID != "" {
		b.Publish(UserTopic(it.UserID), ev)
	}

	b.Publish(ProductTopic(it.ProductID), Event{Name: name, Payload: ProductWatch{
		ProductID:      it.ProductID,
		CartCount:      it.CartCount,
		AvailableStock: it.AvailableStock,
	}})
}

func (b *Bus) CartUpdated(up CartUpdate) {
	ev := Event{Name: EventCartUpdated, Payload: up}
	b.Publish(SessionTopic(up.SessionID), ev)
	if up.UserID != "" {
		b.Publish(UserTopic(up.UserID), ev)
	}
}

// StockConflict goes to the requesting session only, never broadcast.
func (b *Bus) StockConflict(sessionID string, c StockConflict) {
	b.Publish(SessionTopic(sessionID), Event{Name: EventCartStockConflict, Payload: c})
}

// ProductStockUpdated notifies the product's watchers and raises a low or
// out-of-stock alert on the global channel when availability crosses the
// configured threshold.
func (b *Bus) ProductStockUpdated(p ProductStock) {
	b.Publish(ProductTopic(p.ProductID), Event{Name: EventProductStockUpdated, Payload: p})

	alert := StockAlert{
		ProductID:         p.ProductID,
		Name:              p.Name,
		AvailableQuantity: p.AvailableQuantity,
	}

	switch {
	case p.AvailableQuantity <= 0:
		b.Publish(TopicGlobal, Event{Name: EventOutOfStockAlert, Payload: alert})
	case p.AvailableQuantity <= b.lowStockThreshold:
		b.Publish(TopicGlobal, Event{Name: EventLowStockAlert, Payload: alert})
	}
}

func (b *Bus) ReservationExpired(ev ReservationExpired) {
	e := Event{Name: EventReservationExpired, Payload: ev}
	b.Publish(SessionTopic(ev.SessionID), e)
	if ev.UserID != "" {
		b.Publish(UserTopic(ev.UserID), e)
	}
}
