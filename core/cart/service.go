package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbaur/myshop/core/inventory"
	"github.com/mbaur/myshop/core/product"
	"github.com/mbaur/myshop/database"
	"github.com/mbaur/myshop/events"
	"github.com/mbaur/myshop/validate"
	"github.com/sirupsen/logrus"
)

// Storer is the cart persistence the service runs on.
type Storer interface {
	FetchBySession(ctx context.Context, sessionID string) (Cart, error)
	FetchByUser(ctx context.Context, userID string) (Cart, error)
	Create(ctx context.Context, c Cart) error
	Save(ctx context.Context, c Cart) error
	Merge(ctx context.Context, c Cart, staleCartID string) error
	Delete(ctx context.Context, cartID string) error
}

// Ledger is the slice of the inventory ledger the cart needs. All stock
// holds flow through it; the service never touches the counters itself.
type Ledger interface {
	Reserve(ctx context.Context, productID string, qty int) (product.Product, error)
	Release(ctx context.Context, productID string, qty int) (product.Product, error)
	Commit(ctx context.Context, productID string, qty int) (product.Product, error)
}

// Products looks up the catalog entries referenced by cart lines.
type Products interface {
	Fetch(ctx context.Context, productID string) (product.Product, error)
}

// Emitter is the slice of the event bus the cart publishes to.
type Emitter interface {
	CartItemReserved(events.CartItemStock)
	CartItemReleased(events.CartItemStock)
	CartUpdated(events.CartUpdate)
	StockConflict(sessionID string, c events.StockConflict)
}

type Service struct {
	store    Storer
	products Products
	ledger   Ledger
	bus      Emitter
	log      logrus.FieldLogger
	ttl      time.Duration

	now func() time.Time
}

func NewService(store Storer, products Products, ledger Ledger, bus Emitter, log logrus.FieldLogger, ttl time.Duration) *Service {
	return &Service{
		store:    store,
		products: products,
		ledger:   ledger,
		bus:      bus,
		log:      log,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Resolve maps the identity pair onto exactly one cart, creating or merging
// as needed. Callers must re-resolve after login and logout transitions; the
// merge runs once per resolution, not continuously.
func (s *Service) Resolve(ctx context.Context, sessionID, userID string) (Cart, error) {
	if sessionID == "" {
		return Cart{}, errors.New("session id is required")
	}

	sc, err := s.store.FetchBySession(ctx, sessionID)
	haveSession := err == nil
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return Cart{}, err
	}

	var uc Cart
	haveUser := false
	if userID != "" {
		uc, err = s.store.FetchByUser(ctx, userID)
		haveUser = err == nil
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return Cart{}, err
		}
	}

	switch {
	case !haveSession && !haveUser:
		now := s.now().UTC()
		c := Cart{
			ID:        validate.GenerateID(),
			SessionID: sessionID,
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.Create(ctx, c); err != nil {
			return Cart{}, fmt.Errorf("creating cart: %w", err)
		}
		return c, nil

	case haveSession && !haveUser:
		if userID != "" && sc.UserID == "" {
			sc.UserID = userID
			sc.UpdatedAt = s.now().UTC()
			if err := s.store.Save(ctx, sc); err != nil {
				return Cart{}, fmt.Errorf("attaching user to cart[%s]: %w", sc.ID, err)
			}
		}
		return sc, nil

	case !haveSession && haveUser:
		if uc.SessionID != sessionID {
			uc.SessionID = sessionID
			uc.UpdatedAt = s.now().UTC()
			if err := s.store.Save(ctx, uc); err != nil {
				return Cart{}, fmt.Errorf("attaching session to cart[%s]: %w", uc.ID, err)
			}
		}
		return uc, nil
	}

	if sc.ID == uc.ID {
		return sc, nil
	}

	return s.merge(ctx, uc, sc)
}

// merge unifies a session cart into the user cart. On a productId collision
// the user cart's quantity is authoritative; items only in the session cart
// are appended. The merged cart keeps the userId and adopts the current
// sessionId; the session cart document is deleted.
//
// Reserved totals are re-derived from the merged item set rather than
// trusting the two carts' prior bookkeeping: every surviving line is covered
// by the hold its own cart already took, so re-derivation reduces to
// releasing the losing duplicates' holds.
func (s *Service) merge(ctx context.Context, uc, sc Cart) (Cart, error) {
	type dup struct {
		productID string
		qty       int
	}
	var dups []dup

	for _, it := range sc.Items {
		if uc.itemIndex(it.ProductID) >= 0 {
			dups = append(dups, dup{it.ProductID, it.Quantity})
			continue
		}
		it.CartID = uc.ID
		uc.Items = append(uc.Items, it)
	}

	uc.SessionID = sc.SessionID
	uc.CalculateTotal()
	uc.UpdatedAt = s.now().UTC()

	// One transaction: the session cart's delete frees its sessionId for the
	// merged cart, and a failure leaves both carts and their holds untouched.
	if err := s.store.Merge(ctx, uc, sc.ID); err != nil {
		return Cart{}, fmt.Errorf("saving merged cart[%s]: %w", uc.ID, err)
	}

	for _, d := range dups {
		if _, err := s.ledger.Release(ctx, d.productID, d.qty); err != nil {
			s.log.WithFields(logrus.Fields{
				"cart_id":    uc.ID,
				"product_id": d.productID,
			}).Errorf("releasing duplicate hold on merge: %v", err)
		}
	}

	s.emitCartUpdated(uc)
	return uc, nil
}

// Claim carries an anonymous cart across a login. The session token is
// renewed at login, so any cart keyed to the old token is re-keyed to the new
// one and then resolved against the user's cart, merging if both exist. No
// cart under the old token means nothing carried over.
func (s *Service) Claim(ctx context.Context, oldSessionID, newSessionID, userID string) error {
	sc, err := s.store.FetchBySession(ctx, oldSessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return err
	}

	if oldSessionID != newSessionID {
		sc.SessionID = newSessionID
		sc.UpdatedAt = s.now().UTC()
		if err := s.store.Save(ctx, sc); err != nil {
			return fmt.Errorf("re-keying cart[%s]: %w", sc.ID, err)
		}
	}

	_, err = s.Resolve(ctx, newSessionID, userID)
	return err
}

// AddOrSetItem puts the product in the cart at exactly qty units. If the
// line already exists its quantity is overwritten, not added to, and its
// reservation window restarts.
func (s *Service) AddOrSetItem(ctx context.Context, sessionID, userID, productID string, qty int) (Cart, error) {
	c, p, err := s.resolveLine(ctx, sessionID, userID, productID, qty)
	if err != nil {
		return Cart{}, err
	}

	return s.setItem(ctx, c, p, qty, false)
}

// UpdateItem changes an existing line to qty units, reserving or releasing
// the difference. A failed reserve leaves the cart unchanged.
func (s *Service) UpdateItem(ctx context.Context, sessionID, userID, productID string, qty int) (Cart, error) {
	c, p, err := s.resolveLine(ctx, sessionID, userID, productID, qty)
	if err != nil {
		return Cart{}, err
	}

	return s.setItem(ctx, c, p, qty, true)
}

func (s *Service) resolveLine(ctx context.Context, sessionID, userID, productID string, qty int) (Cart, product.Product, error) {
	if qty < 1 {
		return Cart{}, product.Product{}, inventory.ErrInvalidQuantity
	}

	c, err := s.Resolve(ctx, sessionID, userID)
	if err != nil {
		return Cart{}, product.Product{}, err
	}

	p, err := s.products.Fetch(ctx, productID)
	if err != nil {
		return Cart{}, product.Product{}, err
	}

	if !p.IsActive {
		s.bus.StockConflict(c.SessionID, events.StockConflict{
			ProductID:         p.ID,
			ProductName:       p.Name,
			RequestedQuantity: qty,
			AvailableStock:    p.Available(),
			ConflictType:      events.ConflictProductUnavailable,
		})
		return Cart{}, product.Product{}, &ProductUnavailableError{ProductID: p.ID, Name: p.Name}
	}

	return c, p, nil
}

func (s *Service) setItem(ctx context.Context, c Cart, p product.Product, qty int, mustExist bool) (Cart, error) {
	idx := c.itemIndex(p.ID)
	if idx < 0 && mustExist {
		return Cart{}, ErrItemNotFound
	}

	now := s.now().UTC()

	// A lapsed line is the sweeper's to reclaim; mutating it would silently
	// resurrect a hold the ledger may already have given back.
	if idx >= 0 && mustExist && c.Items[idx].ReservedUntil.Before(now) {
		s.bus.StockConflict(c.SessionID, events.StockConflict{
			ProductID:         p.ID,
			ProductName:       p.Name,
			RequestedQuantity: qty,
			AvailableStock:    p.Available(),
			ConflictType:      events.ConflictReservationExpired,
		})
		return Cart{}, &ReservationExpiredError{ProductID: p.ID, Name: p.Name}
	}

	old := 0
	if idx >= 0 {
		old = c.Items[idx].Quantity
	}
	delta := qty - old

	var ledgerView product.Product
	haveLedgerView := false

	if delta > 0 {
		lp, err := s.ledger.Reserve(ctx, p.ID, delta)
		if err != nil {
			var ise *inventory.InsufficientStockError
			if errors.As(err, &ise) {
				s.bus.StockConflict(c.SessionID, events.StockConflict{
					ProductID:         p.ID,
					ProductName:       p.Name,
					RequestedQuantity: qty,
					AvailableStock:    ise.Available,
					ConflictType:      events.ConflictInsufficientStock,
				})
			}
			return Cart{}, err
		}
		ledgerView, haveLedgerView = lp, true
	}

	if idx >= 0 {
		it := &c.Items[idx]
		it.Quantity = qty
		it.Price = p.Price
		it.ProductName = p.Name
		it.ReservedUntil = now.Add(s.ttl)
		it.UpdatedAt = now
	} else {
		c.Items = append(c.Items, Item{
			CartID:        c.ID,
			ProductID:     p.ID,
			ProductName:   p.Name,
			Quantity:      qty,
			Price:         p.Price,
			ReservedUntil: now.Add(s.ttl),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	c.CalculateTotal()
	c.UpdatedAt = now

	if err := s.store.Save(ctx, c); err != nil {
		if delta > 0 {
			if _, rerr := s.ledger.Release(ctx, p.ID, delta); rerr != nil {
				s.log.Errorf("rolling back hold of %d on product[%s]: %v", delta, p.ID, rerr)
			}
		}
		return Cart{}, fmt.Errorf("saving cart[%s]: %w", c.ID, err)
	}

	// Negative deltas release after the durable save, mirroring the sweeper.
	if delta < 0 {
		lp, err := s.ledger.Release(ctx, p.ID, -delta)
		if err != nil {
			s.log.Errorf("releasing %d of product[%s]: %v", -delta, p.ID, err)
		} else {
			ledgerView, haveLedgerView = lp, true
		}
	}

	if haveLedgerView {
		ev := events.CartItemStock{
			ProductID:        p.ID,
			ProductName:      p.Name,
			ReservedQuantity: ledgerView.ReservedQuantity,
			AvailableStock:   ledgerView.Available(),
			CartCount:        qty,
			SessionID:        c.SessionID,
			UserID:           c.UserID,
		}
		if delta > 0 {
			s.bus.CartItemReserved(ev)
		} else {
			s.bus.CartItemReleased(ev)
		}
	}

	s.emitCartUpdated(c)
	return c, nil
}

// RemoveItem deletes the line and gives its full held quantity back to the
// ledger.
func (s *Service) RemoveItem(ctx context.Context, sessionID, userID, productID string) (Cart, error) {
	c, err := s.Resolve(ctx, sessionID, userID)
	if err != nil {
		return Cart{}, err
	}

	idx := c.itemIndex(productID)
	if idx < 0 {
		return Cart{}, ErrItemNotFound
	}

	removed := c.Items[idx]
	c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
	c.CalculateTotal()
	c.UpdatedAt = s.now().UTC()

	if err := s.store.Save(ctx, c); err != nil {
		return Cart{}, fmt.Errorf("saving cart[%s]: %w", c.ID, err)
	}

	lp, err := s.ledger.Release(ctx, removed.ProductID, removed.Quantity)
	if err != nil {
		s.log.Errorf("releasing %d of product[%s]: %v", removed.Quantity, removed.ProductID, err)
	} else {
		s.bus.CartItemReleased(events.CartItemStock{
			ProductID:        removed.ProductID,
			ProductName:      removed.ProductName,
			ReservedQuantity: lp.ReservedQuantity,
			AvailableStock:   lp.Available(),
			CartCount:        0,
			SessionID:        c.SessionID,
			UserID:           c.UserID,
		})
	}

	s.emitCartUpdated(c)
	return c, nil
}

// ReplaceAll swaps the cart content for the given set as one batch. Every
// candidate line is validated before anything is mutated; a failed hold rolls
// back the holds already taken and leaves cart and ledger untouched.
func (s *Service) ReplaceAll(ctx context.Context, sessionID, userID string, items []ItemNew) (Cart, error) {
	c, err := s.Resolve(ctx, sessionID, userID)
	if err != nil {
		return Cart{}, err
	}

	seen := make(map[string]bool, len(items))
	prods := make(map[string]product.Product, len(items))
	for _, in := range items {
		if in.Quantity < 1 {
			return Cart{}, inventory.ErrInvalidQuantity
		}
		if seen[in.ProductID] {
			return Cart{}, fmt.Errorf("duplicate line for product[%s]", in.ProductID)
		}
		seen[in.ProductID] = true

		p, err := s.products.Fetch(ctx, in.ProductID)
		if err != nil {
			return Cart{}, fmt.Errorf("product[%s]: %w", in.ProductID, err)
		}
		if !p.IsActive {
			s.bus.StockConflict(c.SessionID, events.StockConflict{
				ProductID:         p.ID,
				ProductName:       p.Name,
				RequestedQuantity: in.Quantity,
				AvailableStock:    p.Available(),
				ConflictType:      events.ConflictProductUnavailable,
			})
			return Cart{}, &ProductUnavailableError{ProductID: p.ID, Name: p.Name}
		}
		prods[in.ProductID] = p
	}

	oldQty := make(map[string]int, len(c.Items))
	for _, it := range c.Items {
		oldQty[it.ProductID] = it.Quantity
	}

	// Phase one: take the additional holds, delta-aware so lines shared
	// between the old and new sets don't compete with their own hold.
	type hold struct {
		productID string
		qty       int
	}
	var taken []hold
	rollback := func() {
		for _, h := range taken {
			if _, err := s.ledger.Release(ctx, h.productID, h.qty); err != nil {
				s.log.Errorf("rolling back hold of %d on product[%s]: %v", h.qty, h.productID, err)
			}
		}
	}

	for _, in := range items {
		delta := in.Quantity - oldQty[in.ProductID]
		if delta <= 0 {
			continue
		}
		if _, err := s.ledger.Reserve(ctx, in.ProductID, delta); err != nil {
			rollback()

			var ise *inventory.InsufficientStockError
			if errors.As(err, &ise) {
				p := prods[in.ProductID]
				s.bus.StockConflict(c.SessionID, events.StockConflict{
					ProductID:         p.ID,
					ProductName:       p.Name,
					RequestedQuantity: in.Quantity,
					AvailableStock:    ise.Available,
					ConflictType:      events.ConflictInsufficientStock,
				})
			}
			return Cart{}, err
		}
		taken = append(taken, hold{in.ProductID, delta})
	}

	now := s.now().UTC()
	old := c.Items
	fresh := make([]Item, 0, len(items))
	for _, in := range items {
		p := prods[in.ProductID]
		fresh = append(fresh, Item{
			CartID:        c.ID,
			ProductID:     p.ID,
			ProductName:   p.Name,
			Quantity:      in.Quantity,
			Price:         p.Price,
			ReservedUntil: now.Add(s.ttl),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	c.Items = fresh
	c.CalculateTotal()
	c.UpdatedAt = now

	if err := s.store.Save(ctx, c); err != nil {
		rollback()
		return Cart{}, fmt.Errorf("saving cart[%s]: %w", c.ID, err)
	}

	// Phase two: give back what the new set no longer needs.
	newQty := make(map[string]int, len(items))
	for _, in := range items {
		newQty[in.ProductID] = in.Quantity
	}
	for _, it := range old {
		delta := newQty[it.ProductID] - it.Quantity
		if delta >= 0 {
			continue
		}
		if _, err := s.ledger.Release(ctx, it.ProductID, -delta); err != nil {
			s.log.Errorf("releasing %d of product[%s]: %v", -delta, it.ProductID, err)
		}
	}

	s.emitCartUpdated(c)
	return c, nil
}

// Finalize converts the cart's holds into permanent stock deductions and
// deletes the cart. Called by the order service once payment succeeded; a
// missing cart is not an error, the work is already done.
func (s *Service) Finalize(ctx context.Context, sessionID string) error {
	c, err := s.store.FetchBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return err
	}

	for _, it := range c.Items {
		if _, err := s.ledger.Commit(ctx, it.ProductID, it.Quantity); err != nil {
			s.log.Errorf("committing %d of product[%s]: %v", it.Quantity, it.ProductID, err)

			// The cart is about to be deleted; a hold the commit did not
			// consume must go back to the pool or no one ever reclaims it.
			if _, rerr := s.ledger.Release(ctx, it.ProductID, it.Quantity); rerr != nil {
				s.log.Errorf("releasing %d of product[%s] after failed commit: %v", it.Quantity, it.ProductID, rerr)
			}
		}
	}

	if err := s.store.Delete(ctx, c.ID); err != nil {
		return fmt.Errorf("deleting cart[%s]: %w", c.ID, err)
	}

	s.bus.CartUpdated(events.CartUpdate{
		CartID:    c.ID,
		SessionID: c.SessionID,
		UserID:    c.UserID,
		UpdatedAt: s.now().UTC(),
	})
	return nil
}

func (s *Service) emitCartUpdated(c Cart) {
	s.bus.CartUpdated(events.CartUpdate{
		CartID:     c.ID,
		SessionID:  c.SessionID,
		UserID:     c.UserID,
		TotalItems: c.TotalItems(),
		Total:      c.Total,
		UpdatedAt:  c.UpdatedAt,
	})
}
