package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/jmoiron/sqlx"
	"github.com/mbaur/myshop/api/web"
	"github.com/mbaur/myshop/api/weberr"
	"github.com/mbaur/myshop/config"
	"github.com/mbaur/myshop/core/cart"
	"github.com/mbaur/myshop/core/claims"
	"github.com/mbaur/myshop/database"
	"github.com/mbaur/myshop/validate"
	"github.com/stripe/stripe-go/v74"
	stripecl "github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// checkout fetches the cart behind the identity pair and refuses lines whose
// reservation already lapsed: committing a lapsed line would deduct stock the
// ledger may have handed to someone else in the meantime.
func checkout(ctx context.Context, carts *cart.Service, sessionID, userID string) (cart.Cart, error) {
	c, err := carts.Resolve(ctx, sessionID, userID)
	if err != nil {
		return cart.Cart{}, fmt.Errorf("resolving cart: %w", err)
	}

	if len(c.Items) == 0 {
		err := errors.New("no items to checkout")
		return cart.Cart{}, weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
	}

	now := time.Now().UTC()
	for _, it := range c.Items {
		if it.ReservedUntil.Before(now) {
			err := fmt.Errorf("reservation for %s expired", it.ProductName)
			return cart.Cart{}, weberr.NewError(err, err.Error(), http.StatusConflict)
		}
	}

	return c, nil
}

func prepare(ctx context.Context, db *sqlx.DB, c cart.Cart, providerID string) error {
	err := database.Transaction(db, func(tx sqlx.ExtContext) error {
		now := time.Now().UTC()
		ord := Order{
			ID:         validate.GenerateID(),
			SessionID:  c.SessionID,
			UserID:     c.UserID,
			ProviderID: providerID,
			Status:     Pending,
			Total:      c.Total,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if err := Create(ctx, tx, ord); err != nil {
			return fmt.Errorf("creating order: %w", err)
		}

		for _, it := range c.Items {
			oit := Item{
				OrderID:   ord.ID,
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
				Price:     it.Price,
				CreatedAt: now,
			}

			if err := CreateItem(ctx, tx, oit); err != nil {
				return fmt.Errorf("creating item: %w", err)
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("creating the order bound to payment[%s]: %w", providerID, err)
	}
	return nil
}

// fulfill marks the order as paid and finalizes its cart, turning the stock
// holds into permanent deductions.
func fulfill(ctx context.Context, db *sqlx.DB, carts *cart.Service, providerID string) error {
	ord, err := FetchByProviderID(ctx, db, providerID)
	if err != nil {
		return fmt.Errorf("fetching the order bound to payment[%s]: %w", providerID, err)
	}

	up := StatusUp{
		ID:        ord.ID,
		Status:    Success,
		UpdatedAt: time.Now().UTC(),
	}
	if err := UpdateStatus(ctx, db, up); err != nil {
		return fmt.Errorf("updating status of order[%s]: %w", ord.ID, err)
	}

	if err := carts.Finalize(ctx, ord.SessionID); err != nil {
		return fmt.Errorf("finalizing cart of order[%s]: %w", ord.ID, err)
	}

	return nil
}

func HandleStripeCheckout(db *sqlx.DB, strp *stripecl.API, cfg config.Stripe, session *scs.SessionManager, carts *cart.Service) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		sessionID := session.Token(ctx)

		var userID string
		if clm, err := claims.Get(ctx); err == nil {
			userID = clm.UserID
		}

		c, err := checkout(ctx, carts, sessionID, userID)
		if err != nil {
			return err
		}

		li := make([]*stripe.CheckoutSessionLineItemParams, 0, len(c.Items))
		for _, it := range c.Items {
			li = append(li, &stripe.CheckoutSessionLineItemParams{
				Quantity: stripe.Int64(int64(it.Quantity)),

				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String("usd"),
					TaxBehavior: stripe.String("inclusive"),
					UnitAmount:  stripe.Int64(int64(it.Price) * 100),

					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(it.ProductName),
					},
				},
			})
		}

		params := &stripe.CheckoutSessionParams{
			SuccessURL: stripe.String(cfg.SuccessURL),
			CancelURL:  stripe.String(cfg.CancelURL),
			Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
			LineItems:  li,
		}

		s, err := strp.CheckoutSessions.New(params)
		if err != nil {
			return fmt.Errorf("creating stripe session: %w", err)
		}

		if err := prepare(ctx, db, c, s.ID); err != nil {
			return fmt.Errorf("creating the order on the database: %w", err)
		}

		return web.Respond(ctx, w, s.URL, http.StatusOK)
	}
}

func HandleStripeCapture(db *sqlx.DB, cfg config.Stripe, carts *cart.Service) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		b, err := ioutil.ReadAll(r.Body)
		if err != nil {
			return weberr.BadRequest(fmt.Errorf("cannot read the request body: %w", err))
		}

		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			return weberr.BadRequest(errors.New("received stripe event is not signed"))
		}

		event, err := webhook.ConstructEvent(b, sig, cfg.WebhookSecret)
		if err != nil {
			return weberr.BadRequest(fmt.Errorf("cannot construct stripe event: %w", err))
		}

		if event.Type != "checkout.session.completed" {
			return web.Respond(ctx, w, nil, http.StatusNoContent)
		}

		var session stripe.CheckoutSession
		if err = json.Unmarshal(event.Data.Raw, &session); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode stripe event: %w", err))
		}

		if session.Mode != stripe.CheckoutSessionModePayment {
			return web.Respond(ctx, w, nil, http.StatusNoContent)
		}

		if err := fulfill(ctx, db, carts, session.ID); err != nil {
			return fmt.Errorf("the order was payed but its fulfillment failed: %w", err)
		}

		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}
}
