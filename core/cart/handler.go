package cart

import (
	"context"
	"errors"
	"net/http"

	"github.com/alexedwards/scs/v2"
	"github.com/mbaur/myshop/api/web"
	"github.com/mbaur/myshop/api/weberr"
	"github.com/mbaur/myshop/core/claims"
	"github.com/mbaur/myshop/core/inventory"
	"github.com/mbaur/myshop/database"
	"github.com/mbaur/myshop/events"
	"github.com/mbaur/myshop/validate"
)

// conflictResponse is the machine-readable body for stock conflicts, so a
// client can re-render immediately rather than poll.
type conflictResponse struct {
	Error          string `json:"error"`
	ConflictType   string `json:"conflictType"`
	ProductID      string `json:"productId"`
	AvailableStock int    `json:"availableStock"`
}

func identity(ctx context.Context, session *scs.SessionManager) (sessionID, userID string) {
	sessionID = session.Token(ctx)
	if clm, err := claims.Get(ctx); err == nil {
		userID = clm.UserID
	}
	return sessionID, userID
}

func HandleShow(svc *Service, session *scs.SessionManager) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		sessionID, userID := identity(ctx, session)

		c, err := svc.Resolve(ctx, sessionID, userID)
		if err != nil {
			return toWebErr(err)
		}

		return web.Respond(ctx, w, c, http.StatusOK)
	}
}

func HandleCreateItem(svc *Service, session *scs.SessionManager) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var in ItemNew
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(err)
		}

		if err := validate.Check(in); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}
		if err := validate.CheckID(in.ProductID); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		sessionID, userID := identity(ctx, session)

		c, err := svc.AddOrSetItem(ctx, sessionID, userID, in.ProductID, in.Quantity)
		if err != nil {
			return toWebErr(err)
		}

		return web.Respond(ctx, w, c, http.StatusOK)
	}
}

func HandleUpdateItem(svc *Service, session *scs.SessionManager) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		productID := web.Param(r, "product_id")
		if err := validate.CheckID(productID); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		var in struct {
			Quantity int `json:"quantity" validate:"required,gte=1"`
		}
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(err)
		}
		if err := validate.Check(in); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		sessionID, userID := identity(ctx, session)

		c, err := svc.UpdateItem(ctx, sessionID, userID, productID, in.Quantity)
		if err != nil {
			return toWebErr(err)
		}

		return web.Respond(ctx, w, c, http.StatusOK)
	}
}

func HandleDeleteItem(svc *Service, session *scs.SessionManager) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		productID := web.Param(r, "product_id")
		if err := validate.CheckID(productID); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		sessionID, userID := identity(ctx, session)

		c, err := svc.RemoveItem(ctx, sessionID, userID, productID)
		if err != nil {
			return toWebErr(err)
		}

		return web.Respond(ctx, w, c, http.StatusOK)
	}
}

func HandleReplace(svc *Service, session *scs.SessionManager) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var in ReplaceNew
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(err)
		}

		if err := validate.Check(in); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}
		for _, it := range in.Items {
			if err := validate.CheckID(it.ProductID); err != nil {
				return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
			}
		}

		sessionID, userID := identity(ctx, session)

		c, err := svc.ReplaceAll(ctx, sessionID, userID, in.Items)
		if err != nil {
			return toWebErr(err)
		}

		return web.Respond(ctx, w, c, http.StatusOK)
	}
}

func toWebErr(err error) error {
	var ise *inventory.InsufficientStockError
	if errors.As(err, &ise) {
		return weberr.Conflict(err, &conflictResponse{
			Error:          err.Error(),
			ConflictType:   events.ConflictInsufficientStock,
			ProductID:      ise.ProductID,
			AvailableStock: ise.Available,
		})
	}

	var pue *ProductUnavailableError
	if errors.As(err, &pue) {
		return weberr.Conflict(err, &conflictResponse{
			Error:        err.Error(),
			ConflictType: events.ConflictProductUnavailable,
			ProductID:    pue.ProductID,
		})
	}

	var ree *ReservationExpiredError
	if errors.As(err, &ree) {
		return weberr.Conflict(err, &conflictResponse{
			Error:        err.Error(),
			ConflictType: events.ConflictReservationExpired,
			ProductID:    ree.ProductID,
		})
	}

	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, ErrItemNotFound):
		return weberr.NotFound(err)
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrVersionConflict):
		return weberr.NewError(err, err.Error(), http.StatusConflict)
	}

	return err
}
