package product

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mbaur/myshop/api/web"
	"github.com/mbaur/myshop/api/weberr"
	"github.com/mbaur/myshop/database"
	"github.com/mbaur/myshop/events"
	"github.com/mbaur/myshop/validate"
)

func HandleList(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		category := web.QueryParam(r, "category")

		ps, err := FetchAll(ctx, db, category)
		if err != nil {
			return err
		}

		return web.Respond(ctx, w, ps, http.StatusOK)
	}
}

func HandleShow(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		p, err := Fetch(ctx, db, id)
		if err != nil {
			if err == database.ErrNotFound {
				return weberr.NotFound(err)
			}
			return err
		}

		return web.Respond(ctx, w, p, http.StatusOK)
	}
}

func toWebErr(err error) error {
	var sbr *StockBelowReservedError
	if errors.As(err, &sbr) {
		return weberr.Conflict(err, &struct {
			Error            string `json:"error"`
			ProductID        string `json:"productId"`
			StockQuantity    int    `json:"stockQuantity"`
			ReservedQuantity int    `json:"reservedQuantity"`
		}{
			Error:            err.Error(),
			ProductID:        sbr.ProductID,
			StockQuantity:    sbr.StockQuantity,
			ReservedQuantity: sbr.ReservedQuantity,
		})
	}
	return err
}

func HandleCreate(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var pn ProductNew
		if err := web.Decode(w, r, &pn); err != nil {
			return weberr.BadRequest(err)
		}

		if err := validate.Check(pn); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		now := time.Now().UTC()
		p := Product{
			ID:            validate.GenerateID(),
			Name:          pn.Name,
			Description:   pn.Description,
			Category:      pn.Category,
			Price:         pn.Price,
			StockQuantity: pn.StockQuantity,
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := Create(ctx, db, p); err != nil {
			return err
		}

		return web.Respond(ctx, w, p, http.StatusCreated)
	}
}

// HandleUpdate applies a partial update. Stock changes flow out to the
// product's watchers through the event bus.
func HandleUpdate(db *sqlx.DB, bus *events.Bus) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		var up ProductUp
		if err := web.Decode(w, r, &up); err != nil {
			return weberr.BadRequest(err)
		}

		if err := validate.Check(up); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		p, err := Fetch(ctx, db, id)
		if err != nil {
			if err == database.ErrNotFound {
				return weberr.NotFound(err)
			}
			return err
		}

		p, err = p.Apply(up, time.Now().UTC())
		if err != nil {
			return toWebErr(err)
		}

		if err := Update(ctx, db, p); err != nil {
			return toWebErr(err)
		}

		bus.ProductStockUpdated(events.ProductStock{
			ProductID:         p.ID,
			Name:              p.Name,
			StockQuantity:     p.StockQuantity,
			ReservedQuantity:  p.ReservedQuantity,
			AvailableQuantity: p.Available(),
			LastUpdated:       p.UpdatedAt,
		})

		return web.Respond(ctx, w, p, http.StatusOK)
	}
}
