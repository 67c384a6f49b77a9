package api

import (
	"context"
	"net/http"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/mbaur/myshop/api/middleware"
	"github.com/mbaur/myshop/api/web"
	"github.com/mbaur/myshop/config"
	"github.com/mbaur/myshop/core/auth"
	"github.com/mbaur/myshop/core/cart"
	"github.com/mbaur/myshop/core/order"
	"github.com/mbaur/myshop/core/product"
	"github.com/mbaur/myshop/core/user"
	"github.com/mbaur/myshop/events"
	"github.com/mbaur/myshop/rate"
	"github.com/sirupsen/logrus"
	stripecl "github.com/stripe/stripe-go/v74/client"
)

type APIConfig struct {
	CorsOrigin string
	Log        logrus.FieldLogger
	DB         *sqlx.DB
	Session    *scs.SessionManager
	Bus        *events.Bus
	Hub        *events.Hub
	Carts      *cart.Service
	Limiter    *rate.Limiter
	Stripe     *stripecl.API
	StripeCfg  config.Stripe
}

type api struct {
	*mux.Router
	mw   []web.Middleware
	base []web.Middleware
	log  logrus.FieldLogger
}

func APIMux(cfg APIConfig) http.Handler {
	a := &api{
		Router: mux.NewRouter(),
		log:    cfg.Log,
	}

	// The base chain carries no session plumbing: the websocket route needs a
	// hijackable response writer, which the scs buffered writer is not.
	a.base = append(a.base, middleware.RequestID())
	a.base = append(a.base, middleware.Logger(cfg.Log))
	a.base = append(a.base, middleware.Errors(cfg.Log))
	a.base = append(a.base, middleware.Panics())

	a.mw = append(a.mw, auth.LoadAndSave(cfg.Session))
	a.mw = append(a.mw, auth.EnsureSession(cfg.Session))
	a.mw = append(a.mw, auth.Identify(cfg.Session))
	a.mw = append(a.mw, a.base...)

	if cfg.CorsOrigin != "" {
		a.mw = append(a.mw, middleware.Cors(cfg.CorsOrigin))
		a.base = append(a.base, middleware.Cors(cfg.CorsOrigin))

		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}

		a.Handle(http.MethodOptions, "/{path:.*}", h)
	}

	authen := auth.Authenticate(cfg.Session)
	admin := auth.Admin(cfg.Session)

	limited := middleware.RateLimit(cfg.Limiter, func(ctx context.Context, r *http.Request) string {
		return cfg.Session.Token(ctx)
	})

	a.Handle(http.MethodPost, "/auth/signup", auth.HandleSignup(cfg.DB, cfg.Session))
	a.Handle(http.MethodPost, "/auth/login", auth.HandleLogin(cfg.DB, cfg.Session, cfg.Carts))
	a.Handle(http.MethodPost, "/auth/logout", auth.HandleLogout(cfg.Session))

	a.Handle(http.MethodGet, "/users/current", user.HandleShowCurrent(cfg.DB), authen)

	a.Handle(http.MethodGet, "/products", product.HandleList(cfg.DB))
	a.Handle(http.MethodGet, "/products/{id}", product.HandleShow(cfg.DB))
	a.Handle(http.MethodPost, "/products", product.HandleCreate(cfg.DB), admin)
	a.Handle(http.MethodPut, "/products/{id}", product.HandleUpdate(cfg.DB, cfg.Bus), admin)

	a.Handle(http.MethodGet, "/cart", cart.HandleShow(cfg.Carts, cfg.Session))
	a.Handle(http.MethodPut, "/cart", cart.HandleReplace(cfg.Carts, cfg.Session), limited)
	a.Handle(http.MethodPut, "/cart/items", cart.HandleCreateItem(cfg.Carts, cfg.Session), limited)
	a.Handle(http.MethodPut, "/cart/items/{product_id}", cart.HandleUpdateItem(cfg.Carts, cfg.Session), limited)
	a.Handle(http.MethodDelete, "/cart/items/{product_id}", cart.HandleDeleteItem(cfg.Carts, cfg.Session), limited)

	a.Handle(http.MethodPost, "/orders/stripe", order.HandleStripeCheckout(cfg.DB, cfg.Stripe, cfg.StripeCfg, cfg.Session, cfg.Carts))
	a.Handle(http.MethodPost, "/orders/stripe/capture", order.HandleStripeCapture(cfg.DB, cfg.StripeCfg, cfg.Carts))

	a.HandleRaw(http.MethodGet, "/events", events.Handle(cfg.Hub, cfg.Session, cfg.CorsOrigin))

	return a.Router
}

func (a *api) Handle(method string, path string, handler web.Handler, mw ...web.Middleware) {
	a.handle(method, path, web.WrapMiddleware(a.mw, web.WrapMiddleware(mw, handler)))
}

// HandleRaw registers a route outside the session middleware.
func (a *api) HandleRaw(method string, path string, handler web.Handler, mw ...web.Middleware) {
	a.handle(method, path, web.WrapMiddleware(a.base, web.WrapMiddleware(mw, handler)))
}

func (a *api) handle(method string, path string, handler web.Handler) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		if err := handler(ctx, w, r); err != nil {

			a.log.WithFields(logrus.Fields{
				"req_id":  middleware.ContextRequestID(ctx),
				"message": err,
			}).Error("ERROR")
		}
	})

	a.Router.Handle(path, h).Methods(method)
}
