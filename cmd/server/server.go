package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexedwards/scs/v2"
	"github.com/ardanlabs/conf/v3"
	"github.com/mbaur/myshop/api"
	"github.com/mbaur/myshop/api/background"
	"github.com/mbaur/myshop/config"
	"github.com/mbaur/myshop/core/cart"
	"github.com/mbaur/myshop/core/inventory"
	"github.com/mbaur/myshop/core/product"
	"github.com/mbaur/myshop/core/reservation"
	"github.com/mbaur/myshop/database"
	"github.com/mbaur/myshop/events"
	"github.com/mbaur/myshop/rate"
	"github.com/sirupsen/logrus"
	stripecl "github.com/stripe/stripe-go/v74/client"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if err := Run(log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func Run(logger *logrus.Logger) error {
	logger.Infof("starting server")
	defer logger.Info("shutdown complete")

	const prefix = "MYSHOP"
	var cfg config.Config
	if _, err := conf.Parse(prefix, &cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	lw := logger.Writer()
	defer lw.Close()
	errLog := log.New(lw, "", 0)

	db, err := database.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open db connection: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate db schema: %w", err)
	}

	sessionManager := scs.New()
	sessionManager.Lifetime = cfg.Session.Lifetime

	bg := background.New(logger)

	strp := &stripecl.API{}
	strp.Init(cfg.Stripe.APISecret, nil)

	bus := events.NewBus(logger, cfg.Cart.LowStockThreshold)
	hub := events.NewHub(bus, logger)

	products := product.NewStore(db)
	ledger := inventory.NewLedger(products, bus, logger)

	carts := cart.NewStore(db)
	cartSvc := cart.NewService(carts, products, ledger, bus, logger, cfg.Cart.ReservationTTL)

	sweeper := reservation.NewSweeper(carts, ledger, bus, logger)
	scheduler := reservation.NewScheduler(sweeper, cfg.Cart.SweepInterval, bg, logger)
	scheduler.Start()

	limiter := rate.NewLimiter(cfg.Rate.Burst, cfg.Rate.ExpiryHours*60, rate.Every(cfg.Rate.Interval))

	mux := api.APIMux(api.APIConfig{
		CorsOrigin: cfg.Cors.Origin,
		Log:        logger,
		DB:         db,
		Session:    sessionManager,
		Bus:        bus,
		Hub:        hub,
		Carts:      cartSvc,
		Limiter:    limiter,
		Stripe:     strp,
		StripeCfg:  cfg.Stripe,
	})

	api := http.Server{
		Handler:      mux,
		Addr:         cfg.Web.Address,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     errLog,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.Infof("starting api router at %s", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Infof("shutting down: signal %s", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(ctx); err != nil {
			api.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}

		// The scheduler runs on a background task, so it must stop before
		// the background supervisor is drained.
		scheduler.Stop()
		hub.Shutdown()

		if err := bg.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not complete all background tasks: %w", err)
		}
	}
	return nil
}
