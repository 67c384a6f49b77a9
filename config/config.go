package config

import "time"

type Config struct {
	Web     Web
	DB      DB
	Cors    Cors
	Session Session
	Cart    Cart
	Stripe  Stripe
	Rate    Rate
}

type Web struct {
	Address         string        `conf:"default:0.0.0.0:4200"`
	ReadTimeout     time.Duration `conf:"default:5s"`
	WriteTimeout    time.Duration `conf:"default:10s"`
	IdleTimeout     time.Duration `conf:"default:120s"`
	ShutdownTimeout time.Duration `conf:"default:20s"`
}

type DB struct {
	User       string `conf:"default:postgres"`
	Password   string `conf:"default:postgres,mask"`
	Host       string `conf:"default:localhost:5432"`
	Name       string `conf:"default:myshop"`
	DisableTLS bool   `conf:"default:true"`
}

type Cors struct {
	Origin string `conf:"default:http://localhost:3000"`
}

type Session struct {
	Lifetime time.Duration `conf:"default:24h"`
}

// Cart holds the reservation engine knobs. ReservationTTL is how long a cart
// line holds its stock, SweepInterval is the cadence of the expiry sweeper.
type Cart struct {
	ReservationTTL    time.Duration `conf:"default:20m"`
	SweepInterval     time.Duration `conf:"default:5m"`
	LowStockThreshold int           `conf:"default:5"`
}

type Stripe struct {
	APISecret     string `conf:"mask"`
	WebhookSecret string `conf:"mask"`
	SuccessURL    string `conf:"default:http://localhost:3000/checkout/success"`
	CancelURL     string `conf:"default:http://localhost:3000/checkout/canceled"`
}

type Rate struct {
	Burst       int           `conf:"default:10"`
	Interval    time.Duration `conf:"default:100ms"`
	ExpiryHours int           `conf:"default:2"`
}
