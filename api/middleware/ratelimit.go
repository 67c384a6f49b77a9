package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/mbaur/myshop/api/web"
	"github.com/mbaur/myshop/api/weberr"
	"github.com/mbaur/myshop/rate"
)

// RateLimit throttles requests per client. The key function extracts the
// client identity (usually the session token); when it returns an empty
// string the remote address is used instead.
func RateLimit(lim *rate.Limiter, key func(ctx context.Context, r *http.Request) string) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

			id := key(ctx, r)
			if id == "" {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					host = r.RemoteAddr
				}
				id = host
			}

			if !lim.Check(id) {
				err := errors.New("rate limit exceeded")
				return weberr.NewError(err, err.Error(), http.StatusTooManyRequests)
			}

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
