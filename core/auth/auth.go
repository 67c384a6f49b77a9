// Package auth ties the scs session to the request identity. Every route runs
// behind LoadAndSave and EnsureSession, so downstream handlers can rely on a
// non-empty session token; Identify, Authenticate and Admin layer the
// logged-in claims on top of it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/mbaur/myshop/api/web"
	"github.com/mbaur/myshop/api/weberr"
	"github.com/mbaur/myshop/core/claims"
)

// LoadAndSave adapts the scs middleware to the handler chain: it loads the
// session for the request context and commits it once the handler returns.
func LoadAndSave(session *scs.SessionManager) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			var err error
			sh := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				err = handler(r.Context(), w, r)
			})

			session.LoadAndSave(sh).ServeHTTP(w, r)
			return err
		}
		return h
	}
	return m
}

// EnsureSession guarantees the request carries a committed session token.
// Anonymous carts are keyed by that token, so it must exist before the first
// cart write, not after the response goes out.
func EnsureSession(session *scs.SessionManager) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if session.Token(ctx) == "" {
				session.Put(ctx, "createdAt", time.Now().UTC().Unix())
				if _, _, err := session.Commit(ctx); err != nil {
					return fmt.Errorf("committing new session: %w", err)
				}
			}

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}

// Identify copies the logged-in identity, when there is one, from the session
// into the context claims. It never rejects: anonymous requests pass through
// without claims.
func Identify(session *scs.SessionManager) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if userID := session.GetString(ctx, claims.SessionKeyUserID); userID != "" {
				ctx = claims.Set(ctx, claims.Claims{
					UserID: userID,
					Role:   session.GetString(ctx, claims.SessionKeyRole),
				})
			}

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}

// Authenticate rejects requests without a logged-in user.
func Authenticate(session *scs.SessionManager) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			userID := session.GetString(ctx, claims.SessionKeyUserID)
			if userID == "" {
				return weberr.NotAuthorized(errors.New("user not authenticated"))
			}

			ctx = claims.Set(ctx, claims.Claims{
				UserID: userID,
				Role:   session.GetString(ctx, claims.SessionKeyRole),
			})

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}

// Admin rejects requests without a logged-in admin.
func Admin(session *scs.SessionManager) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			userID := session.GetString(ctx, claims.SessionKeyUserID)
			role := session.GetString(ctx, claims.SessionKeyRole)
			if userID == "" || role != claims.RoleAdmin {
				return weberr.NotAuthorized(errors.New("user is not an administrator"))
			}

			ctx = claims.Set(ctx, claims.Claims{UserID: userID, Role: role})

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
