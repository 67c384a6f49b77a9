package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/jmoiron/sqlx"
	"github.com/mbaur/myshop/api/web"
	"github.com/mbaur/myshop/api/weberr"
	"github.com/mbaur/myshop/core/cart"
	"github.com/mbaur/myshop/core/claims"
	"github.com/mbaur/myshop/core/user"
	"github.com/mbaur/myshop/database"
	"github.com/mbaur/myshop/validate"
	"golang.org/x/crypto/bcrypt"
)

func HandleSignup(db *sqlx.DB, session *scs.SessionManager) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var un user.UserNew
		if err := web.Decode(w, r, &un); err != nil {
			return weberr.BadRequest(err)
		}

		if err := validate.Check(un); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(un.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		now := time.Now().UTC()
		u := user.User{
			ID:           validate.GenerateID(),
			Name:         un.Name,
			Email:        un.Email,
			Role:         claims.RoleUser,
			PasswordHash: hash,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if err := user.Create(ctx, db, u); err != nil {
			if errors.Is(err, user.ErrEmailTaken) {
				return weberr.NewError(err, err.Error(), http.StatusConflict)
			}
			return err
		}

		return web.Respond(ctx, w, u, http.StatusCreated)
	}
}

// HandleLogin verifies the credentials and promotes the anonymous session to
// a logged-in one. The session token is renewed against fixation, so the
// anonymous cart keyed by the old token is claimed under the new one and
// merged with whatever cart the user left behind last time.
func HandleLogin(db *sqlx.DB, session *scs.SessionManager, carts *cart.Service) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var in user.UserLogin
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(err)
		}

		if err := validate.Check(in); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		u, err := user.FetchByEmail(ctx, db, in.Email)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return weberr.NotAuthorized(errors.New("wrong email or password"))
			}
			return err
		}

		if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(in.Password)); err != nil {
			return weberr.NotAuthorized(errors.New("wrong email or password"))
		}

		oldToken := session.Token(ctx)

		if err := session.RenewToken(ctx); err != nil {
			return fmt.Errorf("renewing session token: %w", err)
		}

		session.Put(ctx, claims.SessionKeyUserID, u.ID)
		session.Put(ctx, claims.SessionKeyRole, u.Role)

		// The renewed token is only assigned at commit, and the cart claim
		// below needs it now.
		newToken, _, err := session.Commit(ctx)
		if err != nil {
			return fmt.Errorf("committing session: %w", err)
		}

		if oldToken != "" {
			if err := carts.Claim(ctx, oldToken, newToken, u.ID); err != nil {
				return fmt.Errorf("claiming cart for user[%s]: %w", u.ID, err)
			}
		}

		return web.Respond(ctx, w, u, http.StatusOK)
	}
}

func HandleLogout(session *scs.SessionManager) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		if err := session.Destroy(ctx); err != nil {
			return fmt.Errorf("destroying session: %w", err)
		}

		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}
}
