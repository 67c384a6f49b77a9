package events

import (
	"context"
	"errors"
	"net/http"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/websocket"
	"github.com/mbaur/myshop/api/web"
	"github.com/mbaur/myshop/api/weberr"
	"github.com/mbaur/myshop/core/claims"
)

// Handle upgrades the connection to a websocket and subscribes it to the
// caller's session room, the global channel and, for authenticated callers,
// their user room. Product rooms are joined on demand via client messages.
//
// The route must not run behind the session LoadAndSave middleware: its
// buffered response writer cannot be hijacked for the upgrade. The session is
// loaded here straight from the cookie instead.
func Handle(hub *Hub, session *scs.SessionManager, corsOrigin string) web.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || corsOrigin == "" || origin == corsOrigin
		},
	}

	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		cookie, err := r.Cookie(session.Cookie.Name)
		if err != nil || cookie.Value == "" {
			return weberr.BadRequest(errors.New("no session for websocket subscription"))
		}

		ctx, err = session.Load(ctx, cookie.Value)
		if err != nil {
			return weberr.BadRequest(errors.New("unknown session for websocket subscription"))
		}

		sessionID := session.Token(ctx)
		if sessionID == "" {
			return weberr.BadRequest(errors.New("no session for websocket subscription"))
		}

		userID := session.GetString(ctx, claims.SessionKeyUserID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied to the client.
			return nil
		}

		hub.serve(conn, sessionID, userID)
		return nil
	}
}
