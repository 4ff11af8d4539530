// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package subscriptions serves the live event stream over websocket. A
// client anchors at a sequence number, receives the missed range from the
// store, then live events; the two phases overlap-free because live messages
// at or below the catch-up bound are suppressed by sequence number.
package subscriptions

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/api/restutil"
	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/registry"
	"github.com/alexandergreif/soullink-tracker/stream"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	catchUpBatch = 256
)

var logger = log.WithContext("pkg", "subscriptions")

type Subscriptions struct {
	reg      *registry.Registry
	store    *eventdb.Store
	bcast    *stream.Broadcaster
	upgrader websocket.Upgrader
}

func New(reg *registry.Registry, store *eventdb.Store, bcast *stream.Broadcaster, allowedOrigins []string) *Subscriptions {
	return &Subscriptions{
		reg:   reg,
		store: store,
		bcast: bcast,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// authorize accepts a player token or, for read-only dashboards, the run
// password; websocket clients pass credentials as query parameters.
func (s *Subscriptions) authorize(r *http.Request, run uuid.UUID) error {
	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		player, err := s.reg.Authenticate(r.Context(), token)
		if err == registry.ErrBadCredentials {
			return restutil.Unauthorized(err)
		}
		if err != nil {
			return err
		}
		if player.RunID != run {
			return restutil.Forbidden(errors.New("token does not belong to this run"))
		}
		return nil
	}

	err := s.reg.VerifyRunPassword(r.Context(), run, query.Get("password"))
	switch err {
	case nil:
		return nil
	case registry.ErrNotFound:
		return restutil.NotFound(err)
	case registry.ErrBadCredentials:
		return restutil.Unauthorized(err)
	default:
		return err
	}
}

func (s *Subscriptions) handleSubscribe(w http.ResponseWriter, r *http.Request) error {
	run, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return restutil.BadRequest(errors.WithMessage(err, "run id"))
	}
	if err := s.authorize(r, run); err != nil {
		return err
	}

	var since uint64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		if since, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return restutil.BadRequest(errors.WithMessage(err, "since_seq"))
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already responded
		return nil
	}
	defer conn.Close()

	// subscribe before catching up so nothing committed in between is lost
	live, unsubscribe := s.bcast.Subscribe(run)
	defer unsubscribe()

	lastSent := since
	err = s.store.Replay(r.Context(), run, since, catchUpBatch, func(env *event.Envelope) error {
		data, err := s.bcast.Encode(env)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		lastSent = env.Seq
		return nil
	})
	if err != nil {
		logger.Debug("catch-up aborted", "run", run, "err", err)
		return nil
	}

	// reader goroutine: consumes pongs and surfaces the close
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-closed:
			return nil
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case msg, ok := <-live:
			if !ok {
				// dropped as a slow subscriber; the client reconnects
				// and catches up from its last seen sequence
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "fell behind"))
				return nil
			}
			if msg.Seq <= lastSent {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return nil
			}
			lastSent = msg.Seq
		}
	}
}

func (s *Subscriptions) Mount(root *mux.Router, pathPrefix string) {
	sub := root.PathPrefix(pathPrefix).Subrouter()
	sub.Path("/{id}/stream").
		Methods(http.MethodGet).
		Name("subscriptions_stream").
		HandlerFunc(restutil.WrapHandlerFunc(s.handleSubscribe))
}
