// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package runs exposes run administration: creation, player onboarding with
// one-time tokens, token rotation, projection rebuild and store statistics.
// It is served only on the localhost admin listener.
package runs

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/api/restutil"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/projection"
	"github.com/alexandergreif/soullink-tracker/registry"
)

type Runs struct {
	reg   *registry.Registry
	store *eventdb.Store
	proj  *projection.Engine
}

func New(reg *registry.Registry, store *eventdb.Store, proj *projection.Engine) *Runs {
	return &Runs{reg: reg, store: store, proj: proj}
}

type createRunRequest struct {
	Name     string          `json:"name"`
	Password string          `json:"password,omitempty"`
	Rules    json.RawMessage `json:"rules,omitempty"`
}

func (rs *Runs) handleCreateRun(w http.ResponseWriter, r *http.Request) error {
	var req createRunRequest
	if err := restutil.ParseJSON(r.Body, &req); err != nil {
		return restutil.BadRequest(errors.WithMessage(err, "body"))
	}
	run, err := rs.reg.CreateRun(r.Context(), req.Name, req.Password, req.Rules)
	if err != nil {
		return restutil.BadRequest(err)
	}
	return restutil.WriteJSONStatus(w, http.StatusCreated, run)
}

func (rs *Runs) handleListRuns(w http.ResponseWriter, r *http.Request) error {
	runs, err := rs.reg.Runs(r.Context())
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*registry.Run{}
	}
	return restutil.WriteJSON(w, runs)
}

type createPlayerRequest struct {
	Name   string `json:"name"`
	Game   string `json:"game,omitempty"`
	Region string `json:"region,omitempty"`
}

type createPlayerResponse struct {
	Player *registry.Player `json:"player"`
	// Token is shown exactly once; only its hash is stored.
	Token string `json:"token"`
}

func (rs *Runs) handleCreatePlayer(w http.ResponseWriter, r *http.Request) error {
	run, err := runID(r)
	if err != nil {
		return err
	}
	var req createPlayerRequest
	if err := restutil.ParseJSON(r.Body, &req); err != nil {
		return restutil.BadRequest(errors.WithMessage(err, "body"))
	}
	player, token, err := rs.reg.CreatePlayer(r.Context(), run, req.Name, req.Game, req.Region)
	switch {
	case errors.Is(err, registry.ErrDuplicateName):
		return restutil.Conflict(err)
	case errors.Is(err, registry.ErrNotFound):
		return restutil.NotFound(err)
	case err != nil:
		return restutil.BadRequest(err)
	}
	return restutil.WriteJSONStatus(w, http.StatusCreated, &createPlayerResponse{Player: player, Token: token})
}

func (rs *Runs) handleListPlayers(w http.ResponseWriter, r *http.Request) error {
	run, err := runID(r)
	if err != nil {
		return err
	}
	players, err := rs.reg.Players(r.Context(), run)
	if err != nil {
		return err
	}
	if players == nil {
		players = []*registry.Player{}
	}
	return restutil.WriteJSON(w, players)
}

func (rs *Runs) handleRotateToken(w http.ResponseWriter, r *http.Request) error {
	player, err := uuid.Parse(mux.Vars(r)["playerID"])
	if err != nil {
		return restutil.BadRequest(errors.WithMessage(err, "player id"))
	}
	token, err := rs.reg.RotateToken(r.Context(), player)
	if errors.Is(err, registry.ErrNotFound) {
		return restutil.NotFound(err)
	}
	if err != nil {
		return err
	}
	return restutil.WriteJSON(w, restutil.M{"token": token})
}

func (rs *Runs) handleRebuild(w http.ResponseWriter, r *http.Request) error {
	run, err := runID(r)
	if err != nil {
		return err
	}
	if _, err := rs.reg.Run(r.Context(), run); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return restutil.NotFound(err)
		}
		return err
	}
	report, err := rs.proj.RebuildAll(r.Context(), run)
	if err != nil {
		return err
	}
	return restutil.WriteJSON(w, report)
}

// statsResponse joins store statistics with a projection summary.
type statsResponse struct {
	Store       *eventdb.Stats              `json:"store"`
	Routes      []*projection.RouteProgress `json:"routes"`
	Blocklist   []*projection.BlockedFamily `json:"blocklist"`
	Party       []*projection.PartyMember   `json:"party"`
	Links       []*projection.Link          `json:"links"`
	Subscribers int                         `json:"subscribers"`
}

// SubscriberCounter decouples the stats endpoint from the broadcaster.
type SubscriberCounter interface {
	SubscriberCount(run uuid.UUID) int
}

func (rs *Runs) handleStats(counter SubscriberCounter) restutil.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		run, err := runID(r)
		if err != nil {
			return err
		}
		stats, err := rs.store.RunStats(r.Context(), run)
		if err != nil {
			return err
		}
		resp := &statsResponse{Store: stats}
		if resp.Routes, err = rs.proj.RouteProgressOf(r.Context(), run); err != nil {
			return err
		}
		if resp.Blocklist, err = rs.proj.BlocklistOf(r.Context(), run); err != nil {
			return err
		}
		if resp.Party, err = rs.proj.PartyOf(r.Context(), run); err != nil {
			return err
		}
		if resp.Links, err = rs.proj.LinksOf(r.Context(), run); err != nil {
			return err
		}
		if counter != nil {
			resp.Subscribers = counter.SubscriberCount(run)
		}
		return restutil.WriteJSON(w, resp)
	}
}

func runID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, restutil.BadRequest(errors.WithMessage(err, "run id"))
	}
	return id, nil
}

func (rs *Runs) Mount(root *mux.Router, pathPrefix string, counter SubscriberCounter) {
	sub := root.PathPrefix(pathPrefix).Subrouter()
	sub.Path("").
		Methods(http.MethodPost).
		Name("admin_create_run").
		HandlerFunc(restutil.WrapHandlerFunc(rs.handleCreateRun))
	sub.Path("").
		Methods(http.MethodGet).
		Name("admin_list_runs").
		HandlerFunc(restutil.WrapHandlerFunc(rs.handleListRuns))
	sub.Path("/{id}/players").
		Methods(http.MethodPost).
		Name("admin_create_player").
		HandlerFunc(restutil.WrapHandlerFunc(rs.handleCreatePlayer))
	sub.Path("/{id}/players").
		Methods(http.MethodGet).
		Name("admin_list_players").
		HandlerFunc(restutil.WrapHandlerFunc(rs.handleListPlayers))
	sub.Path("/{id}/players/{playerID}/token").
		Methods(http.MethodPost).
		Name("admin_rotate_token").
		HandlerFunc(restutil.WrapHandlerFunc(rs.handleRotateToken))
	sub.Path("/{id}/rebuild").
		Methods(http.MethodPost).
		Name("admin_rebuild").
		HandlerFunc(restutil.WrapHandlerFunc(rs.handleRebuild))
	sub.Path("/{id}/stats").
		Methods(http.MethodGet).
		Name("admin_stats").
		HandlerFunc(restutil.WrapHandlerFunc(rs.handleStats(counter)))
}
