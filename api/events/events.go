// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package events implements the ingestion and catch-up endpoints.
package events

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/api/restutil"
	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/idempotency"
	"github.com/alexandergreif/soullink-tracker/ingest"
	"github.com/alexandergreif/soullink-tracker/projection"
	"github.com/alexandergreif/soullink-tracker/registry"
)

const (
	maxSingleBody = 16 * 1024
	maxBatchBody  = 64 * 1024

	defaultPageLimit = 100
	maxPageLimit     = 1000
)

type Events struct {
	reg   *registry.Registry
	store *eventdb.Store
	pipe  *ingest.Pipeline
}

func New(reg *registry.Registry, store *eventdb.Store, pipe *ingest.Pipeline) *Events {
	return &Events{reg: reg, store: store, pipe: pipe}
}

func (e *Events) authenticate(r *http.Request) (*registry.Player, error) {
	token := restutil.BearerToken(r)
	if token == "" {
		return nil, restutil.Unauthorized(errors.New("missing bearer token"))
	}
	player, err := e.reg.Authenticate(r.Context(), token)
	if err == registry.ErrBadCredentials {
		return nil, restutil.Unauthorized(err)
	}
	if err != nil {
		return nil, err
	}
	run, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return nil, restutil.BadRequest(errors.WithMessage(err, "run id"))
	}
	if player.RunID != run {
		return nil, restutil.Forbidden(errors.New("token does not belong to this run"))
	}
	return player, nil
}

func (e *Events) handleSubmit(w http.ResponseWriter, r *http.Request) error {
	player, err := e.authenticate(r)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBody+1))
	if err != nil {
		return restutil.BadRequest(err)
	}
	if len(body) > maxBatchBody {
		return restutil.HTTPError(errors.New("request body too large"), http.StatusRequestEntityTooLarge)
	}

	// a batch is a JSON array; a single event is an object
	if isJSONArray(body) {
		var items []ingest.BatchItem
		if err := restutil.ParseJSON(bytes.NewReader(body), &items); err != nil {
			return restutil.BadRequest(errors.WithMessage(err, "batch"))
		}
		if len(items) == 0 || len(items) > ingest.MaxBatchSize {
			return restutil.BadRequest(errors.Errorf("batch size must be 1..%d", ingest.MaxBatchSize))
		}
		results := e.pipe.SubmitBatch(r.Context(), player, items)
		return restutil.WriteJSONStatus(w, http.StatusMultiStatus, restutil.M{"results": results})
	}

	if len(body) > maxSingleBody {
		return restutil.HTTPError(errors.New("event body too large"), http.StatusRequestEntityTooLarge)
	}
	result, replayed, err := e.pipe.Submit(r.Context(), player, r.Header.Get("Idempotency-Key"), body)
	if err != nil {
		return submitError(err)
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	return restutil.WriteJSONStatus(w, status, result)
}

// submitError maps pipeline failures onto status codes.
func submitError(err error) error {
	switch {
	case errors.Is(err, idempotency.ErrBadKey):
		return restutil.BadRequest(err)
	case errors.Is(err, idempotency.ErrKeyReuse):
		return restutil.Conflict(err)
	case errors.Is(err, ingest.ErrRunMismatch), errors.Is(err, ingest.ErrPlayerMismatch):
		return restutil.Forbidden(err)
	case errors.Is(err, projection.ErrMissingEncounter),
		errors.Is(err, ingest.ErrUnknownSpecies),
		errors.Is(err, ingest.ErrUnknownRoute),
		errors.Is(err, ingest.ErrFamilyMismatch):
		return restutil.UnprocessableEntity(err)
	default:
		return restutil.BadRequest(err)
	}
}

// catchUpResponse pages the run's log by sequence number.
type catchUpResponse struct {
	Items     []*event.Envelope `json:"items"`
	LatestSeq uint64            `json:"latest_seq"`
	HasMore   bool              `json:"has_more"`
}

func (e *Events) handleCatchUp(w http.ResponseWriter, r *http.Request) error {
	player, err := e.authenticate(r)
	if err != nil {
		return err
	}

	filter := &eventdb.Filter{Limit: defaultPageLimit}
	query := r.URL.Query()
	if raw := query.Get("since_seq"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return restutil.BadRequest(errors.WithMessage(err, "since_seq"))
		}
		filter.Since = since
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || limit == 0 || limit > maxPageLimit {
			return restutil.BadRequest(errors.Errorf("limit must be 1..%d", maxPageLimit))
		}
		filter.Limit = int(limit)
	}
	for _, raw := range query["type"] {
		t, err := event.ParseType(raw)
		if err != nil {
			return restutil.BadRequest(err)
		}
		filter.Types = append(filter.Types, t)
	}

	// fetch one row past the page to learn whether more matches remain
	probe := *filter
	probe.Limit = filter.Limit + 1
	items, err := e.store.Events(r.Context(), player.RunID, &probe)
	if err != nil {
		return err
	}
	latest, err := e.store.LatestSeq(r.Context(), player.RunID)
	if err != nil {
		return err
	}

	resp := &catchUpResponse{Items: items, LatestSeq: latest}
	if len(items) > filter.Limit {
		resp.Items = items[:filter.Limit]
		resp.HasMore = true
	}
	if resp.Items == nil {
		resp.Items = []*event.Envelope{}
	}
	return restutil.WriteJSON(w, resp)
}

func isJSONArray(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func (e *Events) Mount(root *mux.Router, pathPrefix string) {
	sub := root.PathPrefix(pathPrefix).Subrouter()
	sub.Path("/{id}/events").
		Methods(http.MethodPost).
		Name("events_submit").
		HandlerFunc(restutil.WrapHandlerFunc(e.handleSubmit))
	sub.Path("/{id}/events").
		Methods(http.MethodGet).
		Name("events_catch_up").
		HandlerFunc(restutil.WrapHandlerFunc(e.handleCatchUp))
}
