// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package healthapi serves the health status on both the admin listener and
// the public /health route.
package healthapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/alexandergreif/soullink-tracker/api/restutil"
	"github.com/alexandergreif/soullink-tracker/health"
)

type API struct {
	healthStatus *health.Health
}

func New(h *health.Health) *API {
	return &API{healthStatus: h}
}

func (h *API) handleGetHealth(w http.ResponseWriter, r *http.Request) error {
	status := h.healthStatus.Status(r.Context())
	if !status.Healthy {
		return restutil.WriteJSONStatus(w, http.StatusServiceUnavailable, status)
	}
	return restutil.WriteJSON(w, status)
}

func (h *API) Mount(root *mux.Router, pathPrefix string) {
	sub := root.PathPrefix(pathPrefix).Subrouter()
	sub.Path("").
		Methods(http.MethodGet).
		Name("health").
		HandlerFunc(restutil.WrapHandlerFunc(h.handleGetHealth))
}
