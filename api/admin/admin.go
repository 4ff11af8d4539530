// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package admin assembles the localhost-only administration API.
package admin

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/alexandergreif/soullink-tracker/api/admin/apilogs"
	"github.com/alexandergreif/soullink-tracker/api/admin/healthapi"
	"github.com/alexandergreif/soullink-tracker/api/admin/loglevel"
	adminruns "github.com/alexandergreif/soullink-tracker/api/admin/runs"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/health"
	"github.com/alexandergreif/soullink-tracker/projection"
	"github.com/alexandergreif/soullink-tracker/registry"
)

func New(
	logLevel *slog.LevelVar,
	apiLogsEnabled *atomic.Bool,
	reg *registry.Registry,
	store *eventdb.Store,
	proj *projection.Engine,
	h *health.Health,
	counter adminruns.SubscriberCounter,
) http.HandlerFunc {
	router := mux.NewRouter()

	loglevel.New(logLevel).Mount(router, "/admin/loglevel")
	apilogs.New(apiLogsEnabled).Mount(router, "/admin/apilogs")
	healthapi.New(h).Mount(router, "/admin/health")
	adminruns.New(reg, store, proj).Mount(router, "/admin/runs", counter)

	handler := handlers.CompressHandler(router)

	return handler.ServeHTTP
}
