// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package api assembles the public HTTP surface: ingestion, catch-up, the
// websocket stream and the health probe.
package api

import (
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/alexandergreif/soullink-tracker/api/admin/healthapi"
	"github.com/alexandergreif/soullink-tracker/api/events"
	"github.com/alexandergreif/soullink-tracker/api/subscriptions"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/health"
	"github.com/alexandergreif/soullink-tracker/ingest"
	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/registry"
	"github.com/alexandergreif/soullink-tracker/stream"
)

var logger = log.WithContext("pkg", "api")

type Options struct {
	AllowedOrigins  string
	PprofOn         bool
	EnableMetrics   bool
	ReqLoggerToggle *atomic.Bool
}

// New returns the public api handler.
func New(
	reg *registry.Registry,
	store *eventdb.Store,
	pipe *ingest.Pipeline,
	bcast *stream.Broadcaster,
	h *health.Health,
	opts Options,
) http.HandlerFunc {
	origins := strings.Split(strings.TrimSpace(opts.AllowedOrigins), ",")
	for i, o := range origins {
		origins[i] = strings.ToLower(strings.TrimSpace(o))
	}

	router := mux.NewRouter()

	events.New(reg, store, pipe).
		Mount(router, "/runs")
	subscriptions.New(reg, store, bcast, origins).
		Mount(router, "/runs")
	healthapi.New(h).
		Mount(router, "/health")

	if opts.PprofOn {
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	if opts.EnableMetrics {
		router.Use(metricsMiddleware)
	}

	handler := handlers.CompressHandler(router)
	handler = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"content-type", "authorization", "idempotency-key"}),
	)(handler)

	if opts.ReqLoggerToggle != nil {
		handler = RequestLoggerHandler(handler, opts.ReqLoggerToggle)
	}

	return handler.ServeHTTP
}
