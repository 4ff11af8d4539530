// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/alexandergreif/soullink-tracker/api"
	"github.com/alexandergreif/soullink-tracker/api/admin"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/health"
	"github.com/alexandergreif/soullink-tracker/idempotency"
	"github.com/alexandergreif/soullink-tracker/ingest"
	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/metrics"
	"github.com/alexandergreif/soullink-tracker/projection"
	"github.com/alexandergreif/soullink-tracker/registry"
	"github.com/alexandergreif/soullink-tracker/stream"
)

const appName = "SoulLink Tracker"

var (
	version   string
	gitCommit string
	gitTag    string
)

func fullVersion() string {
	versionMeta := "release"
	if gitTag == "" {
		versionMeta = "dev"
	}
	return fmt.Sprintf("%s-%s-%s", version, gitCommit, versionMeta)
}

func main() {
	app := cli.App{
		Version:   fullVersion(),
		Name:      appName,
		Usage:     "Event-sourced tracker for three-player SoulLink runs",
		Copyright: "2025 The SoulLink Tracker developers",
		Flags: []cli.Flag{
			dataDirFlag,
			apiAddrFlag,
			apiCorsFlag,
			adminAddrFlag,
			enableAPILogsFlag,
			verbosityFlag,
			jsonLogsFlag,
			pprofFlag,
			enableMetricsFlag,
			metricsAddrFlag,
			idempotencyTTLFlag,
			speciesFileFlag,
			routesFileFlag,
		},
		Action: defaultAction,
		Commands: []cli.Command{
			{
				Name:  "rebuild",
				Usage: "drop a run's projections and replay its event log",
				Flags: []cli.Flag{
					dataDirFlag,
					runFlag,
					verbosityFlag,
					jsonLogsFlag,
				},
				Action: rebuildAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultAction(ctx *cli.Context) error {
	defer func() { log.Info("exited") }()

	logLevel := initLogger(ctx)

	db, err := openTrackerDB(ctx)
	if err != nil {
		return err
	}
	defer func() { log.Info("closing tracker database..."); db.Close() }()

	cat, err := loadCatalog(ctx)
	if err != nil {
		return err
	}
	if err := cat.Persist(context.Background(), db); err != nil {
		return err
	}

	if ctx.Bool(enableMetricsFlag.Name) {
		metrics.InitializePrometheusMetrics()
	}

	reg := registry.New(db)
	store := eventdb.New(db)
	proj := projection.New(db, store)
	idem := idempotency.New(db, ctx.Duration(idempotencyTTLFlag.Name))
	bcast := stream.NewBroadcaster()
	defer bcast.Close()

	pipe := ingest.New(db, store, proj, idem, bcast)
	pipe.SetCatalog(cat)

	h := health.New(db, 24*time.Hour)
	pipe.SetHeartbeat(h.EventIngested)

	apiLogsEnabled := &atomic.Bool{}
	apiLogsEnabled.Store(ctx.Bool(enableAPILogsFlag.Name))

	apiHandler := api.New(reg, store, pipe, bcast, h, api.Options{
		AllowedOrigins:  ctx.String(apiCorsFlag.Name),
		PprofOn:         ctx.Bool(pprofFlag.Name),
		EnableMetrics:   ctx.Bool(enableMetricsFlag.Name),
		ReqLoggerToggle: apiLogsEnabled,
	})
	apiURL, apiClose, err := startHTTPServer(ctx.String(apiAddrFlag.Name), apiHandler)
	if err != nil {
		return err
	}
	defer func() { log.Info("stopping API server..."); apiClose() }()

	adminHandler := admin.New(logLevel, apiLogsEnabled, reg, store, proj, h, bcast)
	adminURL, adminClose, err := startHTTPServer(ctx.String(adminAddrFlag.Name), adminHandler)
	if err != nil {
		return err
	}
	defer func() { log.Info("stopping admin server..."); adminClose() }()

	var metricsURL string
	if ctx.Bool(enableMetricsFlag.Name) {
		router := mux.NewRouter()
		router.PathPrefix("/metrics").Handler(metrics.HTTPHandler())
		url, metricsClose, err := startHTTPServer(ctx.String(metricsAddrFlag.Name), handlers.CompressHandler(router))
		if err != nil {
			return err
		}
		defer func() { log.Info("stopping metrics server..."); metricsClose() }()
		metricsURL = url + "/metrics"
	}

	species, routes := cat.Len()
	printStartupMessage(ctx.String(dataDirFlag.Name), apiURL, adminURL+"/admin", metricsURL, species, routes)

	group, groupCtx := errgroup.WithContext(handleExitSignal())
	group.Go(func() error {
		idem.PurgeLoop(groupCtx, time.Hour)
		return nil
	})
	return group.Wait()
}

func rebuildAction(ctx *cli.Context) error {
	initLogger(ctx)

	runID, err := uuid.Parse(ctx.String(runFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid -run: %w", err)
	}

	db, err := openTrackerDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	store := eventdb.New(db)
	report, err := projection.New(db, store).RebuildAll(context.Background(), runID)
	if err != nil {
		return err
	}
	log.Info("rebuild complete", "run", report.RunID, "events", report.Events, "upToSeq", report.UpToSeq, "elapsedMs", report.Elapsed)
	return nil
}
