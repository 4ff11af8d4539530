// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/alexandergreif/soullink-tracker/catalog"
	"github.com/alexandergreif/soullink-tracker/co"
	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

const hour = time.Hour

func initLogger(ctx *cli.Context) *slog.LevelVar {
	level := &slog.LevelVar{}
	level.Set(log.FromLegacyLevel(ctx.Uint64(verbosityFlag.Name)))
	log.Init(level, ctx.Bool(jsonLogsFlag.Name))
	return level
}

func defaultDataDir() string {
	// try to get HOME env
	home := os.Getenv("HOME")
	if home == "" {
		if u, err := user.Current(); err == nil {
			home = u.HomeDir
		}
	}
	if home != "" {
		switch runtime.GOOS {
		case "darwin":
			return filepath.Join(home, "Library", "Application Support", "org.soullink.tracker")
		case "windows":
			return filepath.Join(home, "AppData", "Roaming", "SoulLinkTracker")
		default:
			return filepath.Join(home, ".org.soullink.tracker")
		}
	}
	return ""
}

func openTrackerDB(ctx *cli.Context) (*trackerdb.DB, error) {
	dir := ctx.String(dataDirFlag.Name)
	if dir == "" {
		return nil, errors.New("unable to infer default data dir, use -data-dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create data dir [%v]", dir)
	}
	db, err := trackerdb.Open(filepath.Join(dir, "tracker.db"))
	if err != nil {
		return nil, errors.Wrap(err, "open tracker database")
	}
	return db, nil
}

func loadCatalog(ctx *cli.Context) (*catalog.Catalog, error) {
	speciesPath := ctx.String(speciesFileFlag.Name)
	routesPath := ctx.String(routesFileFlag.Name)
	if speciesPath == "" && routesPath == "" {
		return catalog.Default(), nil
	}
	if speciesPath == "" || routesPath == "" {
		return nil, errors.New("species-file and routes-file must be given together")
	}
	cat, err := catalog.LoadFiles(speciesPath, routesPath)
	if err != nil {
		return nil, errors.Wrap(err, "load catalog")
	}
	return cat, nil
}

// startHTTPServer serves handler on addr and returns the bound URL plus a
// close func that drains in-flight requests.
func startHTTPServer(addr string, handler http.Handler) (string, func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, errors.Wrapf(err, "listen API addr [%v]", addr)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: time.Second, ReadTimeout: 5 * time.Second}
	var goes co.Goes
	goes.Go(func() {
		srv.Serve(listener)
	})
	return "http://" + listener.Addr().String(), func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		goes.Wait()
	}, nil
}

// handleExitSignal returns a context canceled on SIGINT/SIGTERM.
func handleExitSignal() context.Context {
	exitSignalCh := make(chan os.Signal, 1)
	signal.Notify(exitSignalCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-exitSignalCh
		log.Info("exit signal received", "signal", sig)
		cancel()
	}()
	return ctx
}

func printStartupMessage(dataDir, apiURL, adminURL, metricsURL string, species, routes int) {
	fmt.Printf(`Starting %v
    Data dir    [ %v ]
    API portal  [ %v ]
    Admin       [ %v ]
    Metrics     [ %v ]
    Catalog     [ %v species / %v routes ]
`,
		appName,
		dataDir,
		apiURL,
		orNone(adminURL),
		orNone(metricsURL),
		species,
		routes,
	)
}

func orNone(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
