// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package admin_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandergreif/soullink-tracker/api/admin"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/health"
	"github.com/alexandergreif/soullink-tracker/projection"
	"github.com/alexandergreif/soullink-tracker/registry"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

type noSubscribers struct{}

func (noSubscribers) SubscriberCount(uuid.UUID) int { return 0 }

func TestRoutesReachable(t *testing.T) {
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := eventdb.New(db)
	handler := admin.New(
		new(slog.LevelVar),
		new(atomic.Bool),
		registry.New(db),
		store,
		projection.New(db, store),
		health.New(db, time.Hour),
		noSubscribers{},
	)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// every mounted prefix must resolve to its handler, not a router 404
	for _, path := range []string{"/admin/loglevel", "/admin/apilogs", "/admin/health", "/admin/runs"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.NotEqual(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err := http.Post(srv.URL+"/admin/runs", "application/json",
		bytes.NewBufferString(`{"name":"trio"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
