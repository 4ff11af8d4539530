// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package subscriptions_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandergreif/soullink-tracker/api/subscriptions"
	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/registry"
	"github.com/alexandergreif/soullink-tracker/stream"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

type wsFixture struct {
	server *httptest.Server
	store  *eventdb.Store
	bcast  *stream.Broadcaster
	run    uuid.UUID
	player uuid.UUID
	token  string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	ctx := context.Background()
	run, err := reg.CreateRun(ctx, "trio", "watchword", nil)
	require.NoError(t, err)
	player, token, err := reg.CreatePlayer(ctx, run.ID, "alex", "soulsilver", "johto")
	require.NoError(t, err)

	store := eventdb.New(db)
	bcast := stream.NewBroadcaster()
	t.Cleanup(bcast.Close)

	router := mux.NewRouter()
	subscriptions.New(reg, store, bcast, []string{"*"}).Mount(router, "/runs")
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &wsFixture{
		server: server,
		store:  store,
		bcast:  bcast,
		run:    run.ID,
		player: player.ID,
		token:  token,
	}
}

func (f *wsFixture) append(t *testing.T, key string) *event.Envelope {
	t.Helper()
	env := &event.Envelope{
		ID:         uuid.New(),
		RunID:      f.run,
		PlayerID:   f.player,
		OccurredAt: time.Now().UTC(),
		Payload:    &event.Faint{PokemonKey: key},
	}
	require.NoError(t, f.store.AppendEnvelope(context.Background(), env))
	return env
}

func (f *wsFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.server.URL, "http", "ws", 1) +
		fmt.Sprintf("/runs/%s/stream?%s", f.run, query)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSeq(t *testing.T, conn *websocket.Conn) uint64 {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var wire struct {
		Seq uint64 `json:"seq"`
		PV  string `json:"pokemon_key"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	return wire.Seq
}

func TestCatchUpThenLive(t *testing.T) {
	f := newWSFixture(t)

	f.append(t, "a")
	f.append(t, "b")

	conn := f.dial(t, "token="+f.token+"&since_seq=0")

	assert.Equal(t, uint64(1), readSeq(t, conn))
	assert.Equal(t, uint64(2), readSeq(t, conn))

	// live phase
	env := f.append(t, "c")
	f.bcast.Publish(env)
	assert.Equal(t, uint64(3), readSeq(t, conn))
}

func TestAnchorSkipsSeenEvents(t *testing.T) {
	f := newWSFixture(t)

	f.append(t, "a")
	f.append(t, "b")
	f.append(t, "c")

	conn := f.dial(t, "token="+f.token+"&since_seq=2")
	assert.Equal(t, uint64(3), readSeq(t, conn))
}

func TestNoDuplicateAcrossPhaseBoundary(t *testing.T) {
	f := newWSFixture(t)

	env := f.append(t, "a")

	conn := f.dial(t, "token="+f.token+"&since_seq=0")

	// the same event arriving live must be suppressed by sequence
	f.bcast.Publish(env)
	next := f.append(t, "b")
	f.bcast.Publish(next)

	assert.Equal(t, uint64(1), readSeq(t, conn))
	assert.Equal(t, uint64(2), readSeq(t, conn), "seq 1 must not repeat")
}

func TestRunPasswordGrantsReadOnlyStream(t *testing.T) {
	f := newWSFixture(t)
	f.append(t, "a")

	conn := f.dial(t, "password=watchword&since_seq=0")
	assert.Equal(t, uint64(1), readSeq(t, conn))
}

func TestBadCredentialsRejected(t *testing.T) {
	f := newWSFixture(t)

	url := strings.Replace(f.server.URL, "http", "ws", 1) +
		fmt.Sprintf("/runs/%s/stream?password=wrong", f.run)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)
}
