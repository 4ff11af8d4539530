// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package eventdb_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/soullink"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

func seedRun(t *testing.T, db *trackerdb.DB) (run, player uuid.UUID) {
	t.Helper()
	run, player = uuid.New(), uuid.New()
	_, err := db.SQL().Exec("INSERT INTO runs(id, name, created_at) VALUES(?, 'test run', 0)", run.String())
	require.NoError(t, err)
	_, err = db.SQL().Exec("INSERT INTO players(id, run_id, name, token_hash, created_at) VALUES(?, ?, 'tester', x'00', 0)",
		player.String(), run.String())
	require.NoError(t, err)
	return run, player
}

func faintEnvelope(run, player uuid.UUID, key string) *event.Envelope {
	return &event.Envelope{
		ID:         uuid.New(),
		RunID:      run,
		PlayerID:   player,
		OccurredAt: time.Now().UTC(),
		Payload:    &event.Faint{PokemonKey: key},
	}
}

func TestAppendAssignsGapFreeSequence(t *testing.T) {
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	store := eventdb.New(db)
	run, player := seedRun(t, db)
	ctx := context.Background()

	const n = 25
	for i := 0; i < n; i++ {
		env := faintEnvelope(run, player, "pv")
		require.NoError(t, store.AppendEnvelope(ctx, env))
		assert.Equal(t, uint64(i+1), env.Seq)
	}

	envs, err := store.Events(ctx, run, nil)
	require.NoError(t, err)
	require.Len(t, envs, n)
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.Seq)
	}

	latest, err := store.LatestSeq(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), latest)
}

func TestConcurrentAppendersKeepTotalOrder(t *testing.T) {
	db, err := trackerdb.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	defer db.Close()

	store := eventdb.New(db)
	run, player := seedRun(t, db)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func() {
			for i := 0; i < perWriter; i++ {
				if err := store.AppendEnvelope(ctx, faintEnvelope(run, player, "pv")); err != nil {
					errCh <- err
					return
				}
			}
			errCh <- nil
		}()
	}
	for w := 0; w < writers; w++ {
		require.NoError(t, <-errCh)
	}

	envs, err := store.Events(ctx, run, nil)
	require.NoError(t, err)
	require.Len(t, envs, writers*perWriter)
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.Seq, "sequence must be gap-free under contention")
	}
}

func TestEventsFilter(t *testing.T) {
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	store := eventdb.New(db)
	run, player := seedRun(t, db)
	ctx := context.Background()

	require.NoError(t, store.AppendEnvelope(ctx, faintEnvelope(run, player, "a")))
	fb := &event.Envelope{
		ID: uuid.New(), RunID: run, PlayerID: player, OccurredAt: time.Now().UTC(),
		Payload: &event.FamilyBlocked{FamilyID: 25, Origin: soullink.OriginCaught},
	}
	require.NoError(t, store.AppendEnvelope(ctx, fb))
	require.NoError(t, store.AppendEnvelope(ctx, faintEnvelope(run, player, "b")))

	envs, err := store.Events(ctx, run, &eventdb.Filter{Types: []event.Type{event.TypeFaint}})
	require.NoError(t, err)
	require.Len(t, envs, 2)

	envs, err = store.Events(ctx, run, &eventdb.Filter{Since: 1, Until: 2})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(2), envs[0].Seq)

	envs, err = store.Events(ctx, run, &eventdb.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(1), envs[0].Seq)
}

func TestEventByID(t *testing.T) {
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	store := eventdb.New(db)
	run, player := seedRun(t, db)
	ctx := context.Background()

	env := faintEnvelope(run, player, "pv-9")
	require.NoError(t, store.AppendEnvelope(ctx, env))

	got, err := store.EventByID(ctx, run, env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Seq, got.Seq)

	_, err = store.EventByID(ctx, run, uuid.New())
	assert.ErrorIs(t, err, eventdb.ErrNotFound)
}

func TestReplayPagesWholeLog(t *testing.T) {
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	store := eventdb.New(db)
	run, player := seedRun(t, db)
	ctx := context.Background()

	const n = 23
	for i := 0; i < n; i++ {
		require.NoError(t, store.AppendEnvelope(ctx, faintEnvelope(run, player, "pv")))
	}

	var seen []uint64
	require.NoError(t, store.Replay(ctx, run, 0, 5, func(env *event.Envelope) error {
		seen = append(seen, env.Seq)
		return nil
	}))
	require.Len(t, seen, n)
	for i, seq := range seen {
		assert.Equal(t, uint64(i+1), seq)
	}

	// resume from the middle
	seen = seen[:0]
	require.NoError(t, store.Replay(ctx, run, 20, 5, func(env *event.Envelope) error {
		seen = append(seen, env.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{21, 22, 23}, seen)
}

func TestRunStats(t *testing.T) {
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	store := eventdb.New(db)
	run, player := seedRun(t, db)
	ctx := context.Background()

	require.NoError(t, store.AppendEnvelope(ctx, faintEnvelope(run, player, "a")))
	require.NoError(t, store.AppendEnvelope(ctx, faintEnvelope(run, player, "b")))

	st, err := store.RunStats(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.LatestSeq)
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, int64(2), st.CountsByType[event.TypeFaint])
}
