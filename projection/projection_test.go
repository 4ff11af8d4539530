// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package projection_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/projection"
	"github.com/alexandergreif/soullink-tracker/soullink"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

type fixture struct {
	db     *trackerdb.DB
	store  *eventdb.Store
	eng    *projection.Engine
	run    uuid.UUID
	player [3]uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, store: eventdb.New(db), run: uuid.New()}
	f.eng = projection.New(db, f.store)

	_, err = db.SQL().Exec("INSERT INTO runs(id, name, created_at) VALUES(?, 'trio run', 0)", f.run.String())
	require.NoError(t, err)
	for i, name := range []string{"alex", "blair", "casey"} {
		f.player[i] = uuid.New()
		_, err = db.SQL().Exec("INSERT INTO players(id, run_id, name, token_hash, created_at) VALUES(?, ?, ?, x'00', 0)",
			f.player[i].String(), f.run.String(), name)
		require.NoError(t, err)
	}
	return f
}

// submit appends the envelope to the log and applies it, the way the
// ingestion pipeline does (just without the idempotency wrapper).
func (f *fixture) submit(t *testing.T, env *event.Envelope) *projection.Outcome {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.AppendEnvelope(ctx, env))

	var out *projection.Outcome
	require.NoError(t, f.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = f.eng.Apply(ctx, tx, env)
		return err
	}))
	return out
}

func envelope(run, player uuid.UUID, p event.Payload) *event.Envelope {
	return &event.Envelope{
		ID:         uuid.New(),
		RunID:      run,
		PlayerID:   player,
		OccurredAt: time.Now().UTC(),
		Payload:    p,
	}
}

func encounter(route soullink.RouteID, species soullink.SpeciesID, family soullink.FamilyID) *event.Encounter {
	return &event.Encounter{
		RouteID: route, SpeciesID: species, FamilyID: family,
		Level: 5, Method: soullink.MethodGrass,
	}
}

func TestEncounterThenCatchFinalizesAndBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enc := envelope(f.run, f.player[0], encounter(31, 161, 161))
	out := f.submit(t, enc)
	assert.False(t, out.DupesSkip)

	cr := envelope(f.run, f.player[0], &event.CatchResult{EncounterID: enc.ID, Result: soullink.OutcomeCaught})
	out = f.submit(t, cr)
	assert.True(t, out.Caught)
	assert.False(t, out.RaceLost)
	assert.Equal(t, soullink.RouteID(31), out.FinalizedRoute)

	progress, err := f.eng.RouteProgressOf(ctx, f.run)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.True(t, progress[0].Finalized)

	blocked, err := f.eng.BlocklistOf(ctx, f.run)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, soullink.FamilyID(161), blocked[0].FamilyID)
	assert.Equal(t, soullink.OriginCaught, blocked[0].Origin)
}

func TestBlockedFamilyIsDupeForEveryPlayer(t *testing.T) {
	f := newFixture(t)

	enc := envelope(f.run, f.player[0], encounter(31, 161, 161))
	f.submit(t, enc)
	f.submit(t, envelope(f.run, f.player[0], &event.CatchResult{EncounterID: enc.ID, Result: soullink.OutcomeCaught}))

	// same family on a different route, different player
	out := f.submit(t, envelope(f.run, f.player[1], encounter(32, 162, 161)))
	assert.True(t, out.DupesSkip, "blocked family must skip regardless of route")

	// a fresh family on that route is still a first encounter
	out = f.submit(t, envelope(f.run, f.player[1], encounter(32, 19, 19)))
	assert.False(t, out.DupesSkip)
}

func TestCrossPlayerFinalizedFamilyIsDupe(t *testing.T) {
	f := newFixture(t)

	enc := envelope(f.run, f.player[0], encounter(30, 19, 19))
	f.submit(t, enc)
	// fled: route finalized, family NOT blocked
	out := f.submit(t, envelope(f.run, f.player[0], &event.CatchResult{EncounterID: enc.ID, Result: soullink.OutcomeFled}))
	assert.False(t, out.Caught)
	assert.False(t, out.RaceLost)

	// another player meeting the same family on the same route is a dupe
	out = f.submit(t, envelope(f.run, f.player[1], encounter(30, 19, 19)))
	assert.True(t, out.DupesSkip)

	// but the family stays catchable elsewhere since it was never blocked
	out = f.submit(t, envelope(f.run, f.player[1], encounter(33, 19, 19)))
	assert.False(t, out.DupesSkip)
}

func TestSingleFinalizerRace(t *testing.T) {
	f := newFixture(t)

	encA := envelope(f.run, f.player[0], encounter(29, 16, 16))
	encB := envelope(f.run, f.player[1], encounter(29, 21, 21))
	f.submit(t, encA)
	f.submit(t, encB)

	out := f.submit(t, envelope(f.run, f.player[0], &event.CatchResult{EncounterID: encA.ID, Result: soullink.OutcomeCaught}))
	assert.False(t, out.RaceLost)

	out = f.submit(t, envelope(f.run, f.player[1], &event.CatchResult{EncounterID: encB.ID, Result: soullink.OutcomeCaught}))
	assert.True(t, out.RaceLost, "second finalizer on the route must lose")

	progress, err := f.eng.RouteProgressOf(context.Background(), f.run)
	require.NoError(t, err)
	var finalized int
	for _, rp := range progress {
		if rp.Finalized {
			finalized++
			assert.Equal(t, f.player[0], rp.PlayerID)
		}
	}
	assert.Equal(t, 1, finalized)

	// the loser's caught family still lands on the blocklist
	blocked, err := f.eng.BlocklistOf(context.Background(), f.run)
	require.NoError(t, err)
	assert.Len(t, blocked, 2)
}

func TestCatchResultForUnknownEncounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := envelope(f.run, f.player[0], &event.CatchResult{EncounterID: uuid.New(), Result: soullink.OutcomeCaught})
	require.NoError(t, f.store.AppendEnvelope(ctx, env))

	err := f.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := f.eng.Apply(ctx, tx, env)
		return err
	})
	assert.ErrorIs(t, err, projection.ErrMissingEncounter)
}

func TestCatchResultForeignEncounterRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enc := envelope(f.run, f.player[0], encounter(31, 161, 161))
	f.submit(t, enc)

	env := envelope(f.run, f.player[1], &event.CatchResult{EncounterID: enc.ID, Result: soullink.OutcomeCaught})
	require.NoError(t, f.store.AppendEnvelope(ctx, env))
	err := f.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := f.eng.Apply(ctx, tx, env)
		return err
	})
	assert.Error(t, err)
}

func TestBlocklistOriginUpgradeOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, envelope(f.run, f.player[0], &event.FamilyBlocked{FamilyID: 7, Origin: soullink.OriginFirstEncounter}))
	f.submit(t, envelope(f.run, f.player[1], &event.FamilyBlocked{FamilyID: 7, Origin: soullink.OriginCaught}))

	blocked, err := f.eng.BlocklistOf(ctx, f.run)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, soullink.OriginCaught, blocked[0].Origin, "higher priority origin wins")

	// lower priority never downgrades
	f.submit(t, envelope(f.run, f.player[2], &event.FamilyBlocked{FamilyID: 7, Origin: soullink.OriginFaint}))
	blocked, err = f.eng.BlocklistOf(ctx, f.run)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, soullink.OriginCaught, blocked[0].Origin)
}

func TestFaintUpdatesPartyStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slot := 2
	f.submit(t, envelope(f.run, f.player[0], &event.Faint{PokemonKey: "totodile-1", PartySlot: &slot}))

	party, err := f.eng.PartyOf(ctx, f.run)
	require.NoError(t, err)
	require.Len(t, party, 1)
	assert.Equal(t, "totodile-1", party[0].PokemonKey)
	assert.False(t, party[0].Alive)

	// a second faint for the same mon is a no-op beyond the timestamp
	f.submit(t, envelope(f.run, f.player[0], &event.Faint{PokemonKey: "totodile-1"}))
	party, err = f.eng.PartyOf(ctx, f.run)
	require.NoError(t, err)
	require.Len(t, party, 1)
}

func TestSoulLinkLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var catches []*event.Envelope
	for i, family := range []soullink.FamilyID{161, 19, 21} {
		enc := envelope(f.run, f.player[i], encounter(46, soullink.SpeciesID(family), family))
		f.submit(t, enc)
		cr := envelope(f.run, f.player[i], &event.CatchResult{EncounterID: enc.ID, Result: soullink.OutcomeCaught})
		f.submit(t, cr)
		catches = append(catches, enc)
	}

	linkID := uuid.New()
	f.submit(t, envelope(f.run, f.player[2], &event.SoulLinkCreated{
		LinkID:  linkID,
		RouteID: 46,
		Players: []uuid.UUID{f.player[0], f.player[1], f.player[2]},
	}))

	links, err := f.eng.LinksOf(ctx, f.run)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, linkID, links[0].ID)
	assert.False(t, links[0].Broken)
	require.Len(t, links[0].Members, 3)

	f.submit(t, envelope(f.run, f.player[0], &event.SoulLinkBroken{LinkID: linkID, RouteID: 46}))
	links, err = f.eng.LinksOf(ctx, f.run)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].Broken)
}

func TestStampedStatusMismatchAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enc := encounter(31, 161, 161)
	enc.Status = soullink.StatusDupeSkip // nothing blocks family 161 yet
	enc.DupesSkip = true
	env := envelope(f.run, f.player[0], enc)
	require.NoError(t, f.store.AppendEnvelope(ctx, env))

	err := f.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := f.eng.Apply(ctx, tx, env)
		return err
	})
	assert.ErrorIs(t, err, projection.ErrDeterminism)
}

func snapshot(t *testing.T, db *trackerdb.DB, table, order string) []map[string]any {
	t.Helper()
	rows, err := db.SQL().Query("SELECT * FROM " + table + " ORDER BY " + order)
	require.NoError(t, err)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(t, err)
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestRebuildReproducesProjections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	encA := envelope(f.run, f.player[0], encounter(31, 161, 161))
	f.submit(t, encA)
	f.submit(t, envelope(f.run, f.player[0], &event.CatchResult{EncounterID: encA.ID, Result: soullink.OutcomeCaught}))
	f.submit(t, envelope(f.run, f.player[1], encounter(32, 162, 161))) // dupe
	encB := envelope(f.run, f.player[1], encounter(32, 19, 19))
	f.submit(t, encB)
	f.submit(t, envelope(f.run, f.player[1], &event.CatchResult{EncounterID: encB.ID, Result: soullink.OutcomeKO}))
	f.submit(t, envelope(f.run, f.player[0], &event.Faint{PokemonKey: "sentret-1"}))
	f.submit(t, envelope(f.run, f.player[2], &event.FamilyBlocked{FamilyID: 50, Origin: soullink.OriginFaint}))

	tables := map[string]string{
		"route_progress": "run_id, player_id, route_id",
		"blocklist":      "run_id, family_id",
		"party_status":   "run_id, player_id, pokemon_key",
		"encounters":     "event_id",
	}
	before := make(map[string][]map[string]any)
	for table, order := range tables {
		before[table] = snapshot(t, f.db, table, order)
	}

	report, err := f.eng.RebuildAll(ctx, f.run)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), report.Events)
	assert.Equal(t, uint64(7), report.UpToSeq)

	for table, order := range tables {
		assert.Equal(t, before[table], snapshot(t, f.db, table, order), table)
	}
}

func TestRebuildKeepsOutOfBoundEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enc := envelope(f.run, f.player[0], encounter(31, 161, 161))
	f.submit(t, enc)

	report, err := f.eng.RebuildAll(ctx, f.run)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Events)

	// the log itself is untouched by a rebuild
	n, err := f.store.Count(ctx, f.run)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
