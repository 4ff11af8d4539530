// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package projection materializes the read models (route progress, blocklist,
// party status, soul links) from the event stream. Handlers are deterministic
// so the tables can always be rebuilt from the log, and the writes that can
// lose a multi-player race are wrapped in savepoints per the single-finalizer
// and blocklist constraints.
package projection

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/metrics"
	"github.com/alexandergreif/soullink-tracker/rules"
	"github.com/alexandergreif/soullink-tracker/soullink"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

var (
	// ErrMissingEncounter means a catch result referenced an encounter the
	// store has never seen. Nothing is written.
	ErrMissingEncounter = errors.New("referenced encounter not found")
	// ErrDeterminism means a stored encounter's stamped status disagrees
	// with the engine's re-evaluation. This is programmer error; the apply
	// is aborted before any write.
	ErrDeterminism = errors.New("rules determinism violated")
)

var (
	metricApplied  = metrics.CounterVec("projection_applied_count", []string{"type"})
	metricRaceLost = metrics.Counter("projection_race_lost_count")
)

const encounterCacheSize = 4096

type Engine struct {
	db     *trackerdb.DB
	store  *eventdb.Store
	logger *slog.Logger

	// encRefs caches encounter identity by event id; identity is immutable
	// so entries survive rebuilds.
	encRefs *lru.Cache
}

func New(db *trackerdb.DB, store *eventdb.Store) *Engine {
	cache, _ := lru.New(encounterCacheSize)
	return &Engine{
		db:      db,
		store:   store,
		logger:  log.WithContext("pkg", "projection"),
		encRefs: cache,
	}
}

// Outcome reports what applying an envelope did, beyond the table writes.
type Outcome struct {
	// DupesSkip is set when an encounter was classified as a dupe.
	DupesSkip bool
	// FinalizedRoute is the route a catch result finalized (0 otherwise).
	FinalizedRoute soullink.RouteID
	// Caught is set when a catch result had outcome "caught".
	Caught bool
	// RaceLost is set when this player lost the finalization race; the
	// envelope is still durable, only the projection reflects the winner.
	RaceLost bool
}

// Apply dispatches the envelope to its variant handler inside tx. Expected
// constraint violations are absorbed here; any returned error aborts the
// caller's transaction.
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, env *event.Envelope) (*Outcome, error) {
	out, err := e.apply(ctx, tx, env)
	if err != nil {
		return nil, err
	}
	metricApplied.AddWithLabel(1, map[string]string{"type": string(env.Type())})
	return out, nil
}

func (e *Engine) apply(ctx context.Context, tx *sql.Tx, env *event.Envelope) (*Outcome, error) {
	switch p := env.Payload.(type) {
	case *event.Encounter:
		return e.applyEncounter(ctx, tx, env, p)
	case *event.CatchResult:
		return e.applyCatchResult(ctx, tx, env, p)
	case *event.Faint:
		return e.applyFaint(tx, env, p)
	case *event.FamilyBlocked:
		return e.applyFamilyBlocked(tx, env, p)
	case *event.FirstEncounterFinalized:
		return e.applyFirstEncounterFinalized(tx, env, p)
	case *event.SoulLinkCreated:
		return e.applySoulLinkCreated(tx, env, p)
	case *event.SoulLinkBroken:
		return e.applySoulLinkBroken(tx, env, p)
	default:
		return nil, errors.Errorf("unhandled payload variant %T", env.Payload)
	}
}

func (e *Engine) applyEncounter(ctx context.Context, tx *sql.Tx, env *event.Envelope, p *event.Encounter) (*Outcome, error) {
	state, err := e.runStateTx(tx, env.RunID, env.PlayerID)
	if err != nil {
		return nil, err
	}
	cross := func(route soullink.RouteID, family soullink.FamilyID) (bool, error) {
		return e.crossPlayerFinalizedTx(tx, env.RunID, route, family, env.PlayerID)
	}

	d, err := rules.EvaluateEncounter(state, p, cross)
	if err != nil {
		return nil, err
	}
	if p.Status != "" && p.Status != d.Status {
		return nil, errors.WithMessagef(ErrDeterminism,
			"event %s stamped %s, engine says %s", env.ID, p.Status, d.Status)
	}

	if _, err := tx.Exec(
		`INSERT INTO encounters(event_id, run_id, player_id, route_id, species_id, family_id, status, dupes_skip)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(event_id) DO NOTHING`,
		env.ID.String(), env.RunID.String(), env.PlayerID.String(),
		p.RouteID, p.SpeciesID, p.FamilyID, string(d.Status), boolInt(d.DupesSkip),
	); err != nil {
		return nil, err
	}

	if d.DupesSkip {
		// dupe encounters leave no route progress behind
		return &Outcome{DupesSkip: true}, nil
	}

	_, err = tx.Exec(
		`INSERT INTO route_progress(run_id, player_id, route_id, finalized, last_update)
		 VALUES(?, ?, ?, 0, ?)
		 ON CONFLICT(run_id, player_id, route_id) DO UPDATE SET last_update = excluded.last_update`,
		env.RunID.String(), env.PlayerID.String(), p.RouteID, env.StoredAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

func (e *Engine) applyCatchResult(ctx context.Context, tx *sql.Tx, env *event.Envelope, p *event.CatchResult) (*Outcome, error) {
	lookup := func(id uuid.UUID) (*rules.EncounterRef, error) {
		return e.encounterRefTx(tx, env.RunID, id)
	}
	d, err := rules.ApplyCatchResult(nil, env.PlayerID, p, lookup)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		"UPDATE encounters SET result = ? WHERE run_id = ? AND event_id = ?",
		string(p.Result), env.RunID.String(), p.EncounterID.String(),
	); err != nil {
		return nil, err
	}

	if d.BlocklistAdd != nil {
		if err := e.upsertBlocklist(tx, env.RunID, d.BlocklistAdd.FamilyID, d.BlocklistAdd.Origin, env.StoredAt.UnixMilli()); err != nil {
			return nil, err
		}
	}

	won, err := e.finalizeRoute(tx, env.RunID, env.PlayerID, d.RouteID, env.StoredAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return &Outcome{
		FinalizedRoute: d.RouteID,
		Caught:         p.Result == soullink.OutcomeCaught,
		RaceLost:       !won,
	}, nil
}

func (e *Engine) applyFaint(tx *sql.Tx, env *event.Envelope, p *event.Faint) (*Outcome, error) {
	_, err := tx.Exec(
		`INSERT INTO party_status(run_id, player_id, pokemon_key, alive, last_update)
		 VALUES(?, ?, ?, 0, ?)
		 ON CONFLICT(run_id, player_id, pokemon_key) DO UPDATE SET alive = 0, last_update = excluded.last_update`,
		env.RunID.String(), env.PlayerID.String(), p.PokemonKey, env.StoredAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

func (e *Engine) applyFamilyBlocked(tx *sql.Tx, env *event.Envelope, p *event.FamilyBlocked) (*Outcome, error) {
	if err := e.upsertBlocklist(tx, env.RunID, p.FamilyID, p.Origin, env.StoredAt.UnixMilli()); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

func (e *Engine) applyFirstEncounterFinalized(tx *sql.Tx, env *event.Envelope, p *event.FirstEncounterFinalized) (*Outcome, error) {
	won, err := e.finalizeRoute(tx, env.RunID, p.PlayerID, p.RouteID, env.StoredAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return &Outcome{FinalizedRoute: p.RouteID, RaceLost: !won}, nil
}

func (e *Engine) applySoulLinkCreated(tx *sql.Tx, env *event.Envelope, p *event.SoulLinkCreated) (*Outcome, error) {
	if _, err := tx.Exec(
		"INSERT INTO links(id, run_id, route_id, created_at) VALUES(?, ?, ?, ?) ON CONFLICT DO NOTHING",
		p.LinkID.String(), env.RunID.String(), p.RouteID, env.StoredAt.UnixMilli(),
	); err != nil {
		return nil, err
	}

	// the route's canonical link row may predate this event
	var linkID string
	if err := tx.QueryRow(
		"SELECT id FROM links WHERE run_id = ? AND route_id = ?",
		env.RunID.String(), p.RouteID,
	).Scan(&linkID); err != nil {
		return nil, err
	}

	for _, player := range p.Players {
		var encID sql.NullString
		err := tx.QueryRow(
			`SELECT event_id FROM encounters
			 WHERE run_id = ? AND player_id = ? AND route_id = ? AND result = 'caught'
			 ORDER BY rowid DESC LIMIT 1`,
			env.RunID.String(), player.String(), p.RouteID,
		).Scan(&encID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			"INSERT INTO link_members(link_id, player_id, encounter_event_id) VALUES(?, ?, ?) ON CONFLICT DO NOTHING",
			linkID, player.String(), encID.String,
		); err != nil {
			return nil, err
		}
	}
	return &Outcome{}, nil
}

func (e *Engine) applySoulLinkBroken(tx *sql.Tx, env *event.Envelope, p *event.SoulLinkBroken) (*Outcome, error) {
	_, err := tx.Exec(
		"UPDATE links SET broken_at = ? WHERE id = ? AND broken_at IS NULL",
		env.StoredAt.UnixMilli(), p.LinkID.String(),
	)
	if err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

// upsertBlocklist adds or upgrades a blocklist entry. The origin priority is
// materialized so the upgrade condition lives in the statement itself; the
// (run, family) primary key cannot fire as a visible error here.
func (e *Engine) upsertBlocklist(tx *sql.Tx, run uuid.UUID, family soullink.FamilyID, origin soullink.BlockOrigin, now int64) error {
	_, err := tx.Exec(
		`INSERT INTO blocklist(run_id, family_id, origin, priority, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, family_id) DO UPDATE SET origin = excluded.origin, priority = excluded.priority
		 WHERE excluded.priority > blocklist.priority`,
		run.String(), family, string(origin), origin.Priority(), now,
	)
	return err
}

// finalizeRoute flips the player's route row to finalized inside a savepoint.
// A unique violation on the single-finalizer index means another player
// already won; the loser keeps (or gets) a non-finalized row and the outer
// transaction continues.
func (e *Engine) finalizeRoute(tx *sql.Tx, run, player uuid.UUID, route soullink.RouteID, now int64) (won bool, err error) {
	err = trackerdb.Savepoint(tx, "sp_finalize", func() error {
		res, err := tx.Exec(
			"UPDATE route_progress SET finalized = 1, last_update = ? WHERE run_id = ? AND player_id = ? AND route_id = ?",
			now, run.String(), player.String(), route,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = tx.Exec(
				"INSERT INTO route_progress(run_id, player_id, route_id, finalized, last_update) VALUES(?, ?, ?, 1, ?)",
				run.String(), player.String(), route, now,
			)
		}
		return err
	})
	if err == nil {
		return true, nil
	}
	if !trackerdb.IsUniqueViolation(err) {
		return false, err
	}

	metricRaceLost.Add(1)
	e.logger.Info("finalization race lost",
		"run", run, "player", player, "route", route)

	_, err = tx.Exec(
		`INSERT INTO route_progress(run_id, player_id, route_id, finalized, last_update)
		 VALUES(?, ?, ?, 0, ?)
		 ON CONFLICT(run_id, player_id, route_id) DO UPDATE SET last_update = excluded.last_update`,
		run.String(), player.String(), route, now,
	)
	return false, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
