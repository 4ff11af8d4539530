// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package projection

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/rules"
	"github.com/alexandergreif/soullink-tracker/soullink"
)

// RouteProgress is one player-route row of the run overview.
type RouteProgress struct {
	PlayerID   uuid.UUID         `json:"playerId"`
	RouteID    soullink.RouteID  `json:"routeId"`
	Finalized  bool              `json:"finalized"`
	LastUpdate int64             `json:"lastUpdate"`
}

// BlockedFamily is one blocklist row.
type BlockedFamily struct {
	FamilyID soullink.FamilyID    `json:"familyId"`
	Origin   soullink.BlockOrigin `json:"origin"`
}

// PartyMember is one party status row.
type PartyMember struct {
	PlayerID   uuid.UUID `json:"playerId"`
	PokemonKey string    `json:"pokemonKey"`
	Alive      bool      `json:"alive"`
	LastUpdate int64     `json:"lastUpdate"`
}

// LinkMember pairs a player with the caught encounter backing their side of
// a soul link.
type LinkMember struct {
	PlayerID    uuid.UUID `json:"playerId"`
	EncounterID uuid.UUID `json:"encounterId"`
}

// Link is one soul link with its members.
type Link struct {
	ID       uuid.UUID        `json:"id"`
	RouteID  soullink.RouteID `json:"routeId"`
	Broken   bool             `json:"broken"`
	Members  []LinkMember     `json:"members"`
}

// RunStateFor loads the rules snapshot for one player of a run inside tx:
// the run-wide blocklist plus the player's own route rows.
func (e *Engine) RunStateFor(tx *sql.Tx, run, player uuid.UUID) (*rules.RunState, error) {
	return e.runStateTx(tx, run, player)
}

func (e *Engine) runStateTx(tx *sql.Tx, run, player uuid.UUID) (*rules.RunState, error) {
	state := rules.NewRunState()

	rows, err := tx.Query("SELECT family_id, origin FROM blocklist WHERE run_id = ?", run.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			family soullink.FamilyID
			origin string
		)
		if err := rows.Scan(&family, &origin); err != nil {
			return nil, err
		}
		state.BlockedFamilies[family] = soullink.BlockOrigin(origin)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	routeRows, err := tx.Query(
		"SELECT route_id, finalized FROM route_progress WHERE run_id = ? AND player_id = ?",
		run.String(), player.String(),
	)
	if err != nil {
		return nil, err
	}
	defer routeRows.Close()
	for routeRows.Next() {
		var (
			route     soullink.RouteID
			finalized int
		)
		if err := routeRows.Scan(&route, &finalized); err != nil {
			return nil, err
		}
		state.PlayerRoutes[route] = rules.RouteFlags{Finalized: finalized != 0}
	}
	return state, routeRows.Err()
}

// CrossLookupFor returns the dupes-clause lookup bound to tx: does any OTHER
// player hold a finalized first encounter of the family on the route.
func (e *Engine) CrossLookupFor(tx *sql.Tx, run, player uuid.UUID) rules.CrossPlayerLookup {
	return func(route soullink.RouteID, family soullink.FamilyID) (bool, error) {
		return e.crossPlayerFinalizedTx(tx, run, route, family, player)
	}
}

func (e *Engine) crossPlayerFinalizedTx(tx *sql.Tx, run uuid.UUID, route soullink.RouteID, family soullink.FamilyID, exclude uuid.UUID) (bool, error) {
	var n int
	err := tx.QueryRow(
		`SELECT EXISTS(
		    SELECT 1 FROM route_progress rp
		    JOIN encounters e ON e.run_id = rp.run_id AND e.player_id = rp.player_id AND e.route_id = rp.route_id
		    WHERE rp.run_id = ? AND rp.route_id = ? AND rp.finalized = 1
		      AND rp.player_id <> ? AND e.family_id = ? AND e.dupes_skip = 0)`,
		run.String(), route, exclude.String(), family,
	).Scan(&n)
	return n != 0, err
}

// EncounterLookupFor returns the encounter resolver bound to tx.
func (e *Engine) EncounterLookupFor(tx *sql.Tx, run uuid.UUID) rules.EncounterLookup {
	return func(id uuid.UUID) (*rules.EncounterRef, error) {
		return e.encounterRefTx(tx, run, id)
	}
}

func (e *Engine) encounterRefTx(tx *sql.Tx, run, id uuid.UUID) (*rules.EncounterRef, error) {
	cacheKey := run.String() + "/" + id.String()
	if cached, ok := e.encRefs.Get(cacheKey); ok {
		return cached.(*rules.EncounterRef), nil
	}

	ref := &rules.EncounterRef{}
	var player string
	err := tx.QueryRow(
		"SELECT player_id, route_id, family_id FROM encounters WHERE run_id = ? AND event_id = ?",
		run.String(), id.String(),
	).Scan(&player, &ref.RouteID, &ref.FamilyID)
	if err == sql.ErrNoRows {
		return nil, ErrMissingEncounter
	}
	if err != nil {
		return nil, err
	}
	if ref.PlayerID, err = uuid.Parse(player); err != nil {
		return nil, errors.WithMessage(err, "corrupt player id in encounters")
	}
	e.encRefs.Add(cacheKey, ref)
	return ref, nil
}

// CaughtPlayersOnRoute lists players holding a caught result on the route,
// used to decide when a soul link forms.
func (e *Engine) CaughtPlayersOnRoute(tx *sql.Tx, run uuid.UUID, route soullink.RouteID) ([]uuid.UUID, error) {
	rows, err := tx.Query(
		`SELECT DISTINCT player_id FROM encounters
		 WHERE run_id = ? AND route_id = ? AND result = 'caught'`,
		run.String(), route,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		players = append(players, id)
	}
	return players, rows.Err()
}

// LinkIDOnRoute returns the route's canonical soul link id, or uuid.Nil when
// none exists yet.
func (e *Engine) LinkIDOnRoute(tx *sql.Tx, run uuid.UUID, route soullink.RouteID) (uuid.UUID, error) {
	var raw string
	err := tx.QueryRow(
		"SELECT id FROM links WHERE run_id = ? AND route_id = ?",
		run.String(), route,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(raw)
}

// LinkMemberCount counts the members of the route's soul link, zero when the
// route has none.
func (e *Engine) LinkMemberCount(tx *sql.Tx, run uuid.UUID, route soullink.RouteID) (int, error) {
	var n int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM link_members lm
		 JOIN links l ON l.id = lm.link_id
		 WHERE l.run_id = ? AND l.route_id = ?`,
		run.String(), route,
	).Scan(&n)
	return n, err
}

// RouteProgressOf returns the run's route progress rows, all players.
func (e *Engine) RouteProgressOf(ctx context.Context, run uuid.UUID) ([]*RouteProgress, error) {
	rows, err := e.db.SQL().QueryContext(ctx,
		`SELECT player_id, route_id, finalized, last_update FROM route_progress
		 WHERE run_id = ? ORDER BY route_id, player_id`,
		run.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RouteProgress
	for rows.Next() {
		var (
			rp        RouteProgress
			player    string
			finalized int
		)
		if err := rows.Scan(&player, &rp.RouteID, &finalized, &rp.LastUpdate); err != nil {
			return nil, err
		}
		if rp.PlayerID, err = uuid.Parse(player); err != nil {
			return nil, err
		}
		rp.Finalized = finalized != 0
		out = append(out, &rp)
	}
	return out, rows.Err()
}

// BlocklistOf returns the run's blocked families.
func (e *Engine) BlocklistOf(ctx context.Context, run uuid.UUID) ([]*BlockedFamily, error) {
	rows, err := e.db.SQL().QueryContext(ctx,
		"SELECT family_id, origin FROM blocklist WHERE run_id = ? ORDER BY family_id",
		run.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BlockedFamily
	for rows.Next() {
		var (
			bf     BlockedFamily
			origin string
		)
		if err := rows.Scan(&bf.FamilyID, &origin); err != nil {
			return nil, err
		}
		bf.Origin = soullink.BlockOrigin(origin)
		out = append(out, &bf)
	}
	return out, rows.Err()
}

// PartyOf returns the run's party status rows, all players.
func (e *Engine) PartyOf(ctx context.Context, run uuid.UUID) ([]*PartyMember, error) {
	rows, err := e.db.SQL().QueryContext(ctx,
		`SELECT player_id, pokemon_key, alive, last_update FROM party_status
		 WHERE run_id = ? ORDER BY player_id, pokemon_key`,
		run.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PartyMember
	for rows.Next() {
		var (
			pm     PartyMember
			player string
			alive  int
		)
		if err := rows.Scan(&player, &pm.PokemonKey, &alive, &pm.LastUpdate); err != nil {
			return nil, err
		}
		if pm.PlayerID, err = uuid.Parse(player); err != nil {
			return nil, err
		}
		pm.Alive = alive != 0
		out = append(out, &pm)
	}
	return out, rows.Err()
}

// LinksOf returns the run's soul links with members.
func (e *Engine) LinksOf(ctx context.Context, run uuid.UUID) ([]*Link, error) {
	rows, err := e.db.SQL().QueryContext(ctx,
		"SELECT id, route_id, broken_at FROM links WHERE run_id = ? ORDER BY route_id",
		run.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Link
	for rows.Next() {
		var (
			l      Link
			id     string
			broken sql.NullInt64
		)
		if err := rows.Scan(&id, &l.RouteID, &broken); err != nil {
			return nil, err
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		l.Broken = broken.Valid
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, l := range out {
		memberRows, err := e.db.SQL().QueryContext(ctx,
			"SELECT player_id, encounter_event_id FROM link_members WHERE link_id = ? ORDER BY player_id",
			l.ID.String(),
		)
		if err != nil {
			return nil, err
		}
		for memberRows.Next() {
			var m LinkMember
			var player, enc string
			if err := memberRows.Scan(&player, &enc); err != nil {
				memberRows.Close()
				return nil, err
			}
			if m.PlayerID, err = uuid.Parse(player); err != nil {
				memberRows.Close()
				return nil, err
			}
			if m.EncounterID, err = uuid.Parse(enc); err != nil {
				memberRows.Close()
				return nil, err
			}
			l.Members = append(l.Members, m)
		}
		if err := memberRows.Err(); err != nil {
			memberRows.Close()
			return nil, err
		}
		memberRows.Close()
	}
	return out, nil
}
