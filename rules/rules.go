// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package rules implements the SoulLink rule set as pure functions. All state
// comes in through RunState or the injected lookups; the engine never touches
// a clock, a database or randomness, so a decision is reproducible from its
// inputs alone.
package rules

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/soullink"
)

// RouteFlags is the per-route slice of a player's progress.
type RouteFlags struct {
	Finalized bool
}

// RunState is the snapshot the engine decides over: the run's blocked
// families and the submitting player's own route rows. Other players' routes
// are reachable only through CrossPlayerLookup.
type RunState struct {
	BlockedFamilies map[soullink.FamilyID]soullink.BlockOrigin
	PlayerRoutes    map[soullink.RouteID]RouteFlags
}

// NewRunState returns an empty state.
func NewRunState() *RunState {
	return &RunState{
		BlockedFamilies: make(map[soullink.FamilyID]soullink.BlockOrigin),
		PlayerRoutes:    make(map[soullink.RouteID]RouteFlags),
	}
}

// Blocked reports whether the family is on the blocklist.
func (s *RunState) Blocked(f soullink.FamilyID) bool {
	_, ok := s.BlockedFamilies[f]
	return ok
}

// CrossPlayerLookup answers whether any other player holds a finalized route
// row on the route whose finalized encounter shares the family.
type CrossPlayerLookup func(route soullink.RouteID, family soullink.FamilyID) (bool, error)

// EncounterRef is the resolved identity of a referenced encounter.
type EncounterRef struct {
	PlayerID uuid.UUID
	RouteID  soullink.RouteID
	FamilyID soullink.FamilyID
}

// EncounterLookup resolves an encounter event id.
type EncounterLookup func(id uuid.UUID) (*EncounterRef, error)

// BlocklistAdd is a decision side effect: put family on the blocklist with
// the given origin (subject to origin-priority upgrade).
type BlocklistAdd struct {
	FamilyID soullink.FamilyID
	Origin   soullink.BlockOrigin
}

// Decision is the engine's verdict for one event.
type Decision struct {
	Status       soullink.EncounterStatus
	DupesSkip    bool
	FEFinalized  bool
	BlocklistAdd *BlocklistAdd

	// RouteID is the route the decision finalizes, set for catch results.
	RouteID soullink.RouteID
}

// AppliedRules names the rules the decision exercised, in response order.
func (d *Decision) AppliedRules() []string {
	var applied []string
	if d.DupesSkip {
		applied = append(applied, "dupes_clause")
	}
	if d.Status == soullink.StatusFirstEncounter {
		applied = append(applied, "first_encounter")
	}
	if d.FEFinalized {
		applied = append(applied, "fe_finalized")
	}
	if d.BlocklistAdd != nil {
		applied = append(applied, "family_blocked")
	}
	return applied
}

// EvaluateEncounter classifies an encounter under the dupes clause. An
// encounter never finalizes a route; only a later catch result does. Rod
// kind is recorded but never bypasses a family block.
func EvaluateEncounter(state *RunState, enc *event.Encounter, cross CrossPlayerLookup) (*Decision, error) {
	if state.Blocked(enc.FamilyID) {
		return &Decision{Status: soullink.StatusDupeSkip, DupesSkip: true}, nil
	}

	dupe, err := cross(enc.RouteID, enc.FamilyID)
	if err != nil {
		return nil, errors.WithMessage(err, "cross-player lookup")
	}
	if dupe {
		return &Decision{Status: soullink.StatusDupeSkip, DupesSkip: true}, nil
	}

	return &Decision{Status: soullink.StatusFirstEncounter}, nil
}

// ApplyCatchResult finalizes the referenced encounter's route for its player.
// A caught outcome additionally blocks the family with origin "caught".
func ApplyCatchResult(state *RunState, playerID uuid.UUID, cr *event.CatchResult, lookup EncounterLookup) (*Decision, error) {
	ref, err := lookup(cr.EncounterID)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolve encounter %s", cr.EncounterID)
	}
	if ref.PlayerID != playerID {
		return nil, errors.Errorf("encounter %s belongs to another player", cr.EncounterID)
	}

	d := &Decision{FEFinalized: true, RouteID: ref.RouteID}
	if cr.Result == soullink.OutcomeCaught {
		d.BlocklistAdd = &BlocklistAdd{FamilyID: ref.FamilyID, Origin: soullink.OriginCaught}
	}
	return d, nil
}

// ProcessFamilyBlocked folds a block event into the state, honoring the
// origin priority ladder.
func ProcessFamilyBlocked(state *RunState, fb *event.FamilyBlocked) {
	cur, ok := state.BlockedFamilies[fb.FamilyID]
	if !ok || fb.Origin.Priority() > cur.Priority() {
		state.BlockedFamilies[fb.FamilyID] = fb.Origin
	}
}

// ProcessFaint returns the empty decision: a faint only moves party status,
// never rules state.
func ProcessFaint(_ *event.Faint) *Decision {
	return &Decision{}
}
