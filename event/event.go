// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package event defines the closed set of domain events and their storage and
// wire forms. The payload set is a tagged union: adding a variant requires
// touching the codec and every exhaustive switch over Payload, which is the
// point.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/soullink"
)

// Type tags an envelope with its payload variant.
type Type string

const (
	TypeEncounter               Type = "encounter"
	TypeCatchResult             Type = "catch_result"
	TypeFaint                   Type = "faint"
	TypeSoulLinkCreated         Type = "soul_link_created"
	TypeSoulLinkBroken          Type = "soul_link_broken"
	TypeFamilyBlocked           Type = "family_blocked"
	TypeFirstEncounterFinalized Type = "first_encounter_finalized"
)

// Types lists every known event type in a stable order.
func Types() []Type {
	return []Type{
		TypeEncounter,
		TypeCatchResult,
		TypeFaint,
		TypeSoulLinkCreated,
		TypeSoulLinkBroken,
		TypeFamilyBlocked,
		TypeFirstEncounterFinalized,
	}
}

// ParseType parses a type tag.
func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if Type(s) == t {
			return t, nil
		}
	}
	return "", errors.Errorf("unknown event type %q", s)
}

// Payload is the variant-specific part of an event. Implementations are the
// closed set below; external packages cannot add variants.
type Payload interface {
	EventType() Type
	validate() error
}

// Encounter records a wild Pokémon encounter. Status and the rule flags are
// stamped by the rules engine before the event is appended; client-supplied
// values are discarded.
type Encounter struct {
	RouteID   soullink.RouteID   `json:"route_id"`
	SpeciesID soullink.SpeciesID `json:"species_id"`
	FamilyID  soullink.FamilyID  `json:"family_id"`
	Level     uint32             `json:"level"`
	Shiny     bool               `json:"shiny"`
	Method    soullink.Method    `json:"method"`
	RodKind   *soullink.RodKind  `json:"rod_kind,omitempty"`

	Status      soullink.EncounterStatus `json:"status,omitempty"`
	DupesSkip   bool                     `json:"dupes_skip"`
	FEFinalized bool                     `json:"fe_finalized"`
}

func (e *Encounter) EventType() Type { return TypeEncounter }

func (e *Encounter) validate() error {
	if _, err := soullink.ParseMethod(string(e.Method)); err != nil {
		return err
	}
	if e.Method == soullink.MethodFish {
		if e.RodKind == nil {
			return errors.New("fish encounter requires rod_kind")
		}
		if _, err := soullink.ParseRodKind(string(*e.RodKind)); err != nil {
			return err
		}
	} else if e.RodKind != nil {
		return errors.Errorf("rod_kind not allowed for method %q", e.Method)
	}
	if e.RouteID == 0 || e.SpeciesID == 0 || e.FamilyID == 0 {
		return errors.New("route_id, species_id and family_id are required")
	}
	return nil
}

// CatchResult resolves a previously submitted encounter.
type CatchResult struct {
	EncounterID uuid.UUID        `json:"encounter_id"`
	Result      soullink.Outcome `json:"result"`
}

func (c *CatchResult) EventType() Type { return TypeCatchResult }

func (c *CatchResult) validate() error {
	if c.EncounterID == uuid.Nil {
		return errors.New("encounter_id is required")
	}
	_, err := soullink.ParseOutcome(string(c.Result))
	return err
}

// Faint marks a party member dead. PokemonKey is an opaque stable key, the
// personality value where the client can read it.
type Faint struct {
	PokemonKey string `json:"pokemon_key"`
	PartySlot  *int   `json:"party_slot,omitempty"`
}

func (f *Faint) EventType() Type { return TypeFaint }

func (f *Faint) validate() error {
	if f.PokemonKey == "" {
		return errors.New("pokemon_key is required")
	}
	if f.PartySlot != nil && (*f.PartySlot < 0 || *f.PartySlot > 5) {
		return errors.New("party_slot out of range")
	}
	return nil
}

// SoulLinkCreated records the forming of a soul link on a route.
type SoulLinkCreated struct {
	LinkID  uuid.UUID        `json:"link_id"`
	RouteID soullink.RouteID `json:"route_id"`
	Players []uuid.UUID      `json:"players"`
}

func (s *SoulLinkCreated) EventType() Type { return TypeSoulLinkCreated }

func (s *SoulLinkCreated) validate() error {
	if s.LinkID == uuid.Nil {
		return errors.New("link_id is required")
	}
	if len(s.Players) < 2 {
		return errors.New("soul link requires at least two players")
	}
	return nil
}

// SoulLinkBroken records the breaking of a soul link. Breaking a link does
// not faint its members; clients emit separate Faint events.
type SoulLinkBroken struct {
	LinkID  uuid.UUID        `json:"link_id"`
	RouteID soullink.RouteID `json:"route_id"`
	Players []uuid.UUID      `json:"players"`
}

func (s *SoulLinkBroken) EventType() Type { return TypeSoulLinkBroken }

func (s *SoulLinkBroken) validate() error {
	if s.LinkID == uuid.Nil {
		return errors.New("link_id is required")
	}
	return nil
}

// FamilyBlocked adds a family to the run's blocklist.
type FamilyBlocked struct {
	FamilyID soullink.FamilyID    `json:"family_id"`
	Origin   soullink.BlockOrigin `json:"origin"`
}

func (f *FamilyBlocked) EventType() Type { return TypeFamilyBlocked }

func (f *FamilyBlocked) validate() error {
	if f.FamilyID == 0 {
		return errors.New("family_id is required")
	}
	_, err := soullink.ParseBlockOrigin(string(f.Origin))
	return err
}

// FirstEncounterFinalized commits a player's first encounter on a route.
type FirstEncounterFinalized struct {
	RouteID  soullink.RouteID `json:"route_id"`
	PlayerID uuid.UUID        `json:"player_id"`
}

func (f *FirstEncounterFinalized) EventType() Type { return TypeFirstEncounterFinalized }

func (f *FirstEncounterFinalized) validate() error {
	if f.RouteID == 0 {
		return errors.New("route_id is required")
	}
	if f.PlayerID == uuid.Nil {
		return errors.New("player_id is required")
	}
	return nil
}

// Envelope is the storage form of an event: payload plus identity, sequence
// and timestamps. Envelopes are immutable once appended.
type Envelope struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	PlayerID   uuid.UUID
	Seq        uint64
	OccurredAt time.Time
	StoredAt   time.Time
	Payload    Payload
}

// Type returns the payload's type tag.
func (e *Envelope) Type() Type { return e.Payload.EventType() }

// Validate checks envelope identity fields and the payload.
func (e *Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("event_id is required")
	}
	if e.RunID == uuid.Nil {
		return errors.New("run_id is required")
	}
	if e.PlayerID == uuid.Nil {
		return errors.New("player_id is required")
	}
	if e.Payload == nil {
		return errors.New("payload is required")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("timestamp is required")
	}
	return errors.WithMessage(e.Payload.validate(), string(e.Type()))
}
