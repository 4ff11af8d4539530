// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package event

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/soullink"
)

// wireEnvelope is the canonical V3 wire form: a flat object whose `type`
// field discriminates which payload fields are meaningful.
type wireEnvelope struct {
	EventID   uuid.UUID  `json:"event_id"`
	RunID     uuid.UUID  `json:"run_id"`
	PlayerID  uuid.UUID  `json:"player_id"`
	Timestamp time.Time  `json:"timestamp"`
	StoredAt  *time.Time `json:"stored_at,omitempty"`
	Seq       uint64     `json:"seq,omitempty"`
	Type      Type       `json:"type"`

	// encounter / soul link / finalized
	RouteID *soullink.RouteID `json:"route_id,omitempty"`

	// encounter
	SpeciesID   *soullink.SpeciesID       `json:"species_id,omitempty"`
	Level       *uint32                   `json:"level,omitempty"`
	Shiny       *bool                     `json:"shiny,omitempty"`
	Method      *soullink.Method          `json:"method,omitempty"`
	RodKind     *soullink.RodKind         `json:"rod_kind,omitempty"`
	Status      *soullink.EncounterStatus `json:"status,omitempty"`
	DupesSkip   *bool                     `json:"dupes_skip,omitempty"`
	FEFinalized *bool                     `json:"fe_finalized,omitempty"`

	// encounter / family blocked
	FamilyID *soullink.FamilyID `json:"family_id,omitempty"`

	// catch result
	EncounterID *uuid.UUID        `json:"encounter_id,omitempty"`
	Result      *soullink.Outcome `json:"result,omitempty"`

	// faint
	PokemonKey *string `json:"pokemon_key,omitempty"`
	PartySlot  *int    `json:"party_slot,omitempty"`

	// soul links
	LinkID  *uuid.UUID  `json:"link_id,omitempty"`
	Players []uuid.UUID `json:"players,omitempty"`

	// family blocked
	Origin *soullink.BlockOrigin `json:"origin,omitempty"`

	// first encounter finalized
	ByPlayer *uuid.UUID `json:"by_player,omitempty"`
}

// MarshalJSON encodes the envelope in the flat wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		EventID:   e.ID,
		RunID:     e.RunID,
		PlayerID:  e.PlayerID,
		Timestamp: e.OccurredAt.UTC(),
		Seq:       e.Seq,
		Type:      e.Type(),
	}
	if !e.StoredAt.IsZero() {
		t := e.StoredAt.UTC()
		w.StoredAt = &t
	}
	switch p := e.Payload.(type) {
	case *Encounter:
		w.RouteID = &p.RouteID
		w.SpeciesID = &p.SpeciesID
		w.FamilyID = &p.FamilyID
		w.Level = &p.Level
		w.Shiny = &p.Shiny
		w.Method = &p.Method
		w.RodKind = p.RodKind
		if p.Status != "" {
			w.Status = &p.Status
		}
		w.DupesSkip = &p.DupesSkip
		w.FEFinalized = &p.FEFinalized
	case *CatchResult:
		w.EncounterID = &p.EncounterID
		w.Result = &p.Result
	case *Faint:
		w.PokemonKey = &p.PokemonKey
		w.PartySlot = p.PartySlot
	case *SoulLinkCreated:
		w.LinkID = &p.LinkID
		w.RouteID = &p.RouteID
		w.Players = p.Players
	case *SoulLinkBroken:
		w.LinkID = &p.LinkID
		w.RouteID = &p.RouteID
		w.Players = p.Players
	case *FamilyBlocked:
		w.FamilyID = &p.FamilyID
		w.Origin = &p.Origin
	case *FirstEncounterFinalized:
		w.RouteID = &p.RouteID
		w.ByPlayer = &p.PlayerID
	default:
		return nil, errors.Errorf("unhandled payload variant %T", e.Payload)
	}
	return json.Marshal(&w)
}

// UnmarshalJSON decodes the flat wire form, rejecting unknown fields and
// missing discriminant-required fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	return e.fromWire(&w)
}

func (e *Envelope) fromWire(w *wireEnvelope) error {
	if _, err := ParseType(string(w.Type)); err != nil {
		return err
	}
	e.ID = w.EventID
	e.RunID = w.RunID
	e.PlayerID = w.PlayerID
	e.OccurredAt = w.Timestamp
	if w.StoredAt != nil {
		e.StoredAt = *w.StoredAt
	}
	e.Seq = w.Seq

	switch w.Type {
	case TypeEncounter:
		p := &Encounter{RodKind: w.RodKind}
		if w.RouteID != nil {
			p.RouteID = *w.RouteID
		}
		if w.SpeciesID != nil {
			p.SpeciesID = *w.SpeciesID
		}
		if w.FamilyID != nil {
			p.FamilyID = *w.FamilyID
		}
		if w.Level != nil {
			p.Level = *w.Level
		}
		if w.Shiny != nil {
			p.Shiny = *w.Shiny
		}
		if w.Method != nil {
			p.Method = *w.Method
		}
		if w.Status != nil {
			p.Status = *w.Status
		}
		if w.DupesSkip != nil {
			p.DupesSkip = *w.DupesSkip
		}
		if w.FEFinalized != nil {
			p.FEFinalized = *w.FEFinalized
		}
		e.Payload = p
	case TypeCatchResult:
		p := &CatchResult{}
		if w.EncounterID != nil {
			p.EncounterID = *w.EncounterID
		}
		if w.Result != nil {
			p.Result = *w.Result
		}
		e.Payload = p
	case TypeFaint:
		p := &Faint{PartySlot: w.PartySlot}
		if w.PokemonKey != nil {
			p.PokemonKey = *w.PokemonKey
		}
		e.Payload = p
	case TypeSoulLinkCreated:
		p := &SoulLinkCreated{Players: w.Players}
		if w.LinkID != nil {
			p.LinkID = *w.LinkID
		}
		if w.RouteID != nil {
			p.RouteID = *w.RouteID
		}
		e.Payload = p
	case TypeSoulLinkBroken:
		p := &SoulLinkBroken{Players: w.Players}
		if w.LinkID != nil {
			p.LinkID = *w.LinkID
		}
		if w.RouteID != nil {
			p.RouteID = *w.RouteID
		}
		e.Payload = p
	case TypeFamilyBlocked:
		p := &FamilyBlocked{}
		if w.FamilyID != nil {
			p.FamilyID = *w.FamilyID
		}
		if w.Origin != nil {
			p.Origin = *w.Origin
		}
		e.Payload = p
	case TypeFirstEncounterFinalized:
		p := &FirstEncounterFinalized{}
		if w.RouteID != nil {
			p.RouteID = *w.RouteID
		}
		if w.ByPlayer != nil {
			p.PlayerID = *w.ByPlayer
		}
		e.Payload = p
	}
	return nil
}

// MarshalPayload encodes just the variant struct, the storage form of the
// payload column.
func MarshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload decodes a stored payload column by type tag.
func UnmarshalPayload(t Type, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeEncounter:
		p = &Encounter{}
	case TypeCatchResult:
		p = &CatchResult{}
	case TypeFaint:
		p = &Faint{}
	case TypeSoulLinkCreated:
		p = &SoulLinkCreated{}
	case TypeSoulLinkBroken:
		p = &SoulLinkBroken{}
	case TypeFamilyBlocked:
		p = &FamilyBlocked{}
	case TypeFirstEncounterFinalized:
		p = &FirstEncounterFinalized{}
	default:
		return nil, errors.Errorf("unknown stored event type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.WithMessagef(err, "decode stored %s payload", t)
	}
	return p, nil
}
