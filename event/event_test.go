// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandergreif/soullink-tracker/soullink"
)

func newTestEnvelope(p Payload) *Envelope {
	return &Envelope{
		ID:         uuid.New(),
		RunID:      uuid.New(),
		PlayerID:   uuid.New(),
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
		Payload:    p,
	}
}

func TestEncounterValidation(t *testing.T) {
	enc := &Encounter{
		RouteID:   31,
		SpeciesID: 129,
		FamilyID:  129,
		Level:     10,
		Method:    soullink.MethodFish,
	}
	env := newTestEnvelope(enc)
	assert.Error(t, env.Validate(), "fish without rod must be rejected")

	rod := soullink.RodSuper
	enc.RodKind = &rod
	assert.Nil(t, env.Validate())

	enc.Method = soullink.MethodGrass
	assert.Error(t, env.Validate(), "rod on non-fish method must be rejected")
}

func TestWireRoundTrip(t *testing.T) {
	rod := soullink.RodOld
	env := newTestEnvelope(&Encounter{
		RouteID:   32,
		SpeciesID: 118,
		FamilyID:  118,
		Level:     15,
		Shiny:     true,
		Method:    soullink.MethodFish,
		RodKind:   &rod,
		Status:    soullink.StatusFirstEncounter,
	})
	env.Seq = 7
	env.StoredAt = time.Now().UTC().Truncate(time.Millisecond)

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, uint64(7), got.Seq)
	require.IsType(t, &Encounter{}, got.Payload)
	p := got.Payload.(*Encounter)
	assert.Equal(t, soullink.RouteID(32), p.RouteID)
	assert.Equal(t, soullink.RodOld, *p.RodKind)
	assert.True(t, p.Shiny)
}

func TestWireRejectsUnknownType(t *testing.T) {
	raw := []byte(`{"event_id":"` + uuid.NewString() + `","run_id":"` + uuid.NewString() +
		`","player_id":"` + uuid.NewString() + `","timestamp":"2026-08-01T10:00:00Z","type":"evolve"}`)
	var env Envelope
	assert.Error(t, json.Unmarshal(raw, &env))
}

func TestWireRejectsUnknownField(t *testing.T) {
	raw := []byte(`{"event_id":"` + uuid.NewString() + `","run_id":"` + uuid.NewString() +
		`","player_id":"` + uuid.NewString() + `","timestamp":"2026-08-01T10:00:00Z","type":"faint","pokemon_key":"abc","extra":1}`)
	var env Envelope
	assert.Error(t, json.Unmarshal(raw, &env))
}

func TestStoredPayloadRoundTrip(t *testing.T) {
	cr := &CatchResult{EncounterID: uuid.New(), Result: soullink.OutcomeCaught}
	b, err := MarshalPayload(cr)
	require.NoError(t, err)

	p, err := UnmarshalPayload(TypeCatchResult, b)
	require.NoError(t, err)
	assert.Equal(t, cr, p)

	_, err = UnmarshalPayload(Type("bogus"), b)
	assert.Error(t, err)
}
