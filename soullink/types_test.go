// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package soullink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnums(t *testing.T) {
	m, err := ParseMethod("fish")
	assert.Nil(t, err)
	assert.Equal(t, MethodFish, m)

	_, err = ParseMethod("dive")
	assert.Error(t, err)

	r, err := ParseRodKind("super")
	assert.Nil(t, err)
	assert.Equal(t, RodSuper, r)

	_, err = ParseRodKind("")
	assert.Error(t, err)

	o, err := ParseOutcome("ko")
	assert.Nil(t, err)
	assert.Equal(t, OutcomeKO, o)

	_, err = ParseOutcome("missed")
	assert.Error(t, err)
}

func TestBlockOriginPriority(t *testing.T) {
	assert.True(t, OriginCaught.Priority() > OriginFirstEncounter.Priority())
	assert.True(t, OriginFirstEncounter.Priority() > OriginFaint.Priority())
	assert.True(t, OriginFaint.Priority() > BlockOrigin("bogus").Priority())
}
