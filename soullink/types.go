// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package soullink defines the primitive types shared by every layer of the
// tracker: identifiers, route/species/family numbers and the closed enums of
// the wire schema.
package soullink

import (
	"github.com/pkg/errors"
)

// SpeciesID is a national-dex species number.
type SpeciesID uint32

// FamilyID identifies an evolution chain. By convention it is the species
// number of the chain's base form.
type FamilyID uint32

// RouteID identifies a route or other encounter location.
type RouteID uint32

// Method is how an encounter happened.
type Method string

const (
	MethodGrass   Method = "grass"
	MethodSurf    Method = "surf"
	MethodFish    Method = "fish"
	MethodStatic  Method = "static"
	MethodUnknown Method = "unknown"
)

// ParseMethod parses an encounter method string.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodGrass, MethodSurf, MethodFish, MethodStatic, MethodUnknown:
		return m, nil
	}
	return "", errors.Errorf("unknown encounter method %q", s)
}

// RodKind is the fishing rod used for a fish encounter.
type RodKind string

const (
	RodOld   RodKind = "old"
	RodGood  RodKind = "good"
	RodSuper RodKind = "super"
)

// ParseRodKind parses a rod kind string.
func ParseRodKind(s string) (RodKind, error) {
	switch r := RodKind(s); r {
	case RodOld, RodGood, RodSuper:
		return r, nil
	}
	return "", errors.Errorf("unknown rod kind %q", s)
}

// Outcome is the result of a catch attempt.
type Outcome string

const (
	OutcomeCaught Outcome = "caught"
	OutcomeFled   Outcome = "fled"
	OutcomeKO     Outcome = "ko"
	OutcomeFailed Outcome = "failed"
)

// ParseOutcome parses a catch outcome string.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeCaught, OutcomeFled, OutcomeKO, OutcomeFailed:
		return o, nil
	}
	return "", errors.Errorf("unknown catch outcome %q", s)
}

// EncounterStatus is the rules engine's classification of an encounter.
type EncounterStatus string

const (
	StatusFirstEncounter EncounterStatus = "first_encounter"
	StatusDupeSkip       EncounterStatus = "dupe_skip"
)

// BlockOrigin records why a family entered the blocklist. Origins form a
// strict priority ladder; a stored origin is only ever replaced by a higher
// one.
type BlockOrigin string

const (
	OriginFaint          BlockOrigin = "faint"
	OriginFirstEncounter BlockOrigin = "first_encounter"
	OriginCaught         BlockOrigin = "caught"
)

// ParseBlockOrigin parses a blocklist origin string.
func ParseBlockOrigin(s string) (BlockOrigin, error) {
	switch o := BlockOrigin(s); o {
	case OriginFaint, OriginFirstEncounter, OriginCaught:
		return o, nil
	}
	return "", errors.Errorf("unknown block origin %q", s)
}

// Priority returns the origin's rank on the upgrade ladder. Unknown origins
// rank below everything.
func (o BlockOrigin) Priority() int {
	switch o {
	case OriginFaint:
		return 1
	case OriginFirstEncounter:
		return 2
	case OriginCaught:
		return 3
	}
	return 0
}
