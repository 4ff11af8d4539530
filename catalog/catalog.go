// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package catalog holds the static reference data: species→family and
// route→region. The catalog is immutable after load.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/alexandergreif/soullink-tracker/soullink"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

//go:embed data/species.yaml
var defaultSpecies []byte

//go:embed data/routes.yaml
var defaultRoutes []byte

type Species struct {
	ID       soullink.SpeciesID `yaml:"id"`
	Name     string             `yaml:"name"`
	FamilyID soullink.FamilyID  `yaml:"family"`
}

type Route struct {
	ID     soullink.RouteID `yaml:"id"`
	Label  string           `yaml:"label"`
	Region string           `yaml:"region"`
}

type Catalog struct {
	species map[soullink.SpeciesID]*Species
	routes  map[soullink.RouteID]*Route
}

// Load builds a catalog from raw YAML documents.
func Load(speciesYAML, routesYAML []byte) (*Catalog, error) {
	var sl []*Species
	if err := yaml.Unmarshal(speciesYAML, &sl); err != nil {
		return nil, errors.WithMessage(err, "parse species catalog")
	}
	var rl []*Route
	if err := yaml.Unmarshal(routesYAML, &rl); err != nil {
		return nil, errors.WithMessage(err, "parse route catalog")
	}

	c := &Catalog{
		species: make(map[soullink.SpeciesID]*Species, len(sl)),
		routes:  make(map[soullink.RouteID]*Route, len(rl)),
	}
	for _, s := range sl {
		if s.ID == 0 || s.FamilyID == 0 {
			return nil, errors.Errorf("species %q has invalid id or family", s.Name)
		}
		if _, dup := c.species[s.ID]; dup {
			return nil, errors.Errorf("duplicate species id %d", s.ID)
		}
		c.species[s.ID] = s
	}
	for _, r := range rl {
		if r.ID == 0 {
			return nil, errors.Errorf("route %q has invalid id", r.Label)
		}
		if _, dup := c.routes[r.ID]; dup {
			return nil, errors.Errorf("duplicate route id %d", r.ID)
		}
		c.routes[r.ID] = r
	}
	return c, nil
}

// LoadFiles builds a catalog from YAML files on disk.
func LoadFiles(speciesPath, routesPath string) (*Catalog, error) {
	sb, err := os.ReadFile(speciesPath)
	if err != nil {
		return nil, err
	}
	rb, err := os.ReadFile(routesPath)
	if err != nil {
		return nil, err
	}
	return Load(sb, rb)
}

// Default returns the catalog built from the embedded reference data.
func Default() *Catalog {
	c, err := Load(defaultSpecies, defaultRoutes)
	if err != nil {
		panic(errors.WithMessage(err, "embedded catalog"))
	}
	return c
}

// Species looks up a species by national-dex number.
func (c *Catalog) Species(id soullink.SpeciesID) (*Species, bool) {
	s, ok := c.species[id]
	return s, ok
}

// Route looks up a route.
func (c *Catalog) Route(id soullink.RouteID) (*Route, bool) {
	r, ok := c.routes[id]
	return r, ok
}

// FamilyOf returns the evolution family of a species.
func (c *Catalog) FamilyOf(id soullink.SpeciesID) (soullink.FamilyID, bool) {
	s, ok := c.species[id]
	if !ok {
		return 0, false
	}
	return s.FamilyID, true
}

// Len reports catalog sizes, mostly for startup logging.
func (c *Catalog) Len() (species, routes int) {
	return len(c.species), len(c.routes)
}

// Persist mirrors the catalog into the species and routes tables so that
// dashboards can join against them.
func (c *Catalog) Persist(ctx context.Context, db *trackerdb.DB) error {
	return db.InTx(ctx, func(tx *sql.Tx) error {
		for _, s := range c.species {
			if _, err := tx.Exec(
				"INSERT INTO species(id, name, family_id) VALUES(?, ?, ?) ON CONFLICT(id) DO UPDATE SET name=excluded.name, family_id=excluded.family_id",
				s.ID, s.Name, s.FamilyID,
			); err != nil {
				return err
			}
		}
		for _, r := range c.routes {
			if _, err := tx.Exec(
				"INSERT INTO routes(id, label, region) VALUES(?, ?, ?) ON CONFLICT(id) DO UPDATE SET label=excluded.label, region=excluded.region",
				r.ID, r.Label, r.Region,
			); err != nil {
				return err
			}
		}
		return nil
	})
}
