// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package ingest is the write path: one submission travels
// authenticate -> idempotency -> rules -> append -> project -> record,
// all inside a single transaction, and is broadcast to live subscribers
// only after the commit.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/catalog"
	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/eventdb"
	"github.com/alexandergreif/soullink-tracker/idempotency"
	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/metrics"
	"github.com/alexandergreif/soullink-tracker/projection"
	"github.com/alexandergreif/soullink-tracker/registry"
	"github.com/alexandergreif/soullink-tracker/rules"
	"github.com/alexandergreif/soullink-tracker/soullink"
	"github.com/alexandergreif/soullink-tracker/stream"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

var (
	// ErrRunMismatch means the submission names a run the token does not
	// belong to.
	ErrRunMismatch = errors.New("event run does not match authenticated player")
	// ErrPlayerMismatch means the submission names another player.
	ErrPlayerMismatch = errors.New("event player does not match authenticated player")
	// ErrUnknownSpecies and ErrUnknownRoute reject references outside the
	// loaded catalog; ErrFamilyMismatch rejects a family claim the catalog
	// contradicts.
	ErrUnknownSpecies = errors.New("species not in catalog")
	ErrUnknownRoute   = errors.New("route not in catalog")
	ErrFamilyMismatch = errors.New("family does not match catalog")
)

// submissions that lose the sequence race or hit a busy writer are retried
// whole; the transaction never saw a committed state.
const maxAttempts = 5

var (
	logger          = log.WithContext("pkg", "ingest")
	metricSubmitted = metrics.CounterVec("ingest_submitted_count", []string{"type", "status"})
	metricDuration  = metrics.HistogramVec("ingest_duration_ms", []string{"type"}, metrics.BucketHTTPReqs)
)

// Result is what a submission returns, and what a retried submission gets
// replayed verbatim.
type Result struct {
	EventID      uuid.UUID  `json:"event_id"`
	Seq          uint64     `json:"seq"`
	AppliedRules []string   `json:"applied_rules,omitempty"`
	DupesSkip    bool       `json:"dupes_skip,omitempty"`
	RaceLost     bool       `json:"race_lost,omitempty"`
	LinkCreated  *uuid.UUID `json:"link_created,omitempty"`
}

type Pipeline struct {
	db        *trackerdb.DB
	store     *eventdb.Store
	proj      *projection.Engine
	idem      *idempotency.Store
	bcast     *stream.Broadcaster
	cat       *catalog.Catalog
	heartbeat func()
}

func New(db *trackerdb.DB, store *eventdb.Store, proj *projection.Engine, idem *idempotency.Store, bcast *stream.Broadcaster) *Pipeline {
	return &Pipeline{db: db, store: store, proj: proj, idem: idem, bcast: bcast}
}

// SetHeartbeat installs a hook invoked after each freshly committed event,
// used by the health endpoint's last-ingest signal.
func (p *Pipeline) SetHeartbeat(fn func()) {
	p.heartbeat = fn
}

// SetCatalog enables reference-data checks on encounter submissions. Without
// a catalog, species and route ids are taken at face value.
func (p *Pipeline) SetCatalog(c *catalog.Catalog) {
	p.cat = c
}

func (p *Pipeline) checkCatalog(env *event.Envelope) error {
	if p.cat == nil {
		return nil
	}
	enc, ok := env.Payload.(*event.Encounter)
	if !ok {
		return nil
	}
	if _, ok := p.cat.Route(enc.RouteID); !ok {
		return errors.WithMessagef(ErrUnknownRoute, "route %d", enc.RouteID)
	}
	family, ok := p.cat.FamilyOf(enc.SpeciesID)
	if !ok {
		return errors.WithMessagef(ErrUnknownSpecies, "species %d", enc.SpeciesID)
	}
	if family != enc.FamilyID {
		return errors.WithMessagef(ErrFamilyMismatch, "species %d belongs to family %d", enc.SpeciesID, family)
	}
	return nil
}

// Submit processes one event submission for the authenticated player. The
// returned bool is true when the result was replayed from the idempotency
// record rather than freshly applied.
func (p *Pipeline) Submit(ctx context.Context, player *registry.Player, key string, body []byte) (*Result, bool, error) {
	started := time.Now()

	if err := idempotency.ValidateKey(key); err != nil {
		return nil, false, err
	}
	hash, err := idempotency.CanonicalHash(body)
	if err != nil {
		return nil, false, err
	}

	env := &event.Envelope{}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, false, errors.WithMessage(err, "decode event")
	}
	if err := p.stampIdentity(env, player); err != nil {
		return nil, false, err
	}
	if err := env.Validate(); err != nil {
		return nil, false, err
	}
	if err := p.checkCatalog(env); err != nil {
		return nil, false, err
	}

	var (
		result   *Result
		replayed bool
		publish  []*event.Envelope
	)
	for attempt := 0; ; attempt++ {
		result, replayed, publish, err = p.submitOnce(ctx, player, key, hash, env)
		if err == nil {
			break
		}
		if attempt+1 < maxAttempts && (errors.Is(err, eventdb.ErrSeqRace) || trackerdb.IsBusy(err)) {
			continue
		}
		metricSubmitted.AddWithLabel(1, map[string]string{"type": string(env.Type()), "status": "failed"})
		return nil, false, err
	}

	for _, committed := range publish {
		p.bcast.Publish(committed)
	}
	if !replayed && p.heartbeat != nil {
		p.heartbeat()
	}

	status := "applied"
	if replayed {
		status = "replayed"
	}
	metricSubmitted.AddWithLabel(1, map[string]string{"type": string(env.Type()), "status": status})
	metricDuration.ObserveWithLabels(time.Since(started).Milliseconds(), map[string]string{"type": string(env.Type())})
	return result, replayed, nil
}

// stampIdentity fills server-assigned identity and rejects submissions that
// claim someone else's.
func (p *Pipeline) stampIdentity(env *event.Envelope, player *registry.Player) error {
	if env.RunID != uuid.Nil && env.RunID != player.RunID {
		return ErrRunMismatch
	}
	if env.PlayerID != uuid.Nil && env.PlayerID != player.ID {
		return ErrPlayerMismatch
	}
	env.RunID = player.RunID
	env.PlayerID = player.ID
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	env.Seq = 0
	env.StoredAt = time.Time{}
	return nil
}

func (p *Pipeline) submitOnce(ctx context.Context, player *registry.Player, key, hash string, env *event.Envelope) (result *Result, replayed bool, publish []*event.Envelope, err error) {
	err = p.db.InTx(ctx, func(tx *sql.Tx) error {
		recorded, hit, err := p.idem.Lookup(ctx, tx, key, player.RunID, player.ID, hash)
		if err != nil {
			return err
		}
		if hit {
			result = &Result{}
			replayed = true
			return json.Unmarshal(recorded, result)
		}

		applied, err := p.stampRules(tx, env)
		if err != nil {
			return err
		}
		if err := p.store.Append(tx, env); err != nil {
			return err
		}
		out, err := p.proj.Apply(ctx, tx, env)
		if err != nil {
			return err
		}
		publish = append(publish, env)

		result = &Result{
			EventID:      env.ID,
			Seq:          env.Seq,
			AppliedRules: applied,
			DupesSkip:    out.DupesSkip,
			RaceLost:     out.RaceLost,
		}

		// a caught result can form or grow a soul link even when its
		// catcher lost the finalization race
		if out.Caught {
			linkEnv, linkID, err := p.maybeCreateLink(ctx, tx, env, out.FinalizedRoute)
			if err != nil {
				return err
			}
			if linkEnv != nil {
				publish = append(publish, linkEnv)
				result.LinkCreated = &linkID
			}
		}

		recordedResult, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return p.idem.Save(ctx, tx, key, player.RunID, player.ID, hash, recordedResult)
	})
	if err != nil {
		return nil, false, nil, err
	}
	if replayed {
		return result, true, nil, nil
	}
	return result, false, publish, nil
}

// stampRules evaluates the rules for the payload and stamps the derived
// flags into it before the append, so the stored event carries its verdict.
func (p *Pipeline) stampRules(tx *sql.Tx, env *event.Envelope) ([]string, error) {
	switch payload := env.Payload.(type) {
	case *event.Encounter:
		state, err := p.proj.RunStateFor(tx, env.RunID, env.PlayerID)
		if err != nil {
			return nil, err
		}
		d, err := rules.EvaluateEncounter(state, payload, p.proj.CrossLookupFor(tx, env.RunID, env.PlayerID))
		if err != nil {
			return nil, err
		}
		payload.Status = d.Status
		payload.DupesSkip = d.DupesSkip
		payload.FEFinalized = false
		return d.AppliedRules(), nil
	case *event.CatchResult:
		d, err := rules.ApplyCatchResult(nil, env.PlayerID, payload, p.proj.EncounterLookupFor(tx, env.RunID))
		if err != nil {
			return nil, err
		}
		return d.AppliedRules(), nil
	case *event.Faint:
		return rules.ProcessFaint(payload).AppliedRules(), nil
	default:
		return nil, nil
	}
}

// maybeCreateLink emits a SoulLinkCreated in the same transaction once two
// or more players hold a caught encounter on the route, and again whenever a
// later catch grows the membership. The handler resolves the route's
// canonical link row, so repeated events converge instead of duplicating.
// The event is server-authored but attributed to the submitting player.
func (p *Pipeline) maybeCreateLink(ctx context.Context, tx *sql.Tx, trigger *event.Envelope, route soullink.RouteID) (*event.Envelope, uuid.UUID, error) {
	caught, err := p.proj.CaughtPlayersOnRoute(tx, trigger.RunID, route)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if len(caught) < 2 {
		return nil, uuid.Nil, nil
	}
	members, err := p.proj.LinkMemberCount(tx, trigger.RunID, route)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if members >= len(caught) {
		return nil, uuid.Nil, nil
	}

	linkEnv := &event.Envelope{
		ID:         uuid.New(),
		RunID:      trigger.RunID,
		PlayerID:   trigger.PlayerID,
		OccurredAt: trigger.OccurredAt,
		Payload: &event.SoulLinkCreated{
			LinkID:  uuid.New(),
			RouteID: route,
			Players: caught,
		},
	}
	if err := p.store.Append(tx, linkEnv); err != nil {
		return nil, uuid.Nil, err
	}
	if _, err := p.proj.Apply(ctx, tx, linkEnv); err != nil {
		return nil, uuid.Nil, err
	}

	canonical, err := p.proj.LinkIDOnRoute(tx, trigger.RunID, route)
	if err != nil {
		return nil, uuid.Nil, err
	}
	logger.Info("soul link updated", "run", trigger.RunID, "route", route, "players", len(caught))
	return linkEnv, canonical, nil
}
