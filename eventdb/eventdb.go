// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package eventdb is the append-only event store. Every envelope gets a
// per-run monotonic, gap-free sequence number at append time; the (run, seq)
// unique index is the arbiter when appenders race.
package eventdb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

var (
	// ErrNotFound is returned when the requested event does not exist.
	ErrNotFound = errors.New("event not found")
	// ErrSeqRace is returned when a concurrent appender won the sequence
	// number this append had read. Callers retry the whole transaction.
	ErrSeqRace = errors.New("sequence collision, retry append")
)

type Store struct {
	db *trackerdb.DB
}

func New(db *trackerdb.DB) *Store {
	return &Store{db: db}
}

// Append assigns the next sequence number for the envelope's run and persists
// it inside tx. On success env.Seq and env.StoredAt are set. A (run, seq)
// unique violation surfaces as ErrSeqRace; other constraint failures are
// returned as-is.
func (s *Store) Append(tx *sql.Tx, env *event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	var last uint64
	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?", env.RunID.String()).Scan(&last); err != nil {
		return err
	}

	payload, err := event.MarshalPayload(env.Payload)
	if err != nil {
		return err
	}

	env.Seq = last + 1
	env.StoredAt = time.Now().UTC()
	_, err = tx.Exec(
		"INSERT INTO events(id, run_id, player_id, type, seq, occurred_at, stored_at, payload) VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
		env.ID.String(), env.RunID.String(), env.PlayerID.String(), string(env.Type()),
		env.Seq, env.OccurredAt.UTC().UnixMilli(), env.StoredAt.UnixMilli(), payload,
	)
	if err != nil {
		env.Seq, env.StoredAt = 0, time.Time{}
		if trackerdb.IsUniqueViolation(err) {
			return errors.WithMessagef(ErrSeqRace, "run %s", env.RunID)
		}
		return err
	}
	return nil
}

// AppendEnvelope appends in its own transaction, retrying sequence races.
// The ingestion pipeline does not use this; it appends inside its own
// transaction and owns the retry there.
func (s *Store) AppendEnvelope(ctx context.Context, env *event.Envelope) error {
	const maxAttempts = 5
	var err error
	for i := 0; i < maxAttempts; i++ {
		err = s.db.InTx(ctx, func(tx *sql.Tx) error {
			return s.Append(tx, env)
		})
		if !errors.Is(err, ErrSeqRace) && !trackerdb.IsBusy(err) {
			return err
		}
	}
	return err
}

// Filter narrows an Events query. Zero values mean "unbounded".
type Filter struct {
	Since uint64 // exclusive
	Until uint64 // inclusive
	Types []event.Type
	Limit int
}

// Events returns envelopes of a run ordered by sequence ascending.
func (s *Store) Events(ctx context.Context, run uuid.UUID, filter *Filter) ([]*event.Envelope, error) {
	stmt := "SELECT id, run_id, player_id, type, seq, occurred_at, stored_at, payload FROM events WHERE run_id = ?"
	args := []any{run.String()}
	if filter != nil {
		if filter.Since > 0 {
			stmt += " AND seq > ?"
			args = append(args, filter.Since)
		}
		if filter.Until > 0 {
			stmt += " AND seq <= ?"
			args = append(args, filter.Until)
		}
		if len(filter.Types) > 0 {
			stmt += " AND type IN (?" + strings.Repeat(",?", len(filter.Types)-1) + ")"
			for _, t := range filter.Types {
				args = append(args, string(t))
			}
		}
	}
	stmt += " ORDER BY seq ASC"
	if filter != nil && filter.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.SQL().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// EventByID fetches a single envelope of a run.
func (s *Store) EventByID(ctx context.Context, run, id uuid.UUID) (*event.Envelope, error) {
	stmt, err := s.db.Stmt("SELECT id, run_id, player_id, type, seq, occurred_at, stored_at, payload FROM events WHERE run_id = ? AND id = ?")
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, run.String(), id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	envs, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, ErrNotFound
	}
	return envs[0], nil
}

// LatestSeq returns the run's highest sequence number, 0 when empty.
func (s *Store) LatestSeq(ctx context.Context, run uuid.UUID) (uint64, error) {
	stmt, err := s.db.Stmt("SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?")
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = stmt.QueryRowContext(ctx, run.String()).Scan(&seq)
	return seq, err
}

// Count returns the number of stored envelopes for the run.
func (s *Store) Count(ctx context.Context, run uuid.UUID) (int64, error) {
	stmt, err := s.db.Stmt("SELECT count(*) FROM events WHERE run_id = ?")
	if err != nil {
		return 0, err
	}
	var n int64
	err = stmt.QueryRowContext(ctx, run.String()).Scan(&n)
	return n, err
}

// Replay streams the run's envelopes with seq > from in batches, bounding
// memory for long runs. fn returning an error stops the replay.
func (s *Store) Replay(ctx context.Context, run uuid.UUID, from uint64, batch int, fn func(*event.Envelope) error) error {
	return s.replay(ctx, s.db.SQL(), run, from, 0, batch, fn)
}

// ReplayTx is Replay reading through an open transaction, from < seq <= until
// (until 0 means unbounded). The projection rebuild uses it so deletes and
// re-applies share one transaction.
func (s *Store) ReplayTx(ctx context.Context, tx *sql.Tx, run uuid.UUID, from, until uint64, batch int, fn func(*event.Envelope) error) error {
	return s.replay(ctx, tx, run, from, until, batch, fn)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const defaultReplayBatch = 1000

func (s *Store) replay(ctx context.Context, q querier, run uuid.UUID, from, until uint64, batch int, fn func(*event.Envelope) error) error {
	if batch <= 0 {
		batch = defaultReplayBatch
	}
	cursor := from
	for {
		stmt := "SELECT id, run_id, player_id, type, seq, occurred_at, stored_at, payload FROM events WHERE run_id = ? AND seq > ?"
		args := []any{run.String(), cursor}
		if until > 0 {
			stmt += " AND seq <= ?"
			args = append(args, until)
		}
		stmt += " ORDER BY seq ASC LIMIT ?"
		args = append(args, batch)

		rows, err := q.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		envs, err := scanEnvelopes(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for _, env := range envs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := fn(env); err != nil {
				return err
			}
			cursor = env.Seq
		}
		if len(envs) < batch {
			return nil
		}
	}
}

// Stats summarizes the store for one run.
type Stats struct {
	LatestSeq    uint64               `json:"latest_seq"`
	Total        int64                `json:"total"`
	CountsByType map[event.Type]int64 `json:"counts_by_type"`
}

// RunStats collects per-run store statistics.
func (s *Store) RunStats(ctx context.Context, run uuid.UUID) (*Stats, error) {
	st := &Stats{CountsByType: make(map[event.Type]int64)}
	var err error
	if st.LatestSeq, err = s.LatestSeq(ctx, run); err != nil {
		return nil, err
	}

	rows, err := s.db.SQL().QueryContext(ctx,
		"SELECT type, count(*) FROM events WHERE run_id = ? GROUP BY type", run.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		st.CountsByType[event.Type(t)] = n
		st.Total += n
	}
	return st, rows.Err()
}

func scanEnvelopes(rows *sql.Rows) ([]*event.Envelope, error) {
	var envs []*event.Envelope
	for rows.Next() {
		var (
			id, runID, playerID, typ string
			seq                      uint64
			occurredAt, storedAt     int64
			payload                  []byte
		)
		if err := rows.Scan(&id, &runID, &playerID, &typ, &seq, &occurredAt, &storedAt, &payload); err != nil {
			return nil, err
		}
		env := &event.Envelope{
			Seq:        seq,
			OccurredAt: time.UnixMilli(occurredAt).UTC(),
			StoredAt:   time.UnixMilli(storedAt).UTC(),
		}
		var err error
		if env.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.WithMessage(err, "corrupt event id")
		}
		if env.RunID, err = uuid.Parse(runID); err != nil {
			return nil, errors.WithMessage(err, "corrupt run id")
		}
		if env.PlayerID, err = uuid.Parse(playerID); err != nil {
			return nil, errors.WithMessage(err, "corrupt player id")
		}
		if env.Payload, err = event.UnmarshalPayload(event.Type(typ), payload); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}
