// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/metrics"
)

var metricRebuildDuration = metrics.HistogramVec(
	"projection_rebuild_duration_ms", []string{"status"}, []int64{50, 200, 1000, 5000, 30000})

// RebuildReport summarizes a completed rebuild.
type RebuildReport struct {
	RunID    uuid.UUID `json:"runId"`
	Events   uint64    `json:"events"`
	Elapsed  int64     `json:"elapsedMs"`
	UpToSeq  uint64    `json:"upToSeq"`
}

// RebuildAll drops the run's derived tables and replays the event log into
// them inside a single transaction, bounded at the latest sequence observed
// before it starts. Readers keep seeing the old tables until the commit;
// events appended during the rebuild are picked up by normal ingestion
// afterwards. Soul link rows are event-sourced too, so they are rebuilt
// along with everything else.
func (e *Engine) RebuildAll(ctx context.Context, run uuid.UUID) (*RebuildReport, error) {
	started := time.Now()
	report := &RebuildReport{RunID: run}

	bound, err := e.store.LatestSeq(ctx, run)
	if err != nil {
		return nil, err
	}
	report.UpToSeq = bound

	err = e.db.InTx(ctx, func(tx *sql.Tx) error {
		// links go last so the member rows cascade away first
		for _, table := range []string{"route_progress", "blocklist", "party_status", "encounters", "links"} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE run_id = ?", run.String()); err != nil {
				return errors.WithMessagef(err, "clear %s", table)
			}
		}
		return e.store.ReplayTx(ctx, tx, run, 0, bound, 0, func(env *event.Envelope) error {
			if _, err := e.apply(ctx, tx, env); err != nil {
				return errors.WithMessagef(err, "replay seq %d", env.Seq)
			}
			report.Events++
			return nil
		})
	})

	report.Elapsed = time.Since(started).Milliseconds()
	status := "ok"
	if err != nil {
		status = "failed"
	}
	metricRebuildDuration.ObserveWithLabels(report.Elapsed, map[string]string{"status": status})
	if err != nil {
		return nil, err
	}

	e.logger.Info("projection rebuilt",
		"run", run, "events", report.Events, "upTo", report.UpToSeq, "elapsed", time.Duration(report.Elapsed)*time.Millisecond)
	return report, nil
}
