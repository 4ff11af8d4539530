// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package health tracks liveness signals: database reachability and how long
// ago the last event was ingested.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

// defaultMaxSilence is how long without any ingestion the tracker still
// reports healthy; runs idle between sessions, so this is generous.
const defaultMaxSilence = 24 * time.Hour

type Status struct {
	Healthy         bool       `json:"healthy"`
	DBReachable     bool       `json:"dbReachable"`
	LastIngest      *time.Time `json:"lastIngest,omitempty"`
	SecondsSinceLast *float64   `json:"secondsSinceLastIngest,omitempty"`
}

type Health struct {
	db         *trackerdb.DB
	maxSilence time.Duration

	lock       sync.RWMutex
	lastIngest time.Time
}

func New(db *trackerdb.DB, maxSilence time.Duration) *Health {
	if maxSilence <= 0 {
		maxSilence = defaultMaxSilence
	}
	return &Health{db: db, maxSilence: maxSilence}
}

// EventIngested records an ingestion heartbeat.
func (h *Health) EventIngested() {
	h.lock.Lock()
	h.lastIngest = time.Now()
	h.lock.Unlock()
}

func (h *Health) Status(ctx context.Context) *Status {
	status := &Status{DBReachable: h.db.SQL().PingContext(ctx) == nil}

	h.lock.RLock()
	last := h.lastIngest
	h.lock.RUnlock()

	status.Healthy = status.DBReachable
	if !last.IsZero() {
		t := last
		status.LastIngest = &t
		secs := time.Since(last).Seconds()
		status.SecondsSinceLast = &secs
		if time.Since(last) > h.maxSilence {
			status.Healthy = false
		}
	}
	return status
}
