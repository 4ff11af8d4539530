// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package idempotency deduplicates event submissions. A client retry carries
// the same Idempotency-Key and body; the stored response is replayed instead
// of appending a second event. Reusing a key with a different body is an
// error, never a silent overwrite.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/metrics"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

var (
	// ErrKeyReuse means the key was seen before with a different body.
	ErrKeyReuse = errors.New("idempotency key reused with different request")
	// ErrBadKey means the key is not a v4 or v5 UUID.
	ErrBadKey = errors.New("idempotency key must be a v4 or v5 uuid")
)

// DefaultTTL is how long a recorded response stays replayable.
const DefaultTTL = 24 * time.Hour

var (
	logger       = log.WithContext("pkg", "idempotency")
	metricReplay = metrics.Counter("idempotency_replayed_count")
	metricPurged = metrics.Counter("idempotency_purged_count")
)

type Store struct {
	db  *trackerdb.DB
	ttl time.Duration
}

// New creates a store; ttl <= 0 selects DefaultTTL.
func New(db *trackerdb.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}
}

// ValidateKey accepts only random (v4) or name-based (v5) UUIDs, so clients
// cannot pick colliding or guessable keys by accident.
func ValidateKey(key string) error {
	id, err := uuid.Parse(key)
	if err != nil {
		return ErrBadKey
	}
	if v := id.Version(); v != 4 && v != 5 {
		return ErrBadKey
	}
	return nil
}

// CanonicalHash hashes the request body after normalizing it through a JSON
// round trip, so formatting differences between retries do not defeat
// deduplication. Object key order is canonical because encoding/json sorts
// map keys on marshal.
func CanonicalHash(body []byte) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", errors.WithMessage(err, "canonicalize request")
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Lookup checks the key inside tx. It returns the recorded response when the
// same request was seen before, ErrKeyReuse when the key was used with a
// different body, and (nil, false) for a fresh key. Expired records are
// treated as fresh; the purge loop removes them eventually.
func (s *Store) Lookup(ctx context.Context, tx *sql.Tx, key string, run, player uuid.UUID, requestHash string) ([]byte, bool, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT request_hash, response, expires_at FROM idempotency_keys WHERE key = ? AND run_id = ? AND player_id = ?",
		key, run.String(), player.String(),
	)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	now := time.Now().UnixMilli()
	for rows.Next() {
		var (
			hash     string
			response []byte
			expires  int64
		)
		if err := rows.Scan(&hash, &response, &expires); err != nil {
			return nil, false, err
		}
		if expires <= now {
			continue
		}
		if hash != requestHash {
			return nil, false, ErrKeyReuse
		}
		metricReplay.Add(1)
		return response, true, nil
	}
	return nil, false, rows.Err()
}

// Save records the response for the key inside tx, in the same transaction
// as the event append so a crash cannot record one without the other.
func (s *Store) Save(ctx context.Context, tx *sql.Tx, key string, run, player uuid.UUID, requestHash string, response []byte) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys(key, run_id, player_id, request_hash, response, created_at, expires_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		key, run.String(), player.String(), requestHash, response,
		now.UnixMilli(), now.Add(s.ttl).UnixMilli(),
	)
	return err
}

// PurgeExpired deletes records past their expiry and returns how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.SQL().ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE expires_at <= ?", time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metricPurged.Add(n)
		logger.Debug("purged idempotency records", "count", n)
	}
	return n, nil
}

// PurgeLoop runs PurgeExpired on the interval until ctx is done.
func (s *Store) PurgeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil {
				logger.Warn("idempotency purge failed", "err", err)
			}
		}
	}
}
