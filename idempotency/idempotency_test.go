// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package idempotency_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandergreif/soullink-tracker/idempotency"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

func TestValidateKey(t *testing.T) {
	assert.NoError(t, idempotency.ValidateKey(uuid.New().String()))
	assert.NoError(t, idempotency.ValidateKey(uuid.NewSHA1(uuid.NameSpaceURL, []byte("x")).String()))

	assert.ErrorIs(t, idempotency.ValidateKey("not-a-uuid"), idempotency.ErrBadKey)
	// v1 has the wrong version nibble
	assert.ErrorIs(t, idempotency.ValidateKey(""+"2f1f0a50-1db5-11ef-9262-0242ac120002"), idempotency.ErrBadKey)
}

func TestCanonicalHashIgnoresFormatting(t *testing.T) {
	a, err := idempotency.CanonicalHash([]byte(`{"b":1,"a":"x"}`))
	require.NoError(t, err)
	b, err := idempotency.CanonicalHash([]byte("{\n  \"a\": \"x\",\n  \"b\": 1\n}"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := idempotency.CanonicalHash([]byte(`{"a":"x","b":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = idempotency.CanonicalHash([]byte("{truncated"))
	assert.Error(t, err)
}

func TestLookupReplayAndReuse(t *testing.T) {
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	store := idempotency.New(db, time.Hour)
	ctx := context.Background()
	key := uuid.New().String()
	run, player := uuid.New(), uuid.New()

	hash, err := idempotency.CanonicalHash([]byte(`{"type":"faint"}`))
	require.NoError(t, err)

	require.NoError(t, db.InTx(ctx, func(tx *sql.Tx) error {
		resp, hit, err := store.Lookup(ctx, tx, key, run, player, hash)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Nil(t, resp)
		return store.Save(ctx, tx, key, run, player, hash, []byte(`{"seq":1}`))
	}))

	require.NoError(t, db.InTx(ctx, func(tx *sql.Tx) error {
		resp, hit, err := store.Lookup(ctx, tx, key, run, player, hash)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.JSONEq(t, `{"seq":1}`, string(resp))

		// same key, different body
		other, err := idempotency.CanonicalHash([]byte(`{"type":"encounter"}`))
		require.NoError(t, err)
		_, _, err = store.Lookup(ctx, tx, key, run, player, other)
		assert.ErrorIs(t, err, idempotency.ErrKeyReuse)
		return nil
	}))

	// a different player may use the same key independently
	require.NoError(t, db.InTx(ctx, func(tx *sql.Tx) error {
		_, hit, err := store.Lookup(ctx, tx, key, run, uuid.New(), hash)
		require.NoError(t, err)
		assert.False(t, hit)
		return nil
	}))
}

func TestPurgeExpired(t *testing.T) {
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	defer db.Close()

	// negative ttl: records are born expired
	store := idempotency.New(db, -1)
	assert.Equal(t, idempotency.DefaultTTL, 24*time.Hour)

	expired := idempotencyStoreWithTTL(db, -time.Minute)
	ctx := context.Background()
	key := uuid.New().String()
	run, player := uuid.New(), uuid.New()

	require.NoError(t, db.InTx(ctx, func(tx *sql.Tx) error {
		return expired.Save(ctx, tx, key, run, player, "h", []byte("{}"))
	}))

	// expired records never replay
	require.NoError(t, db.InTx(ctx, func(tx *sql.Tx) error {
		_, hit, err := expired.Lookup(ctx, tx, key, run, player, "h")
		require.NoError(t, err)
		assert.False(t, hit)
		return nil
	}))

	n, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// New clamps non-positive ttls to the default, so expired records for the
// purge test are made through a tiny positive ttl instead.
func idempotencyStoreWithTTL(db *trackerdb.DB, ttl time.Duration) *idempotency.Store {
	if ttl <= 0 {
		ttl = time.Nanosecond
	}
	return idempotency.New(db, ttl)
}
