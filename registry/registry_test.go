// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandergreif/soullink-tracker/registry"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := trackerdb.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return registry.New(db)
}

func TestRunLifecycle(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	run, err := reg.CreateRun(ctx, "johto trio", "hunter2", nil)
	require.NoError(t, err)
	assert.True(t, run.HasPassword)

	got, err := reg.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "johto trio", got.Name)

	_, err = reg.Run(ctx, uuid.New())
	assert.ErrorIs(t, err, registry.ErrNotFound)

	runs, err := reg.Runs(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunPassword(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	run, err := reg.CreateRun(ctx, "locked", "opensesame", nil)
	require.NoError(t, err)

	assert.NoError(t, reg.VerifyRunPassword(ctx, run.ID, "opensesame"))
	assert.ErrorIs(t, reg.VerifyRunPassword(ctx, run.ID, "wrong"), registry.ErrBadCredentials)
	assert.ErrorIs(t, reg.VerifyRunPassword(ctx, uuid.New(), "x"), registry.ErrNotFound)

	open, err := reg.CreateRun(ctx, "open", "", nil)
	require.NoError(t, err)
	assert.False(t, open.HasPassword)
	assert.NoError(t, reg.VerifyRunPassword(ctx, open.ID, "anything"))
}

func TestPlayerTokenAuth(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	run, err := reg.CreateRun(ctx, "run", "", nil)
	require.NoError(t, err)

	p, token, err := reg.CreatePlayer(ctx, run.ID, "alex", "soulsilver", "johto")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := reg.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, run.ID, got.RunID)

	_, err = reg.Authenticate(ctx, "not-a-token")
	assert.ErrorIs(t, err, registry.ErrBadCredentials)
}

func TestRotateTokenInvalidatesOld(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	run, err := reg.CreateRun(ctx, "run", "", nil)
	require.NoError(t, err)
	p, old, err := reg.CreatePlayer(ctx, run.ID, "blair", "heartgold", "johto")
	require.NoError(t, err)

	fresh, err := reg.RotateToken(ctx, p.ID)
	require.NoError(t, err)
	require.NotEqual(t, old, fresh)

	_, err = reg.Authenticate(ctx, old)
	assert.ErrorIs(t, err, registry.ErrBadCredentials)
	got, err := reg.Authenticate(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = reg.RotateToken(ctx, uuid.New())
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestPlayerNameUniquePerRunCaseInsensitive(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	run, err := reg.CreateRun(ctx, "run", "", nil)
	require.NoError(t, err)
	_, _, err = reg.CreatePlayer(ctx, run.ID, "Casey", "crystal", "johto")
	require.NoError(t, err)

	_, _, err = reg.CreatePlayer(ctx, run.ID, "casey", "crystal", "johto")
	assert.ErrorIs(t, err, registry.ErrDuplicateName)

	// same name in another run is fine
	other, err := reg.CreateRun(ctx, "other", "", nil)
	require.NoError(t, err)
	_, _, err = reg.CreatePlayer(ctx, other.ID, "casey", "crystal", "johto")
	assert.NoError(t, err)

	// unknown run is rejected by the foreign key
	_, _, err = reg.CreatePlayer(ctx, uuid.New(), "dana", "crystal", "johto")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRunRules(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	run, err := reg.CreateRun(ctx, "custom", "", json.RawMessage(`{"dupes_clause":"family"}`))
	require.NoError(t, err)

	got, err := reg.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dupes_clause":"family"}`, string(got.Rules))

	plain, err := reg.CreateRun(ctx, "plain", "", nil)
	require.NoError(t, err)
	got, err = reg.Run(ctx, plain.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.Rules))

	_, err = reg.CreateRun(ctx, "bad", "", json.RawMessage(`[1, 2]`))
	assert.Error(t, err)
	_, err = reg.CreateRun(ctx, "bad", "", json.RawMessage(`null`))
	assert.Error(t, err)
}
