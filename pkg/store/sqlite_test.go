package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/kwstx/mandate/pkg/delegation"
	"github.com/kwstx/mandate/pkg/identity"
	"github.com/kwstx/mandate/pkg/store"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := store.NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func sampleRecord(id string) delegation.Record {
	revoked := t0.Add(3 * time.Hour)
	return delegation.Record{
		DelegationID:   id,
		GrantorAgentID: "agent:lead",
		GranteeAgentID: "agent:deployer",
		Scope: identity.Scope{
			Resources: []string{"repo:team-a/*"},
			Actions:   []string{"read", "write"},
		},
		Reason:    "on-call coverage",
		StartsAt:  t0,
		ExpiresAt: t0.Add(48 * time.Hour),
		ContextRestriction: &delegation.ContextRestriction{
			Environments:   []identity.Environment{identity.EnvProduction},
			RequiredLabels: map[string]string{"team": "platform"},
		},
		Chain:     []string{id},
		Status:    delegation.StatusRevoked,
		CreatedAt: t0,
		RevokedAt: &revoked,
	}
}

func TestSQLite_SaveGetRoundTrip(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	rec := sampleRecord("del-1")
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, rec.DelegationID, got.DelegationID)
	assert.Equal(t, rec.Scope, got.Scope)
	assert.Equal(t, rec.Chain, got.Chain)
	assert.Equal(t, rec.Status, got.Status)
	require.NotNil(t, got.ContextRestriction)
	assert.Equal(t, "platform", got.ContextRestriction.RequiredLabels["team"])
	require.NotNil(t, got.RevokedAt)
	assert.True(t, got.RevokedAt.Equal(*rec.RevokedAt))
	assert.True(t, got.StartsAt.Equal(rec.StartsAt))
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
}

func TestSQLite_GetMissing(t *testing.T) {
	s := openSQLite(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLite_SaveUpdatesStatus(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	rec := sampleRecord("del-1")
	rec.Status = delegation.StatusActive
	rec.RevokedAt = nil
	require.NoError(t, s.Save(ctx, rec))

	revoked := t0.Add(time.Hour)
	rec.Status = delegation.StatusRevoked
	rec.RevokedAt = &revoked
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, delegation.StatusRevoked, got.Status)
	require.NotNil(t, got.RevokedAt)
}

func TestSQLite_ListByGrantee_PreservesOrder(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	for i, id := range []string{"del-a", "del-b", "del-c"} {
		rec := sampleRecord(id)
		rec.Status = delegation.StatusActive
		rec.RevokedAt = nil
		rec.ContextRestriction = nil
		rec.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Save(ctx, rec))
	}

	other := sampleRecord("del-x")
	other.GranteeAgentID = "agent:other"
	require.NoError(t, s.Save(ctx, other))

	got, err := s.ListByGrantee(ctx, "agent:deployer")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "del-a", got[0].DelegationID)
	assert.Equal(t, "del-c", got[2].DelegationID)
	assert.Nil(t, got[0].ContextRestriction)
}

func TestSQLite_CheckpointRoundTrip(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	_, err := s.LoadCheckpoint(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveCheckpoint(ctx, store.Checkpoint{HeadHash: "abc", Sequence: 12}))
	cp, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Checkpoint{HeadHash: "abc", Sequence: 12}, cp)

	require.NoError(t, s.SaveCheckpoint(ctx, store.Checkpoint{HeadHash: "def", Sequence: 13}))
	cp, err = s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), cp.Sequence)
}
