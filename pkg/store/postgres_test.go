package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwstx/mandate/pkg/delegation"
	"github.com/kwstx/mandate/pkg/store"
)

func TestPostgres_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := store.NewPostgresStore(db)
	rec := sampleRecord("del-1")

	mock.ExpectExec("INSERT INTO delegations").
		WithArgs(
			rec.DelegationID, rec.GrantorAgentID, rec.GranteeAgentID, sqlmock.AnyArg(), rec.Reason,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), string(rec.Status), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Save(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := store.NewPostgresStore(db)

	rows := sqlmock.NewRows([]string{
		"delegation_id", "grantor_agent_id", "grantee_agent_id", "scope", "reason",
		"starts_at", "expires_at", "context_restriction", "parent_delegation_id",
		"chain", "status", "created_at", "revoked_at",
	}).AddRow(
		"del-1", "agent:lead", "agent:deployer",
		[]byte(`{"resources":["repo:team-a/*"],"actions":["read"]}`), "coverage",
		t0, t0.Add(48*time.Hour), nil, nil,
		[]byte(`["del-1"]`), "active", t0, nil,
	)

	mock.ExpectQuery("SELECT (.+) FROM delegations WHERE delegation_id").
		WithArgs("del-1").
		WillReturnRows(rows)

	rec, err := s.Get(context.Background(), "del-1")
	require.NoError(t, err)
	assert.Equal(t, "agent:deployer", rec.GranteeAgentID)
	assert.Equal(t, []string{"repo:team-a/*"}, rec.Scope.Resources)
	assert.Equal(t, delegation.StatusActive, rec.Status)
	assert.Nil(t, rec.ContextRestriction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := store.NewPostgresStore(db)
	mock.ExpectQuery("SELECT (.+) FROM delegations WHERE delegation_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"delegation_id"}))

	_, err = s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgres_CheckpointUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := store.NewPostgresStore(db)
	mock.ExpectExec("INSERT INTO audit_checkpoint").
		WithArgs("head-hash", uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveCheckpoint(context.Background(), store.Checkpoint{HeadHash: "head-hash", Sequence: 7}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
