package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/kwstx/mandate/pkg/delegation"
)

// PostgresStore implements DelegationStore and CheckpointStore on
// Postgres for deployments that share durable state across nodes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema. Split out of the constructor so tests can
// drive the store against a mocked connection.
func (s *PostgresStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS delegations (
		delegation_id TEXT PRIMARY KEY,
		grantor_agent_id TEXT NOT NULL,
		grantee_agent_id TEXT NOT NULL,
		scope JSONB NOT NULL,
		reason TEXT,
		starts_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		context_restriction JSONB,
		parent_delegation_id TEXT,
		chain JSONB NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_delegations_grantee ON delegations (grantee_agent_id);
	CREATE TABLE IF NOT EXISTS audit_checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		head_hash TEXT NOT NULL,
		sequence BIGINT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, rec delegation.Record) error {
	scopeJSON, err := json.Marshal(rec.Scope)
	if err != nil {
		return fmt.Errorf("store: marshal scope: %w", err)
	}
	chainJSON, err := json.Marshal(rec.Chain)
	if err != nil {
		return fmt.Errorf("store: marshal chain: %w", err)
	}
	var restrictionJSON []byte
	if rec.ContextRestriction != nil {
		restrictionJSON, err = json.Marshal(rec.ContextRestriction)
		if err != nil {
			return fmt.Errorf("store: marshal restriction: %w", err)
		}
	}

	query := `INSERT INTO delegations (
		delegation_id, grantor_agent_id, grantee_agent_id, scope, reason,
		starts_at, expires_at, context_restriction, parent_delegation_id,
		chain, status, created_at, revoked_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (delegation_id) DO UPDATE SET
		status = EXCLUDED.status,
		revoked_at = EXCLUDED.revoked_at`

	var expiresAt, revokedAt interface{}
	if !rec.ExpiresAt.IsZero() {
		expiresAt = rec.ExpiresAt.UTC()
	}
	if rec.RevokedAt != nil {
		revokedAt = rec.RevokedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, query,
		rec.DelegationID, rec.GrantorAgentID, rec.GranteeAgentID, string(scopeJSON), nullableString(rec.Reason),
		rec.StartsAt.UTC(), expiresAt, nullableBytes(restrictionJSON), nullableString(rec.ParentDelegationID),
		string(chainJSON), string(rec.Status), rec.CreatedAt.UTC(), revokedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert delegation: %w", err)
	}
	return nil
}

const selectDelegationPg = `SELECT delegation_id, grantor_agent_id, grantee_agent_id, scope, reason,
	starts_at, expires_at, context_restriction, parent_delegation_id, chain, status, created_at, revoked_at
	FROM delegations`

func (s *PostgresStore) Get(ctx context.Context, delegationID string) (delegation.Record, error) {
	row := s.db.QueryRowContext(ctx, selectDelegationPg+" WHERE delegation_id = $1", delegationID)
	return scanDelegationPg(row)
}

func (s *PostgresStore) ListByGrantee(ctx context.Context, granteeID string) ([]delegation.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectDelegationPg+" WHERE grantee_agent_id = $1 ORDER BY created_at, delegation_id", granteeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []delegation.Record
	for rows.Next() {
		rec, err := scanDelegationPg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	query := `INSERT INTO audit_checkpoint (id, head_hash, sequence) VALUES (1, $1, $2)
	ON CONFLICT (id) DO UPDATE SET head_hash = EXCLUDED.head_hash, sequence = EXCLUDED.sequence`
	_, err := s.db.ExecContext(ctx, query, cp.HeadHash, cp.Sequence)
	return err
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `SELECT head_hash, sequence FROM audit_checkpoint WHERE id = 1`).
		Scan(&cp.HeadHash, &cp.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func scanDelegationPg(row rowScanner) (delegation.Record, error) {
	var (
		rec             delegation.Record
		scopeJSON       []byte
		chainJSON       []byte
		reason          sql.NullString
		expiresAt       sql.NullTime
		restrictionJSON []byte
		parentID        sql.NullString
		status          string
		revokedAt       sql.NullTime
	)
	err := row.Scan(&rec.DelegationID, &rec.GrantorAgentID, &rec.GranteeAgentID, &scopeJSON, &reason,
		&rec.StartsAt, &expiresAt, &restrictionJSON, &parentID, &chainJSON, &status, &rec.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return delegation.Record{}, ErrNotFound
	}
	if err != nil {
		return delegation.Record{}, err
	}

	if err := json.Unmarshal(scopeJSON, &rec.Scope); err != nil {
		return delegation.Record{}, fmt.Errorf("store: unmarshal scope: %w", err)
	}
	if err := json.Unmarshal(chainJSON, &rec.Chain); err != nil {
		return delegation.Record{}, fmt.Errorf("store: unmarshal chain: %w", err)
	}
	if len(restrictionJSON) > 0 {
		var cr delegation.ContextRestriction
		if err := json.Unmarshal(restrictionJSON, &cr); err != nil {
			return delegation.Record{}, fmt.Errorf("store: unmarshal restriction: %w", err)
		}
		rec.ContextRestriction = &cr
	}
	rec.Reason = reason.String
	rec.ParentDelegationID = parentID.String
	rec.Status = delegation.Status(status)
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		rec.RevokedAt = &t
	}
	return rec, nil
}
