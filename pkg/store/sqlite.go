package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kwstx/mandate/pkg/delegation"
)

// SQLiteStore implements DelegationStore and CheckpointStore on a
// single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS delegations (
		delegation_id TEXT PRIMARY KEY,
		grantor_agent_id TEXT NOT NULL,
		grantee_agent_id TEXT NOT NULL,
		scope JSON NOT NULL,
		reason TEXT,
		starts_at DATETIME NOT NULL,
		expires_at DATETIME,
		context_restriction JSON,
		parent_delegation_id TEXT,
		chain JSON NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		revoked_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_delegations_grantee ON delegations (grantee_agent_id);
	CREATE TABLE IF NOT EXISTS audit_checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		head_hash TEXT NOT NULL,
		sequence INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, rec delegation.Record) error {
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
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(delegation_id) DO UPDATE SET
		status = excluded.status,
		revoked_at = excluded.revoked_at`

	_, err = s.db.ExecContext(ctx, query,
		rec.DelegationID, rec.GrantorAgentID, rec.GranteeAgentID, string(scopeJSON), rec.Reason,
		rec.StartsAt.UTC().Format(time.RFC3339Nano), nullableTime(rec.ExpiresAt), nullableBytes(restrictionJSON),
		nullableString(rec.ParentDelegationID), string(chainJSON), string(rec.Status),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTimePtr(rec.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert delegation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, delegationID string) (delegation.Record, error) {
	row := s.db.QueryRowContext(ctx, selectDelegation+" WHERE delegation_id = ?", delegationID)
	return scanDelegation(row)
}

func (s *SQLiteStore) ListByGrantee(ctx context.Context, granteeID string) ([]delegation.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectDelegation+" WHERE grantee_agent_id = ? ORDER BY created_at, delegation_id", granteeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []delegation.Record
	for rows.Next() {
		rec, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	query := `INSERT INTO audit_checkpoint (id, head_hash, sequence) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET head_hash = excluded.head_hash, sequence = excluded.sequence`
	_, err := s.db.ExecContext(ctx, query, cp.HeadHash, cp.Sequence)
	return err
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
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

const selectDelegation = `SELECT delegation_id, grantor_agent_id, grantee_agent_id, scope, reason,
	starts_at, expires_at, context_restriction, parent_delegation_id, chain, status, created_at, revoked_at
	FROM delegations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelegation(row rowScanner) (delegation.Record, error) {
	var (
		rec             delegation.Record
		scopeJSON       string
		chainJSON       string
		reason          sql.NullString
		startsAt        string
		expiresAt       sql.NullString
		restrictionJSON sql.NullString
		parentID        sql.NullString
		status          string
		createdAt       string
		revokedAt       sql.NullString
	)
	err := row.Scan(&rec.DelegationID, &rec.GrantorAgentID, &rec.GranteeAgentID, &scopeJSON, &reason,
		&startsAt, &expiresAt, &restrictionJSON, &parentID, &chainJSON, &status, &createdAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return delegation.Record{}, ErrNotFound
	}
	if err != nil {
		return delegation.Record{}, err
	}

	if err := json.Unmarshal([]byte(scopeJSON), &rec.Scope); err != nil {
		return delegation.Record{}, fmt.Errorf("store: unmarshal scope: %w", err)
	}
	if err := json.Unmarshal([]byte(chainJSON), &rec.Chain); err != nil {
		return delegation.Record{}, fmt.Errorf("store: unmarshal chain: %w", err)
	}
	if restrictionJSON.Valid && restrictionJSON.String != "" {
		var cr delegation.ContextRestriction
		if err := json.Unmarshal([]byte(restrictionJSON.String), &cr); err != nil {
			return delegation.Record{}, fmt.Errorf("store: unmarshal restriction: %w", err)
		}
		rec.ContextRestriction = &cr
	}
	rec.Reason = reason.String
	rec.ParentDelegationID = parentID.String
	rec.Status = delegation.Status(status)

	if rec.StartsAt, err = parseTime(startsAt); err != nil {
		return delegation.Record{}, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return delegation.Record{}, err
	}
	if expiresAt.Valid && expiresAt.String != "" {
		if rec.ExpiresAt, err = parseTime(expiresAt.String); err != nil {
			return delegation.Record{}, err
		}
	}
	if revokedAt.Valid && revokedAt.String != "" {
		t, err := parseTime(revokedAt.String)
		if err != nil {
			return delegation.Record{}, err
		}
		rec.RevokedAt = &t
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
