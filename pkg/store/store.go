// Package store provides persistence adapters for the governance
// core's durable state: delegation records keyed by id and audit chain
// checkpoints. The core depends only on these interfaces; SQLite and
// Postgres implementations ship alongside for single-node and shared
// deployments.
package store

import (
	"context"
	"errors"

	"github.com/kwstx/mandate/pkg/delegation"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: record not found")

// DelegationStore persists delegation records keyed by delegation id.
type DelegationStore interface {
	Save(ctx context.Context, rec delegation.Record) error
	Get(ctx context.Context, delegationID string) (delegation.Record, error)
	ListByGrantee(ctx context.Context, granteeID string) ([]delegation.Record, error)
}

// Checkpoint pins the audit chain's head so restarts can detect
// truncation or divergence.
type Checkpoint struct {
	HeadHash string `json:"head_hash"`
	Sequence uint64 `json:"sequence"`
}

// CheckpointStore persists the audit chain head.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context) (Checkpoint, error)
}
