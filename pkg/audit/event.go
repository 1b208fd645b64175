// Package audit implements the tamper-evident trail behind every
// authority decision: a hash-chained, append-only event log, trace
// reconstruction, and compliance validation over reconstructed chains.
package audit

import (
	"time"
)

// Domain partitions events by the subsystem that emitted them.
type Domain string

const (
	DomainAuthorityCheck      Domain = "authority_check"
	DomainDelegationEvent     Domain = "delegation_event"
	DomainApprovalPath        Domain = "approval_path"
	DomainEnforcementDecision Domain = "enforcement_decision"
	DomainAdaptation          Domain = "adaptation"
)

// Well-known event types.
const (
	TypeAuthorityCheckResult = "authority_check_result"
	TypeDelegationCreated    = "delegation_created"
	TypeDelegationRevoked    = "delegation_revoked"
	TypeDelegationDenied     = "delegation_denied"
	TypeRouteCreated         = "route_created"
	TypeStepApproved         = "step_approved"
	TypeStepRejected         = "step_rejected"
	TypeStepUnlocked         = "step_unlocked"
	TypeRouteApproved        = "route_approved"
	TypeRouteRejected        = "route_rejected"
	TypeTokenVerification    = "token_verification"
	TypeEnforcementResult    = "enforcement_result"
	TypeAdaptationApplied    = "adaptation_applied"
	TypeAdaptationReverted   = "adaptation_reverted"
	TypeAdaptationExpired    = "adaptation_expired"
)

// GenesisHash seeds the chain before the first event.
const GenesisHash = "GENESIS"

// Event is a single immutable record in the trail. Hash covers the
// canonical serialization of every field except Hash itself.
type Event struct {
	EventID        string                 `json:"event_id"`
	Sequence       uint64                 `json:"sequence"`
	Timestamp      time.Time              `json:"timestamp"`
	TraceID        string                 `json:"trace_id,omitempty"`
	Domain         Domain                 `json:"domain"`
	Type           string                 `json:"type"`
	ActorID        string                 `json:"actor_id,omitempty"`
	SubjectID      string                 `json:"subject_id,omitempty"`
	EntityID       string                 `json:"entity_id,omitempty"`
	Decision       string                 `json:"decision,omitempty"`
	ComplianceTags []string               `json:"compliance_tags,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	PreviousHash   string                 `json:"previous_hash"`
	Hash           string                 `json:"hash"`
}

// hashPayload is the portion of an event covered by its hash.
type hashPayload struct {
	EventID        string                 `json:"event_id"`
	Sequence       uint64                 `json:"sequence"`
	Timestamp      time.Time              `json:"timestamp"`
	TraceID        string                 `json:"trace_id,omitempty"`
	Domain         Domain                 `json:"domain"`
	Type           string                 `json:"type"`
	ActorID        string                 `json:"actor_id,omitempty"`
	SubjectID      string                 `json:"subject_id,omitempty"`
	EntityID       string                 `json:"entity_id,omitempty"`
	Decision       string                 `json:"decision,omitempty"`
	ComplianceTags []string               `json:"compliance_tags,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	PreviousHash   string                 `json:"previous_hash"`
}

func payloadOf(e Event) hashPayload {
	return hashPayload{
		EventID:        e.EventID,
		Sequence:       e.Sequence,
		Timestamp:      e.Timestamp,
		TraceID:        e.TraceID,
		Domain:         e.Domain,
		Type:           e.Type,
		ActorID:        e.ActorID,
		SubjectID:      e.SubjectID,
		EntityID:       e.EntityID,
		Decision:       e.Decision,
		ComplianceTags: e.ComplianceTags,
		Details:        e.Details,
		PreviousHash:   e.PreviousHash,
	}
}

// Record is the caller-supplied part of an event; the trail assigns
// id, sequence, timestamp and chain hashes on append.
type Record struct {
	TraceID        string
	Domain         Domain
	Type           string
	ActorID        string
	SubjectID      string
	EntityID       string
	Decision       string
	ComplianceTags []string
	Details        map[string]interface{}
}
