package audit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kwstx/mandate/pkg/canonicalize"
)

// Trail is the append-only, hash-chained event log. It exclusively owns
// its event vector; reads hand out copies.
type Trail struct {
	mu       sync.RWMutex
	events   []Event
	headHash string
	clock    func() time.Time
}

// NewTrail creates an empty trail.
func NewTrail() *Trail {
	return &Trail{
		events:   make([]Event, 0),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Append records an event at the tail of the chain and returns it.
// The hash is computed over the canonical serialization of the event
// payload (all fields except the hash itself) before the append becomes
// visible.
func (t *Trail) Append(rec Record) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Event{
		EventID:        uuid.New().String(),
		Sequence:       uint64(len(t.events)) + 1,
		Timestamp:      t.clock().UTC(),
		TraceID:        rec.TraceID,
		Domain:         rec.Domain,
		Type:           rec.Type,
		ActorID:        rec.ActorID,
		SubjectID:      rec.SubjectID,
		EntityID:       rec.EntityID,
		Decision:       rec.Decision,
		ComplianceTags: rec.ComplianceTags,
		Details:        rec.Details,
		PreviousHash:   t.headHash,
	}

	hash, err := hashFor(e)
	if err != nil {
		return Event{}, fmt.Errorf("audit: hash of event %d failed: %w", e.Sequence, err)
	}
	e.Hash = hash

	t.events = append(t.events, e)
	t.headHash = hash
	return e, nil
}

// Len returns the number of recorded events.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}

// Head returns the current chain head hash.
func (t *Trail) Head() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.headHash
}

// Events returns a copy of all events in insertion order.
func (t *Trail) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// EventsForTrace returns all events carrying the given trace id.
func (t *Trail) EventsForTrace(traceID string) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Event
	for _, e := range t.events {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out
}

// IntegrityResult is the outcome of a chain verification walk.
type IntegrityResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// VerifyIntegrity walks the chain front to back and stops at the first
// break: a sequence gap, a linkage mismatch, or a recomputed hash that
// no longer matches the recorded one.
func (t *Trail) VerifyIntegrity() IntegrityResult {
	t.mu.RLock()
	events := make([]Event, len(t.events))
	copy(events, t.events)
	t.mu.RUnlock()

	prevHash := GenesisHash
	for i, e := range events {
		if e.Sequence != uint64(i)+1 {
			return IntegrityResult{Valid: false, Reason: fmt.Sprintf("Sequence gap at position %d: expected %d, got %d", i, i+1, e.Sequence)}
		}
		if e.PreviousHash != prevHash {
			return IntegrityResult{Valid: false, Reason: fmt.Sprintf("Chain linkage broken at sequence %d", e.Sequence)}
		}
		computed, err := hashFor(e)
		if err != nil || computed != e.Hash {
			return IntegrityResult{Valid: false, Reason: fmt.Sprintf("Hash verification failed at sequence %d", e.Sequence)}
		}
		prevHash = e.Hash
	}
	return IntegrityResult{Valid: true}
}

func hashFor(e Event) (string, error) {
	return canonicalize.CanonicalHash(payloadOf(e))
}

// mutateForTest allows tests to corrupt an event in place. Not exported
// outside the package's test surface.
func (t *Trail) mutateForTest(index int, fn func(*Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.events[index])
}

// DecisionChain is a trace's events partitioned by domain, including
// delegation events referenced by the trace's authority checks.
type DecisionChain struct {
	TraceID         string  `json:"trace_id"`
	AuthorityChecks []Event `json:"authority_checks"`
	Delegations     []Event `json:"delegations"`
	ApprovalPaths   []Event `json:"approval_paths"`
	Enforcements    []Event `json:"enforcements"`
	Other           []Event `json:"other,omitempty"`
}

// ReconstructDecisionChain gathers every event for traceID, plus
// delegation events whose entity id appears among the trace's
// authority-check sources tagged `delegation:<id>`.
func (t *Trail) ReconstructDecisionChain(traceID string) DecisionChain {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chain := DecisionChain{TraceID: traceID}

	referenced := make(map[string]bool)
	for _, e := range t.events {
		if e.TraceID != traceID {
			continue
		}
		if e.Domain == DomainAuthorityCheck {
			for _, src := range sourcesOf(e) {
				if id, ok := strings.CutPrefix(src, "delegation:"); ok {
					referenced[id] = true
				}
			}
		}
	}

	for _, e := range t.events {
		inTrace := e.TraceID == traceID
		linkedDelegation := e.Domain == DomainDelegationEvent && referenced[e.EntityID]
		if !inTrace && !linkedDelegation {
			continue
		}
		switch e.Domain {
		case DomainAuthorityCheck:
			chain.AuthorityChecks = append(chain.AuthorityChecks, e)
		case DomainDelegationEvent:
			chain.Delegations = append(chain.Delegations, e)
		case DomainApprovalPath:
			chain.ApprovalPaths = append(chain.ApprovalPaths, e)
		case DomainEnforcementDecision:
			chain.Enforcements = append(chain.Enforcements, e)
		default:
			chain.Other = append(chain.Other, e)
		}
	}
	return chain
}

func sourcesOf(e Event) []string {
	raw, ok := e.Details["sources"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
