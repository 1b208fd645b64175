package delegation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kwstx/mandate/pkg/audit"
	"github.com/kwstx/mandate/pkg/errkind"
	"github.com/kwstx/mandate/pkg/identity"
	"github.com/kwstx/mandate/pkg/pattern"
)

// Limits bounds delegation grants.
type Limits struct {
	MaxTTL        time.Duration
	MaxChainDepth int
}

// DefaultLimits mirrors the operational defaults: week-long grants,
// chains at most five deep.
func DefaultLimits() Limits {
	return Limits{MaxTTL: 7 * 24 * time.Hour, MaxChainDepth: 5}
}

// CapabilityChecker optionally verifies that a root grantor actually
// holds what it hands out. Nil disables the check.
type CapabilityChecker interface {
	Covers(grantorID, resource, action string) bool
}

// Manager owns all delegation records. Every mutating call and every
// query first runs the expiration sweep under the same exclusive
// section, so scheduled records activate and stale records expire
// before any decision reads them.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	limits  Limits
	caps    CapabilityChecker
	trail   *audit.Trail
	clock   func() time.Time
}

// CreateRequest is the caller-supplied part of a new grant.
type CreateRequest struct {
	GrantorAgentID     string
	GranteeAgentID     string
	Scope              identity.Scope
	Reason             string
	StartsAt           time.Time
	ExpiresAt          time.Time
	ContextRestriction *ContextRestriction
	ParentDelegationID string
}

func NewManager(limits Limits, trail *audit.Trail) *Manager {
	return &Manager{
		records: make(map[string]*Record),
		limits:  limits,
		trail:   trail,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithCapabilityChecker enables grantor capability validation for
// root-level grants.
func (m *Manager) WithCapabilityChecker(c CapabilityChecker) *Manager {
	m.caps = c
	return m
}

// Create validates and registers a grant. Validation failures emit a
// delegation_denied audit event and leave no record behind.
func (m *Manager) Create(req CreateRequest, asOf time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	asOf = m.resolveAsOf(asOf)
	m.sweepLocked(asOf)

	if err := m.validateLocked(req, asOf); err != nil {
		m.emit(audit.Record{
			Domain:    audit.DomainDelegationEvent,
			Type:      audit.TypeDelegationDenied,
			ActorID:   req.GrantorAgentID,
			SubjectID: req.GranteeAgentID,
			Decision:  "deny",
			Details:   map[string]interface{}{"reason": err.Error()},
		})
		return Record{}, err
	}

	rec := &Record{
		DelegationID:       uuid.New().String(),
		GrantorAgentID:     req.GrantorAgentID,
		GranteeAgentID:     req.GranteeAgentID,
		Scope:              req.Scope,
		Reason:             req.Reason,
		StartsAt:           req.StartsAt,
		ExpiresAt:          req.ExpiresAt,
		ContextRestriction: req.ContextRestriction,
		ParentDelegationID: req.ParentDelegationID,
		CreatedAt:          asOf,
	}
	if req.ParentDelegationID != "" {
		parent := m.records[req.ParentDelegationID]
		rec.Chain = append(append([]string(nil), parent.Chain...), rec.DelegationID)
	} else {
		rec.Chain = []string{rec.DelegationID}
	}
	rec.Status = rec.statusAt(asOf)

	m.records[rec.DelegationID] = rec
	m.emit(audit.Record{
		Domain:    audit.DomainDelegationEvent,
		Type:      audit.TypeDelegationCreated,
		ActorID:   rec.GrantorAgentID,
		SubjectID: rec.GranteeAgentID,
		EntityID:  rec.DelegationID,
		Details: map[string]interface{}{
			"resources": rec.Scope.Resources,
			"actions":   rec.Scope.Actions,
			"chain":     rec.Chain,
		},
	})
	return rec.clone(), nil
}

func (m *Manager) validateLocked(req CreateRequest, asOf time.Time) error {
	if req.GrantorAgentID == "" || req.GranteeAgentID == "" {
		return errkind.New(errkind.InvalidArgument, "grantor and grantee are required")
	}
	if len(req.Scope.Resources) == 0 || len(req.Scope.Actions) == 0 {
		return errkind.New(errkind.InvalidArgument, "delegation scope must name at least one resource and one action")
	}
	if req.StartsAt.IsZero() {
		return errkind.New(errkind.InvalidArgument, "delegation startsAt is required")
	}
	if !req.ExpiresAt.IsZero() {
		if !req.ExpiresAt.After(req.StartsAt) {
			return errkind.New(errkind.InvalidArgument, "delegation expiresAt must be after startsAt")
		}
		if m.limits.MaxTTL > 0 && req.ExpiresAt.Sub(asOf) > m.limits.MaxTTL {
			return errkind.New(errkind.LimitExceeded, "delegation TTL exceeds the maximum of %s", m.limits.MaxTTL)
		}
	}

	if req.ParentDelegationID == "" {
		if m.caps != nil {
			for _, res := range req.Scope.Resources {
				for _, act := range req.Scope.Actions {
					if !m.caps.Covers(req.GrantorAgentID, res, act) {
						return errkind.New(errkind.LimitExceeded,
							"grantor %s cannot delegate (%s, %s) beyond its own authority", req.GrantorAgentID, res, act)
					}
				}
			}
		}
		return nil
	}

	parent, ok := m.records[req.ParentDelegationID]
	if !ok {
		return errkind.New(errkind.NotFound, "parent delegation %s not found", req.ParentDelegationID)
	}
	if parent.Status.IsTerminal() {
		return errkind.New(errkind.PreconditionFailed, "parent delegation %s is %s", parent.DelegationID, parent.Status)
	}
	if parent.GranteeAgentID != req.GrantorAgentID {
		return errkind.New(errkind.PreconditionFailed,
			"grantor %s is not the grantee of parent delegation %s", req.GrantorAgentID, parent.DelegationID)
	}
	for _, act := range req.Scope.Actions {
		if !coveredByAny(parent.Scope.Actions, act) {
			return errkind.New(errkind.InvalidArgument, "Child delegation action exceeds parent scope: %s", act)
		}
	}
	for _, res := range req.Scope.Resources {
		if !coveredByAny(parent.Scope.Resources, res) {
			return errkind.New(errkind.InvalidArgument, "Child delegation resource exceeds parent scope: %s", res)
		}
	}
	if !parent.ExpiresAt.IsZero() {
		if req.ExpiresAt.IsZero() || req.ExpiresAt.After(parent.ExpiresAt) {
			return errkind.New(errkind.LimitExceeded, "child delegation must expire no later than its parent")
		}
	}
	if m.limits.MaxChainDepth > 0 && len(parent.Chain)+1 > m.limits.MaxChainDepth {
		return errkind.New(errkind.LimitExceeded, "delegation chain depth exceeds the maximum of %d", m.limits.MaxChainDepth)
	}
	return nil
}

func coveredByAny(outer []string, inner string) bool {
	for _, o := range outer {
		if pattern.Covers(o, inner) {
			return true
		}
	}
	return false
}

// Revoke moves a non-terminal record to revoked. Revoking a terminal
// record is a no-op; the second return reports whether anything
// changed.
func (m *Manager) Revoke(delegationID string, asOf time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	asOf = m.resolveAsOf(asOf)
	m.sweepLocked(asOf)

	rec, ok := m.records[delegationID]
	if !ok {
		return Record{}, false, errkind.New(errkind.NotFound, "delegation %s not found", delegationID)
	}
	if rec.Status.IsTerminal() {
		return rec.clone(), false, nil
	}

	rec.Status = StatusRevoked
	t := asOf
	rec.RevokedAt = &t
	m.emit(audit.Record{
		Domain:    audit.DomainDelegationEvent,
		Type:      audit.TypeDelegationRevoked,
		ActorID:   rec.GrantorAgentID,
		SubjectID: rec.GranteeAgentID,
		EntityID:  rec.DelegationID,
	})
	return rec.clone(), true, nil
}

// Get returns a snapshot of one record, post-sweep.
func (m *Manager) Get(delegationID string, asOf time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked(m.resolveAsOf(asOf))
	rec, ok := m.records[delegationID]
	if !ok {
		return Record{}, errkind.New(errkind.NotFound, "delegation %s not found", delegationID)
	}
	return rec.clone(), nil
}

// Sweep recomputes lifecycle states at asOf. Idempotent for
// non-decreasing asOf.
func (m *Manager) Sweep(asOf time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.resolveAsOf(asOf))
}

func (m *Manager) sweepLocked(asOf time.Time) {
	for _, rec := range m.records {
		if rec.Status.IsTerminal() {
			continue
		}
		rec.Status = rec.statusAt(asOf)
	}
}

// ActivePermissions lists the records granting authority to grantee at
// asOf under the given runtime context. Results are sorted by creation
// time then id for stable downstream composition.
func (m *Manager) ActivePermissions(granteeID string, asOf time.Time, qctx QueryContext) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	asOf = m.resolveAsOf(asOf)
	m.sweepLocked(asOf)

	var out []Record
	for _, rec := range m.records {
		if rec.GranteeAgentID != granteeID || rec.Status != StatusActive {
			continue
		}
		if !rec.ContextRestriction.Satisfies(qctx) {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DelegationID < out[j].DelegationID
	})
	return out
}

// ChainTrace returns the records named by the chain of delegationID,
// in chain order, silently skipping entries that no longer resolve.
func (m *Manager) ChainTrace(delegationID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.clock())

	rec, ok := m.records[delegationID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "delegation %s not found", delegationID)
	}
	out := make([]Record, 0, len(rec.Chain))
	for _, id := range rec.Chain {
		if r, ok := m.records[id]; ok {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

func (m *Manager) resolveAsOf(asOf time.Time) time.Time {
	if asOf.IsZero() {
		return m.clock()
	}
	return asOf
}

func (m *Manager) emit(rec audit.Record) {
	if m.trail == nil {
		return
	}
	// Append only fails on serialization of the details map, which all
	// call sites build from plain JSON-safe values.
	_, _ = m.trail.Append(rec)
}
