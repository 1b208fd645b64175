// Package adaptation layers time-bounded policy overlays on top of a
// base authority graph: project assignments, emergency overrides,
// compliance flags and regulatory jurisdictions. Each application is a
// reversible session whose expiry is deterministic from the overlays
// that produced it.
package adaptation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kwstx/mandate/pkg/audit"
	"github.com/kwstx/mandate/pkg/authority"
	"github.com/kwstx/mandate/pkg/errkind"
)

// Status is the lifecycle state of an adaptation session.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusReverted Status = "reverted"
)

// ProjectAssignment carries the overlay policies of one project.
type ProjectAssignment struct {
	ProjectID string
	Policies  []authority.Policy
}

// EmergencyOverride escalates oversight fleet-wide. With no explicit
// policies, everything becomes approval-gated for the override window.
type EmergencyOverride struct {
	Policies  []authority.Policy
	ExpiresAt time.Time
}

// ComplianceFlag carries the overlay policies of one compliance regime.
type ComplianceFlag struct {
	Flag     string
	Policies []authority.Policy
}

// Jurisdiction carries the overlay policies of one legal jurisdiction.
type Jurisdiction struct {
	Code     string
	Policies []authority.Policy
}

// Signal is the context change driving an adaptation.
type Signal struct {
	Projects        []ProjectAssignment
	Emergency       *EmergencyOverride
	ComplianceFlags []ComplianceFlag
	Jurisdictions   []Jurisdiction
}

// DeltaEntry records one (resource, action) key whose decision changed
// between the base and adapted graphs.
type DeltaEntry struct {
	Resource string             `json:"resource"`
	Action   string             `json:"action"`
	Base     authority.Decision `json:"base"`
	Adapted  authority.Decision `json:"adapted"`
}

// Session is one reversible overlay application.
type Session struct {
	AdaptationID    string             `json:"adaptation_id"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	Status          Status             `json:"status"`
	RevertedAt      *time.Time         `json:"reverted_at,omitempty"`
	BaseGraph       authority.Graph    `json:"base_graph"`
	AdaptedGraph    authority.Graph    `json:"adapted_graph"`
	AppliedPolicies []authority.Policy `json:"applied_policies,omitempty"`
	DecisionDelta   []DeltaEntry       `json:"decision_delta,omitempty"`
}

// Adapter builds and tracks adaptation sessions. Sessions are indexed
// by id; every public call starts with an expiry sweep.
type Adapter struct {
	mu         sync.Mutex
	builder    *authority.Builder
	sessions   map[string]*Session
	defaultTTL time.Duration
	trail      *audit.Trail
	clock      func() time.Time
}

func NewAdapter(builder *authority.Builder, trail *audit.Trail) *Adapter {
	return &Adapter{
		builder:    builder,
		sessions:   make(map[string]*Session),
		defaultTTL: time.Hour,
		trail:      trail,
		clock:      time.Now,
	}
}

// WithDefaultTTL overrides the overlay default time-to-live.
func (a *Adapter) WithDefaultTTL(ttl time.Duration) *Adapter {
	a.defaultTTL = ttl
	return a
}

// WithClock overrides the clock for deterministic testing.
func (a *Adapter) WithClock(clock func() time.Time) *Adapter {
	a.clock = clock
	return a
}

// overlay is one materialized trigger contribution.
type overlay struct {
	policies  []authority.Policy
	expiresAt time.Time
}

// Adapt builds the base graph for in, materializes the signal's
// overlays, and, when any apply, rebuilds with the overlay policies
// appended. The session's expiry is the minimum overlay expiry.
func (a *Adapter) Adapt(in authority.Input, signal Signal) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	asOf := a.resolveAsOf(in.AsOf)
	in.AsOf = asOf
	a.sweepLocked(asOf)

	base, err := a.builder.Build(in)
	if err != nil {
		return Session{}, err
	}

	overlays := a.collect(signal, asOf)

	session := &Session{
		AdaptationID: uuid.New().String(),
		CreatedAt:    asOf,
		Status:       StatusActive,
		BaseGraph:    base,
		AdaptedGraph: base,
		ExpiresAt:    asOf.Add(a.defaultTTL),
	}

	if len(overlays) > 0 {
		expiry := overlays[0].expiresAt
		for _, o := range overlays {
			if o.expiresAt.Before(expiry) {
				expiry = o.expiresAt
			}
			session.AppliedPolicies = append(session.AppliedPolicies, o.policies...)
		}
		session.ExpiresAt = expiry

		adaptedInput := in
		adaptedInput.OrgPolicies = append(append([]authority.Policy(nil), in.OrgPolicies...), session.AppliedPolicies...)
		adapted, err := a.builder.Build(adaptedInput)
		if err != nil {
			return Session{}, err
		}
		session.AdaptedGraph = adapted
		session.DecisionDelta = diff(base, adapted)
	}

	a.sessions[session.AdaptationID] = session
	a.emit(audit.Record{
		Domain:    audit.DomainAdaptation,
		Type:      audit.TypeAdaptationApplied,
		SubjectID: in.Identity.AgentID,
		EntityID:  session.AdaptationID,
		Details: map[string]interface{}{
			"overlay_count": len(session.AppliedPolicies),
			"delta_count":   len(session.DecisionDelta),
		},
	})
	return *session, nil
}

// collect materializes overlays with their deterministic source tags.
func (a *Adapter) collect(signal Signal, asOf time.Time) []overlay {
	var overlays []overlay
	defaultExpiry := asOf.Add(a.defaultTTL)

	tag := func(policies []authority.Policy, source string) []authority.Policy {
		out := make([]authority.Policy, len(policies))
		for i, p := range policies {
			p.Source = authority.SourceContextPrefix + source
			out[i] = p
		}
		return out
	}

	for _, proj := range signal.Projects {
		if len(proj.Policies) == 0 {
			continue
		}
		overlays = append(overlays, overlay{
			policies:  tag(proj.Policies, "project:"+proj.ProjectID),
			expiresAt: defaultExpiry,
		})
	}
	if signal.Emergency != nil {
		policies := signal.Emergency.Policies
		if len(policies) == 0 {
			policies = []authority.Policy{{
				Resource: "*",
				Actions:  []string{"*"},
				Effect:   authority.EffectRequireApproval,
				Reason:   "emergency override in effect",
			}}
		}
		expiry := signal.Emergency.ExpiresAt
		if expiry.IsZero() {
			expiry = defaultExpiry
		}
		overlays = append(overlays, overlay{
			policies:  tag(policies, "emergency_override"),
			expiresAt: expiry,
		})
	}
	for _, flag := range signal.ComplianceFlags {
		if len(flag.Policies) == 0 {
			continue
		}
		overlays = append(overlays, overlay{
			policies:  tag(flag.Policies, "compliance:"+flag.Flag),
			expiresAt: defaultExpiry,
		})
	}
	for _, jur := range signal.Jurisdictions {
		if len(jur.Policies) == 0 {
			continue
		}
		overlays = append(overlays, overlay{
			policies:  tag(jur.Policies, "jurisdiction:"+jur.Code),
			expiresAt: defaultExpiry,
		})
	}
	return overlays
}

// diff returns the sorted set of keys whose decision differs between
// the two graphs. Keys absent from a graph decide to its default.
func diff(base, adapted authority.Graph) []DeltaEntry {
	type key struct{ resource, action string }
	keys := make(map[key]bool)
	for _, r := range base.Rules() {
		keys[key{r.Resource, r.Action}] = true
	}
	for _, r := range adapted.Rules() {
		keys[key{r.Resource, r.Action}] = true
	}

	var delta []DeltaEntry
	for k := range keys {
		b := base.Decide(k.resource, k.action)
		ad := adapted.Decide(k.resource, k.action)
		if b != ad {
			delta = append(delta, DeltaEntry{Resource: k.resource, Action: k.action, Base: b, Adapted: ad})
		}
	}
	sort.Slice(delta, func(i, j int) bool {
		if delta[i].Resource != delta[j].Resource {
			return delta[i].Resource < delta[j].Resource
		}
		return delta[i].Action < delta[j].Action
	})
	return delta
}

// Get returns a session snapshot, post-sweep.
func (a *Adapter) Get(adaptationID string, asOf time.Time) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sweepLocked(a.resolveAsOf(asOf))
	s, ok := a.sessions[adaptationID]
	if !ok {
		return Session{}, errkind.New(errkind.NotFound, "adaptation session %s not found", adaptationID)
	}
	return *s, nil
}

// Revert restores the base graph of an active session.
func (a *Adapter) Revert(adaptationID string, asOf time.Time) (authority.Graph, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	asOf = a.resolveAsOf(asOf)
	a.sweepLocked(asOf)

	s, ok := a.sessions[adaptationID]
	if !ok {
		return authority.Graph{}, errkind.New(errkind.NotFound, "adaptation session %s not found", adaptationID)
	}
	if s.Status != StatusActive {
		return authority.Graph{}, errkind.New(errkind.PreconditionFailed, "adaptation session %s is %s", adaptationID, s.Status)
	}

	s.Status = StatusReverted
	t := asOf
	s.RevertedAt = &t
	a.emit(audit.Record{
		Domain:   audit.DomainAdaptation,
		Type:     audit.TypeAdaptationReverted,
		EntityID: s.AdaptationID,
	})
	return s.BaseGraph, nil
}

// CleanupExpired sweeps sessions at asOf and returns how many expired
// in this pass.
func (a *Adapter) CleanupExpired(asOf time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked(a.resolveAsOf(asOf))
}

func (a *Adapter) sweepLocked(asOf time.Time) int {
	expired := 0
	for _, s := range a.sessions {
		if s.Status != StatusActive {
			continue
		}
		if asOf.After(s.ExpiresAt) {
			s.Status = StatusExpired
			expired++
			a.emit(audit.Record{
				Domain:   audit.DomainAdaptation,
				Type:     audit.TypeAdaptationExpired,
				EntityID: s.AdaptationID,
			})
		}
	}
	return expired
}

func (a *Adapter) resolveAsOf(asOf time.Time) time.Time {
	if asOf.IsZero() {
		return a.clock()
	}
	return asOf
}

func (a *Adapter) emit(rec audit.Record) {
	if a.trail == nil {
		return
	}
	_, _ = a.trail.Append(rec)
}
