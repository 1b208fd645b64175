// Package authority composes identity scope, role scopes, organization
// policies and active delegations into a canonical per-agent decision
// graph: which (resource, action) pairs an agent can execute, which
// require approval, and which are prohibited. Every rule carries its
// provenance as source tags; downstream reasoning is a filter over
// those tags.
package authority

import (
	"sort"
	"strings"
	"time"

	"github.com/kwstx/mandate/pkg/identity"
	"github.com/kwstx/mandate/pkg/orggraph"
	"github.com/kwstx/mandate/pkg/pattern"
)

// Effect is the declared effect of a policy.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Decision is the resolved outcome for a (resource, action) key.
type Decision string

const (
	DecisionCanExecute       Decision = "can_execute"
	DecisionRequiresApproval Decision = "requires_approval"
	DecisionProhibited       Decision = "prohibited"
)

// Source tag prefixes. A tag identifies which identity scope, role,
// policy, delegation or context trigger contributed a rule.
const (
	SourceIdentityScope    = "identity:scope"
	SourceRolePrefix       = "role:"
	SourcePolicyPrefix     = "policy:"
	SourceDelegationPrefix = "delegation:"
	SourceContextPrefix    = "context:"
)

// Condition gates a policy on the identity's claim set. Empty
// dimensions are unrestricted. Expression, when present, is a CEL
// expression over the build input; evaluation failures are fail-closed.
type Condition struct {
	Environments     []identity.Environment `json:"environments,omitempty" yaml:"environments,omitempty"`
	Regions          []string               `json:"regions,omitempty" yaml:"regions,omitempty"`
	RoleIDsAny       []string               `json:"role_ids_any,omitempty" yaml:"role_ids_any,omitempty"`
	DepartmentIDsAny []string               `json:"department_ids_any,omitempty" yaml:"department_ids_any,omitempty"`
	Expression       string                 `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Policy is one organizational authority statement.
type Policy struct {
	Resource    string            `json:"resource" yaml:"resource"`
	Actions     []string          `json:"actions" yaml:"actions"`
	Effect      Effect            `json:"effect" yaml:"effect"`
	Reason      string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Condition   *Condition        `json:"condition,omitempty" yaml:"condition,omitempty"`
	NotBefore   *time.Time        `json:"not_before,omitempty" yaml:"not_before,omitempty"`
	NotAfter    *time.Time        `json:"not_after,omitempty" yaml:"not_after,omitempty"`
	// Source overrides the default policy:<idx> tag. Context overlays
	// set it to context:<trigger>.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Rule is a resolved decision for one (resource, action) key.
type Rule struct {
	Resource    string            `json:"resource"`
	Action      string            `json:"action"`
	Decision    Decision          `json:"decision"`
	Reasons     []string          `json:"reasons,omitempty"`
	Sources     []string          `json:"sources"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// Key returns the rule's (resource, action) identity.
func (r Rule) Key() string { return r.Resource + "\x00" + r.Action }

// IsDelegated reports whether any contributing source is a delegation.
func (r Rule) IsDelegated() bool {
	for _, s := range r.Sources {
		if strings.HasPrefix(s, SourceDelegationPrefix) {
			return true
		}
	}
	return false
}

// BuildContext records the context a graph was built for, so action
// validation can compare environments deterministically.
type BuildContext struct {
	Environment identity.Environment `json:"environment"`
	Region      string               `json:"region,omitempty"`
}

// Graph is the canonical per-agent authority view. Produced by value;
// callers own their copy.
type Graph struct {
	AgentID          string          `json:"agent_id"`
	OwnerID          string          `json:"owner_id"`
	OrgID            string          `json:"org_id"`
	GeneratedAt      time.Time       `json:"generated_at"`
	Context          BuildContext    `json:"context"`
	CanExecute       []Rule          `json:"can_execute"`
	RequiresApproval []Rule          `json:"requires_approval"`
	Prohibited       []Rule          `json:"prohibited"`
	DefaultDecision  Decision        `json:"default_decision"`
	Nodes            []orggraph.Node `json:"nodes"`
	Edges            []orggraph.Edge `json:"edges"`
}

// Rules returns all resolved rules across the three decision sets.
func (g Graph) Rules() []Rule {
	out := make([]Rule, 0, len(g.CanExecute)+len(g.RequiresApproval)+len(g.Prohibited))
	out = append(out, g.CanExecute...)
	out = append(out, g.RequiresApproval...)
	out = append(out, g.Prohibited...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Lookup locates the applicable rule for a concrete (resource, action)
// pair: exact key match first across all sets, then pattern match in
// can_execute, requires_approval, prohibited order. The second result
// is false when no rule applies, in which case the graph's default
// decision (prohibited) governs.
func (g Graph) Lookup(resource, action string) (Rule, bool) {
	for _, set := range [][]Rule{g.CanExecute, g.RequiresApproval, g.Prohibited} {
		for _, r := range set {
			if r.Resource == resource && r.Action == action {
				return r, true
			}
		}
	}
	for _, set := range [][]Rule{g.CanExecute, g.RequiresApproval, g.Prohibited} {
		for _, r := range set {
			if pattern.Match(r.Resource, resource) && pattern.Match(r.Action, action) {
				return r, true
			}
		}
	}
	return Rule{}, false
}

// Decide resolves the decision for a concrete (resource, action) pair,
// falling back to the default decision when no rule applies.
func (g Graph) Decide(resource, action string) Decision {
	if r, ok := g.Lookup(resource, action); ok {
		return r.Decision
	}
	return g.DefaultDecision
}
