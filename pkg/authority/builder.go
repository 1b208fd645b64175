package authority

import (
	"fmt"
	"sort"
	"time"

	"github.com/kwstx/mandate/pkg/identity"
	"github.com/kwstx/mandate/pkg/orggraph"
	"github.com/kwstx/mandate/pkg/pattern"
)

// RoleScope is a role id with the scope it grants.
type RoleScope struct {
	ID    string         `json:"id"`
	Scope identity.Scope `json:"scope"`
}

// DelegationGrant is an active delegation's contribution to a build.
// The delegation subsystem owns the records; the builder only sees the
// granted scope.
type DelegationGrant struct {
	ID          string            `json:"id"`
	GrantorID   string            `json:"grantor_id,omitempty"`
	Scope       identity.Scope    `json:"scope"`
	Reason      string            `json:"reason,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// Input is everything a build consumes. All temporal decisions use
// AsOf; the builder never reads the wall clock.
type Input struct {
	Identity    identity.Payload
	Roles       []RoleScope
	Departments []string
	OrgPolicies []Policy
	Delegations []DelegationGrant
	AsOf        time.Time
}

// Builder composes authority graphs. Safe for concurrent use; the only
// mutable state is the condition evaluator's program cache.
type Builder struct {
	conditions *ConditionEvaluator
}

func NewBuilder() (*Builder, error) {
	evaluator, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	return &Builder{conditions: evaluator}, nil
}

// candidate is one un-resolved rule contribution.
type candidate struct {
	resource    string
	action      string
	effect      Effect
	reason      string
	source      string
	constraints map[string]string
}

// Build runs the five composition steps: seed from the identity scope,
// expand with role scopes, append satisfied org policies, append
// delegation grants, then normalize and resolve by precedence
// (deny > require_approval > allow). Outputs are sorted by
// (resource, action); merging is commutative on sources and reasons.
func (b *Builder) Build(in Input) (Graph, error) {
	var candidates []candidate

	appendScope := func(scope identity.Scope, effect Effect, reason, source string) {
		for _, res := range scope.Resources {
			for _, act := range scope.Actions {
				candidates = append(candidates, candidate{
					resource:    res,
					action:      act,
					effect:      effect,
					reason:      reason,
					source:      source,
					constraints: scope.Constraints,
				})
			}
		}
	}

	// 1. Seed from the identity's declared scope.
	appendScope(in.Identity.Scope, EffectAllow, "declared identity scope", SourceIdentityScope)

	// 2. Expand with role-derived scopes.
	for _, role := range in.Roles {
		appendScope(role.Scope, EffectAllow, "granted by role "+role.ID, SourceRolePrefix+role.ID)
	}

	// 3. Append org policies whose conditions the identity satisfies.
	for idx, pol := range in.OrgPolicies {
		satisfied, err := b.policyApplies(pol, in)
		if err != nil {
			return Graph{}, err
		}
		if !satisfied {
			continue
		}
		source := pol.Source
		if source == "" {
			source = fmt.Sprintf("%s%d", SourcePolicyPrefix, idx)
		}
		for _, act := range pol.Actions {
			candidates = append(candidates, candidate{
				resource:    pol.Resource,
				action:      act,
				effect:      pol.Effect,
				reason:      pol.Reason,
				source:      source,
				constraints: pol.Constraints,
			})
		}
	}

	// 4. Append active delegation grants.
	for _, grant := range in.Delegations {
		reason := grant.Reason
		if reason == "" {
			reason = "delegated authority"
		}
		constraints := grant.Constraints
		if constraints == nil {
			constraints = grant.Scope.Constraints
		}
		for _, res := range grant.Scope.Resources {
			for _, act := range grant.Scope.Actions {
				candidates = append(candidates, candidate{
					resource:    res,
					action:      act,
					effect:      EffectAllow,
					reason:      reason,
					source:      SourceDelegationPrefix + grant.ID,
					constraints: constraints,
				})
			}
		}
	}

	graph := Graph{
		AgentID:     in.Identity.AgentID,
		OwnerID:     in.Identity.OwnerID,
		OrgID:       in.Identity.OrgID,
		GeneratedAt: in.AsOf,
		Context: BuildContext{
			Environment: in.Identity.Context.Environment,
			Region:      in.Identity.Context.Region,
		},
		DefaultDecision: DecisionProhibited,
	}

	// 5. Normalize and resolve per (resource, action) key.
	for _, rule := range resolve(candidates) {
		switch rule.Decision {
		case DecisionCanExecute:
			graph.CanExecute = append(graph.CanExecute, rule)
		case DecisionRequiresApproval:
			graph.RequiresApproval = append(graph.RequiresApproval, rule)
		case DecisionProhibited:
			graph.Prohibited = append(graph.Prohibited, rule)
		}
	}

	// 6. Materialize the referenced subgraph.
	graph.Nodes, graph.Edges = materialize(in)
	return graph, nil
}

// policyApplies evaluates a policy's time window and condition against
// the identity's claim set.
func (b *Builder) policyApplies(pol Policy, in Input) (bool, error) {
	if pol.NotBefore != nil && in.AsOf.Before(*pol.NotBefore) {
		return false, nil
	}
	if pol.NotAfter != nil && in.AsOf.After(*pol.NotAfter) {
		return false, nil
	}
	cond := pol.Condition
	if cond == nil {
		return true, nil
	}
	if len(cond.Environments) > 0 && !containsEnv(cond.Environments, in.Identity.Context.Environment) {
		return false, nil
	}
	if len(cond.Regions) > 0 && !pattern.MatchAny(cond.Regions, in.Identity.Context.Region) {
		return false, nil
	}
	if len(cond.RoleIDsAny) > 0 {
		roleIDs := make([]string, 0, len(in.Roles))
		for _, r := range in.Roles {
			roleIDs = append(roleIDs, r.ID)
		}
		if !containsAny(roleIDs, cond.RoleIDsAny) {
			return false, nil
		}
	}
	if len(cond.DepartmentIDsAny) > 0 && !containsAny(in.Departments, cond.DepartmentIDsAny) {
		return false, nil
	}
	if cond.Expression != "" {
		ok, err := b.conditions.Evaluate(cond.Expression, in)
		if err != nil {
			// Fail closed: a broken expression never satisfies.
			return false, nil
		}
		return ok, nil
	}
	return true, nil
}

// resolve groups candidates by key and applies effect precedence. A
// candidate contributes to every key its patterns match, so a narrow
// deny shadows a broad allow on the narrow key while leaving the broad
// key intact.
func resolve(candidates []candidate) []Rule {
	type keyT struct{ resource, action string }
	keys := make(map[keyT]bool)
	for _, c := range candidates {
		keys[keyT{c.resource, c.action}] = true
	}

	rules := make([]Rule, 0, len(keys))
	for key := range keys {
		var (
			denies, approvals, allows []candidate
		)
		for _, c := range candidates {
			if !pattern.Match(c.resource, key.resource) || !pattern.Match(c.action, key.action) {
				continue
			}
			switch c.effect {
			case EffectDeny:
				denies = append(denies, c)
			case EffectRequireApproval:
				approvals = append(approvals, c)
			case EffectAllow:
				allows = append(allows, c)
			}
		}

		contributors := append(append(append([]candidate{}, denies...), approvals...), allows...)
		decision := DecisionCanExecute
		switch {
		case len(denies) > 0:
			decision = DecisionProhibited
		case len(approvals) > 0:
			decision = DecisionRequiresApproval
		}

		rule := Rule{
			Resource: key.resource,
			Action:   key.action,
			Decision: decision,
		}
		seenReason := make(map[string]bool)
		seenSource := make(map[string]bool)
		for _, c := range contributors {
			if c.reason != "" && !seenReason[c.reason] {
				seenReason[c.reason] = true
				rule.Reasons = append(rule.Reasons, c.reason)
			}
			if !seenSource[c.source] {
				seenSource[c.source] = true
				rule.Sources = append(rule.Sources, c.source)
			}
			for k, v := range c.constraints {
				if rule.Constraints == nil {
					rule.Constraints = make(map[string]string)
				}
				rule.Constraints[k] = v
			}
		}
		sort.Strings(rule.Reasons)
		sort.Strings(rule.Sources)
		rules = append(rules, rule)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].Key() < rules[j].Key() })
	return rules
}

// materialize builds the node/edge subgraph referenced by the input:
// the agent itself, its roles and departments, plus synthetic
// delegated_to edges for active delegations.
func materialize(in Input) ([]orggraph.Node, []orggraph.Edge) {
	var nodes []orggraph.Node
	var edges []orggraph.Edge

	agentID := in.Identity.AgentID
	nodes = append(nodes, orggraph.Node{ID: agentID, Type: orggraph.NodeAgent})

	for _, role := range in.Roles {
		scope := orggraph.Scope{Resources: role.Scope.Resources, Actions: role.Scope.Actions}
		nodes = append(nodes, orggraph.Node{ID: role.ID, Type: orggraph.NodeRole, Scope: &scope})
		edges = append(edges, orggraph.Edge{From: agentID, To: role.ID, Type: orggraph.RelationHasRole})
	}
	for _, dept := range in.Departments {
		nodes = append(nodes, orggraph.Node{ID: dept, Type: orggraph.NodeDepartment})
		edges = append(edges, orggraph.Edge{From: agentID, To: dept, Type: orggraph.RelationMemberOf})
	}
	for _, grant := range in.Delegations {
		grantor := grant.GrantorID
		if grantor == "" {
			grantor = in.Identity.OwnerID
		}
		nodes = append(nodes, orggraph.Node{ID: grantor, Type: orggraph.NodeAgent})
		scope := orggraph.Scope{Resources: grant.Scope.Resources, Actions: grant.Scope.Actions}
		edges = append(edges, orggraph.Edge{
			From:  grantor,
			To:    agentID,
			Type:  orggraph.RelationDelegatedTo,
			Scope: &scope,
		})
	}

	seen := make(map[string]bool, len(nodes))
	deduped := nodes[:0]
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		deduped = append(deduped, n)
	}
	nodes = deduped

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Type < b.Type
	})
	return nodes, edges
}
