// Package validation evaluates a concrete proposed action against a
// built authority graph, producing a decision and a structured list of
// violations rather than raising.
package validation

import (
	"fmt"
	"time"

	"github.com/kwstx/mandate/pkg/audit"
	"github.com/kwstx/mandate/pkg/authority"
	"github.com/kwstx/mandate/pkg/identity"
	"github.com/kwstx/mandate/pkg/orggraph"
)

// Severity ranks violations. Only error-severity violations block.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation codes. SCOPE_VIOLATION means no rule covers the pair at
// all; PROHIBITED means a rule exists and explicitly denies it.
const (
	CodeScopeViolation   = "SCOPE_VIOLATION"
	CodeProhibited       = "PROHIBITED"
	CodeApprovalRequired = "APPROVAL_REQUIRED"
	CodeContextMismatch  = "CONTEXT_MISMATCH"
)

// Violation is one finding against a proposed action.
type Violation struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Action is a concrete proposed operation.
type Action struct {
	TraceID         string               `json:"trace_id,omitempty"`
	AgentID         string               `json:"agent_id"`
	Resource        string               `json:"resource"`
	Action          string               `json:"action"`
	Environment     identity.Environment `json:"environment,omitempty"`
	ResourceOwnerID string               `json:"resource_owner_id,omitempty"`
}

// Result is the outcome of validating one action.
type Result struct {
	Authorized        bool               `json:"authorized"`
	Decision          authority.Decision `json:"decision"`
	IsDelegated       bool               `json:"is_delegated"`
	Rule              *authority.Rule    `json:"rule,omitempty"`
	Violations        []Violation        `json:"violations,omitempty"`
	RequiredApprovals []string           `json:"required_approvals,omitempty"`
}

// Errors reports whether any violation carries error severity.
func (r Result) Errors() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validator checks actions against authority graphs. The org graph is
// consulted for cross-department approver resolution; the trail
// receives one authority_check_result per call.
type Validator struct {
	org   *orggraph.Graph
	trail *audit.Trail
	clock func() time.Time
}

func NewValidator(org *orggraph.Graph, trail *audit.Trail) *Validator {
	return &Validator{org: org, trail: trail, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate evaluates act against graph. The graph's build context is
// compared to the action's target environment explicitly; nothing is
// inferred.
func (v *Validator) Validate(act Action, graph authority.Graph) Result {
	result := Result{Decision: graph.DefaultDecision}

	rule, found := graph.Lookup(act.Resource, act.Action)
	if found {
		result.Decision = rule.Decision
		r := rule
		result.Rule = &r
		result.IsDelegated = rule.IsDelegated()
	}

	switch {
	case !found:
		result.Violations = append(result.Violations, Violation{
			Code:     CodeScopeViolation,
			Severity: SeverityError,
			Message:  fmt.Sprintf("no authority rule covers (%s, %s)", act.Resource, act.Action),
		})
	case rule.Decision == authority.DecisionProhibited:
		msg := fmt.Sprintf("(%s, %s) is prohibited", act.Resource, act.Action)
		if len(rule.Reasons) > 0 {
			msg += ": " + rule.Reasons[0]
		}
		result.Violations = append(result.Violations, Violation{
			Code:     CodeProhibited,
			Severity: SeverityError,
			Message:  msg,
		})
	case rule.Decision == authority.DecisionRequiresApproval:
		result.Violations = append(result.Violations, Violation{
			Code:     CodeApprovalRequired,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("(%s, %s) requires approval", act.Resource, act.Action),
		})
		if act.ResourceOwnerID != "" && v.org != nil {
			result.RequiredApprovals = v.org.RequiredApprovers(act.AgentID, act.ResourceOwnerID)
		}
	}

	if act.Environment != "" && graph.Context.Environment != "" && act.Environment != graph.Context.Environment {
		result.Violations = append(result.Violations, Violation{
			Code:     CodeContextMismatch,
			Severity: SeverityError,
			Message: fmt.Sprintf("action targets %s but the authority graph was built for %s",
				act.Environment, graph.Context.Environment),
		})
	}

	result.Authorized = !result.Errors()

	v.emit(act, result)
	return result
}

func (v *Validator) emit(act Action, result Result) {
	if v.trail == nil {
		return
	}
	decision := "deny"
	switch {
	case result.Authorized && result.Decision == authority.DecisionRequiresApproval:
		decision = "requires_approval"
	case result.Authorized:
		decision = "allow"
	}
	details := map[string]interface{}{
		"resource": act.Resource,
		"action":   act.Action,
	}
	if result.Rule != nil {
		details["sources"] = result.Rule.Sources
	}
	if len(result.RequiredApprovals) > 0 {
		details["required_approvals"] = result.RequiredApprovals
	}
	var codes []string
	for _, viol := range result.Violations {
		codes = append(codes, viol.Code)
	}
	if len(codes) > 0 {
		details["violations"] = codes
	}
	_, _ = v.trail.Append(audit.Record{
		TraceID:   act.TraceID,
		Domain:    audit.DomainAuthorityCheck,
		Type:      audit.TypeAuthorityCheckResult,
		SubjectID: act.AgentID,
		Decision:  decision,
		Details:   details,
	})
}
