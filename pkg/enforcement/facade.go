// Package enforcement is the facade tying identity, authority graph,
// action validation and token verification into a single allow/deny
// decision with an anomaly list. Every decision leaves two audit
// events behind: the token verification and the enforcement result.
package enforcement

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kwstx/mandate/pkg/approval"
	"github.com/kwstx/mandate/pkg/audit"
	"github.com/kwstx/mandate/pkg/authority"
	"github.com/kwstx/mandate/pkg/observability"
	"github.com/kwstx/mandate/pkg/pattern"
	"github.com/kwstx/mandate/pkg/revocation"
	"github.com/kwstx/mandate/pkg/trust"
	"github.com/kwstx/mandate/pkg/validation"
)

// AnomalySeverity ranks detected anomalies. Critical and high block.
type AnomalySeverity string

const (
	SeverityCritical AnomalySeverity = "critical"
	SeverityHigh     AnomalySeverity = "high"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityLow      AnomalySeverity = "low"
)

// Anomaly types. An unauthorized pathway means no rule matched the
// action at all; a prohibited action hit an explicit deny rule.
const (
	AnomalyScopeEscalation     = "scope_escalation"
	AnomalyBypassedApproval    = "bypassed_approval"
	AnomalyUnauthorizedPathway = "unauthorized_pathway"
	AnomalyProhibitedAction    = "prohibited_action"
	AnomalyContextMismatch     = "context_mismatch"
	AnomalyRevokedIdentity     = "revoked_identity"
)

// Anomaly is one suspicious finding on an enforcement request.
type Anomaly struct {
	Type     string          `json:"type"`
	Severity AnomalySeverity `json:"severity"`
	Message  string          `json:"message"`
}

// Decision is the facade's final verdict.
type Decision struct {
	Allow       bool              `json:"allow"`
	TraceID     string            `json:"trace_id,omitempty"`
	TokenResult trust.Result      `json:"token_result"`
	Validation  validation.Result `json:"validation"`
	Anomalies   []Anomaly         `json:"anomalies,omitempty"`
}

// Facade wires the verifier, validator, revocation list and optional
// approval engine into the final decision point. Every enforcement
// runs inside a span and feeds the decision counter.
type Facade struct {
	verifier    *trust.Verifier
	validator   *validation.Validator
	revocations revocation.Store
	approvals   *approval.Engine
	trail       *audit.Trail
	obs         *observability.Provider
	clock       func() time.Time
}

func NewFacade(verifier *trust.Verifier, validator *validation.Validator, trail *audit.Trail, obs *observability.Provider) *Facade {
	return &Facade{
		verifier:  verifier,
		validator: validator,
		trail:     trail,
		obs:       obs,
		clock:     time.Now,
	}
}

// WithRevocations enables the revoked-identity check.
func (f *Facade) WithRevocations(store revocation.Store) *Facade {
	f.revocations = store
	return f
}

// WithApprovals lets the facade confirm that a referenced approval
// route actually approved.
func (f *Facade) WithApprovals(engine *approval.Engine) *Facade {
	f.approvals = engine
	return f
}

// WithClock overrides the clock for deterministic testing.
func (f *Facade) WithClock(clock func() time.Time) *Facade {
	f.clock = clock
	return f
}

// Enforce verifies the portable token, validates the action against
// the graph, detects anomalies, and decides. asOf governs every
// temporal check; zero means now.
func (f *Facade) Enforce(ctx context.Context, act validation.Action, token trust.PortableToken, graph authority.Graph, approvalRouteID string, asOf time.Time) (_ Decision, err error) {
	if asOf.IsZero() {
		asOf = f.clock()
	}

	if f.obs != nil {
		var done func(error)
		ctx, done = f.obs.TrackOperation(ctx, "enforcement.enforce",
			attribute.String("mandate.agent_id", act.AgentID),
			attribute.String("mandate.action", act.Action),
		)
		defer func() { done(err) }()
	}

	decision := Decision{TraceID: act.TraceID}

	// Revocation is checked before any cryptographic work: a revoked
	// identity records a critical anomaly, which forces a deny; token
	// verification and action validation still run and are audited.
	if f.revocations != nil {
		revoked, err := f.revocations.IsRevoked(ctx, token.Identity.Payload.AgentID)
		if err != nil {
			return Decision{}, err
		}
		if revoked {
			decision.Anomalies = append(decision.Anomalies, Anomaly{
				Type:     AnomalyRevokedIdentity,
				Severity: SeverityCritical,
				Message:  "identity " + token.Identity.Payload.AgentID + " has been revoked",
			})
		}
	}

	tokenResult, err := f.verifier.VerifyToken(token, asOf)
	if err != nil {
		return Decision{}, err
	}
	decision.TokenResult = tokenResult
	f.emit(audit.Record{
		TraceID:   act.TraceID,
		Domain:    audit.DomainEnforcementDecision,
		Type:      audit.TypeTokenVerification,
		SubjectID: token.Identity.Payload.AgentID,
		Decision:  verdict(tokenResult.IsValid),
		Details: map[string]interface{}{
			"trust_chain_status": string(tokenResult.TrustChainStatus),
			"reason":             tokenResult.Reason,
		},
	})

	decision.Validation = f.validator.Validate(act, graph)

	decision.Anomalies = append(decision.Anomalies, f.detectAnomalies(act, token, decision.Validation, approvalRouteID)...)

	decision.Allow = decision.Validation.Authorized &&
		tokenResult.IsValid &&
		!hasBlockingAnomaly(decision.Anomalies)

	f.emit(audit.Record{
		TraceID:   act.TraceID,
		Domain:    audit.DomainEnforcementDecision,
		Type:      audit.TypeEnforcementResult,
		SubjectID: act.AgentID,
		Decision:  verdict(decision.Allow),
		Details: map[string]interface{}{
			"resource":  act.Resource,
			"action":    act.Action,
			"anomalies": anomalyTypes(decision.Anomalies),
		},
	})
	if f.obs != nil {
		f.obs.RecordDecision(ctx, decision.Allow,
			attribute.String("mandate.action", act.Action),
		)
	}
	return decision, nil
}

func (f *Facade) emit(rec audit.Record) {
	if f.trail == nil {
		return
	}
	_, _ = f.trail.Append(rec)
}

// detectAnomalies inspects the validated action for escalation,
// approval bypass, unauthorized pathways and context mismatches.
func (f *Facade) detectAnomalies(act validation.Action, token trust.PortableToken, result validation.Result, approvalRouteID string) []Anomaly {
	var anomalies []Anomaly

	// Scope escalation: the action falls outside the identity's
	// declared scope and no delegation source justifies it.
	declared := token.Identity.Payload.Scope
	inDeclared := scopeCovers(declared.Resources, act.Resource) && scopeCovers(declared.Actions, act.Action)
	if !inDeclared && !result.IsDelegated {
		anomalies = append(anomalies, Anomaly{
			Type:     AnomalyScopeEscalation,
			Severity: SeverityHigh,
			Message:  "action exceeds the identity's declared scope without a delegation",
		})
	}

	for _, v := range result.Violations {
		switch v.Code {
		case validation.CodeScopeViolation:
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyUnauthorizedPathway,
				Severity: SeverityHigh,
				Message:  v.Message,
			})
		case validation.CodeProhibited:
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyProhibitedAction,
				Severity: SeverityHigh,
				Message:  v.Message,
			})
		case validation.CodeContextMismatch:
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyContextMismatch,
				Severity: SeverityHigh,
				Message:  v.Message,
			})
		case validation.CodeApprovalRequired:
			if !f.routeApproved(approvalRouteID) {
				anomalies = append(anomalies, Anomaly{
					Type:     AnomalyBypassedApproval,
					Severity: SeverityCritical,
					Message:  "approval is required and no approved route was presented",
				})
			}
		}
	}
	return anomalies
}

// routeApproved checks the referenced route with the approval engine.
// Without an engine the facade cannot confirm anything, so any claimed
// route counts as unapproved.
func (f *Facade) routeApproved(routeID string) bool {
	if routeID == "" || f.approvals == nil {
		return false
	}
	route, err := f.approvals.Get(routeID)
	if err != nil {
		return false
	}
	return route.Status == approval.RouteApproved
}

func scopeCovers(patterns []string, value string) bool {
	return pattern.MatchAny(patterns, value)
}

func hasBlockingAnomaly(anomalies []Anomaly) bool {
	for _, a := range anomalies {
		if a.Severity == SeverityCritical || a.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

func anomalyTypes(anomalies []Anomaly) []string {
	out := make([]string, len(anomalies))
	for i, a := range anomalies {
		out[i] = a.Type
	}
	return out
}

func verdict(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}
