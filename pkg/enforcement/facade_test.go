package enforcement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwstx/mandate/pkg/approval"
	"github.com/kwstx/mandate/pkg/audit"
	"github.com/kwstx/mandate/pkg/authority"
	"github.com/kwstx/mandate/pkg/crypto"
	"github.com/kwstx/mandate/pkg/enforcement"
	"github.com/kwstx/mandate/pkg/identity"
	"github.com/kwstx/mandate/pkg/observability"
	"github.com/kwstx/mandate/pkg/revocation"
	"github.com/kwstx/mandate/pkg/trust"
	"github.com/kwstx/mandate/pkg/validation"
)

var asOf = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	facade *enforcement.Facade
	trail  *audit.Trail
	token  trust.PortableToken
	graph  authority.Graph
	engine *approval.Engine
	revs   *revocation.MemoryStore
}

func setup(t *testing.T, policies []authority.Policy) fixture {
	t.Helper()

	root, err := crypto.NewEd25519Signer("root")
	require.NoError(t, err)
	agentKey, err := crypto.NewEd25519Signer("agent")
	require.NoError(t, err)

	signed, err := identity.Issue(identity.Payload{
		AgentID: "agent:deployer",
		OwnerID: "user:alice",
		OrgID:   "org:acme",
		Scope: identity.Scope{
			Resources: []string{"service:*"},
			Actions:   []string{"deploy"},
		},
		Context:   identity.Context{Environment: identity.EnvProduction},
		IssuedAt:  asOf.Add(-time.Hour),
		ExpiresAt: asOf.Add(24 * time.Hour),
		Version:   "1.0.0",
	}, agentKey)
	require.NoError(t, err)

	assertion, err := trust.IssueAssertion(trust.AssertionPayload{
		IssuerID:  "root",
		SubjectID: "agent:deployer",
		Type:      trust.AssertionCapability,
		Claim:     "deployer may act for org:acme",
		IssuedAt:  asOf.Add(-time.Hour),
		ExpiresAt: asOf.Add(time.Hour),
	}, root)
	require.NoError(t, err)

	token := trust.PortableToken{
		Identity: signed,
		AuthorityProof: trust.AuthorityProof{
			Assertions:      []trust.Assertion{assertion},
			TargetSubjectID: "agent:deployer",
		},
		Version: "1.0.0",
	}

	builder, err := authority.NewBuilder()
	require.NoError(t, err)
	graph, err := builder.Build(authority.Input{
		Identity:    signed.Payload,
		OrgPolicies: policies,
		AsOf:        asOf,
	})
	require.NoError(t, err)

	trail := audit.NewTrail().WithClock(func() time.Time { return asOf })
	verifier := trust.NewVerifier([]string{root.PublicKey()})
	validator := validation.NewValidator(nil, trail)
	engine := approval.NewEngine(nil, map[approval.Domain][]string{
		approval.DomainManagerial: {"user:mgr"},
	}, nil, trail).WithClock(func() time.Time { return asOf })
	revs := revocation.NewMemoryStore()
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	facade := enforcement.NewFacade(verifier, validator, trail, obs).
		WithRevocations(revs).
		WithApprovals(engine).
		WithClock(func() time.Time { return asOf })

	return fixture{facade: facade, trail: trail, token: token, graph: graph, engine: engine, revs: revs}
}

func deployAction() validation.Action {
	return validation.Action{
		TraceID:     "trace-e1",
		AgentID:     "agent:deployer",
		Resource:    "service:api",
		Action:      "deploy",
		Environment: identity.EnvProduction,
	}
}

func TestEnforce_Allow(t *testing.T) {
	fx := setup(t, nil)

	d, err := fx.facade.Enforce(context.Background(), deployAction(), fx.token, fx.graph, "", asOf)
	require.NoError(t, err)

	assert.True(t, d.Allow)
	assert.True(t, d.TokenResult.IsValid)
	assert.Empty(t, d.Anomalies)

	var types []string
	for _, e := range fx.trail.EventsForTrace("trace-e1") {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, audit.TypeTokenVerification)
	assert.Contains(t, types, audit.TypeEnforcementResult)
	assert.Contains(t, types, audit.TypeAuthorityCheckResult)
}

func TestEnforce_DenyOnInvalidToken(t *testing.T) {
	fx := setup(t, nil)

	tampered := fx.token
	tampered.Identity.Payload.OwnerID = "user:mallory"

	d, err := fx.facade.Enforce(context.Background(), deployAction(), tampered, fx.graph, "", asOf)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.False(t, d.TokenResult.IsValid)
}

func TestEnforce_DenyOnRevokedIdentity(t *testing.T) {
	fx := setup(t, nil)
	require.NoError(t, fx.revs.Revoke(context.Background(), "agent:deployer", asOf.Add(-time.Minute)))

	d, err := fx.facade.Enforce(context.Background(), deployAction(), fx.token, fx.graph, "", asOf)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	require.NotEmpty(t, d.Anomalies)
	assert.Equal(t, enforcement.AnomalyRevokedIdentity, d.Anomalies[0].Type)
}

func TestEnforce_ScopeEscalationAnomaly(t *testing.T) {
	fx := setup(t, []authority.Policy{
		// A policy grants beyond the identity's declared scope.
		{Resource: "db:reports", Actions: []string{"read"}, Effect: authority.EffectAllow},
	})

	act := deployAction()
	act.Resource = "db:reports"
	act.Action = "read"

	d, err := fx.facade.Enforce(context.Background(), act, fx.token, fx.graph, "", asOf)
	require.NoError(t, err)

	assert.False(t, d.Allow)
	found := false
	for _, a := range d.Anomalies {
		if a.Type == enforcement.AnomalyScopeEscalation {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEnforce_DelegationJustifiesOutOfScopeAction(t *testing.T) {
	fx := setup(t, nil)

	builder, err := authority.NewBuilder()
	require.NoError(t, err)
	graph, err := builder.Build(authority.Input{
		Identity: fx.token.Identity.Payload,
		Delegations: []authority.DelegationGrant{
			{ID: "del-7", GrantorID: "agent:lead", Scope: identity.Scope{Resources: []string{"db:reports"}, Actions: []string{"read"}}},
		},
		AsOf: asOf,
	})
	require.NoError(t, err)

	act := deployAction()
	act.Resource = "db:reports"
	act.Action = "read"

	d, err := fx.facade.Enforce(context.Background(), act, fx.token, graph, "", asOf)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Anomalies)
}

func TestEnforce_BypassedApproval(t *testing.T) {
	fx := setup(t, []authority.Policy{
		{Resource: "service:prod-api", Actions: []string{"deploy"}, Effect: authority.EffectRequireApproval},
	})

	act := deployAction()
	act.Resource = "service:prod-api"

	// No route presented: blocked with a critical anomaly.
	d, err := fx.facade.Enforce(context.Background(), act, fx.token, fx.graph, "", asOf)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	require.NotEmpty(t, d.Anomalies)
	assert.Equal(t, enforcement.AnomalyBypassedApproval, d.Anomalies[0].Type)

	// An approved route clears the path.
	route, err := fx.engine.BuildRoute(approval.Request{
		TraceID: act.TraceID, AgentID: act.AgentID,
		Resource: act.Resource, Action: act.Action,
		ApprovalRequired: true,
	})
	require.NoError(t, err)
	_, err = fx.engine.Submit(approval.Decision{
		RouteID: route.RouteID, StepID: route.Steps[0].StepID,
		ApproverID: "user:mgr", Approved: true,
	})
	require.NoError(t, err)

	d, err = fx.facade.Enforce(context.Background(), act, fx.token, fx.graph, route.RouteID, asOf)
	require.NoError(t, err)
	assert.True(t, d.Allow)

	// A pending (unapproved) route does not.
	pending, err := fx.engine.BuildRoute(approval.Request{
		TraceID: act.TraceID, AgentID: act.AgentID, ApprovalRequired: true,
	})
	require.NoError(t, err)
	d, err = fx.facade.Enforce(context.Background(), act, fx.token, fx.graph, pending.RouteID, asOf)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestEnforce_ContextMismatch(t *testing.T) {
	fx := setup(t, nil)

	act := deployAction()
	act.Environment = identity.EnvStaging

	d, err := fx.facade.Enforce(context.Background(), act, fx.token, fx.graph, "", asOf)
	require.NoError(t, err)
	assert.False(t, d.Allow)

	found := false
	for _, a := range d.Anomalies {
		if a.Type == enforcement.AnomalyContextMismatch {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEnforce_UnauthorizedPathway(t *testing.T) {
	fx := setup(t, nil)

	act := deployAction()
	act.Resource = "db:payroll"
	act.Action = "drop"

	d, err := fx.facade.Enforce(context.Background(), act, fx.token, fx.graph, "", asOf)
	require.NoError(t, err)
	assert.False(t, d.Allow)

	found := false
	for _, a := range d.Anomalies {
		if a.Type == enforcement.AnomalyUnauthorizedPathway {
			found = true
		}
		assert.NotEqual(t, enforcement.AnomalyProhibitedAction, a.Type)
	}
	assert.True(t, found)
}

func TestEnforce_ProhibitedActionIsDistinctAnomaly(t *testing.T) {
	fx := setup(t, []authority.Policy{
		{Resource: "service:prod-db", Actions: []string{"deploy"}, Effect: authority.EffectDeny, Reason: "change freeze"},
	})

	act := deployAction()
	act.Resource = "service:prod-db"

	d, err := fx.facade.Enforce(context.Background(), act, fx.token, fx.graph, "", asOf)
	require.NoError(t, err)
	assert.False(t, d.Allow)

	found := false
	for _, a := range d.Anomalies {
		if a.Type == enforcement.AnomalyProhibitedAction {
			found = true
			assert.Contains(t, a.Message, "change freeze")
		}
		assert.NotEqual(t, enforcement.AnomalyUnauthorizedPathway, a.Type)
	}
	assert.True(t, found)
}

func TestEnforce_ComplianceOverFullTrace(t *testing.T) {
	fx := setup(t, nil)

	d, err := fx.facade.Enforce(context.Background(), deployAction(), fx.token, fx.graph, "", asOf)
	require.NoError(t, err)
	require.True(t, d.Allow)

	res := fx.trail.ValidateCompliance("trace-e1")
	assert.True(t, res.Compliant, "violations: %v", res.Violations)
	assert.True(t, fx.trail.VerifyIntegrity().Valid)
}
