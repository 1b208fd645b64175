package adaptation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwstx/mandate/pkg/adaptation"
	"github.com/kwstx/mandate/pkg/audit"
	"github.com/kwstx/mandate/pkg/authority"
	"github.com/kwstx/mandate/pkg/errkind"
	"github.com/kwstx/mandate/pkg/identity"
)

var asOf = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func buildInput() authority.Input {
	return authority.Input{
		Identity: identity.Payload{
			AgentID: "agent:deployer",
			OwnerID: "user:alice",
			OrgID:   "org:acme",
			Scope: identity.Scope{
				Resources: []string{"service:api"},
				Actions:   []string{"deploy"},
			},
			Context: identity.Context{Environment: identity.EnvProduction},
			Version: "1.0.0",
		},
		AsOf: asOf,
	}
}

func newAdapter(t *testing.T) (*adaptation.Adapter, *audit.Trail) {
	t.Helper()
	builder, err := authority.NewBuilder()
	require.NoError(t, err)
	trail := audit.NewTrail().WithClock(func() time.Time { return asOf })
	return adaptation.NewAdapter(builder, trail).WithClock(func() time.Time { return asOf }), trail
}

func TestAdapt_NoOverlays_GraphUnchanged(t *testing.T) {
	adapter, _ := newAdapter(t)

	session, err := adapter.Adapt(buildInput(), adaptation.Signal{})
	require.NoError(t, err)

	assert.Equal(t, adaptation.StatusActive, session.Status)
	assert.Equal(t, session.BaseGraph, session.AdaptedGraph)
	assert.Empty(t, session.DecisionDelta)
	assert.Empty(t, session.AppliedPolicies)
}

func TestAdapt_EmergencyOverride(t *testing.T) {
	adapter, _ := newAdapter(t)

	session, err := adapter.Adapt(buildInput(), adaptation.Signal{
		Emergency: &adaptation.EmergencyOverride{ExpiresAt: asOf.Add(3600 * time.Second)},
	})
	require.NoError(t, err)

	assert.Equal(t, asOf.Add(3600*time.Second), session.ExpiresAt)
	require.Len(t, session.AppliedPolicies, 1)
	assert.Equal(t, "context:emergency_override", session.AppliedPolicies[0].Source)

	// The blanket (*, *) key flips from default-prohibited to
	// requires_approval.
	var blanket *adaptation.DeltaEntry
	for i := range session.DecisionDelta {
		if session.DecisionDelta[i].Resource == "*" && session.DecisionDelta[i].Action == "*" {
			blanket = &session.DecisionDelta[i]
		}
	}
	require.NotNil(t, blanket)
	assert.Equal(t, authority.DecisionProhibited, blanket.Base)
	assert.Equal(t, authority.DecisionRequiresApproval, blanket.Adapted)
}

func TestAdapt_SessionExpiryIsMinOverlayExpiry(t *testing.T) {
	adapter, _ := newAdapter(t)
	adapter.WithDefaultTTL(2 * time.Hour)

	session, err := adapter.Adapt(buildInput(), adaptation.Signal{
		Emergency: &adaptation.EmergencyOverride{ExpiresAt: asOf.Add(30 * time.Minute)},
		Jurisdictions: []adaptation.Jurisdiction{{
			Code: "EU",
			Policies: []authority.Policy{{
				Resource: "data:*", Actions: []string{"export"}, Effect: authority.EffectDeny,
			}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, asOf.Add(30*time.Minute), session.ExpiresAt)
}

func TestAdapt_SourceTagsPerTrigger(t *testing.T) {
	adapter, _ := newAdapter(t)

	pol := []authority.Policy{{Resource: "x", Actions: []string{"y"}, Effect: authority.EffectDeny}}
	session, err := adapter.Adapt(buildInput(), adaptation.Signal{
		Projects:        []adaptation.ProjectAssignment{{ProjectID: "apollo", Policies: pol}},
		ComplianceFlags: []adaptation.ComplianceFlag{{Flag: "sox", Policies: pol}},
		Jurisdictions:   []adaptation.Jurisdiction{{Code: "EU", Policies: pol}},
	})
	require.NoError(t, err)

	sources := make(map[string]bool)
	for _, p := range session.AppliedPolicies {
		sources[p.Source] = true
	}
	assert.True(t, sources["context:project:apollo"])
	assert.True(t, sources["context:compliance:sox"])
	assert.True(t, sources["context:jurisdiction:EU"])

	// Provenance flows through to the adapted graph's rules.
	rule, ok := session.AdaptedGraph.Lookup("x", "y")
	require.True(t, ok)
	assert.Contains(t, rule.Sources, "context:project:apollo")
}

func TestRevert(t *testing.T) {
	adapter, _ := newAdapter(t)

	session, err := adapter.Adapt(buildInput(), adaptation.Signal{
		Emergency: &adaptation.EmergencyOverride{ExpiresAt: asOf.Add(time.Hour)},
	})
	require.NoError(t, err)

	base, err := adapter.Revert(session.AdaptationID, asOf.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, session.BaseGraph, base)

	got, err := adapter.Get(session.AdaptationID, asOf.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, adaptation.StatusReverted, got.Status)
	require.NotNil(t, got.RevertedAt)

	// A reverted session cannot be reverted again.
	_, err = adapter.Revert(session.AdaptationID, asOf.Add(2*time.Minute))
	assert.Equal(t, errkind.PreconditionFailed, errkind.KindOf(err))

	_, err = adapter.Revert("missing", asOf)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestCleanupExpired_ThenRevertFails(t *testing.T) {
	adapter, trail := newAdapter(t)

	session, err := adapter.Adapt(buildInput(), adaptation.Signal{
		Emergency: &adaptation.EmergencyOverride{ExpiresAt: asOf.Add(3600 * time.Second)},
	})
	require.NoError(t, err)

	expired := adapter.CleanupExpired(asOf.Add(3601 * time.Second))
	assert.Equal(t, 1, expired)

	// A second sweep finds nothing left to expire.
	assert.Equal(t, 0, adapter.CleanupExpired(asOf.Add(3602*time.Second)))

	_, err = adapter.Revert(session.AdaptationID, asOf.Add(3700*time.Second))
	assert.Equal(t, errkind.PreconditionFailed, errkind.KindOf(err))

	expireEvents := 0
	for _, e := range trail.Events() {
		if e.Type == audit.TypeAdaptationExpired {
			expireEvents++
		}
	}
	assert.Equal(t, 1, expireEvents)
}
