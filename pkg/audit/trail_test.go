package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAppend_ChainsHashes(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())

	e1, err := trail.Append(Record{Domain: DomainAuthorityCheck, Type: TypeAuthorityCheckResult, Decision: "allow"})
	require.NoError(t, err)
	e2, err := trail.Append(Record{Domain: DomainDelegationEvent, Type: TypeDelegationCreated, EntityID: "del-1"})
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, e1.PreviousHash)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, e1.Hash, e2.PreviousHash)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, e2.Hash, trail.Head())
	assert.NotEmpty(t, e1.EventID)
}

func TestVerifyIntegrity_CleanChain(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	for i := 0; i < 5; i++ {
		_, err := trail.Append(Record{
			Domain:  DomainAuthorityCheck,
			Type:    TypeAuthorityCheckResult,
			Details: map[string]interface{}{"n": i},
		})
		require.NoError(t, err)
	}

	res := trail.VerifyIntegrity()
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
}

func TestVerifyIntegrity_DetectsTamperedDetails(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	for i := 0; i < 3; i++ {
		_, err := trail.Append(Record{
			Domain:  DomainAuthorityCheck,
			Type:    TypeAuthorityCheckResult,
			Details: map[string]interface{}{"n": i},
		})
		require.NoError(t, err)
	}

	trail.mutateForTest(1, func(e *Event) {
		e.Details["n"] = 99
	})

	res := trail.VerifyIntegrity()
	assert.False(t, res.Valid)
	assert.Equal(t, "Hash verification failed at sequence 2", res.Reason)
}

func TestVerifyIntegrity_DetectsSequenceGap(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	for i := 0; i < 3; i++ {
		_, err := trail.Append(Record{Domain: DomainAuthorityCheck, Type: TypeAuthorityCheckResult})
		require.NoError(t, err)
	}

	trail.mutateForTest(2, func(e *Event) { e.Sequence = 7 })

	res := trail.VerifyIntegrity()
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "Sequence gap")
}

func TestVerifyIntegrity_DetectsLinkageBreak(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	for i := 0; i < 3; i++ {
		_, err := trail.Append(Record{Domain: DomainAuthorityCheck, Type: TypeAuthorityCheckResult})
		require.NoError(t, err)
	}

	trail.mutateForTest(2, func(e *Event) {
		e.PreviousHash = "bogus"
		// Recompute the hash so only the linkage is broken.
		h, err := hashFor(*e)
		if err != nil {
			panic(err)
		}
		e.Hash = h
	})

	res := trail.VerifyIntegrity()
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "Chain linkage broken at sequence 3")
}

func TestReconstructDecisionChain_IncludesReferencedDelegations(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())

	// Delegation created outside the trace.
	_, err := trail.Append(Record{
		Domain:   DomainDelegationEvent,
		Type:     TypeDelegationCreated,
		EntityID: "del-42",
	})
	require.NoError(t, err)

	// Authority check inside the trace, sourced from that delegation.
	_, err = trail.Append(Record{
		TraceID:  "trace-1",
		Domain:   DomainAuthorityCheck,
		Type:     TypeAuthorityCheckResult,
		Decision: "allow",
		Details:  map[string]interface{}{"sources": []string{"identity:scope", "delegation:del-42"}},
	})
	require.NoError(t, err)

	// Unrelated delegation.
	_, err = trail.Append(Record{
		Domain:   DomainDelegationEvent,
		Type:     TypeDelegationCreated,
		EntityID: "del-other",
	})
	require.NoError(t, err)

	chain := trail.ReconstructDecisionChain("trace-1")
	require.Len(t, chain.AuthorityChecks, 1)
	require.Len(t, chain.Delegations, 1)
	assert.Equal(t, "del-42", chain.Delegations[0].EntityID)
}

func TestValidateCompliance(t *testing.T) {
	t.Run("compliant trace", func(t *testing.T) {
		trail := NewTrail().WithClock(fixedClock())
		mustAppend(t, trail, Record{TraceID: "t", Domain: DomainAuthorityCheck, Type: TypeAuthorityCheckResult, Decision: "requires_approval"})
		mustAppend(t, trail, Record{TraceID: "t", Domain: DomainApprovalPath, Type: TypeRouteApproved})
		mustAppend(t, trail, Record{TraceID: "t", Domain: DomainEnforcementDecision, Type: TypeEnforcementResult, Decision: "allow"})

		res := trail.ValidateCompliance("t")
		assert.True(t, res.Compliant)
		assert.Empty(t, res.Violations)
	})

	t.Run("missing authority check", func(t *testing.T) {
		trail := NewTrail().WithClock(fixedClock())
		mustAppend(t, trail, Record{TraceID: "t", Domain: DomainEnforcementDecision, Type: TypeEnforcementResult, Decision: "deny"})

		res := trail.ValidateCompliance("t")
		assert.False(t, res.Compliant)
	})

	t.Run("approval required but never approved", func(t *testing.T) {
		trail := NewTrail().WithClock(fixedClock())
		mustAppend(t, trail, Record{TraceID: "t", Domain: DomainAuthorityCheck, Type: TypeAuthorityCheckResult, Decision: "requires_approval"})

		res := trail.ValidateCompliance("t")
		assert.False(t, res.Compliant)
		require.Len(t, res.Violations, 1)
		assert.Contains(t, res.Violations[0], "approval")
	})

	t.Run("allow over deny", func(t *testing.T) {
		trail := NewTrail().WithClock(fixedClock())
		mustAppend(t, trail, Record{TraceID: "t", Domain: DomainAuthorityCheck, Type: TypeAuthorityCheckResult, Decision: "deny"})
		mustAppend(t, trail, Record{TraceID: "t", Domain: DomainEnforcementDecision, Type: TypeEnforcementResult, Decision: "allow"})

		res := trail.ValidateCompliance("t")
		assert.False(t, res.Compliant)
	})
}

func TestExporter_GeneratePack(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	mustAppend(t, trail, Record{TraceID: "t", Domain: DomainAuthorityCheck, Type: TypeAuthorityCheckResult, Decision: "allow"})

	exporter := NewExporter(trail).WithClock(fixedClock())
	zipBytes, checksum, err := exporter.GeneratePack("t")
	require.NoError(t, err)
	assert.NotEmpty(t, zipBytes)
	assert.Len(t, checksum, 64)

	_, _, err = exporter.GeneratePack("")
	assert.ErrorIs(t, err, ErrEmptyTraceID)

	_, _, err = exporter.GeneratePack("unknown")
	assert.ErrorIs(t, err, ErrNoEvents)
}

func mustAppend(t *testing.T, trail *Trail, rec Record) Event {
	t.Helper()
	e, err := trail.Append(rec)
	require.NoError(t, err)
	return e
}

func TestAppend_ManyEventsStayDense(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	for i := 1; i <= 100; i++ {
		e := mustAppend(t, trail, Record{
			Domain: DomainAuthorityCheck,
			Type:   TypeAuthorityCheckResult,
			Details: map[string]interface{}{
				"key": fmt.Sprintf("v%d", i),
			},
		})
		require.Equal(t, uint64(i), e.Sequence)
	}
	assert.True(t, trail.VerifyIntegrity().Valid)
}
