package delegation

import (
	"github.com/kwstx/mandate/pkg/authority"
)

// Grant converts a record into the builder's delegation input.
func (r Record) Grant() authority.DelegationGrant {
	return authority.DelegationGrant{
		ID:          r.DelegationID,
		GrantorID:   r.GrantorAgentID,
		Scope:       r.Scope,
		Reason:      r.Reason,
		Constraints: r.Scope.Constraints,
	}
}

// Grants converts a permission listing for use in a graph build.
func Grants(records []Record) []authority.DelegationGrant {
	out := make([]authority.DelegationGrant, len(records))
	for i, r := range records {
		out[i] = r.Grant()
	}
	return out
}
