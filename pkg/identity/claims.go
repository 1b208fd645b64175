package identity

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// RoleClaims carries directory-assigned and resolver-expanded roles.
// The core treats resolved roles as authoritative.
type RoleClaims struct {
	Assigned []string `json:"assigned"`
	Resolved []string `json:"resolved"`
}

// DepartmentClaims carries the subject's department placement.
type DepartmentClaims struct {
	ActiveDepartmentID string   `json:"active_department_id"`
	Lineage            []string `json:"lineage"`
}

// ClaimSet is the read-only view a directory/SSO/RBAC connector
// provides for one agent.
type ClaimSet struct {
	Subject          string           `json:"subject"`
	Roles            RoleClaims       `json:"roles"`
	Departments      DepartmentClaims `json:"departments"`
	PermissionScopes []Scope          `json:"permission_scopes,omitempty"`
	SynchronizedAt   time.Time        `json:"synchronized_at"`
}

// ClaimProvider resolves the claim set for an agent id. Implementations
// are external connectors; their outputs are materialized before any
// authority build.
type ClaimProvider interface {
	Claims(ctx context.Context, agentID string) (ClaimSet, error)
}

// CachingProvider memoizes claim lookups with a TTL so hot agents do
// not hammer the upstream directory on every graph build.
type CachingProvider struct {
	upstream ClaimProvider
	cache    *gocache.Cache
}

// NewCachingProvider wraps upstream with a TTL cache. A zero ttl
// disables expiry-based invalidation.
func NewCachingProvider(upstream ClaimProvider, ttl time.Duration) *CachingProvider {
	return &CachingProvider{
		upstream: upstream,
		cache:    gocache.New(ttl, 2*ttl),
	}
}

func (p *CachingProvider) Claims(ctx context.Context, agentID string) (ClaimSet, error) {
	if cached, ok := p.cache.Get(agentID); ok {
		return cached.(ClaimSet), nil
	}
	claims, err := p.upstream.Claims(ctx, agentID)
	if err != nil {
		return ClaimSet{}, err
	}
	p.cache.SetDefault(agentID, claims)
	return claims, nil
}

// Invalidate drops a cached claim set, forcing the next lookup through
// to the upstream provider.
func (p *CachingProvider) Invalidate(agentID string) {
	p.cache.Delete(agentID)
}
