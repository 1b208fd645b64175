package approval

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kwstx/mandate/pkg/audit"
	"github.com/kwstx/mandate/pkg/errkind"
	"github.com/kwstx/mandate/pkg/identity"
	"github.com/kwstx/mandate/pkg/orggraph"
	"github.com/kwstx/mandate/pkg/pattern"
)

// RoutingRule matches requests to the approval domains they involve.
type RoutingRule struct {
	Name            string                 `json:"name,omitempty" yaml:"name,omitempty"`
	ResourcePattern string                 `json:"resource_pattern" yaml:"resource_pattern"`
	ActionPattern   string                 `json:"action_pattern" yaml:"action_pattern"`
	Environments    []identity.Environment `json:"environments,omitempty" yaml:"environments,omitempty"`
	AmountThreshold float64                `json:"amount_threshold,omitempty" yaml:"amount_threshold,omitempty"`
	CrossDepartment bool                   `json:"cross_department,omitempty" yaml:"cross_department,omitempty"`
	Domains         []Domain               `json:"domains" yaml:"domains"`
}

// matches reports whether the rule applies to the request.
func (r RoutingRule) matches(req Request) bool {
	if r.ResourcePattern != "" && !pattern.Match(r.ResourcePattern, req.Resource) {
		return false
	}
	if r.ActionPattern != "" && !pattern.Match(r.ActionPattern, req.Action) {
		return false
	}
	if len(r.Environments) > 0 {
		found := false
		for _, e := range r.Environments {
			if e == req.Environment {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.AmountThreshold > 0 && req.Amount < r.AmountThreshold {
		return false
	}
	if r.CrossDepartment && !req.CrossDepartment {
		return false
	}
	return true
}

// WorkflowStep is one caller-defined step in a custom workflow.
type WorkflowStep struct {
	StepID           string         `json:"step_id" yaml:"step_id"`
	Mode             Mode           `json:"mode" yaml:"mode"`
	Domains          []Domain       `json:"domains" yaml:"domains"`
	ApproverIDs      []string       `json:"approver_ids,omitempty" yaml:"approver_ids,omitempty"`
	DecisionPolicy   DecisionPolicy `json:"decision_policy" yaml:"decision_policy"`
	DependsOnStepIDs []string       `json:"depends_on_step_ids,omitempty" yaml:"depends_on_step_ids,omitempty"`
}

// Request asks the engine to assemble a route.
type Request struct {
	TraceID          string
	RequestRef       string
	AgentID          string
	ResourceOwnerID  string
	Resource         string
	Action           string
	Environment      identity.Environment
	Amount           float64
	CrossDepartment  bool
	ApprovalRequired bool
	Mode             Mode
	Reasons          []string
	Workflow         []WorkflowStep
}

// Engine owns approval routes. Approver pools per domain come from
// configuration; the managerial and cross-departmental pools are
// augmented from the organizational graph per request.
type Engine struct {
	mu              sync.Mutex
	routes          map[string]*Route
	rules           []RoutingRule
	domainApprovers map[Domain][]string
	org             *orggraph.Graph
	trail           *audit.Trail
	clock           func() time.Time
}

func NewEngine(rules []RoutingRule, domainApprovers map[Domain][]string, org *orggraph.Graph, trail *audit.Trail) *Engine {
	if domainApprovers == nil {
		domainApprovers = make(map[Domain][]string)
	}
	return &Engine{
		routes:          make(map[string]*Route),
		rules:           rules,
		domainApprovers: domainApprovers,
		org:             org,
		trail:           trail,
		clock:           time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// BuildRoute assembles a route for the request, or reports that no
// approval applies. Domains come from matched routing rules; a bare
// ApprovalRequired with no matching rule routes to the managerial
// domain.
func (e *Engine) BuildRoute(req Request) (Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var route *Route
	var err error
	if len(req.Workflow) > 0 {
		route, err = e.buildCustom(req)
	} else {
		route, err = e.buildStandard(req)
	}
	if err != nil {
		return Route{}, err
	}
	if route == nil {
		return Route{}, errkind.New(errkind.InvalidArgument, "request involves no approval domains")
	}

	e.routes[route.RouteID] = route
	e.emit(audit.Record{
		TraceID:  req.TraceID,
		Domain:   audit.DomainApprovalPath,
		Type:     audit.TypeRouteCreated,
		ActorID:  req.AgentID,
		EntityID: route.RouteID,
		Details: map[string]interface{}{
			"domains": domainStrings(route.Domains),
			"steps":   len(route.Steps),
		},
	})
	return route.clone(), nil
}

func (e *Engine) buildStandard(req Request) (*Route, error) {
	domainSet := make(map[Domain]bool)
	var reasons []string
	for _, rule := range e.rules {
		if rule.matches(req) {
			for _, d := range rule.Domains {
				domainSet[d] = true
			}
			if rule.Name != "" {
				reasons = append(reasons, "matched routing rule "+rule.Name)
			}
		}
	}
	if req.CrossDepartment {
		domainSet[DomainCrossDepartmental] = true
	}
	if len(domainSet) == 0 {
		if !req.ApprovalRequired {
			return nil, nil
		}
		domainSet[DomainManagerial] = true
	}
	reasons = append(reasons, req.Reasons...)

	var domains []Domain
	for _, d := range canonicalOrder {
		if domainSet[d] {
			domains = append(domains, d)
		}
	}

	route := &Route{
		RouteID:    uuid.New().String(),
		TraceID:    req.TraceID,
		RequestRef: req.RequestRef,
		Domains:    domains,
		Status:     RoutePending,
		Reasons:    reasons,
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeSequential
	}

	var prevID string
	for _, d := range domains {
		step := &Step{
			StepID:         fmt.Sprintf("step-%s", d),
			Mode:           mode,
			Domains:        []Domain{d},
			ApproverIDs:    e.approversFor(d, req),
			DecisionPolicy: PolicyAny,
			Status:         StepPending,
		}
		if d == DomainCrossDepartmental {
			step.DecisionPolicy = PolicyAll
		}
		if mode == ModeSequential && prevID != "" {
			step.DependsOnStepIDs = []string{prevID}
			step.Status = StepLocked
		}
		route.Steps = append(route.Steps, step)
		prevID = step.StepID
	}
	return route, nil
}

func (e *Engine) buildCustom(req Request) (*Route, error) {
	ids := make(map[string]bool, len(req.Workflow))
	for _, ws := range req.Workflow {
		if ws.StepID == "" {
			return nil, errkind.New(errkind.InvalidArgument, "workflow step id must not be empty")
		}
		if ids[ws.StepID] {
			return nil, errkind.New(errkind.InvalidArgument, "duplicate workflow step id %s", ws.StepID)
		}
		ids[ws.StepID] = true
	}
	for _, ws := range req.Workflow {
		for _, dep := range ws.DependsOnStepIDs {
			if !ids[dep] {
				return nil, errkind.New(errkind.InvalidArgument, "workflow step %s depends on unknown step %s", ws.StepID, dep)
			}
		}
	}
	if err := checkAcyclic(req.Workflow); err != nil {
		return nil, err
	}

	domainSet := make(map[Domain]bool)
	route := &Route{
		RouteID:    uuid.New().String(),
		TraceID:    req.TraceID,
		RequestRef: req.RequestRef,
		Status:     RoutePending,
		Reasons:    req.Reasons,
	}
	for _, ws := range req.Workflow {
		approvers := ws.ApproverIDs
		for _, d := range ws.Domains {
			domainSet[d] = true
			approvers = append(approvers, e.approversFor(d, req)...)
		}
		policy := ws.DecisionPolicy
		if policy == "" {
			policy = PolicyAny
		}
		step := &Step{
			StepID:           ws.StepID,
			Mode:             ws.Mode,
			Domains:          ws.Domains,
			ApproverIDs:      dedupe(approvers),
			DecisionPolicy:   policy,
			DependsOnStepIDs: ws.DependsOnStepIDs,
			Status:           StepPending,
		}
		if len(ws.DependsOnStepIDs) > 0 {
			step.Status = StepLocked
		}
		route.Steps = append(route.Steps, step)
	}
	for _, d := range canonicalOrder {
		if domainSet[d] {
			route.Domains = append(route.Domains, d)
		}
	}
	return route, nil
}

// checkAcyclic rejects workflows whose dependency graph has a cycle.
func checkAcyclic(steps []WorkflowStep) error {
	deps := make(map[string][]string, len(steps))
	indegree := make(map[string]int, len(steps))
	for _, ws := range steps {
		indegree[ws.StepID] += 0
		for _, dep := range ws.DependsOnStepIDs {
			deps[dep] = append(deps[dep], ws.StepID)
			indegree[ws.StepID]++
		}
	}
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range deps[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(steps) {
		return errkind.New(errkind.InvalidArgument, "workflow dependency graph contains a cycle")
	}
	return nil
}

// approversFor resolves the approver pool for one domain.
func (e *Engine) approversFor(d Domain, req Request) []string {
	approvers := append([]string(nil), e.domainApprovers[d]...)
	if e.org != nil {
		switch d {
		case DomainManagerial:
			if mgr, ok := e.org.DirectManager(req.AgentID); ok {
				approvers = append(approvers, mgr)
			}
		case DomainCrossDepartmental:
			if req.ResourceOwnerID != "" {
				approvers = append(approvers, e.org.RequiredApprovers(req.AgentID, req.ResourceOwnerID)...)
			}
		}
	}
	return dedupe(approvers)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func domainStrings(ds []Domain) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	sort.Strings(out)
	return out
}

// Get returns a route snapshot.
func (e *Engine) Get(routeID string) (Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	route, ok := e.routes[routeID]
	if !ok {
		return Route{}, errkind.New(errkind.NotFound, "route %s not found", routeID)
	}
	return route.clone(), nil
}

// Decision is one approver's verdict on a step.
type Decision struct {
	RouteID    string
	StepID     string
	ApproverID string
	Approved   bool
}

// Submit applies a decision. Each invalid submission fails with a
// distinct error kind; a valid approval may unlock dependent steps and
// complete the route, a valid rejection terminates it.
func (e *Engine) Submit(d Decision) (Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	route, ok := e.routes[d.RouteID]
	if !ok {
		return Route{}, errkind.New(errkind.NotFound, "route %s not found", d.RouteID)
	}
	if route.isTerminal() {
		return Route{}, errkind.New(errkind.AuthorizationDenied, "route %s is already %s", d.RouteID, route.Status)
	}
	step := route.step(d.StepID)
	if step == nil {
		return Route{}, errkind.New(errkind.NotFound, "step %s not found on route %s", d.StepID, d.RouteID)
	}
	if step.Status == StepLocked {
		return Route{}, errkind.New(errkind.PreconditionFailed, "step %s is locked", d.StepID)
	}
	if step.isTerminal() {
		return Route{}, errkind.New(errkind.PreconditionFailed, "step %s is already %s", d.StepID, step.Status)
	}
	if !contains(step.ApproverIDs, d.ApproverID) {
		return Route{}, errkind.New(errkind.AuthorizationDenied, "approver %s is not authorized for step %s", d.ApproverID, d.StepID)
	}

	now := e.clock().UTC()
	if !d.Approved {
		step.RejectedBy = append(step.RejectedBy, d.ApproverID)
		step.Status = StepRejected
		route.Status = RouteRejected
		route.Events = append(route.Events,
			Event{Type: EventStepRejected, StepID: step.StepID, ActorID: d.ApproverID, At: now},
			Event{Type: EventRouteRejected, At: now},
		)
		e.emit(audit.Record{
			TraceID:  route.TraceID,
			Domain:   audit.DomainApprovalPath,
			Type:     audit.TypeStepRejected,
			ActorID:  d.ApproverID,
			EntityID: route.RouteID,
			Details:  map[string]interface{}{"step": step.StepID},
		})
		e.emit(audit.Record{
			TraceID:  route.TraceID,
			Domain:   audit.DomainApprovalPath,
			Type:     audit.TypeRouteRejected,
			EntityID: route.RouteID,
		})
		return route.clone(), nil
	}

	if !contains(step.ApprovedBy, d.ApproverID) {
		step.ApprovedBy = append(step.ApprovedBy, d.ApproverID)
	}
	if quorumMet(step) {
		step.Status = StepApproved
		route.Events = append(route.Events,
			Event{Type: EventStepApproved, StepID: step.StepID, ActorID: d.ApproverID, At: now})
		e.emit(audit.Record{
			TraceID:  route.TraceID,
			Domain:   audit.DomainApprovalPath,
			Type:     audit.TypeStepApproved,
			ActorID:  d.ApproverID,
			EntityID: route.RouteID,
			Details:  map[string]interface{}{"step": step.StepID},
		})
		e.unlock(route, now)
		e.maybeComplete(route, now)
	}
	return route.clone(), nil
}

func quorumMet(step *Step) bool {
	switch step.DecisionPolicy {
	case PolicyAll:
		for _, id := range step.ApproverIDs {
			if !contains(step.ApprovedBy, id) {
				return false
			}
		}
		return true
	default:
		return len(step.ApprovedBy) > 0
	}
}

// unlock moves every locked step whose dependencies are all approved
// to pending.
func (e *Engine) unlock(route *Route, now time.Time) {
	for _, step := range route.Steps {
		if step.Status != StepLocked {
			continue
		}
		ready := true
		for _, dep := range step.DependsOnStepIDs {
			if ds := route.step(dep); ds == nil || ds.Status != StepApproved {
				ready = false
				break
			}
		}
		if ready {
			step.Status = StepPending
			route.Events = append(route.Events, Event{Type: EventStepUnlocked, StepID: step.StepID, At: now})
			e.emit(audit.Record{
				TraceID:  route.TraceID,
				Domain:   audit.DomainApprovalPath,
				Type:     audit.TypeStepUnlocked,
				EntityID: route.RouteID,
				Details:  map[string]interface{}{"step": step.StepID},
			})
		}
	}
}

// maybeComplete approves the route once every step is approved.
func (e *Engine) maybeComplete(route *Route, now time.Time) {
	for _, step := range route.Steps {
		if step.Status != StepApproved {
			return
		}
	}
	route.Status = RouteApproved
	route.Events = append(route.Events, Event{Type: EventRouteApproved, At: now})
	e.emit(audit.Record{
		TraceID:  route.TraceID,
		Domain:   audit.DomainApprovalPath,
		Type:     audit.TypeRouteApproved,
		EntityID: route.RouteID,
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (e *Engine) emit(rec audit.Record) {
	if e.trail == nil {
		return
	}
	_, _ = e.trail.Append(rec)
}
